package rendezvous

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/rendezvous-server-go/wire"
)

// recordingSender captures the responses a session queues, in order.
type recordingSender struct {
	mu         sync.Mutex
	sent       []wire.Response
	terminated bool
}

func (r *recordingSender) Send(resp wire.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, resp)
}

func (r *recordingSender) Terminate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminated = true
}

func (r *recordingSender) responses() []wire.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Response, len(r.sent))
	copy(out, r.sent)
	return out
}

func (r *recordingSender) isTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// respMap round-trips a response through the encoder so tests assert on the
// frames a client would actually see.
func respMap(t *testing.T, resp wire.Response) map[string]any {
	t.Helper()
	data, err := wire.Encode(resp, time.Now())
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return m
}

func respTypes(t *testing.T, resps []wire.Response) []string {
	t.Helper()
	out := make([]string, len(resps))
	for i, r := range resps {
		out[i] = respMap(t, r)["type"].(string)
	}
	return out
}

func newTestSession(reg *Registry) (*Session, *recordingSender) {
	sender := &recordingSender{}
	return NewSession(reg, sender, nil), sender
}

func feed(s *Session, frame string) {
	s.HandleFrame([]byte(frame), time.Now())
}

func bindSession(reg *Registry, appID, side string) (*Session, *recordingSender) {
	s, sender := newTestSession(reg)
	feed(s, `{"type":"bind","appId":"`+appID+`","side":"`+side+`"}`)
	return s, sender
}

func TestPingBeforeBind(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"type":"ping","ping":42}`)

	resps := sender.responses()
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %d: %v", len(resps), respTypes(t, resps))
	}
	pong := respMap(t, resps[0])
	if pong["type"] != "pong" || pong["pong"] != float64(42) {
		t.Fatalf("unexpected pong: %v", pong)
	}
}

func TestPingRequiresPing(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"type":"ping"}`)

	errResp := respMap(t, sender.responses()[0])
	if errResp["type"] != "error" || errResp["error"] != "ping requires 'ping'" {
		t.Fatalf("unexpected response: %v", errResp)
	}
}

func TestCommandsRequireBind(t *testing.T) {
	for _, frame := range []string{
		`{"type":"list"}`,
		`{"type":"allocate"}`,
		`{"type":"claim","channelId":"1"}`,
		`{"type":"watch","channelId":"1"}`,
		`{"type":"add","channelId":"1","phase":"p","body":"b"}`,
		`{"type":"release","channelId":"1"}`,
	} {
		s, sender := newTestSession(NewRegistry())
		feed(s, frame)

		resps := sender.responses()
		if len(resps) != 1 {
			t.Fatalf("%s: expected 1 response, got %v", frame, respTypes(t, resps))
		}
		errResp := respMap(t, resps[0])
		if errResp["error"] != "Must bind first" {
			t.Errorf("%s: unexpected error %v", frame, errResp["error"])
		}
	}
}

func TestUnboundListErrorEchoesOrig(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"type":"list"}`)

	errResp := respMap(t, sender.responses()[0])
	orig, ok := errResp["orig"].(map[string]any)
	if !ok || orig["type"] != "list" {
		t.Fatalf("orig not echoed verbatim: %v", errResp["orig"])
	}
}

func TestDoubleBind(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"bind","appId":"app.example","side":"side-a"}`)

	resps := sender.responses()
	if len(resps) != 1 {
		t.Fatalf("expected 1 response, got %v", respTypes(t, resps))
	}
	if got := respMap(t, resps[0])["error"]; got != "already bound" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestBindMissingFields(t *testing.T) {
	cases := []struct {
		frame string
		want  string
	}{
		{`{"type":"bind","side":"side-a"}`, "bind requires 'appId'"},
		{`{"type":"bind","appId":"app.example"}`, "bind requires 'side'"},
	}
	for _, tc := range cases {
		s, sender := newTestSession(NewRegistry())
		feed(s, tc.frame)
		if got := respMap(t, sender.responses()[0])["error"]; got != tc.want {
			t.Errorf("%s: error = %v, want %q", tc.frame, got, tc.want)
		}
		// The failed bind must not have bound anything.
		feed(s, `{"type":"list"}`)
		if got := respMap(t, sender.responses()[1])["error"]; got != "Must bind first" {
			t.Errorf("%s: session bound despite failed bind", tc.frame)
		}
	}
}

func TestAckSentBeforeOutcome(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"type":"ping","ping":1,"id":"corr"}`)

	types := respTypes(t, sender.responses())
	if len(types) != 2 || types[0] != "ack" || types[1] != "pong" {
		t.Fatalf("unexpected response order: %v", types)
	}
	ack := respMap(t, sender.responses()[0])
	if ack["id"] != "corr" {
		t.Fatalf("ack id = %v, want corr", ack["id"])
	}
}

func TestAckSentEvenForUnknownType(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"type":"frobnicate","id":"x"}`)

	types := respTypes(t, sender.responses())
	if len(types) != 2 || types[0] != "ack" || types[1] != "error" {
		t.Fatalf("unexpected responses: %v", types)
	}
	if got := respMap(t, sender.responses()[1])["error"]; got != "Unknown type" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestMissingTypeFailsWithoutAck(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `{"id":"x","foo":1}`)

	resps := sender.responses()
	if len(resps) != 1 {
		t.Fatalf("expected only the error, got %v", respTypes(t, resps))
	}
	if got := respMap(t, resps[0])["error"]; got != "missing 'type'" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	s, sender := newTestSession(NewRegistry())
	feed(s, `not json {{{`)

	if len(sender.responses()) != 0 {
		t.Fatalf("expected no responses, got %v", respTypes(t, sender.responses()))
	}
	// Session still works afterwards.
	feed(s, `{"type":"ping","ping":1}`)
	if len(sender.responses()) != 1 {
		t.Fatal("session dead after malformed frame")
	}
}

func TestAllocateOnce(t *testing.T) {
	reg := NewRegistry()
	s, sender := bindSession(reg, "app.example", "side-a")

	feed(s, `{"type":"allocate"}`)
	np := respMap(t, sender.responses()[0])
	if np["type"] != "nameplate" || np["nameplate"] != "1" {
		t.Fatalf("unexpected allocation: %v", np)
	}

	// Intervening commands do not reset the limit.
	feed(s, `{"type":"list"}`)
	feed(s, `{"type":"allocate"}`)

	last := respMap(t, sender.responses()[2])
	if last["error"] != "You already allocated one channel, don't be greedy" {
		t.Fatalf("second allocate should fail, got %v", last)
	}
}

func TestAllocateRecordsClaim(t *testing.T) {
	reg := NewRegistry()
	s, sender := bindSession(reg, "app.example", "side-a")
	feed(s, `{"type":"allocate"}`)

	// The allocated channel is claimed on this session: watch succeeds.
	feed(s, `{"type":"watch","channelId":"1"}`)
	for _, r := range sender.responses() {
		if respMap(t, r)["type"] == "error" {
			t.Fatalf("watch after allocate failed: %v", respMap(t, r))
		}
	}
}

func TestClaimIdempotentPerSession(t *testing.T) {
	reg := NewRegistry()
	s, sender := bindSession(reg, "app.example", "side-a")

	feed(s, `{"type":"claim","channelId":"7"}`)
	feed(s, `{"type":"claim","channelId":"7"}`)

	if len(sender.responses()) != 0 {
		t.Fatalf("claim should be ack-only, got %v", respTypes(t, sender.responses()))
	}
	mb, ok := reg.App("app.example").Mailbox("7")
	if !ok {
		t.Fatal("mailbox not created")
	}
	if n := mb.claimCount(); n != 1 {
		t.Fatalf("double claim added %d entries, want 1", n)
	}
}

func TestClaimMissingChannelID(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"claim"}`)
	if got := respMap(t, sender.responses()[0])["error"]; got != "claim requires 'channelId'" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestWatchRequiresClaim(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"watch","channelId":"1"}`)
	if got := respMap(t, sender.responses()[0])["error"]; got != "must claim channel before watching" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestAddValidation(t *testing.T) {
	reg := NewRegistry()
	s, sender := bindSession(reg, "app.example", "side-a")

	feed(s, `{"type":"add","channelId":"1","phase":"p","body":"b"}`)
	if got := respMap(t, sender.responses()[0])["error"]; got != "must claim channel before adding" {
		t.Fatalf("unexpected error: %v", got)
	}

	feed(s, `{"type":"claim","channelId":"1"}`)
	feed(s, `{"type":"add","channelId":"1","body":"b"}`)
	if got := respMap(t, sender.responses()[1])["error"]; got != "missing 'phase'" {
		t.Fatalf("unexpected error: %v", got)
	}
	feed(s, `{"type":"add","channelId":"1","phase":"p"}`)
	if got := respMap(t, sender.responses()[2])["error"]; got != "missing 'body'" {
		t.Fatalf("unexpected error: %v", got)
	}

	// Failed adds must not have appended anything.
	mb, _ := reg.App("app.example").Mailbox("1")
	if len(mb.messages) != 0 {
		t.Fatalf("failed adds left %d messages behind", len(mb.messages))
	}
}

func TestReleaseRequiresClaim(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"release","channelId":"1"}`)
	if got := respMap(t, sender.responses()[0])["error"]; got != "must claim channel before releasing" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestReleasePastZeroFails(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"claim","channelId":"1"}`)
	feed(s, `{"type":"release","channelId":"1"}`)
	if got := respMap(t, sender.responses()[0])["status"]; got != "deleted" {
		t.Fatalf("release = %v, want deleted", got)
	}

	// The claim is gone from the session too; releasing again is an error,
	// not a negative count.
	feed(s, `{"type":"release","channelId":"1"}`)
	if got := respMap(t, sender.responses()[1])["error"]; got != "must claim channel before releasing" {
		t.Fatalf("unexpected error: %v", got)
	}
}

func TestReleaseMoodAcceptedNotInterpreted(t *testing.T) {
	s, sender := bindSession(NewRegistry(), "app.example", "side-a")
	feed(s, `{"type":"claim","channelId":"1"}`)
	feed(s, `{"type":"release","channelId":"1","mood":"happy"}`)

	rel := respMap(t, sender.responses()[0])
	if rel["type"] != "released" || rel["status"] != "deleted" {
		t.Fatalf("unexpected response: %v", rel)
	}
}

// TestRendezvousScenario walks the full two-party exchange: allocate, claim,
// watch on both ends, one add broadcast to both (self-delivery included),
// then staged release down to deletion.
func TestRendezvousScenario(t *testing.T) {
	reg := NewRegistry()

	sessA, sendA := bindSession(reg, "x", "a1")
	sessB, sendB := bindSession(reg, "x", "b1")

	feed(sessA, `{"type":"allocate"}`)
	np := respMap(t, sendA.responses()[0])
	if np["nameplate"] != "1" {
		t.Fatalf("allocation = %v, want 1", np)
	}

	feed(sessB, `{"type":"claim","channelId":"1"}`)
	feed(sessB, `{"type":"watch","channelId":"1"}`)
	feed(sessA, `{"type":"watch","channelId":"1"}`)

	// Replay was empty for both.
	if len(sendB.responses()) != 0 {
		t.Fatalf("B got unexpected responses: %v", respTypes(t, sendB.responses()))
	}

	feed(sessA, `{"type":"add","channelId":"1","phase":"pake","body":"ab12"}`)

	for name, sender := range map[string]*recordingSender{"A": sendA, "B": sendB} {
		resps := sender.responses()
		last := respMap(t, resps[len(resps)-1])
		if last["type"] != "message" || last["channelId"] != "1" {
			t.Fatalf("%s: unexpected frame %v", name, last)
		}
		msg := last["message"].(map[string]any)
		if msg["phase"] != "pake" || msg["body"] != "ab12" || msg["side"] != "a1" {
			t.Fatalf("%s: unexpected message %v", name, msg)
		}
		if _, ok := msg["serverRx"].(float64); !ok {
			t.Fatalf("%s: missing serverRx: %v", name, msg)
		}
	}

	feed(sessA, `{"type":"release","channelId":"1"}`)
	relA := respMap(t, sendA.responses()[len(sendA.responses())-1])
	if relA["type"] != "released" || relA["status"] != "waiting" {
		t.Fatalf("A release = %v, want waiting", relA)
	}

	feed(sessB, `{"type":"release","channelId":"1"}`)
	relB := respMap(t, sendB.responses()[len(sendB.responses())-1])
	if relB["type"] != "released" || relB["status"] != "deleted" {
		t.Fatalf("B release = %v, want deleted", relB)
	}

	// Deletion closes every subscriber that was still watching, including
	// A, whose release did not unsubscribe it, and B itself.
	if !sendA.isTerminated() {
		t.Error("A's transport not signalled to close")
	}
	if !sendB.isTerminated() {
		t.Error("B's transport not signalled to close")
	}

	// A third party claiming "1" afterward gets a brand-new empty mailbox.
	sessC, _ := bindSession(reg, "x", "c1")
	feed(sessC, `{"type":"claim","channelId":"1"}`)
	mb, ok := reg.App("x").Mailbox("1")
	if !ok {
		t.Fatal("fresh claim did not create a mailbox")
	}
	if len(mb.messages) != 0 {
		t.Fatalf("fresh mailbox carries stale messages: %+v", mb.messages)
	}
}

func TestWatchReplaysBacklog(t *testing.T) {
	reg := NewRegistry()
	sessA, _ := bindSession(reg, "x", "a1")
	feed(sessA, `{"type":"claim","channelId":"9"}`)
	feed(sessA, `{"type":"add","channelId":"9","phase":"pake","body":"01"}`)
	feed(sessA, `{"type":"add","channelId":"9","phase":"version","body":"02"}`)

	sessB, sendB := bindSession(reg, "x", "b1")
	feed(sessB, `{"type":"claim","channelId":"9"}`)
	feed(sessB, `{"type":"watch","channelId":"9"}`)

	resps := sendB.responses()
	if len(resps) != 2 {
		t.Fatalf("expected 2 replayed messages, got %v", respTypes(t, resps))
	}
	first := respMap(t, resps[0])["message"].(map[string]any)
	second := respMap(t, resps[1])["message"].(map[string]any)
	if first["body"] != "01" || second["body"] != "02" {
		t.Fatalf("replay out of order: %v then %v", first["body"], second["body"])
	}
}

func TestAddEchoesClientMsgID(t *testing.T) {
	reg := NewRegistry()
	s, sender := bindSession(reg, "x", "a1")
	feed(s, `{"type":"claim","channelId":"1"}`)
	feed(s, `{"type":"watch","channelId":"1"}`)
	feed(s, `{"type":"add","channelId":"1","phase":"pake","body":"ab","id":"msg-5"}`)

	var got []map[string]any
	for _, r := range sender.responses() {
		got = append(got, respMap(t, r))
	}
	// ack first, then the self-delivered message carrying the same id.
	if got[0]["type"] != "ack" || got[0]["id"] != "msg-5" {
		t.Fatalf("expected ack for msg-5, got %v", got[0])
	}
	msg := got[1]["message"].(map[string]any)
	if msg["id"] != "msg-5" {
		t.Fatalf("client msg id not echoed: %v", msg)
	}
}

// TestDisconnectLeavesClaims pins the deliberate leak: closing a session does
// not release its claims, so a mailbox stays pinned by a side that never
// comes back.
func TestDisconnectLeavesClaims(t *testing.T) {
	reg := NewRegistry()
	sessA, _ := bindSession(reg, "x", "a1")
	feed(sessA, `{"type":"claim","channelId":"5"}`)
	sessA.Close()

	mb, ok := reg.App("x").Mailbox("5")
	if !ok {
		t.Fatal("mailbox dropped on disconnect")
	}
	if n := mb.claimCount(); n != 1 {
		t.Fatalf("claims = %d after disconnect, want 1", n)
	}

	sessB, sendB := bindSession(reg, "x", "b1")
	feed(sessB, `{"type":"claim","channelId":"5"}`)
	feed(sessB, `{"type":"release","channelId":"5"}`)
	rel := respMap(t, sendB.responses()[0])
	if rel["status"] != "waiting" {
		t.Fatalf("release = %v, want waiting (orphaned claim pins the mailbox)", rel["status"])
	}
	if _, ok := reg.App("x").Mailbox("5"); !ok {
		t.Fatal("mailbox deleted despite orphaned claim")
	}
}

func TestCloseUnsubscribesWatched(t *testing.T) {
	reg := NewRegistry()
	sessA, sendA := bindSession(reg, "x", "a1")
	feed(sessA, `{"type":"claim","channelId":"1"}`)
	feed(sessA, `{"type":"watch","channelId":"1"}`)
	sessA.Close()

	sessB, _ := bindSession(reg, "x", "b1")
	feed(sessB, `{"type":"claim","channelId":"1"}`)
	feed(sessB, `{"type":"add","channelId":"1","phase":"pake","body":"ab"}`)

	for _, r := range sendA.responses() {
		if respMap(t, r)["type"] == "message" {
			t.Fatal("closed session still receiving deliveries")
		}
	}
}

func TestListReflectsWaitingChannels(t *testing.T) {
	reg := NewRegistry()
	sessA, sendA := bindSession(reg, "x", "a1")
	feed(sessA, `{"type":"claim","channelId":"4"}`)
	feed(sessA, `{"type":"list"}`)

	np := respMap(t, sendA.responses()[0])
	if np["type"] != "nameplates" {
		t.Fatalf("unexpected response: %v", np)
	}
	list := np["nameplates"].([]any)
	if len(list) != 1 || list[0] != "4" {
		t.Fatalf("nameplates = %v, want [4]", list)
	}

	// A second side claiming the channel pairs it; it disappears from list.
	sessB, _ := bindSession(reg, "x", "b1")
	feed(sessB, `{"type":"claim","channelId":"4"}`)
	feed(sessA, `{"type":"list"}`)
	np = respMap(t, sendA.responses()[1])
	if list := np["nameplates"].([]any); len(list) != 0 {
		t.Fatalf("paired channel still listed: %v", list)
	}
}
