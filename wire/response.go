package wire

import (
	"encoding/json"
	"time"
)

// Response is an outbound frame. Every response carries a type tag and a
// serverTx timestamp; the timestamp is stamped by Encode just before the
// frame is written.
type Response interface {
	stampTx(tx float64)
}

type respBase struct {
	Type     string  `json:"type"`
	ServerTx float64 `json:"serverTx"`
}

func (b *respBase) stampTx(tx float64) { b.ServerTx = tx }

// Encode marshals a response after stamping serverTx with the given send time.
func Encode(r Response, now time.Time) ([]byte, error) {
	r.stampTx(Timestamp(now))
	return json.Marshal(r)
}

// WelcomeInfo is the payload of the welcome frame. All fields are optional:
// currentVersion makes out-of-date clients warn, motd is displayed and
// ignored, error makes clients display the message and terminate.
type WelcomeInfo struct {
	CurrentVersion string `json:"currentVersion,omitempty"`
	MOTD           string `json:"motd,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Welcome is sent unconditionally when a connection is established, before
// any command is processed.
type Welcome struct {
	respBase
	Welcome WelcomeInfo `json:"welcome"`
}

func NewWelcome(info WelcomeInfo) *Welcome {
	return &Welcome{respBase: respBase{Type: "welcome"}, Welcome: info}
}

// Ack echoes a client-supplied correlation id. It is sent before any other
// processing of the command that carried the id.
type Ack struct {
	respBase
	ID json.RawMessage `json:"id"`
}

func NewAck(id json.RawMessage) *Ack {
	return &Ack{respBase: respBase{Type: "ack"}, ID: id}
}

type Pong struct {
	respBase
	Pong int `json:"pong"`
}

func NewPong(pong int) *Pong {
	return &Pong{respBase: respBase{Type: "pong"}, Pong: pong}
}

// Nameplates lists the channel ids currently waiting for a partner.
type Nameplates struct {
	respBase
	Nameplates []string `json:"nameplates"`
}

func NewNameplates(ids []string) *Nameplates {
	if ids == nil {
		ids = []string{}
	}
	return &Nameplates{respBase: respBase{Type: "nameplates"}, Nameplates: ids}
}

// Nameplate announces a freshly allocated channel id.
type Nameplate struct {
	respBase
	Nameplate string `json:"nameplate"`
}

func NewNameplate(id string) *Nameplate {
	return &Nameplate{respBase: respBase{Type: "nameplate"}, Nameplate: id}
}

// Message is one relayed entry in a channel's log. The body is hex text and
// opaque to the server; the id is the sender's own correlation token, echoed
// back but otherwise unused.
type Message struct {
	Side     string          `json:"side"`
	Phase    string          `json:"phase"`
	Body     string          `json:"body"`
	ServerRx float64         `json:"serverRx"`
	ID       json.RawMessage `json:"id,omitempty"`
}

// MessageEvent delivers one channel message to a watching connection, both
// during backlog replay and on live appends.
type MessageEvent struct {
	respBase
	ChannelID string  `json:"channelId"`
	Message   Message `json:"message"`
}

func NewMessageEvent(channelID string, msg Message) *MessageEvent {
	return &MessageEvent{respBase: respBase{Type: "message"}, ChannelID: channelID, Message: msg}
}

// Released reports whether the channel outlived the caller's claim: "waiting"
// while other claims remain, "deleted" when this was the last one.
type Released struct {
	respBase
	Status string `json:"status"`
}

func NewReleased(status string) *Released {
	return &Released{respBase: respBase{Type: "released"}, Status: status}
}

// Error reports a recoverable protocol violation. Orig is the offending frame
// verbatim; the connection stays up.
type Error struct {
	respBase
	Error string          `json:"error"`
	Orig  json.RawMessage `json:"orig"`
}

func NewError(explain string, orig json.RawMessage) *Error {
	return &Error{respBase: respBase{Type: "error"}, Error: explain, Orig: orig}
}
