// Package wire defines the JSON frames exchanged between rendezvous clients
// and the server. Inbound frames are decoded exactly once into tagged command
// variants so that protocol handlers dispatch on a concrete type rather than
// re-inspecting string fields. Outbound responses are plain structs stamped
// with a serverTx timestamp at encode time.
package wire

import (
	"encoding/json"
	"time"
)

// Command is an inbound frame decoded into its concrete variant. Frames whose
// type is absent or unrecognized decode into Invalid and Unknown respectively
// instead of failing, because the protocol requires an error response carrying
// the original object verbatim.
type Command interface {
	// CorrelationID returns the client-supplied "id" token, verbatim, or nil
	// when absent. The server acks it before any other processing.
	CorrelationID() json.RawMessage
	// Raw returns the original frame bytes.
	Raw() json.RawMessage

	setRaw(raw json.RawMessage)
}

// Frame carries the fields common to every inbound command.
type Frame struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id,omitempty"`

	raw json.RawMessage
}

func (f *Frame) CorrelationID() json.RawMessage { return f.ID }
func (f *Frame) Raw() json.RawMessage           { return f.raw }
func (f *Frame) setRaw(raw json.RawMessage)     { f.raw = raw }

// Bind associates the connection with an application id and a side. Required
// fields are pointers so that an absent key is distinguishable from an empty
// value; presence is what the protocol checks.
type Bind struct {
	Frame
	AppID *string `json:"appId"`
	Side  *string `json:"side"`
}

// Ping is allowed in any state, including before bind.
type Ping struct {
	Frame
	Ping *int `json:"ping"`
}

// List requests the ids of channels waiting for a partner.
type List struct {
	Frame
}

// Allocate requests a fresh numeric channel id, claimed for the caller.
type Allocate struct {
	Frame
}

// Claim reserves a channel id for the caller's side.
type Claim struct {
	Frame
	ChannelID *string `json:"channelId"`
}

// Watch subscribes the connection to a claimed channel: backlog first, then
// every future append.
type Watch struct {
	Frame
	ChannelID *string `json:"channelId"`
}

// Add appends a phase-tagged message to a claimed channel. The frame's "id"
// doubles as the client message id echoed back in the stored message.
type Add struct {
	Frame
	ChannelID *string `json:"channelId"`
	Phase     *string `json:"phase"`
	Body      *string `json:"body"`
}

// Release drops the caller's claim on a channel. Mood is accepted but not
// interpreted by the relay.
type Release struct {
	Frame
	ChannelID *string `json:"channelId"`
	Mood      string  `json:"mood,omitempty"`
}

// Unknown is a well-formed frame with an unrecognized type.
type Unknown struct {
	Frame
}

// Invalid is a well-formed JSON object with no "type" key.
type Invalid struct {
	Frame
}

// Decode parses a single inbound frame. It returns an error only when the
// payload is not a JSON object at all; missing or unrecognized types decode
// into the Invalid and Unknown variants so the caller can respond in-protocol.
// Extra keys on known commands are ignored for forward compatibility.
func Decode(data []byte) (Command, error) {
	var probe struct {
		Type *string         `json:"type"`
		ID   json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	raw := json.RawMessage(append([]byte(nil), data...))

	if probe.Type == nil {
		cmd := &Invalid{Frame: Frame{ID: probe.ID}}
		cmd.setRaw(raw)
		return cmd, nil
	}

	var cmd Command
	switch *probe.Type {
	case "bind":
		cmd = &Bind{}
	case "ping":
		cmd = &Ping{}
	case "list":
		cmd = &List{}
	case "allocate":
		cmd = &Allocate{}
	case "claim":
		cmd = &Claim{}
	case "watch":
		cmd = &Watch{}
	case "add":
		cmd = &Add{}
	case "release":
		cmd = &Release{}
	default:
		cmd = &Unknown{Frame: Frame{Type: *probe.Type, ID: probe.ID}}
		cmd.setRaw(raw)
		return cmd, nil
	}

	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, err
	}
	cmd.setRaw(raw)
	return cmd, nil
}

// Timestamp renders a wall-clock instant in the wire's float-seconds form.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
