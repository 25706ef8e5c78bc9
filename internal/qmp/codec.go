// Package qmp frames and parses QEMU Machine Protocol (QMP) JSON messages,
// and adapts github.com/digitalocean/go-qemu/qmp's Unix-socket transport to
// a narrow, typed-event surface for the VM lifecycle controller.
package qmp

import (
	"encoding/json"
	"fmt"
)

// Event is one of the asynchronous QMP event kinds this codec recognises.
// Any event not in this set is decoded successfully but carries Event == "";
// callers are expected to ignore it rather than treat it as an error.
type Event string

const (
	EventReset     Event = "RESET"
	EventPowerdown Event = "POWERDOWN"
	EventShutdown  Event = "SHUTDOWN"
	EventStop      Event = "STOP"
	EventResume    Event = "RESUME"
)

// recognisedEvents is the set from spec §4.1; anything else decodes with
// Event == "" so the caller can log-and-ignore it uniformly.
var recognisedEvents = map[string]Event{
	string(EventReset):     EventReset,
	string(EventPowerdown): EventPowerdown,
	string(EventShutdown):  EventShutdown,
	string(EventStop):      EventStop,
	string(EventResume):    EventResume,
}

// command is the wire shape of an outbound QMP message.
type command struct {
	Execute   string         `json:"execute"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Encode produces the single-line JSON object {"execute": cmd, "arguments": args?}
// QMP expects on its command channel. A nil args map omits the "arguments"
// key entirely, matching QEMU's expectation that arguments be either absent
// or an object, never null.
func Encode(cmd string, args map[string]any) ([]byte, error) {
	payload, err := json.Marshal(command{Execute: cmd, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("qmp: encode %s: %w", cmd, err)
	}
	return payload, nil
}

// EncodeHMC wraps a free-form human monitor command line (e.g. "savevm
// suspend") in the human-monitor-command QMP envelope.
func EncodeHMC(line string) ([]byte, error) {
	return Encode("human-monitor-command", map[string]any{"command-line": line})
}

// Capabilities encodes the qmp_capabilities handshake command that must be
// sent once, immediately after the greeting, before any other command.
func Capabilities() ([]byte, error) {
	return Encode("qmp_capabilities", nil)
}

// wireMessage is the shape of anything that can arrive on the QMP channel:
// either a command response (Return/Error/ID set) or an asynchronous event
// (Event/Data/Timestamp set).
type wireMessage struct {
	Return any             `json:"return,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	ID     json.RawMessage `json:"id,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   map[string]any  `json:"data,omitempty"`
}

// Error is a QMP error object as returned in a command response.
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

// Message is the decoded, caller-facing shape of one line read from the QMP
// channel.
type Message struct {
	// Event is non-empty only for recognised event types (§4.1). Unknown
	// event names decode successfully with Event == "" — the caller should
	// ignore them, not fail.
	Event      Event
	RawEvent   string
	Data       map[string]any
	Return     any
	Err        *Error
	IsResponse bool
}

// Decode parses one newline-delimited QMP JSON object.
func Decode(line []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, fmt.Errorf("qmp: decode: %w", err)
	}

	if w.Event != "" {
		return &Message{
			Event:    recognisedEvents[w.Event],
			RawEvent: w.Event,
			Data:     w.Data,
		}, nil
	}

	return &Message{
		Return:     w.Return,
		Err:        w.Error,
		IsResponse: true,
	}, nil
}
