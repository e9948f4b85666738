// Package telephony translates Twilio Media Streams frames to and from the
// bridge's event model.
package telephony

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Inbound event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Event is a decoded inbound frame.
type Event interface {
	EventName() string
}

type Connected struct{}

type Started struct {
	StreamID         string
	CallID           string
	CustomParameters map[string]string
}

type Media struct {
	TimestampMs int64
	Payload     string
}

type Stopped struct{}

type Mark struct {
	Token string
}

// Unknown carries anything the codec could not map, including malformed input.
type Unknown struct {
	Name string
	Raw  []byte
	Err  error
}

func (Connected) EventName() string { return EventConnected }
func (Started) EventName() string   { return EventStart }
func (Media) EventName() string     { return EventMedia }
func (Stopped) EventName() string   { return EventStop }
func (Mark) EventName() string      { return EventMark }
func (u Unknown) EventName() string {
	if u.Name == "" {
		return "unknown"
	}
	return u.Name
}

var ErrMalformed = errors.New("malformed telephony frame")

type inboundFrame struct {
	Event string `json:"event"`
	Start *struct {
		StreamSid        string            `json:"streamSid"`
		CallSid          string            `json:"callSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Timestamp flexInt `json:"timestamp"`
		Payload   string  `json:"payload"`
	} `json:"media"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
	StreamSid string `json:"streamSid"`
}

// Decode never fails: malformed or unrecognised frames become Unknown.
func Decode(raw []byte) Event {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Unknown{Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch f.Event {
	case EventConnected:
		return Connected{}
	case EventStart:
		streamID := f.StreamSid
		var callID string
		var params map[string]string
		if f.Start != nil {
			if f.Start.StreamSid != "" {
				streamID = f.Start.StreamSid
			}
			callID = f.Start.CallSid
			params = f.Start.CustomParameters
		}
		if streamID == "" {
			return Unknown{Name: f.Event, Raw: raw, Err: fmt.Errorf("%w: start without streamSid", ErrMalformed)}
		}
		return Started{StreamID: streamID, CallID: callID, CustomParameters: params}
	case EventMedia:
		if f.Media == nil || !f.Media.Timestamp.set {
			return Unknown{Name: f.Event, Raw: raw, Err: fmt.Errorf("%w: media without timestamp", ErrMalformed)}
		}
		return Media{TimestampMs: f.Media.Timestamp.v, Payload: f.Media.Payload}
	case EventMark:
		if f.Mark == nil {
			return Unknown{Name: f.Event, Raw: raw, Err: fmt.Errorf("%w: mark without body", ErrMalformed)}
		}
		return Mark{Token: f.Mark.Name}
	case EventStop:
		return Stopped{}
	default:
		return Unknown{Name: f.Event, Raw: raw}
	}
}

// Command is an outbound instruction for the telephony leg.
type Command interface {
	CommandName() string
}

// PlayAudio queues base64 µ-law audio for playback to the caller.
type PlayAudio struct {
	StreamID string
	Payload  string
}

// ClearPlayback discards any audio still buffered on the telephony side.
type ClearPlayback struct {
	StreamID string
}

// SendMark asks the telephony side to echo Name once prior audio has played.
type SendMark struct {
	StreamID string
	Name     string
}

func (PlayAudio) CommandName() string     { return EventMedia }
func (ClearPlayback) CommandName() string { return EventClear }
func (SendMark) CommandName() string      { return EventMark }

type outboundFrame struct {
	Event     string        `json:"event"`
	StreamSid string        `json:"streamSid"`
	Media     *outboundBody `json:"media,omitempty"`
	Mark      *outboundMark `json:"mark,omitempty"`
}

type outboundBody struct {
	Payload string `json:"payload"`
}

type outboundMark struct {
	Name string `json:"name"`
}

// Encode serialises cmd into the wire frame the telephony leg expects.
func Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case PlayAudio:
		return json.Marshal(outboundFrame{Event: EventMedia, StreamSid: c.StreamID, Media: &outboundBody{Payload: c.Payload}})
	case ClearPlayback:
		return json.Marshal(outboundFrame{Event: EventClear, StreamSid: c.StreamID})
	case SendMark:
		return json.Marshal(outboundFrame{Event: EventMark, StreamSid: c.StreamID, Mark: &outboundMark{Name: c.Name}})
	default:
		return nil, fmt.Errorf("unsupported telephony command %T", cmd)
	}
}

// flexInt accepts both JSON numbers and decimal strings; Twilio sends
// media.timestamp as a string.
type flexInt struct {
	v   int64
	set bool
}

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		fl, ferr := strconv.ParseFloat(string(b), 64)
		if ferr != nil {
			return fmt.Errorf("timestamp %q: %w", b, err)
		}
		n = int64(fl)
	}
	f.v = n
	f.set = true
	return nil
}
