// Package realtime translates OpenAI Realtime API events to and from the
// bridge's event model.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Server event types the bridge reacts to.
const (
	TypeAudioDelta    = "response.audio.delta"
	TypeResponseDone  = "response.done"
	TypeSpeechStarted = "input_audio_buffer.speech_started"
	TypeError         = "error"
)

// Client event types the bridge emits.
const (
	TypeSessionUpdate      = "session.update"
	TypeConversationCreate = "conversation.item.create"
	TypeResponseCreate     = "response.create"
	TypeAudioAppend        = "input_audio_buffer.append"
	TypeItemTruncate       = "conversation.item.truncate"
)

// Event is a decoded server frame.
type Event interface {
	EventType() string
}

// AudioDelta is a chunk of synthesized audio, still base64 encoded.
type AudioDelta struct {
	Delta  string
	ItemID string
}

type ResponseDone struct {
	ResponseID string
	Status     string
}

// SpeechStarted means server VAD detected the caller talking.
type SpeechStarted struct {
	AudioStartMs int64
	ItemID       string
}

// ServerError is reported by the backend; it does not close the connection.
type ServerError struct {
	Code    string
	Message string
}

type Unknown struct {
	Type string
	Raw  []byte
	Err  error
}

func (AudioDelta) EventType() string    { return TypeAudioDelta }
func (ResponseDone) EventType() string  { return TypeResponseDone }
func (SpeechStarted) EventType() string { return TypeSpeechStarted }
func (ServerError) EventType() string   { return TypeError }
func (u Unknown) EventType() string {
	if u.Type == "" {
		return "unknown"
	}
	return u.Type
}

var ErrMalformed = errors.New("malformed realtime frame")

type serverFrame struct {
	Type         string `json:"type"`
	Delta        string `json:"delta"`
	ItemID       string `json:"item_id"`
	AudioStartMs int64  `json:"audio_start_ms"`
	Response     *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Decode never fails: malformed or unrecognised frames become Unknown.
func Decode(raw []byte) Event {
	var f serverFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Unknown{Raw: raw, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}

	switch f.Type {
	case TypeAudioDelta:
		if f.Delta == "" {
			return Unknown{Type: f.Type, Raw: raw, Err: fmt.Errorf("%w: empty audio delta", ErrMalformed)}
		}
		return AudioDelta{Delta: f.Delta, ItemID: f.ItemID}
	case TypeResponseDone:
		ev := ResponseDone{}
		if f.Response != nil {
			ev.ResponseID = f.Response.ID
			ev.Status = f.Response.Status
		}
		return ev
	case TypeSpeechStarted:
		return SpeechStarted{AudioStartMs: f.AudioStartMs, ItemID: f.ItemID}
	case TypeError:
		ev := ServerError{}
		if f.Error != nil {
			ev.Code = f.Error.Code
			if ev.Code == "" {
				ev.Code = f.Error.Type
			}
			ev.Message = f.Error.Message
		}
		return ev
	default:
		return Unknown{Type: f.Type, Raw: raw}
	}
}

// Command is an outbound client event.
type Command interface {
	CommandType() string
}

type TurnDetection struct {
	Type string `json:"type"`
}

type ConfigureSession struct {
	TurnDetection     TurnDetection
	InputAudioFormat  string
	OutputAudioFormat string
	Voice             string
	Instructions      string
	Modalities        []string
	Temperature       float64
}

type AppendAudio struct {
	Payload string
}

// TruncateItem cuts the assistant item's audio at AudioEndMs.
type TruncateItem struct {
	ItemID       string
	ContentIndex int
	AudioEndMs   int64
}

// CreateInitialMessage seeds the conversation with a user text message.
type CreateInitialMessage struct {
	Text string
}

type RequestResponse struct{}

func (ConfigureSession) CommandType() string     { return TypeSessionUpdate }
func (AppendAudio) CommandType() string          { return TypeAudioAppend }
func (TruncateItem) CommandType() string         { return TypeItemTruncate }
func (CreateInitialMessage) CommandType() string { return TypeConversationCreate }
func (RequestResponse) CommandType() string      { return TypeResponseCreate }

type sessionUpdate struct {
	Type    string      `json:"type"`
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	TurnDetection     TurnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice"`
	Instructions      string        `json:"instructions"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type itemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type itemCreate struct {
	Type string      `json:"type"`
	Item messageItem `json:"item"`
}

type messageItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bareEvent struct {
	Type string `json:"type"`
}

// Encode serialises cmd into a realtime client event.
func Encode(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case ConfigureSession:
		return json.Marshal(sessionUpdate{
			Type: TypeSessionUpdate,
			Session: sessionBody{
				TurnDetection:     c.TurnDetection,
				InputAudioFormat:  c.InputAudioFormat,
				OutputAudioFormat: c.OutputAudioFormat,
				Voice:             c.Voice,
				Instructions:      c.Instructions,
				Modalities:        c.Modalities,
				Temperature:       c.Temperature,
			},
		})
	case AppendAudio:
		return json.Marshal(audioAppend{Type: TypeAudioAppend, Audio: c.Payload})
	case TruncateItem:
		return json.Marshal(itemTruncate{
			Type:         TypeItemTruncate,
			ItemID:       c.ItemID,
			ContentIndex: c.ContentIndex,
			AudioEndMs:   c.AudioEndMs,
		})
	case CreateInitialMessage:
		return json.Marshal(itemCreate{
			Type: TypeConversationCreate,
			Item: messageItem{
				Type:    "message",
				Role:    "user",
				Content: []contentPart{{Type: "input_text", Text: c.Text}},
			},
		})
	case RequestResponse:
		return json.Marshal(bareEvent{Type: TypeResponseCreate})
	default:
		return nil, fmt.Errorf("unsupported realtime command %T", cmd)
	}
}
