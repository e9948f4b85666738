package realtime

import (
	"fmt"
	"strings"

	"github.com/ent0n29/callbridge/internal/session"
)

const (
	DefaultVoice            = "alloy"
	DefaultAudioFormat      = "g711_ulaw"
	DefaultTemperature      = 0.8
	DefaultInitialUtterance = "Hello! How can I assist you today?"
	DefaultInstructions     = "You are a helpful and friendly voice assistant on a phone call. Keep answers short and conversational."
)

// Defaults fill whatever the caller's profile leaves unset.
type Defaults struct {
	Instructions     string
	Voice            string
	Temperature      float64
	InitialUtterance string
}

func (d Defaults) withFallbacks() Defaults {
	if strings.TrimSpace(d.Instructions) == "" {
		d.Instructions = DefaultInstructions
	}
	if strings.TrimSpace(d.Voice) == "" {
		d.Voice = DefaultVoice
	}
	if d.Temperature <= 0 {
		d.Temperature = DefaultTemperature
	}
	if strings.TrimSpace(d.InitialUtterance) == "" {
		d.InitialUtterance = DefaultInitialUtterance
	}
	return d
}

// BuildSessionConfig maps a profile (nil when absent) to the session.update
// payload. It is pure: same inputs, same output.
func BuildSessionConfig(p *session.Profile, d Defaults) ConfigureSession {
	d = d.withFallbacks()

	instructions := d.Instructions
	if p != nil {
		if name := strings.TrimSpace(p.DisplayName); name != "" {
			instructions += fmt.Sprintf(" You are speaking with %s.", name)
		}
		if greeting := strings.TrimSpace(p.GreetingText); greeting != "" {
			instructions += fmt.Sprintf(" Open the call by saying: %q", greeting)
		}
	}

	return ConfigureSession{
		TurnDetection:     TurnDetection{Type: "server_vad"},
		InputAudioFormat:  DefaultAudioFormat,
		OutputAudioFormat: DefaultAudioFormat,
		Voice:             d.Voice,
		Instructions:      instructions,
		Modalities:        []string{"text", "audio"},
		Temperature:       d.Temperature,
	}
}

// BuildInitialMessage picks the first user utterance that prompts the greeting.
func BuildInitialMessage(p *session.Profile, d Defaults) CreateInitialMessage {
	if p != nil {
		if text := strings.TrimSpace(p.InitialUtterance); text != "" {
			return CreateInitialMessage{Text: text}
		}
	}
	return CreateInitialMessage{Text: d.withFallbacks().InitialUtterance}
}
