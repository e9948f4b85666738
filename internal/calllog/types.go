package calllog

import (
	"context"
	"time"
)

// Record summarises one bridged call. It holds call metadata only, never
// audio or transcript content.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	CallID      string    `json:"call_id,omitempty"`
	StreamID    string    `json:"stream_id,omitempty"`
	Direction   string    `json:"direction"`
	CloseCode   int       `json:"close_code"`
	CloseReason string    `json:"close_reason"`
	FramesIn    int64     `json:"frames_in"`
	FramesOut   int64     `json:"frames_out"`
	BargeIns    int       `json:"barge_ins"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Store persists and lists call records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
