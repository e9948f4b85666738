package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Direction records which side originated the call. It is informational only.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ParseDirection normalises the direction spellings used by Twilio callbacks
// and our own outbound webhook URL. Anything unrecognised is inbound.
func ParseDirection(v string) Direction {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "outbound", "outgoing", "outbound-api", "outbound-dial":
		return DirectionOutbound
	default:
		return DirectionInbound
	}
}

// Profile is the caller-facing personalisation fetched once per call.
type Profile struct {
	DisplayName      string `json:"displayName,omitempty"`
	GreetingText     string `json:"greetingText,omitempty"`
	InitialUtterance string `json:"initialUtterance,omitempty"`
}

// IsZero reports whether no profile field is set.
func (p Profile) IsZero() bool {
	return p == Profile{}
}

// Record is the cached value stored under a session identifier.
type Record struct {
	Profile
	Direction Direction `json:"direction,omitempty"`
}

// ErrNotFound is returned when a session key is absent or its payload is unusable.
var ErrNotFound = errors.New("session not found")

// Resolver is the read-only view the bridge depends on.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string) (Record, error)
}

// Store adds the writer side used when a call is signalled.
type Store interface {
	Resolver
	Put(ctx context.Context, sessionID string, record Record, ttl time.Duration) error
	Close() error
}

// NewStore creates a redis-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, redisURL string) (Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewRedisStore(ctx, redisURL)
}

func encodeRecord(record Record) ([]byte, error) {
	if record.Direction == "" {
		record.Direction = DirectionInbound
	}
	return json.Marshal(record)
}

// decodeRecord treats anything that is not a JSON object as missing.
func decodeRecord(raw []byte) (Record, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, fmt.Errorf("%w: payload is not a JSON object", ErrNotFound)
	}
	var record Record
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	record.Direction = ParseDirection(string(record.Direction))
	return record, nil
}
