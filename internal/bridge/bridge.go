// Package bridge pairs one telephony media stream with one realtime AI
// session per call and relays audio between them.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/liveness"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/protocol/realtime"
	"github.com/ent0n29/callbridge/internal/session"
)

// Conn is the subset of *websocket.Conn used for both legs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens the AI leg.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Phase is the bridge's position in the call lifecycle.
type Phase int

const (
	PhaseResolvingSession Phase = iota
	PhaseConnectingAI
	PhaseAIReady
	PhaseStreaming
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseResolvingSession:
		return "resolving_session"
	case PhaseConnectingAI:
		return "connecting_ai"
	case PhaseAIReady:
		return "ai_ready"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// CallSession identifies one bridged call. Profile is nil when the cached
// record carried no personalisation.
type CallSession struct {
	SessionID string
	CallID    string
	Profile   *session.Profile
	Direction session.Direction
}

// State is the mutable per-call state. Only the call's own goroutine touches it.
type State struct {
	StreamID                 string
	LatestMediaTimestampMs   int64
	LastAssistantItemID      string
	ResponseStartTimestampMs *int64
	PendingMarks             []string
	AISpeaking               bool
}

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrLivenessTimeout  = errors.New("telephony liveness timeout")
)

// CloseError reports how a call ended when it did not end normally.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call closed (%d %s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("call closed (%d %s)", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

// Config tunes per-call behaviour.
type Config struct {
	PingInterval  time.Duration
	LookupTimeout time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	Defaults      realtime.Defaults
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = liveness.DefaultInterval
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 3 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Deps are the collaborators shared by every call. None of them carry
// per-call state. Ledger may be nil.
type Deps struct {
	Config  Config
	Store   session.Resolver
	Dialer  Dialer
	Ledger  calllog.Store
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

type Bridge struct {
	cfg     Config
	store   session.Resolver
	dialer  Dialer
	ledger  calllog.Store
	metrics *observability.Metrics
	logger  *zap.Logger
}

func New(deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		cfg:     deps.Config.withDefaults(),
		store:   deps.Store,
		dialer:  deps.Dialer,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		logger:  logger,
	}
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// ValidSessionID reports whether id is acceptable as a store key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Serve bridges one accepted telephony connection until either leg closes.
// It blocks for the lifetime of the call and always leaves both legs closed.
// A nil error means the call ended normally.
func (b *Bridge) Serve(ctx context.Context, telephonyConn Conn, sessionID string) error {
	c := b.newCall(telephonyConn, sessionID)
	b.metrics.ActiveCalls.Inc()
	defer b.metrics.ActiveCalls.Dec()
	b.metrics.CallEvents.WithLabelValues("accepted").Inc()

	if !ValidSessionID(sessionID) {
		return c.reject(closePolicyViolation, "invalid session id", ErrInvalidSessionID)
	}

	record, err := c.resolve(ctx)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.reject(closePolicyViolation, "session not found", err)
		}
		return c.reject(closeInternalError, "session store failure", err)
	}
	c.session.Direction = record.Direction
	if !record.Profile.IsZero() {
		profile := record.Profile
		c.session.Profile = &profile
	}

	return c.run(ctx)
}
