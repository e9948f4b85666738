package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/calllog"
	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/observability"
	"github.com/ent0n29/callbridge/internal/session"
)

// CallBridge runs one telephony media stream to completion.
type CallBridge interface {
	Serve(ctx context.Context, conn bridge.Conn, sessionID string) error
}

// ProfileLookup resolves caller personalisation by phone number.
type ProfileLookup interface {
	Lookup(ctx context.Context, phoneNumber string) (session.Profile, error)
}

// CallPlacer starts outbound calls.
type CallPlacer interface {
	Configured() bool
	CreateCall(ctx context.Context, to, from, webhookURL string) (string, error)
}

// Deps are the collaborators behind the HTTP surface. Profiles, Calls and
// Ledger may be nil.
type Deps struct {
	Sessions session.Store
	Bridge   CallBridge
	Profiles ProfileLookup
	Calls    CallPlacer
	Ledger   calllog.Store
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	sessions session.Store
	bridge   CallBridge
	profiles ProfileLookup
	calls    CallPlacer
	ledger   calllog.Store
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	upgrader websocket.Upgrader

	active sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		sessions: deps.Sessions,
		bridge:   deps.Bridge,
		profiles: deps.Profiles,
		calls:    deps.Calls,
		ledger:   deps.Ledger,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Telephony media streams never send Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleIndex)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler(s.gatherer).ServeHTTP(w, r)
	})

	r.Post("/incoming-call", s.handleIncomingCall)
	r.Get("/incoming-call", s.handleIncomingCall)
	r.Post("/make-call", s.handleMakeCall)
	r.Get("/media-stream", s.handleMediaStream)
	r.Get("/media-stream/{sessionID}", s.handleMediaStream)

	r.Get("/v1/calls", s.handleListCalls)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

// WaitCalls blocks until every bridged call has finished or ctx expires.
func (s *Server) WaitCalls(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"message":   "Call bridge is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":            "ready",
		"twilio_configured": s.calls != nil && s.calls.Configured(),
		"profile_lookup":    s.profiles != nil,
		"call_ledger":       s.ledger != nil,
	})
}

func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	if s.bridge == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call bridge not configured")
		return
	}

	// A missing or unknown session id is reported on the websocket as a
	// policy-violation close, so upgrade first.
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 20)

	s.active.Add(1)
	defer s.active.Done()

	if err := s.bridge.Serve(r.Context(), conn, sessionID); err != nil {
		var closeErr *bridge.CloseError
		if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
			s.logger.Info("media stream rejected", zap.String("session_id", sessionID), zap.Error(err))
			return
		}
		s.logger.Warn("media stream ended with error", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// publicHost is the host Twilio should use to reach this service.
func (s *Server) publicHost(r *http.Request) string {
	if host := strings.TrimSpace(s.cfg.PublicHost); host != "" {
		return host
	}
	return r.Host
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
