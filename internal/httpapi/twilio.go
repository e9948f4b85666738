package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/bridge"
	"github.com/ent0n29/callbridge/internal/policy"
	"github.com/ent0n29/callbridge/internal/session"
	"github.com/ent0n29/callbridge/internal/twilio"
)

const profileLookupTimeout = 3 * time.Second

// handleIncomingCall is the Twilio voice webhook. It caches the caller's
// profile under a session id and answers with TwiML that connects the call to
// the media-stream endpoint for that id.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	callSID := strings.TrimSpace(r.Form.Get("CallSid"))
	direction := session.ParseDirection(r.URL.Query().Get("direction"))
	if r.URL.Query().Get("direction") == "" {
		direction = session.ParseDirection(r.Form.Get("Direction"))
	}

	sessionID := callSID
	if !bridge.ValidSessionID(sessionID) {
		sessionID = uuid.NewString()
	}
	log := s.logger.With(zap.String("session_id", sessionID), zap.String("direction", string(direction)))

	record := session.Record{Direction: direction}
	// The remote party is the caller on inbound calls and the callee on
	// outbound ones.
	phoneNumber := strings.TrimSpace(r.Form.Get("From"))
	if direction == session.DirectionOutbound {
		phoneNumber = strings.TrimSpace(r.Form.Get("To"))
	}
	if s.profiles != nil && phoneNumber != "" {
		lookupCtx, cancel := context.WithTimeout(r.Context(), profileLookupTimeout)
		profile, err := s.profiles.Lookup(lookupCtx, phoneNumber)
		cancel()
		if err != nil {
			log.Warn("profile lookup failed, using defaults", zap.String("phone", policy.MaskPhone(phoneNumber)), zap.Error(err))
			s.metrics.ObserveIndicator("profile_lookup_failed")
		} else {
			record.Profile = profile
		}
	}

	if err := s.sessions.Put(r.Context(), sessionID, record, s.cfg.SessionTTL); err != nil {
		log.Error("session cache write failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "session_store_unavailable", "An error occurred while handling the call.")
		return
	}

	streamURL := fmt.Sprintf("wss://%s/media-stream/%s", s.publicHost(r), url.PathEscape(sessionID))
	body, err := twilio.ConnectStreamTwiML(streamURL)
	if err != nil {
		log.Error("twiml render failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "An error occurred while handling the call.")
		return
	}
	s.metrics.CallEvents.WithLabelValues("webhook").Inc()
	log.Info("incoming call answered", zap.String("call_sid", callSID))

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

type makeCallResponse struct {
	Message string `json:"message"`
	CallSID string `json:"callSid"`
}

func (s *Server) handleMakeCall(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	toRaw, fromRaw := req["phoneNumber"], req["twilioNumber"]
	if isBlank(toRaw) || isBlank(fromRaw) {
		respondError(w, http.StatusBadRequest, "missing_numbers", `Both "to" and "from" phone numbers are required.`)
		return
	}
	to, toOK := toRaw.(string)
	from, fromOK := fromRaw.(string)
	if !toOK || !fromOK {
		respondError(w, http.StatusBadRequest, "invalid_numbers", `Both "to" and "from" phone numbers must be strings.`)
		return
	}
	if s.calls == nil || !s.calls.Configured() {
		respondError(w, http.StatusServiceUnavailable, "twilio_not_configured", twilio.ErrNotConfigured.Error())
		return
	}

	webhookURL := fmt.Sprintf("https://%s/incoming-call?direction=%s", s.publicHost(r), session.DirectionOutbound)
	s.logger.Info("placing outbound call", zap.String("from", policy.MaskPhone(from)), zap.String("to", policy.MaskPhone(to)))
	callSID, err := s.calls.CreateCall(r.Context(), to, from, webhookURL)
	if err != nil {
		s.logger.Error("outbound call failed", zap.Error(err))
		if errors.Is(err, twilio.ErrNotConfigured) {
			respondError(w, http.StatusServiceUnavailable, "twilio_not_configured", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "twilio_error", "Failed to make call with Twilio. "+err.Error())
		return
	}
	s.metrics.CallEvents.WithLabelValues("outbound_placed").Inc()
	respondJSON(w, http.StatusOK, makeCallResponse{Message: "Call initiated successfully", CallSID: callSID})
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	str, ok := v.(string)
	return ok && strings.TrimSpace(str) == ""
}
