package reliability

import (
	"context"
	"errors"
	"net"

	"github.com/gorilla/websocket"
)

// IsRetryableHTTPStatus classifies transient HTTP status codes. Nothing in the
// service retries; callers surface the flag so the originator can decide.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// CloseReason maps a websocket read/write error to a short metrics label.
func CloseReason(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure:
			return "normal"
		case websocket.CloseGoingAway:
			return "going_away"
		case websocket.ClosePolicyViolation:
			return "policy_violation"
		case websocket.CloseInternalServerErr:
			return "internal_error"
		case websocket.CloseAbnormalClosure:
			return "abnormal"
		default:
			return "close_other"
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return "closed_locally"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "network"
}

// IsNormalClose reports whether the peer ended the connection cleanly.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
