package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var ErrMissingAPIKey = errors.New("realtime api key is not configured")

// RealtimeDialer opens websocket sessions against the OpenAI Realtime API.
type RealtimeDialer struct {
	url    string
	apiKey string
	dialer websocket.Dialer
}

func NewRealtimeDialer(url, apiKey string, handshakeTimeout time.Duration) *RealtimeDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &RealtimeDialer{
		url:    url,
		apiKey: apiKey,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *RealtimeDialer) Dial(ctx context.Context) (Conn, error) {
	if d.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.apiKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := d.dialer.DialContext(ctx, d.url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	return conn, nil
}
