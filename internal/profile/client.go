// Package profile looks up caller personalisation from the external
// locate-profile service.
package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callbridge/internal/policy"
	"github.com/ent0n29/callbridge/internal/reliability"
	"github.com/ent0n29/callbridge/internal/session"
)

var ErrNotFound = errors.New("profile not found")

// Client posts a phone number and maps the reply onto a session.Profile.
type Client struct {
	url    string
	client *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type lookupRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

type lookupResponse struct {
	DisplayName      string `json:"displayName"`
	GreetingText     string `json:"greetingText"`
	InitialUtterance string `json:"initialUtterance"`
	// SayMessage is the legacy name for greetingText.
	SayMessage string `json:"SayMessage"`
}

// StatusError carries a non-2xx reply from the profile service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("profile service status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

func (c *Client) Lookup(ctx context.Context, phoneNumber string) (session.Profile, error) {
	payload, err := json.Marshal(lookupRequest{PhoneNumber: phoneNumber})
	if err != nil {
		return session.Profile{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return session.Profile{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return session.Profile{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return session.Profile{}, ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		redacted, _ := policy.RedactPII(strings.TrimSpace(string(body)))
		return session.Profile{}, &StatusError{StatusCode: res.StatusCode, Body: redacted}
	}

	var out lookupResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&out); err != nil {
		return session.Profile{}, fmt.Errorf("decode response: %w", err)
	}

	greeting := strings.TrimSpace(out.GreetingText)
	if greeting == "" {
		greeting = strings.TrimSpace(out.SayMessage)
	}
	return session.Profile{
		DisplayName:      strings.TrimSpace(out.DisplayName),
		GreetingText:     greeting,
		InitialUtterance: strings.TrimSpace(out.InitialUtterance),
	}, nil
}
