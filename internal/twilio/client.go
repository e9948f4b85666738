// Package twilio places outbound calls through the Twilio REST API and
// renders the TwiML that connects a call to the media-stream endpoint.
package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/callbridge/internal/reliability"
)

var ErrNotConfigured = errors.New("twilio credentials are not configured")

const DefaultAPIBaseURL = "https://api.twilio.com/2010-04-01"

type Config struct {
	AccountSID string
	AuthToken  string
	// APIBaseURL defaults to DefaultAPIBaseURL.
	APIBaseURL string
	Timeout    time.Duration
}

type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
}

func NewClient(cfg Config) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		accountSID: strings.TrimSpace(cfg.AccountSID),
		authToken:  strings.TrimSpace(cfg.AuthToken),
		baseURL:    base,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.accountSID != "" && c.authToken != ""
}

// APIError is a non-2xx reply from the REST API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio api error (%d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("twilio api error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// CreateCall dials to from from and points Twilio at webhookURL once the call
// is answered. It returns the new call SID.
func (c *Client) CreateCall(ctx context.Context, to, from, webhookURL string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	params := url.Values{
		"To":   {to},
		"From": {from},
		"Url":  {webhookURL},
	}
	body, err := c.apiRequest(ctx, "/Calls.json", params)
	if err != nil {
		return "", fmt.Errorf("twilio: create call: %w", err)
	}

	var result struct {
		SID    string `json:"sid"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("twilio: parse create call response: %w", err)
	}
	if result.SID == "" {
		return "", errors.New("twilio: create call response missing sid")
	}
	return result.SID, nil
}

func (c *Client) apiRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/Accounts/%s%s", c.baseURL, url.PathEscape(c.accountSID), endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(body) > 1<<20 {
		return nil, fmt.Errorf("api response too large (%d bytes)", len(body))
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return nil, apiErr
	}
	return body, nil
}
