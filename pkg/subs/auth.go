package subs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ChannelAuthorizer obtains the signature the backend requires before a
// private or presence channel subscription is accepted.
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, socketID, channel string) (string, error)
}

// HTTPAuthorizer signs channel subscriptions against the platform's
// channel-auth endpoint using the bearer credential.
type HTTPAuthorizer struct {
	endpoint string
	tokens   oauth2.TokenSource
	client   *http.Client
}

// NewHTTPAuthorizer creates an authorizer for endpoint (base URL + auth path).
func NewHTTPAuthorizer(endpoint string, timeout time.Duration, tokens oauth2.TokenSource) *HTTPAuthorizer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAuthorizer{
		endpoint: endpoint,
		tokens:   tokens,
		client:   &http.Client{Timeout: timeout},
	}
}

// Authorize exchanges (socket id, channel name) for a subscription signature.
func (a *HTTPAuthorizer) Authorize(ctx context.Context, socketID, channel string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"socket_id":    socketID,
		"channel_name": channel,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := setBearer(req, a.tokens); err != nil {
		return "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("channel auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("channel auth: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("channel auth: decode: %w", err)
	}
	return out.Auth, nil
}
