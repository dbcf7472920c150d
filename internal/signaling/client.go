package signaling

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
)

// DefaultPollInterval matches the cadence browser clients use to poll their
// inbound queue.
const DefaultPollInterval = 500 * time.Millisecond

var ErrUnexpectedStatus = errors.New("signaling: unexpected response status")

// Client talks to a relay's mailbox on behalf of one role.
type Client struct {
	BaseURL string
	Role    Role

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

func NewClient(baseURL string, role Role) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Role:       role,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(action string) string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/" + string(c.Role) + "/" + action
}

// Send queues msg for the opposite role.
func (c *Client) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("send"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Receive drains every message the opposite role has queued for this role.
func (c *Client) Receive(ctx context.Context) ([]Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("receive"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var msgs []Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return msgs, nil
}

// Poll drains the inbound queue every interval and hands each message to fn in
// arrival order. It returns when ctx is done, or on the first error from fn.
// Transport errors are passed to onErr (when non-nil) and polling continues.
func (c *Client) Poll(ctx context.Context, interval time.Duration, fn func(Message) error, onErr func(error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		msgs, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if onErr != nil {
				onErr(err)
			}
		}
		for _, msg := range msgs {
			if err := fn(msg); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func statusError(resp *http.Response) error {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Message != "" {
		return fmt.Errorf("%w: %d %s: %s", ErrUnexpectedStatus, resp.StatusCode, body.Code, body.Message)
	}
	return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
}
