// Package remote is the HTTP client for the message service. It is the only
// place history fetches, sends, and read receipts leave the process.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CredentialSource supplies the bearer credential for API calls. Retrieval
// races with credential refresh at startup, so Token is retried briefly.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticCredentials is a CredentialSource with a fixed token.
type StaticCredentials string

// Token returns the fixed token.
func (s StaticCredentials) Token(context.Context) (string, error) { return string(s), nil }

// APIError is a non-2xx response from the message service.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("message service returned %d: %s", e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient reports whether err represents a retryable failure: network
// errors and 5xx/429 responses are transient, other API errors are not.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	// Anything that never reached the server (dial, timeout) is transient.
	return err != nil
}

// Client talks to the message service. It adds no timeout of its own beyond
// the injected http.Client's.
type Client struct {
	baseURL string
	http    *http.Client
	creds   CredentialSource
}

// NewClient creates a message service client.
func NewClient(baseURL string, httpClient *http.Client, creds CredentialSource) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, http: httpClient, creds: creds}
}

// FetchMessages fetches a bounded page of confirmed messages relative to a
// cursor. Exactly one of beforeSeq / afterMessageID may be set; both zero
// values fetch the newest page.
func (c *Client) FetchMessages(ctx context.Context, conversationID string, limit int, beforeSeq int64, afterMessageID string) (*Page, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if beforeSeq > 0 {
		q.Set("before_sequence", strconv.FormatInt(beforeSeq, 10))
	}
	if afterMessageID != "" {
		q.Set("after_message_id", afterMessageID)
	}

	var page Page
	err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/conversations/%s/messages?%s", url.PathEscape(conversationID), q.Encode()),
		nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage persists a message remotely and returns the confirmed entry.
// The clientTempID is echoed back for optimistic reconciliation and makes
// the call idempotent server-side.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientTempID, attachmentRef string) (*Message, error) {
	body := map[string]string{
		"content":      content,
		"clientTempId": clientTempID,
	}
	if attachmentRef != "" {
		body["attachmentRef"] = attachmentRef
	}

	var msg Message
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%s/messages", url.PathEscape(conversationID)),
		body, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks the whole conversation read for the current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost,
		fmt.Sprintf("/conversations/%s/read", url.PathEscape(conversationID)),
		nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// token fetches the bearer credential, tolerating a brief refresh race.
func (c *Client) token(ctx context.Context) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		token, err := c.creds.Token(ctx)
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = errors.New("empty token")
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}
