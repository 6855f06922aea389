package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/whisper/dmchat/internal/chat"
)

// Credentials is the answer to signup and sign-in.
type Credentials struct {
	User      chat.User `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d: %s", e.Status, e.Message)
}

// API is a thin client for the /api routes.
type API struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI creates a client for the server at baseURL (http or https).
func NewAPI(baseURL string) *API {
	return &API{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetToken sets the bearer credential used by authenticated calls.
func (a *API) SetToken(token string) { a.token = token }

// WebSocketURL returns the channel endpoint that belongs to the API base.
func (a *API) WebSocketURL() string {
	u := a.base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

// Signup creates an account and stores the returned credential.
func (a *API) Signup(ctx context.Context, displayName string) (*Credentials, error) {
	return a.credentials(ctx, "/api/users", displayName)
}

// Signin issues a fresh credential for an existing account.
func (a *API) Signin(ctx context.Context, displayName string) (*Credentials, error) {
	return a.credentials(ctx, "/api/sessions", displayName)
}

func (a *API) credentials(ctx context.Context, path, displayName string) (*Credentials, error) {
	var out Credentials
	if err := a.do(ctx, http.MethodPost, path, map[string]string{"displayName": displayName}, &out); err != nil {
		return nil, err
	}
	a.token = out.Token
	return &out, nil
}

// Conversations lists every other user with presence and unread counts.
func (a *API) Conversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var out []chat.ConversationSummary
	err := a.do(ctx, http.MethodGet, "/api/users", nil, &out)
	return out, err
}

// History fetches a page of the conversation with counterpartID. It marks
// the counterpart's messages read on the server.
func (a *API) History(ctx context.Context, counterpartID, before string, limit int) ([]chat.Message, error) {
	q := url.Values{}
	if before != "" {
		q.Set("before", before)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/messages/" + url.PathEscape(counterpartID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []chat.Message
	err := a.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// DeleteMessage deletes a message the caller sent.
func (a *API) DeleteMessage(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodDelete, "/api/messages/"+url.PathEscape(messageID), nil, nil)
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, rd)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
