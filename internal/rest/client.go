// Package rest implements the portal REST surface the sync core consumes:
// history fetch, message send, mark-read, chat-identity lookup and
// attachment upload. All calls are context-bound and safe to repeat except
// Upload, whose result the caller must keep (see the outbox).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// APIError is a non-2xx response from the portal.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("portal API: HTTP %d: %s", e.Status, e.Message)
}

// Client talks to the portal REST API on behalf of one user session.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a portal REST client.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History fetches the full ordered message list of a conversation.
// Idempotent; safe to repeat after reconnects.
func (c *Client) History(ctx context.Context, conversationID string) ([]WireMessage, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var msgs []WireMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// Send posts a message. req.ConversationID may be empty, in which case the
// server creates or reuses the conversation for the participant pair.
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	body := map[string]any{
		"conversationId": nullableID(req.ConversationID),
		"clientTempId":   req.ClientTempID,
		"senderId":       req.SenderID,
		"senderRole":     req.SenderRole,
		"receiverId":     req.ReceiverID,
	}
	if req.ContextID != "" {
		body["contextId"] = req.ContextID
	}
	if req.Body != "" {
		body["body"] = req.Body
	}
	if req.Attachment != nil {
		body["attachment"] = req.Attachment
	}

	data, err := c.do(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return nil, err
	}
	var res SendResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode send result: %w", err)
	}
	return &res, nil
}

// MarkRead marks a conversation read for the given reader role.
// Idempotent; a no-op on the server if already read.
func (c *Client) MarkRead(ctx context.Context, conversationID, readerRole string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read?role=" + url.QueryEscape(readerRole)
	_, err := c.do(ctx, http.MethodPut, path, nil)
	return err
}

// ChatIdentity resolves a remote user to an addressable chat target and,
// when one already exists, the conversation id for the pair.
func (c *Client) ChatIdentity(ctx context.Context, userID string) (*ChatIdentity, error) {
	data, err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/chat-identity", nil)
	if err != nil {
		return nil, err
	}
	var id ChatIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decode chat identity: %w", err)
	}
	return &id, nil
}

// Upload posts a file as multipart form data and returns the server-hosted
// resource URL (phase 1 of the attachment protocol).
func (c *Client) Upload(ctx context.Context, filename, mimeType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("mimeType", mimeType)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", &buf)
	if err != nil {
		return "", fmt.Errorf("create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	var res struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return res.URL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// nullableID maps an empty id to JSON null.
func nullableID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
