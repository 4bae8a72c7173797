// Package client talks to the remote assistant service through the opencode
// SDK and subscribes to its server-sent event stream.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	opencode "github.com/sst/opencode-sdk-go"
	"github.com/sst/opencode-sdk-go/option"

	"github.com/joescharf/chatsync/internal/models"
)

// DefaultTimeout bounds every request except the event stream.
const DefaultTimeout = 30 * time.Second

// maxErrorBody bounds how much of a failed response is kept for its detail.
const maxErrorBody = 64 << 10

// Client is an API client for one server, scoped to one directory.
type Client struct {
	api       *opencode.Client
	baseURL   string
	directory string
	timeout   time.Duration
	log       *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the request timeout. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client for baseURL. directory scopes every call; empty means
// the server's own working directory.
func New(baseURL, directory string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		directory: directory,
		timeout:   DefaultTimeout,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// Prompts and replies are not idempotent and must never be resent.
	c.api = opencode.NewClient(
		option.WithBaseURL(c.baseURL+"/"),
		option.WithMaxRetries(0),
		option.WithMiddleware(checkStatus),
	)
	return c
}

// checkStatus turns error statuses into *RemoteError before the SDK decodes
// them, so every failure carries the server's own detail.
func checkStatus(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
	resp, err := next(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest {
		return resp, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, CheckEnvelope(resp.StatusCode, data)
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Directory returns the directory scope.
func (c *Client) Directory() string { return c.directory }

// PromptPart is one input part of a prompt.
type PromptPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// PromptRequest is the body of a prompt submission.
type PromptRequest struct {
	Parts   []PromptPart     `json:"parts"`
	Model   *models.ModelRef `json:"model,omitempty"`
	Variant string           `json:"variant,omitempty"`
	Agent   string           `json:"agent,omitempty"`
}

// TextPrompt builds a single-text-part prompt for the given selection.
func TextPrompt(text string, sel models.ModelSelection) PromptRequest {
	req := PromptRequest{
		Parts:   []PromptPart{{Type: "text", Text: text}},
		Variant: sel.Variant,
		Agent:   sel.Agent,
	}
	if sel.Model.ModelID != "" {
		m := sel.Model
		req.Model = &m
	}
	return req
}

// CommandRequest is the body of a slash-command submission. Model is
// "provider/model".
type CommandRequest struct {
	Command   string `json:"command"`
	Arguments string `json:"arguments"`
	Model     string `json:"model,omitempty"`
	Agent     string `json:"agent,omitempty"`
}

// Health is the server health report.
type Health struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version"`
}

// scope returns the request options selecting directory, or the client's
// own directory when empty.
func (c *Client) scope(directory string) []option.RequestOption {
	if directory == "" {
		directory = c.directory
	}
	if directory == "" {
		return nil
	}
	return []option.RequestOption{option.WithQuery("directory", directory)}
}

// do sends a request and decodes a successful JSON response into out when
// out is non-nil.
func (c *Client) do(ctx context.Context, method, path, directory string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	opts := append(c.scope(directory), option.WithHeader("Accept", "application/json"))
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		opts = append(opts, option.WithRequestBody("application/json", b))
	}

	var resp *http.Response
	if err := c.api.Execute(ctx, method, path, nil, &resp, opts...); err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := CheckEnvelope(resp.StatusCode, data); err != nil {
		return err
	}
	if out == nil || len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "global/health", "", nil, &h); err != nil {
		return h, fmt.Errorf("health: %w", err)
	}
	return h, nil
}

// CreateSession creates a session. An empty directory uses the client's scope.
func (c *Client) CreateSession(ctx context.Context, directory string) (models.Session, error) {
	var s models.Session
	if err := c.do(ctx, http.MethodPost, "session", directory, struct{}{}, &s); err != nil {
		return s, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

// ListSessions lists the sessions of a directory.
func (c *Client) ListSessions(ctx context.Context, directory string) ([]models.Session, error) {
	var out []models.Session
	if err := c.do(ctx, http.MethodGet, "session", directory, nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// UpdateSession sets a session's title.
func (c *Client) UpdateSession(ctx context.Context, id, title string) (models.Session, error) {
	var s models.Session
	body := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPatch, "session/"+url.PathEscape(id), "", body, &s); err != nil {
		return s, fmt.Errorf("update session %s: %w", id, err)
	}
	return s, nil
}

// DeleteSession deletes a session.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "session/"+url.PathEscape(id), "", nil, nil); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// ListMessages returns a session's full history.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, "session/"+url.PathEscape(sessionID)+"/message", "", nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// Prompt submits a prompt without waiting for the reply; content arrives on
// the event stream.
func (c *Client) Prompt(ctx context.Context, sessionID string, req PromptRequest) error {
	if err := c.do(ctx, http.MethodPost, "session/"+url.PathEscape(sessionID)+"/prompt_async", "", req, nil); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	return nil
}

// Command runs a slash command in a session.
func (c *Client) Command(ctx context.Context, sessionID string, req CommandRequest) error {
	if err := c.do(ctx, http.MethodPost, "session/"+url.PathEscape(sessionID)+"/command", "", req, nil); err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	return nil
}

// Abort cancels the running message of a session.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	if err := c.do(ctx, http.MethodPost, "session/"+url.PathEscape(sessionID)+"/abort", "", nil, nil); err != nil {
		return fmt.Errorf("abort: %w", err)
	}
	return nil
}

// SessionStatus returns the status snapshot keyed by session id. Idle
// sessions may be absent.
func (c *Client) SessionStatus(ctx context.Context) (map[string]models.SessionStatus, error) {
	out := map[string]models.SessionStatus{}
	if err := c.do(ctx, http.MethodGet, "session/status", "", nil, &out); err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}
	return out, nil
}

// ReplyPermission answers a permission request.
func (c *Client) ReplyPermission(ctx context.Context, requestID string, reply models.PermissionReply) error {
	body := map[string]string{"reply": string(reply)}
	if err := c.do(ctx, http.MethodPost, "permission/"+url.PathEscape(requestID)+"/reply", "", body, nil); err != nil {
		return fmt.Errorf("reply permission: %w", err)
	}
	return nil
}

// ReplyQuestion answers a question request, one answer list per question.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers [][]string) error {
	body := map[string][][]string{"answers": answers}
	if err := c.do(ctx, http.MethodPost, "question/"+url.PathEscape(requestID)+"/reply", "", body, nil); err != nil {
		return fmt.Errorf("reply question: %w", err)
	}
	return nil
}

// RejectQuestion declines a question request.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	if err := c.do(ctx, http.MethodPost, "question/"+url.PathEscape(requestID)+"/reject", "", nil, nil); err != nil {
		return fmt.Errorf("reject question: %w", err)
	}
	return nil
}
