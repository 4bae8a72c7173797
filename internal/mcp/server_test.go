package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/models"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockService implements engine.Service for testing.
type mockService struct {
	mu       sync.Mutex
	sessions []models.Session
	messages map[string][]models.Message

	// Track calls for verification.
	prompts  []string
	commands []client.CommandRequest
	aborts   []string
	replies  []models.PermissionReply
	answers  [][][]string
	rejects  []string

	// Optional error injection.
	promptErr error
}

func (m *mockService) Health(context.Context) (client.Health, error) {
	return client.Health{Healthy: true}, nil
}
func (m *mockService) CreateSession(_ context.Context, directory string) (models.Session, error) {
	return models.Session{ID: "ses_new", Directory: directory, Time: models.SessionTime{Created: 10, Updated: 10}}, nil
}
func (m *mockService) ListSessions(context.Context, string) ([]models.Session, error) {
	return m.sessions, nil
}
func (m *mockService) UpdateSession(_ context.Context, id, title string) (models.Session, error) {
	return models.Session{ID: id, Title: title}, nil
}
func (m *mockService) DeleteSession(context.Context, string) error { return nil }
func (m *mockService) ListMessages(_ context.Context, id string) ([]models.Message, error) {
	return m.messages[id], nil
}
func (m *mockService) Prompt(_ context.Context, _ string, req client.PromptRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range req.Parts {
		m.prompts = append(m.prompts, p.Text)
	}
	return m.promptErr
}
func (m *mockService) Command(_ context.Context, _ string, req client.CommandRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, req)
	return m.promptErr
}
func (m *mockService) Abort(_ context.Context, id string) error {
	m.aborts = append(m.aborts, id)
	return nil
}
func (m *mockService) SessionStatus(context.Context) (map[string]models.SessionStatus, error) {
	return map[string]models.SessionStatus{
		"ses_busy": {Type: models.SessionStatusRetry, Attempt: 2, Message: "rate limited"},
	}, nil
}
func (m *mockService) ReplyPermission(_ context.Context, _ string, reply models.PermissionReply) error {
	m.replies = append(m.replies, reply)
	return nil
}
func (m *mockService) ReplyQuestion(_ context.Context, _ string, answers [][]string) error {
	m.answers = append(m.answers, answers)
	return nil
}
func (m *mockService) RejectQuestion(_ context.Context, id string) error {
	m.rejects = append(m.rejects, id)
	return nil
}
func (m *mockService) Subscribe(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *engine.Engine, *mockService) {
	t.Helper()

	ms := &mockService{
		sessions: []models.Session{
			{ID: "ses_main", Title: "main work", Directory: "/repo", Time: models.SessionTime{Created: 1, Updated: 9}},
			{ID: "ses_busy", Title: "long task", Directory: "/repo", Time: models.SessionTime{Created: 2, Updated: 5}},
			{ID: "ses_sub", Title: "explore", Directory: "/repo", ParentID: "ses_main", Time: models.SessionTime{Created: 3, Updated: 7}},
		},
		messages: map[string][]models.Message{
			"ses_main": {
				{
					Info:  models.MessageInfo{ID: "msg_1", SessionID: "ses_main", Role: models.RoleUser},
					Parts: []models.Part{{ID: "prt_1", Type: models.PartTypeText, Text: "List the files"}},
				},
				{
					Info: models.MessageInfo{ID: "msg_2", SessionID: "ses_main", Role: models.RoleAssistant},
					Parts: []models.Part{
						{ID: "prt_2", Type: models.PartTypeStepStart},
						{ID: "prt_3", Type: models.PartTypeTool, Tool: "bash", State: &models.ToolState{Status: models.ToolStatusCompleted}},
						{ID: "prt_4", Type: models.PartTypeText, Text: "Two files."},
					},
				},
			},
		},
	}

	e := engine.New(ms, engine.Options{Directory: "/repo", Window: time.Hour})
	t.Cleanup(e.Close)
	require.NoError(t, e.Connect(context.Background()))

	srv := NewServer(e, "test")
	require.NotNil(t, srv)
	return srv, e, ms
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

// ---------------------------------------------------------------------------
// Tests: MCPServer registration
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv, "MCPServer() should return non-nil")
}

func TestNewServer_DefaultVersion(t *testing.T) {
	srv := NewServer(nil, "")
	assert.Equal(t, "dev", srv.version)
}

// ---------------------------------------------------------------------------
// Tests: sessions
// ---------------------------------------------------------------------------

func TestHandleListSessions(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleListSessions(context.Background(), callToolReq("chatsync_list_sessions", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []sessionOut
	resultJSON(t, result, &out)
	require.Len(t, out, 2)
	assert.Equal(t, "ses_main", out[0].ID)
	assert.Equal(t, "ses_busy", out[1].ID)
	assert.Equal(t, "retry", out[1].Status)
}

func TestHandleListSessions_IncludeChildren(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := callToolReq("chatsync_list_sessions", map[string]any{"include_children": true})
	result, err := srv.handleListSessions(context.Background(), req)
	require.NoError(t, err)

	var out []sessionOut
	resultJSON(t, result, &out)
	require.Len(t, out, 3)
	assert.Equal(t, "ses_sub", out[1].ID)
	assert.Equal(t, "ses_main", out[1].ParentID)
}

func TestHandleCreateSession(t *testing.T) {
	srv, e, _ := newTestServer(t)

	req := callToolReq("chatsync_create_session", map[string]any{"directory": "/repo/api"})
	result, err := srv.handleCreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out sessionOut
	resultJSON(t, result, &out)
	assert.Equal(t, "ses_new", out.ID)
	assert.Equal(t, "/repo/api", out.Directory)
	assert.True(t, out.Active)
	assert.Equal(t, "ses_new", e.ActiveSession())
}

func TestHandleCreateSession_InvalidDirectory(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := callToolReq("chatsync_create_session", map[string]any{"directory": "../escape"})
	result, err := srv.handleCreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid directory")
}

func TestHandleSelectSession(t *testing.T) {
	srv, e, _ := newTestServer(t)

	req := callToolReq("chatsync_select_session", map[string]any{"session": "ses_main"})
	result, err := srv.handleSelectSession(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "ses_main", e.ActiveSession())
	assert.Len(t, e.Messages("ses_main"), 2)
}

func TestHandleSelectSession_Errors(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSelectSession(context.Background(), callToolReq("chatsync_select_session", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "missing required parameter")

	req := callToolReq("chatsync_select_session", map[string]any{"session": "ses_nope"})
	result, err = srv.handleSelectSession(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session not found")
}

// ---------------------------------------------------------------------------
// Tests: messages and status
// ---------------------------------------------------------------------------

func TestHandleSessionMessages(t *testing.T) {
	srv, e, _ := newTestServer(t)
	require.NoError(t, e.Select(context.Background(), "ses_main"))

	result, err := srv.handleSessionMessages(context.Background(), callToolReq("chatsync_session_messages", nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out []messageOut
	resultJSON(t, result, &out)
	require.Len(t, out, 2)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "List the files", out[0].Parts[0].Text)

	// step-start is not rendered
	require.Len(t, out[1].Parts, 2)
	assert.Equal(t, "bash", out[1].Parts[0].Tool)
	assert.Equal(t, "completed", out[1].Parts[0].Status)
	assert.Equal(t, "Two files.", out[1].Parts[1].Text)
}

func TestHandleSessionMessages_Limit(t *testing.T) {
	srv, e, _ := newTestServer(t)
	require.NoError(t, e.Select(context.Background(), "ses_main"))

	req := callToolReq("chatsync_session_messages", map[string]any{"session": "ses_main", "limit": float64(1)})
	result, err := srv.handleSessionMessages(context.Background(), req)
	require.NoError(t, err)

	var out []messageOut
	resultJSON(t, result, &out)
	require.Len(t, out, 1)
	assert.Equal(t, "msg_2", out[0].ID)
}

func TestHandleSessionMessages_NoActiveSession(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSessionMessages(context.Background(), callToolReq("chatsync_session_messages", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "no active session")
}

func TestHandleSessionStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := callToolReq("chatsync_session_status", map[string]any{"session": "ses_busy"})
	result, err := srv.handleSessionStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "retry", out["status"])
	assert.Equal(t, float64(2), out["attempt"])
	assert.Equal(t, "rate limited", out["retry_message"])
}

// ---------------------------------------------------------------------------
// Tests: sends
// ---------------------------------------------------------------------------

func TestHandleSendPrompt(t *testing.T) {
	srv, e, ms := newTestServer(t)
	require.NoError(t, e.Select(context.Background(), "ses_main"))

	req := callToolReq("chatsync_send_prompt", map[string]any{"text": "Now delete them"})
	result, err := srv.handleSendPrompt(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "ses_main")
	assert.Equal(t, []string{"Now delete them"}, ms.prompts)
	assert.True(t, e.Status.IsBusy("ses_main"))
}

func TestHandleSendPrompt_Failure(t *testing.T) {
	srv, e, ms := newTestServer(t)
	require.NoError(t, e.Select(context.Background(), "ses_main"))
	ms.promptErr = errors.New("connection reset")

	req := callToolReq("chatsync_send_prompt", map[string]any{"text": "hi"})
	result, err := srv.handleSendPrompt(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "connection reset")
	assert.False(t, e.Status.IsBusy("ses_main"))
	assert.Len(t, e.Messages("ses_main"), 2, "optimistic messages are rolled back")
}

func TestHandleSendPrompt_MissingText(t *testing.T) {
	srv, _, _ := newTestServer(t)

	result, err := srv.handleSendPrompt(context.Background(), callToolReq("chatsync_send_prompt", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "missing required parameter: text")
}

func TestHandleSendCommand(t *testing.T) {
	srv, _, ms := newTestServer(t)

	req := callToolReq("chatsync_send_command", map[string]any{
		"session":   "ses_busy",
		"command":   "/compact",
		"arguments": "keep tests",
	})
	result, err := srv.handleSendCommand(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "/compact")
	require.Len(t, ms.commands, 1)
	assert.Equal(t, "compact", ms.commands[0].Command)
	assert.Equal(t, "keep tests", ms.commands[0].Arguments)
}

func TestHandleAbort(t *testing.T) {
	srv, _, ms := newTestServer(t)

	req := callToolReq("chatsync_abort", map[string]any{"session": "ses_busy"})
	result, err := srv.handleAbort(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"ses_busy"}, ms.aborts)
}

// ---------------------------------------------------------------------------
// Tests: requests
// ---------------------------------------------------------------------------

func TestHandleListRequests(t *testing.T) {
	srv, e, _ := newTestServer(t)
	e.Permissions.Add(models.PermissionRequest{ID: "per_1", SessionID: "ses_main", Permission: "bash"})
	e.Questions.Add(models.QuestionRequest{ID: "que_1", SessionID: "ses_busy"})

	result, err := srv.handleListRequests(context.Background(), callToolReq("chatsync_list_requests", nil))
	require.NoError(t, err)
	var out struct {
		Permissions []models.PermissionRequest `json:"permissions"`
		Questions   []models.QuestionRequest   `json:"questions"`
	}
	resultJSON(t, result, &out)
	assert.Len(t, out.Permissions, 1)
	assert.Len(t, out.Questions, 1)

	req := callToolReq("chatsync_list_requests", map[string]any{"session": "ses_main"})
	result, err = srv.handleListRequests(context.Background(), req)
	require.NoError(t, err)
	out.Permissions, out.Questions = nil, nil
	resultJSON(t, result, &out)
	assert.Len(t, out.Permissions, 1)
	assert.Empty(t, out.Questions)
}

func TestHandleReplyPermission(t *testing.T) {
	srv, e, ms := newTestServer(t)
	e.Permissions.Add(models.PermissionRequest{ID: "per_1", SessionID: "ses_main", Permission: "bash"})

	req := callToolReq("chatsync_reply_permission", map[string]any{"request": "per_1", "reply": "always"})
	result, err := srv.handleReplyPermission(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []models.PermissionReply{models.PermissionAlways}, ms.replies)

	result, err = srv.handleReplyPermission(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "already answered")
	assert.Len(t, ms.replies, 1)
}

func TestHandleReplyPermission_InvalidReply(t *testing.T) {
	srv, _, ms := newTestServer(t)

	req := callToolReq("chatsync_reply_permission", map[string]any{"request": "per_1", "reply": "maybe"})
	result, err := srv.handleReplyPermission(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.replies)
}

func TestHandleAnswerQuestion(t *testing.T) {
	srv, e, ms := newTestServer(t)
	e.Questions.Add(models.QuestionRequest{ID: "que_1", SessionID: "ses_main"})

	req := callToolReq("chatsync_answer_question", map[string]any{
		"request": "que_1",
		"answers": []any{"Yes", []any{"a", "b"}},
	})
	result, err := srv.handleAnswerQuestion(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, [][][]string{{{"Yes"}, {"a", "b"}}}, ms.answers)
}

func TestHandleAnswerQuestion_Reject(t *testing.T) {
	srv, e, ms := newTestServer(t)
	e.Questions.Add(models.QuestionRequest{ID: "que_1", SessionID: "ses_main"})

	req := callToolReq("chatsync_answer_question", map[string]any{"request": "que_1", "reject": true})
	result, err := srv.handleAnswerQuestion(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"que_1"}, ms.rejects)
	assert.Empty(t, ms.answers)
}

func TestParseAnswers(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    [][]string
		wantErr string
	}{
		{name: "strings", in: []any{"a", "b"}, want: [][]string{{"a"}, {"b"}}},
		{name: "multi select", in: []any{[]any{"a", "b"}}, want: [][]string{{"a", "b"}}},
		{name: "missing", in: nil, wantErr: "missing required parameter"},
		{name: "empty", in: []any{}, wantErr: "missing required parameter"},
		{name: "bad entry", in: []any{float64(1)}, wantErr: "answer 1"},
		{name: "bad label", in: []any{[]any{"a", true}}, wantErr: "labels must be strings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAnswers(tt.in)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
