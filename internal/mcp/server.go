package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/models"
)

// Server wraps a synchronized engine and exposes it as MCP tools.
type Server struct {
	engine  *engine.Engine
	version string
}

// NewServer creates the MCP server wrapper over e.
func NewServer(e *engine.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{engine: e, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("chatsync", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.createSessionTool())
	srv.AddTool(s.selectSessionTool())
	srv.AddTool(s.sessionMessagesTool())
	srv.AddTool(s.sessionStatusTool())
	srv.AddTool(s.sendPromptTool())
	srv.AddTool(s.sendCommandTool())
	srv.AddTool(s.abortTool())
	srv.AddTool(s.listRequestsTool())
	srv.AddTool(s.replyPermissionTool())
	srv.AddTool(s.answerQuestionTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// sessionArg returns the "session" argument, defaulting to the active session.
func (s *Server) sessionArg(request mcp.CallToolRequest) (string, error) {
	if id := request.GetString("session", ""); id != "" {
		if _, ok := s.engine.Registry.Get(id); !ok {
			return "", fmt.Errorf("session not found: %s", id)
		}
		return id, nil
	}
	if id := s.engine.ActiveSession(); id != "" {
		return id, nil
	}
	return "", engine.ErrNoSession
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

type sessionOut struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Directory string `json:"directory"`
	ParentID  string `json:"parent_id,omitempty"`
	Status    string `json:"status"`
	Active    bool   `json:"active"`
	UpdatedAt string `json:"updated_at"`
}

func (s *Server) sessionOut(sess models.Session) sessionOut {
	return sessionOut{
		ID:        sess.ID,
		Title:     sess.Title,
		Directory: sess.Directory,
		ParentID:  sess.ParentID,
		Status:    string(s.engine.Status.Get(sess.ID).Type),
		Active:    sess.ID == s.engine.ActiveSession(),
		UpdatedAt: sess.UpdatedAt().UTC().Format(time.RFC3339),
	}
}

// chatsync_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_list_sessions",
		mcp.WithDescription("List known sessions, most recently updated first. Returns a JSON array with id, title, directory, parent_id, status, and whether the session is active."),
		mcp.WithBoolean("include_children", mcp.Description("Include sessions delegated by other sessions (default false)")),
	)
	return tool, s.handleListSessions
}

func (s *Server) handleListSessions(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	children := request.GetBool("include_children", false)
	out := []sessionOut{}
	for _, sess := range s.engine.Registry.List() {
		if sess.IsChild() && !children {
			continue
		}
		out = append(out, s.sessionOut(sess))
	}
	return jsonResult(out)
}

// chatsync_create_session
func (s *Server) createSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_create_session",
		mcp.WithDescription("Create a new session and make it active. Returns the session as JSON."),
		mcp.WithString("directory", mcp.Description("Absolute working directory for the session (default: the configured directory)")),
	)
	return tool, s.handleCreateSession
}

func (s *Server) handleCreateSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.engine.Create(ctx, request.GetString("directory", ""))
	if err != nil && sess.ID == "" {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create session: %v", err)), nil
	}
	return jsonResult(s.sessionOut(sess))
}

// chatsync_select_session
func (s *Server) selectSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_select_session",
		mcp.WithDescription("Make a session active and load its messages and status."),
		mcp.WithString("session", mcp.Required(), mcp.Description("Session ID")),
	)
	return tool, s.handleSelectSession
}

func (s *Server) handleSelectSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("session")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session"), nil
	}
	sess, ok := s.engine.Registry.Get(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("session not found: %s", id)), nil
	}
	if err := s.engine.Select(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to select session: %v", err)), nil
	}
	return jsonResult(s.sessionOut(sess))
}

type partOut struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Status string `json:"status,omitempty"`
}

type messageOut struct {
	ID    string    `json:"id"`
	Role  string    `json:"role"`
	Error string    `json:"error,omitempty"`
	Parts []partOut `json:"parts"`
}

func toMessageOut(m models.Message) messageOut {
	out := messageOut{ID: m.Info.ID, Role: string(m.Info.Role), Parts: []partOut{}}
	if m.Info.Error != nil {
		out.Error = m.Info.Error.Detail()
	}
	for _, p := range m.Parts {
		po := partOut{Type: string(p.Type)}
		switch {
		case p.TextLike():
			if p.Ignored {
				continue
			}
			po.Text = p.Text
		case p.Type == models.PartTypeTool:
			po.Tool = p.Tool
			if p.State != nil {
				po.Status = string(p.State.Status)
			}
		case p.Type == models.PartTypeFile:
			po.Text = p.Filename
		default:
			continue
		}
		out.Parts = append(out.Parts, po)
	}
	return out
}

// chatsync_session_messages
func (s *Server) sessionMessagesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_session_messages",
		mcp.WithDescription("Get the messages of a session in order, including text, reasoning, file, and tool parts. Defaults to the active session."),
		mcp.WithString("session", mcp.Description("Session ID (default: active session)")),
		mcp.WithNumber("limit", mcp.Description("Return only the last N messages (default all)")),
	)
	return tool, s.handleSessionMessages
}

func (s *Server) handleSessionMessages(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.sessionArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgs := s.engine.Messages(id)
	if limit := request.GetInt("limit", 0); limit > 0 && limit < len(msgs) {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]messageOut, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageOut(m))
	}
	return jsonResult(out)
}

// chatsync_session_status
func (s *Server) sessionStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_session_status",
		mcp.WithDescription("Get a session's run status (idle, busy, retry), its task list, pending request counts, and the last surfaced error."),
		mcp.WithString("session", mcp.Description("Session ID (default: active session)")),
	)
	return tool, s.handleSessionStatus
}

func (s *Server) handleSessionStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.sessionArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	st := s.engine.Status.Get(id)
	result := map[string]any{
		"session":     id,
		"status":      string(st.Type),
		"todos":       s.engine.Todos(id),
		"permissions": len(s.engine.Permissions.Pending(id)),
		"questions":   len(s.engine.Questions.Pending(id)),
	}
	if st.Type == models.SessionStatusRetry {
		result["attempt"] = st.Attempt
		result["retry_message"] = st.Message
	}
	if err := s.engine.LastError(id); err != nil {
		result["error"] = err.Error()
	}
	return jsonResult(result)
}

// chatsync_send_prompt
func (s *Server) sendPromptTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_send_prompt",
		mcp.WithDescription("Send a prompt to a session. Returns once the server accepted it; follow progress with chatsync_session_status and chatsync_session_messages."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Prompt text")),
		mcp.WithString("session", mcp.Description("Session ID (default: active session)")),
	)
	return tool, s.handleSendPrompt
}

func (s *Server) handleSendPrompt(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: text"), nil
	}
	id, err := s.sessionArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.Send(ctx, id, text); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send prompt: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Prompt sent to session %s", id)), nil
}

// chatsync_send_command
func (s *Server) sendCommandTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_send_command",
		mcp.WithDescription("Run a slash command in a session."),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command name, with or without the leading slash")),
		mcp.WithString("arguments", mcp.Description("Command arguments")),
		mcp.WithString("session", mcp.Description("Session ID (default: active session)")),
	)
	return tool, s.handleSendCommand
}

func (s *Server) handleSendCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: command"), nil
	}
	id, err := s.sessionArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.Command(ctx, id, command, request.GetString("arguments", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to send command: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Command /%s sent to session %s", strings.TrimPrefix(command, "/"), id)), nil
}

// chatsync_abort
func (s *Server) abortTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_abort",
		mcp.WithDescription("Abort the running message of a session."),
		mcp.WithString("session", mcp.Description("Session ID (default: active session)")),
	)
	return tool, s.handleAbort
}

func (s *Server) handleAbort(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := s.sessionArg(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.engine.Abort(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to abort: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Abort requested for session %s", id)), nil
}

// chatsync_list_requests
func (s *Server) listRequestsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_list_requests",
		mcp.WithDescription("List pending permission and question requests. Returns JSON with permissions and questions arrays."),
		mcp.WithString("session", mcp.Description("Only requests of this session (default: all sessions)")),
	)
	return tool, s.handleListRequests
}

func (s *Server) handleListRequests(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	perms := s.engine.Permissions.All()
	questions := s.engine.Questions.All()
	if id := request.GetString("session", ""); id != "" {
		perms = s.engine.Permissions.Pending(id)
		questions = s.engine.Questions.Pending(id)
	}
	if perms == nil {
		perms = []models.PermissionRequest{}
	}
	if questions == nil {
		questions = []models.QuestionRequest{}
	}
	return jsonResult(map[string]any{
		"permissions": perms,
		"questions":   questions,
	})
}

// chatsync_reply_permission
func (s *Server) replyPermissionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_reply_permission",
		mcp.WithDescription("Answer a pending permission request. Each request can be answered once."),
		mcp.WithString("request", mcp.Required(), mcp.Description("Permission request ID")),
		mcp.WithString("reply", mcp.Required(), mcp.Description("Decision"), mcp.Enum("once", "always", "reject")),
	)
	return tool, s.handleReplyPermission
}

func (s *Server) handleReplyPermission(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request"), nil
	}
	reply := models.PermissionReply(request.GetString("reply", ""))
	if !reply.Valid() {
		return mcp.NewToolResultError("reply must be one of once, always, reject"), nil
	}
	if err := s.engine.ReplyPermission(ctx, id, reply); err != nil {
		if errors.Is(err, engine.ErrAlreadyResponded) {
			return mcp.NewToolResultError(fmt.Sprintf("permission %s was already answered", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to reply: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Permission %s answered: %s", id, reply)), nil
}

// chatsync_answer_question
func (s *Server) answerQuestionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("chatsync_answer_question",
		mcp.WithDescription("Answer or reject a pending question request. Provide one answer list per question, in order, or set reject."),
		mcp.WithString("request", mcp.Required(), mcp.Description("Question request ID")),
		mcp.WithArray("answers", mcp.Description("One entry per question: a string or an array of selected labels")),
		mcp.WithBoolean("reject", mcp.Description("Decline the question instead of answering")),
	)
	return tool, s.handleAnswerQuestion
}

func (s *Server) handleAnswerQuestion(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: request"), nil
	}

	if request.GetBool("reject", false) {
		err = s.engine.RejectQuestion(ctx, id)
	} else {
		answers, perr := parseAnswers(request.GetArguments()["answers"])
		if perr != nil {
			return mcp.NewToolResultError(perr.Error()), nil
		}
		err = s.engine.ReplyQuestion(ctx, id, answers)
	}
	if err != nil {
		if errors.Is(err, engine.ErrAlreadyResponded) {
			return mcp.NewToolResultError(fmt.Sprintf("question %s was already answered", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to answer: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Question %s answered", id)), nil
}

// parseAnswers accepts ["a", ["b", "c"]] and returns [["a"], ["b", "c"]].
func parseAnswers(v any) ([][]string, error) {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("missing required parameter: answers")
	}
	out := make([][]string, 0, len(list))
	for i, entry := range list {
		switch e := entry.(type) {
		case string:
			out = append(out, []string{e})
		case []any:
			labels := make([]string, 0, len(e))
			for _, l := range e {
				str, ok := l.(string)
				if !ok {
					return nil, fmt.Errorf("answer %d: labels must be strings", i+1)
				}
				labels = append(labels, str)
			}
			out = append(out, labels)
		default:
			return nil, fmt.Errorf("answer %d: expected a string or an array of strings", i+1)
		}
	}
	return out, nil
}
