package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/optimistic"
)

func sessionList() []models.Session {
	return []models.Session{
		{ID: "ses_child1", ParentID: "ses_abc1", Title: "delegated"},
		{ID: "ses_abc1", Title: "first"},
		{ID: "ses_abc2", Title: "second"},
		{ID: "ses_xyz", Title: "third"},
	}
}

func TestFindSession(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    string
		wantErr string
	}{
		{name: "empty picks first top-level", ref: "", want: "ses_abc1"},
		{name: "exact id", ref: "ses_abc2", want: "ses_abc2"},
		{name: "unique prefix", ref: "ses_x", want: "ses_xyz"},
		{name: "exact beats prefix", ref: "ses_abc1", want: "ses_abc1"},
		{name: "ambiguous prefix", ref: "ses_abc", wantErr: "ambiguous"},
		{name: "unknown", ref: "nope", wantErr: "session not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := findSession(sessionList(), tt.ref)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.ID)
		})
	}
}

func TestFindSession_NoSessions(t *testing.T) {
	_, err := findSession(nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session create")

	_, err = findSession([]models.Session{{ID: "ses_c", ParentID: "ses_p"}}, "")
	assert.Error(t, err, "sub-sessions are never picked by default")
}

func TestSessionTitle(t *testing.T) {
	assert.Equal(t, "(untitled)", sessionTitle(models.Session{}))
	assert.Equal(t, "Fix tests", sessionTitle(models.Session{Title: "Fix tests"}))
}

func TestPartLine(t *testing.T) {
	orig := verbose
	t.Cleanup(func() { verbose = orig })
	verbose = false

	assert.Equal(t, "hello\n  world", partLine(models.Part{Type: models.PartTypeText, Text: " hello\nworld\n"}))
	assert.Empty(t, partLine(models.Part{Type: models.PartTypeText, Text: "x", Ignored: true}))
	assert.Empty(t, partLine(models.Part{Type: models.PartTypeReasoning, Text: "hmm"}))
	assert.Empty(t, partLine(models.Part{Type: models.PartTypeStepStart}))
	assert.Equal(t, "file: main.go", partLine(models.Part{Type: models.PartTypeFile, Filename: "main.go"}))

	tool := partLine(models.Part{
		Type:  models.PartTypeTool,
		Tool:  "bash",
		State: &models.ToolState{Status: models.ToolStatusRunning, Title: "go test ./..."},
	})
	assert.Contains(t, tool, "bash")
	assert.Contains(t, tool, "running")
	assert.Contains(t, tool, "go test ./...")

	verbose = true
	assert.Contains(t, partLine(models.Part{Type: models.PartTypeReasoning, Text: "hmm"}), "hmm")
}

func TestSplitAnswers(t *testing.T) {
	got := splitAnswers([]string{"Yes", "red, blue", ""})
	assert.Equal(t, [][]string{{"Yes"}, {"red", "blue"}, {}}, got)
}

func TestSettled(t *testing.T) {
	done := int64(10)
	assert.True(t, settled(models.Message{Info: models.MessageInfo{ID: "msg_1", Role: models.RoleUser}}))
	assert.False(t, settled(models.Message{Info: models.MessageInfo{ID: optimistic.NewID(time.Now()), Role: models.RoleUser}}))
	assert.False(t, settled(models.Message{Info: models.MessageInfo{ID: "msg_2", Role: models.RoleAssistant}}))
	assert.True(t, settled(models.Message{Info: models.MessageInfo{
		ID: "msg_2", Role: models.RoleAssistant, Time: models.MessageTime{Completed: &done},
	}}))
	assert.False(t, settled(models.Message{Info: models.MessageInfo{ID: "msg_3"}, Shell: true}))
}

func TestNewWatcher_SkipsHistory(t *testing.T) {
	done := int64(10)
	history := []models.Message{
		{Info: models.MessageInfo{ID: "msg_1", Role: models.RoleUser}},
		{Info: models.MessageInfo{ID: "msg_2", Role: models.RoleAssistant, Time: models.MessageTime{Completed: &done}}},
		{Info: models.MessageInfo{ID: "msg_3", Role: models.RoleAssistant}},
	}
	w := newWatcher("ses_1", history)
	assert.True(t, w.printed["msg_1"])
	assert.True(t, w.printed["msg_2"])
	assert.False(t, w.printed["msg_3"], "running reply is printed once it completes")
	assert.Equal(t, models.Idle(), w.status)
}
