package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would create %s", "file")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would create file")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would create %s", "file")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("idle"))
	assert.NotEmpty(t, StatusColor("busy"))
	assert.NotEmpty(t, StatusColor("retry"))
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestToolColor(t *testing.T) {
	for _, s := range []string{"pending", "running", "completed", "error"} {
		assert.Contains(t, ToolColor(s), s)
	}
	assert.Equal(t, "other", ToolColor("other"))
}

func TestAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "-", Ago(time.Time{}, now))
	assert.Equal(t, "just now", Ago(now.Add(-10*time.Second), now))
	assert.Equal(t, "5m ago", Ago(now.Add(-5*time.Minute), now))
	assert.Equal(t, "3h ago", Ago(now.Add(-3*time.Hour), now))
	assert.Equal(t, "2d ago", Ago(now.Add(-49*time.Hour), now))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "a b c", Truncate("a\n b\tc", 10))
	assert.Equal(t, "abcdefg...", Truncate("abcdefghijklmnop", 10))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"ID", "Status"})
	require.NotNil(t, table)

	table.Append([]string{"ses_alpha", "idle"})
	table.Append([]string{"ses_beta", "busy"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "ses_alpha"), "table output should contain session ids")
	assert.True(t, strings.Contains(result, "ses_beta"), "table output should contain session ids")
}
