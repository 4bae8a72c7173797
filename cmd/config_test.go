package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/chatsync/internal/client"
	"github.com/joescharf/chatsync/internal/output"
)

// testEnv isolates viper, the config directory, and output. It returns the
// directory used for both config and state.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	origFunc := configDirFunc
	configDirFunc = func() (string, error) { return dir, nil }
	t.Cleanup(func() { configDirFunc = origFunc })

	viper.Reset()
	setDefaults(dir)
	t.Cleanup(viper.Reset)

	ui = output.New()
	return dir
}

// captureOut redirects ui.Out for the rest of the test.
func captureOut(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	ui.Out = &buf
	return &buf
}

func TestSetDefaults(t *testing.T) {
	dir := testEnv(t)

	assert.Equal(t, "http://127.0.0.1:4096", viper.GetString("server.url"))
	assert.Equal(t, client.DefaultTimeout, viper.GetDuration("server.timeout"))
	assert.Equal(t, 16*time.Millisecond, viper.GetDuration("batch.window"))
	assert.False(t, viper.GetBool("permissions.auto_accept"))
	assert.True(t, viper.GetBool("cache.enabled"))
	assert.Equal(t, filepath.Join(dir, "cache.db"), viper.GetString("cache.path"))
	assert.Equal(t, 8787, viper.GetInt("port"))
	assert.Empty(t, modelSelection().Model.ProviderID, "server default model")
}

func TestEnvOverrides(t *testing.T) {
	testEnv(t)
	t.Setenv("CHATSYNC_SERVER_URL", "http://10.0.0.5:4096")
	t.Setenv("CHATSYNC_BATCH_WINDOW", "40ms")
	t.Setenv("CHATSYNC_PERMISSIONS_AUTO_ACCEPT", "true")
	t.Setenv("CHATSYNC_MODEL_PROVIDER", "anthropic")
	t.Setenv("CHATSYNC_MODEL_ID", "claude-sonnet-4-5")
	bindEnv()

	assert.Equal(t, "http://10.0.0.5:4096", viper.GetString("server.url"))
	assert.Equal(t, 40*time.Millisecond, viper.GetDuration("batch.window"))
	assert.True(t, viper.GetBool("permissions.auto_accept"))

	sel := modelSelection()
	assert.Equal(t, "anthropic", sel.Model.ProviderID)
	assert.Equal(t, "claude-sonnet-4-5", sel.Model.ModelID)
}

func TestConfigInit_TemplateReadsBackAsDefaults(t *testing.T) {
	dir := testEnv(t)
	captureOut(t)
	viper.Set("batch.window", "25ms")
	viper.Set("permissions.auto_accept", true)

	require.NoError(t, configInitRun())

	cfgPath := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "window: 25ms")

	v := viper.New()
	v.SetConfigFile(cfgPath)
	require.NoError(t, v.ReadInConfig())
	assert.Equal(t, "http://127.0.0.1:4096", v.GetString("server.url"))
	assert.Equal(t, client.DefaultTimeout, v.GetDuration("server.timeout"))
	assert.Equal(t, 25*time.Millisecond, v.GetDuration("batch.window"))
	assert.True(t, v.GetBool("permissions.auto_accept"))
	assert.True(t, v.GetBool("cache.enabled"))
	assert.Equal(t, 8787, v.GetInt("port"))
	assert.Empty(t, v.GetString("anthropic.api_key"), "keys are never written")
}

func TestConfigInit_ExistingFile(t *testing.T) {
	tests := []struct {
		name    string
		force   bool
		wantErr string
	}{
		{name: "refused", wantErr: "already exists"},
		{name: "forced", force: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := testEnv(t)
			captureOut(t)
			cfgPath := filepath.Join(dir, "config.yaml")
			require.NoError(t, os.WriteFile(cfgPath, []byte("port: 1\n"), 0o644))

			configForce = tt.force
			t.Cleanup(func() { configForce = false })
			err := configInitRun()

			data, rerr := os.ReadFile(cfgPath)
			require.NoError(t, rerr)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, "port: 1\n", string(data))
				return
			}
			require.NoError(t, err)
			assert.Contains(t, string(data), "# chatsync configuration")
		})
	}
}

func TestConfigInit_DryRunWritesNothing(t *testing.T) {
	dir := testEnv(t)
	out := captureOut(t)
	dryRun = true
	ui.DryRun = true
	t.Cleanup(func() { dryRun = false })

	require.NoError(t, configInitRun())
	assert.NoFileExists(t, filepath.Join(dir, "config.yaml"))
	assert.Contains(t, out.String(), "auto_accept: false")
}

func TestConfigShow_ReportsSources(t *testing.T) {
	dir := testEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("batch:\n  window: 30ms\n"), 0o644))
	t.Setenv("CHATSYNC_PORT", "9000")
	bindEnv()
	out := captureOut(t)

	require.NoError(t, configShowRun())

	lines := map[string]string{}
	for _, line := range strings.Split(out.String(), "\n") {
		if f := strings.Fields(line); len(f) > 0 {
			lines[f[0]] = line
		}
	}
	assert.Contains(t, lines["batch.window"], "(file)")
	assert.Contains(t, lines["port"], "9000")
	assert.Contains(t, lines["port"], "(env: CHATSYNC_PORT)")
	assert.Contains(t, lines["permissions.auto_accept"], "(default)")
}

func TestConfigEdit(t *testing.T) {
	t.Run("no editor", func(t *testing.T) {
		testEnv(t)
		t.Setenv("EDITOR", "")
		t.Setenv("VISUAL", "")

		err := configEditRun()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "$EDITOR is not set")
	})

	t.Run("no config file", func(t *testing.T) {
		testEnv(t)
		t.Setenv("EDITOR", "true")

		err := configEditRun()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "chatsync config init")
	})
}

func TestFlattenKeys(t *testing.T) {
	result := map[string]bool{}
	flattenKeys("", map[string]any{
		"port":   8787,
		"server": map[string]any{"url": "u", "timeout": "30s"},
		"batch":  map[string]any{"window": "16ms"},
	}, result)

	assert.Equal(t, map[string]bool{
		"port":           true,
		"server.url":     true,
		"server.timeout": true,
		"batch.window":   true,
	}, result)
}
