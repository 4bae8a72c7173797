package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deadPID is far above any default pid_max.
const deadPID = 999999

func servePID(t *testing.T) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), "state", "chatsync-serve.pid"))
}

func TestRead(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{name: "trailing newline", content: "4242\n", want: 4242},
		{name: "surrounding space", content: "  17 \n", want: 17},
		{name: "garbage", content: "serve\n", wantErr: "invalid PID file content"},
		{name: "empty", content: "", wantErr: "invalid PID file content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "serve.pid")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			pid, err := NewPIDFile(path).Read()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestClaim_CreatesStateDirectory(t *testing.T) {
	pf := servePID(t)

	require.NoError(t, pf.Claim(os.Getpid()))
	pid, running := pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestClaim_OwnerMayClaimAgain(t *testing.T) {
	pf := servePID(t)

	require.NoError(t, pf.Claim(os.Getpid()))
	require.NoError(t, pf.Claim(os.Getpid()))
}

func TestClaim_RefusedWhileAnotherProcessServes(t *testing.T) {
	pf := servePID(t)
	require.NoError(t, pf.Claim(os.Getpid()))

	err := pf.Claim(os.Getpid() + 1)
	require.ErrorIs(t, err, ErrRunning)
	assert.Contains(t, err.Error(), "already running")

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid, "file is unchanged")
}

func TestClaim_TakesOverStaleFile(t *testing.T) {
	pf := servePID(t)
	require.NoError(t, pf.WritePID(deadPID))

	require.NoError(t, pf.Claim(os.Getpid()))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestCheck(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		pid, running := servePID(t).Check()
		assert.Zero(t, pid)
		assert.False(t, running)
	})

	t.Run("live owner kept", func(t *testing.T) {
		pf := servePID(t)
		require.NoError(t, pf.Claim(os.Getpid()))

		pid, running := pf.Check()
		assert.True(t, running)
		assert.Equal(t, os.Getpid(), pid)
		assert.FileExists(t, pf.Path)
	})

	t.Run("stale file removed", func(t *testing.T) {
		pf := servePID(t)
		require.NoError(t, pf.WritePID(deadPID))

		pid, running := pf.Check()
		assert.Equal(t, deadPID, pid)
		assert.False(t, running)
		assert.NoFileExists(t, pf.Path)
	})
}

func TestRelease_OnlyByOwner(t *testing.T) {
	pf := servePID(t)
	require.NoError(t, pf.WritePID(4242))

	pf.Release(4243)
	assert.FileExists(t, pf.Path)

	pf.Release(4242)
	assert.NoFileExists(t, pf.Path)

	pf.Release(4242)
}

func TestStop_NotRunning(t *testing.T) {
	t.Run("no file", func(t *testing.T) {
		_, err := servePID(t).Stop(100 * time.Millisecond)
		assert.ErrorIs(t, err, ErrNotRunning)
	})

	t.Run("stale file", func(t *testing.T) {
		pf := servePID(t)
		require.NoError(t, pf.WritePID(deadPID))

		_, err := pf.Stop(100 * time.Millisecond)
		assert.ErrorIs(t, err, ErrNotRunning)
		assert.NoFileExists(t, pf.Path)
	})
}
