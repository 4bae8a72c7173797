// Package daemon tracks the background REST bridge through a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRunning is returned by Claim when a live process owns the file.
	ErrRunning = errors.New("already running")
	// ErrNotRunning is returned by Stop when no live process owns the file.
	ErrNotRunning = errors.New("not running")
)

// PIDFile records which process serves the bridge.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at path. Nothing is created until a claim.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// WritePID writes the given PID to the file, creating its directory.
func (p *PIDFile) WritePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create PID directory: %w", err)
	}
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the PID file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}

// IsRunning reports the recorded PID and whether that process is alive. It
// returns 0 when the file is missing or unreadable.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	return pid, alive(pid)
}

// Check reports the recorded PID and whether it is alive, removing the file
// when it names a dead process.
func (p *PIDFile) Check() (pid int, running bool) {
	pid, running = p.IsRunning()
	if pid != 0 && !running {
		_ = p.Remove()
	}
	return pid, running
}

// Claim records pid unless another live process already owns the file.
func (p *PIDFile) Claim(pid int) error {
	if owner, running := p.Check(); running && owner != pid {
		return fmt.Errorf("%w (PID %d)", ErrRunning, owner)
	}
	return p.WritePID(pid)
}

// Release removes the file if it still records pid.
func (p *PIDFile) Release(pid int) {
	if cur, err := p.Read(); err == nil && cur == pid {
		_ = p.Remove()
	}
}

// Stop asks the recorded process to terminate and waits up to grace for it
// to exit, then kills it. The file is removed once the process is gone.
func (p *PIDFile) Stop(grace time.Duration) (int, error) {
	pid, running := p.Check()
	if !running {
		return 0, ErrNotRunning
	}
	if err := signal(pid, termSignal); err != nil {
		return pid, fmt.Errorf("signal PID %d: %w", pid, err)
	}
	if !waitExit(pid, grace) {
		if err := signal(pid, killSignal); err != nil && alive(pid) {
			return pid, fmt.Errorf("kill PID %d: %w", pid, err)
		}
		if !waitExit(pid, grace) {
			return pid, fmt.Errorf("PID %d did not exit", pid)
		}
	}
	p.Release(pid)
	return pid, nil
}

func waitExit(pid int, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for alive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(50 * time.Millisecond)
	}
	return true
}
