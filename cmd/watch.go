package cmd

import (
	"context"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/optimistic"
	"github.com/joescharf/chatsync/internal/output"
)

var (
	watchSession    string
	watchAutoAccept bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a session live",
	Long: `Follow a session as the server works on it. Completed messages, status
changes, and permission and question requests are printed as they arrive.
Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return watchRun(watchSession)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchSession, "session", "s", "", "Session ID or prefix (default: most recently updated)")
	watchCmd.Flags().BoolVar(&watchAutoAccept, "auto-accept", false, "Accept edit and write permissions automatically")
	rootCmd.AddCommand(watchCmd)
}

// watcher prints what changed in a session since its last sync.
type watcher struct {
	sessionID string
	printed   map[string]bool
	announced map[string]bool
	status    models.SessionStatus
	lastErr   error
}

func newWatcher(sessionID string, history []models.Message) *watcher {
	w := &watcher{
		sessionID: sessionID,
		printed:   make(map[string]bool),
		announced: make(map[string]bool),
		status:    models.Idle(),
	}
	for _, m := range history {
		if settled(m) {
			w.printed[m.Info.ID] = true
		}
	}
	return w
}

// settled reports whether m will no longer change in a way worth reprinting.
func settled(m models.Message) bool {
	if m.Shell || optimistic.IsTemporary(m.Info.ID) {
		return false
	}
	if m.Info.Role == models.RoleUser {
		return true
	}
	return m.Info.Terminal()
}

func (w *watcher) sync(e *engine.Engine) {
	for _, m := range e.Messages(w.sessionID) {
		if w.printed[m.Info.ID] || !settled(m) {
			continue
		}
		w.printed[m.Info.ID] = true
		renderMessage(m)
	}

	if st := e.Status.Get(w.sessionID); st != w.status {
		w.status = st
		switch st.Type {
		case models.SessionStatusRetry:
			ui.Warning("%s retrying (attempt %d): %s", w.sessionID, st.Attempt, st.Message)
		default:
			ui.Info("%s is %s", w.sessionID, output.StatusColor(string(st.Type)))
		}
	}

	announceRequests(e, w.sessionID, w.announced)

	if err := e.LastError(w.sessionID); err != nil && err != w.lastErr {
		ui.Error("%v", err)
	}
	w.lastErr = e.LastError(w.sessionID)
}

func watchRun(ref string) error {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := selectSession(ctx, e, ref)
	if err != nil {
		return err
	}
	if watchAutoAccept || viper.GetBool("permissions.auto_accept") {
		e.SetAutoAccept(s.ID, true)
		ui.VerboseLog("Auto-accepting edit and write permissions")
	}

	changed := make(chan struct{}, 1)
	off := e.OnChange(func(engine.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer off()

	w := newWatcher(s.ID, e.Messages(s.ID))
	ui.Info("Watching %s %s (Ctrl-C to stop)", output.Cyan(s.ID), sessionTitle(s))
	w.status = e.Status.Get(s.ID)
	for {
		w.sync(e)
		select {
		case <-ctx.Done():
			return nil
		case <-e.Done():
			if err := e.StreamErr(); err != nil {
				return fmt.Errorf("event stream closed: %w", err)
			}
			return nil
		case <-changed:
		}
	}
}
