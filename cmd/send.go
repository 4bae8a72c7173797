package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/output"
)

var (
	sendSession    string
	sendWait       bool
	sendAutoAccept bool
)

var sendCmd = &cobra.Command{
	Use:   "send <text...>",
	Short: "Send a prompt to a session",
	Long: `Send a prompt to a session, the most recently updated one by default.

With --wait, stay connected until the session is idle again and print the
assistant's reply.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendRun(sendSession, strings.Join(args, " "), sendWait)
	},
}

var commandCmd = &cobra.Command{
	Use:   "command <name> [arguments...]",
	Short: "Run a slash command in a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return commandRun(sendSession, args[0], strings.Join(args[1:], " "), sendWait)
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the running message of a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return abortRun(sendSession)
	},
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, commandCmd, abortCmd} {
		c.Flags().StringVarP(&sendSession, "session", "s", "", "Session ID or prefix (default: most recently updated)")
	}
	for _, c := range []*cobra.Command{sendCmd, commandCmd} {
		c.Flags().BoolVarP(&sendWait, "wait", "w", false, "Wait for the reply and print it")
		c.Flags().BoolVar(&sendAutoAccept, "auto-accept", false, "Accept edit and write permissions automatically while waiting")
	}
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(abortCmd)
}

func sendRun(ref, text string, wait bool) error {
	return sendWith(ref, wait, func(ctx context.Context, e *engine.Engine, id string) error {
		if dryRun {
			ui.DryRunMsg("Would send to %s: %s", id, output.Truncate(text, 60))
			return nil
		}
		return e.Send(ctx, id, text)
	})
}

func commandRun(ref, command, arguments string, wait bool) error {
	return sendWith(ref, wait, func(ctx context.Context, e *engine.Engine, id string) error {
		if dryRun {
			ui.DryRunMsg("Would run /%s %s in %s", strings.TrimPrefix(command, "/"), arguments, id)
			return nil
		}
		return e.Command(ctx, id, command, arguments)
	})
}

// sendWith connects, selects the target session, runs send, and optionally
// waits for the run to finish.
func sendWith(ref string, wait bool, send func(ctx context.Context, e *engine.Engine, id string) error) error {
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
	if sendAutoAccept || viper.GetBool("permissions.auto_accept") {
		e.SetAutoAccept(s.ID, true)
	}

	before := len(e.Messages(s.ID))
	if err := send(ctx, e, s.ID); err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	ui.Success("Sent to %s", output.Cyan(s.ID))
	if !wait {
		return nil
	}

	if err := waitIdle(ctx, e, s.ID); err != nil {
		return err
	}
	msgs := e.Messages(s.ID)
	for _, m := range msgs[min(before, len(msgs)):] {
		if m.Info.Role == models.RoleAssistant {
			renderMessage(m)
		}
	}
	return nil
}

// waitIdle blocks until the session is no longer busy, announcing side-channel
// requests as they arrive. It returns the error surfaced for the run, if any.
func waitIdle(ctx context.Context, e *engine.Engine, sessionID string) error {
	changed := make(chan struct{}, 1)
	off := e.OnChange(func(engine.Change) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer off()

	announced := make(map[string]bool)
	for {
		announceRequests(e, sessionID, announced)
		if !e.Status.IsBusy(sessionID) {
			return e.LastError(sessionID)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.Done():
			return fmt.Errorf("event stream closed: %v", e.StreamErr())
		case <-changed:
		}
	}
}

// announceRequests prints pending requests of the session and its tracked
// sub-sessions that were not printed before.
func announceRequests(e *engine.Engine, sessionID string, announced map[string]bool) {
	ids := append([]string{sessionID}, e.Tracked()...)
	for _, id := range ids {
		for _, p := range e.Permissions.Pending(id) {
			if announced[p.ID] || e.Permissions.HasResponded(p.ID) {
				continue
			}
			announced[p.ID] = true
			ui.Warning("Permission %s requested: %s %s (reply with 'chatsync permission reply %s once|always|reject')",
				output.Cyan(p.ID), p.Permission, strings.Join(p.Patterns, " "), p.ID)
		}
		for _, q := range e.Questions.Pending(id) {
			if announced[q.ID] {
				continue
			}
			announced[q.ID] = true
			for _, item := range q.Questions {
				ui.Warning("Question %s: %s", output.Cyan(q.ID), item.Question)
				for _, o := range item.Options {
					fmt.Fprintf(ui.ErrOut, "    - %s\n", o.Label)
				}
			}
		}
	}
}

func abortRun(ref string) error {
	ctx := context.Background()
	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := findSession(e.Registry.List(), ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would abort %s", s.ID)
		return nil
	}
	if err := e.Abort(ctx, s.ID); err != nil {
		return err
	}
	ui.Success("Abort requested for %s", output.Cyan(s.ID))
	return nil
}
