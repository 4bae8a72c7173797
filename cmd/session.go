package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/chatsync/internal/engine"
	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/output"
)

var (
	sessionListAll   bool
	sessionCreateDir string
	sessionShowLast  int
	sessionHistLast  int
	sessionSuggest   bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage sessions",
	Long:    "List, create, rename, delete, and inspect sessions on the server.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(sessionListAll)
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(sessionListAll)
	},
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionCreateRun(sessionCreateDir)
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:     "delete <session>",
	Aliases: []string{"rm"},
	Short:   "Delete a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionDeleteRun(args[0])
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <session> [title]",
	Short: "Rename a session, or suggest a title from its conversation with --suggest",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		title := ""
		if len(args) == 2 {
			title = args[1]
		}
		return sessionRenameRun(args[0], title, sessionSuggest)
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session]",
	Short: "Show a session's conversation",
	Long:  "Show a session's conversation. Defaults to the most recently updated session.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return sessionShowRun(id, sessionShowLast)
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show prompts and commands sent from this machine",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return sessionHistoryRun(id, sessionHistLast)
	},
}

func init() {
	sessionCmd.PersistentFlags().BoolVarP(&sessionListAll, "all", "a", false, "Include delegated sub-sessions")
	sessionCreateCmd.Flags().StringVar(&sessionCreateDir, "directory", "", "Absolute directory for the session (default: --dir or current directory)")
	sessionShowCmd.Flags().IntVar(&sessionShowLast, "last", 0, "Show only the last N messages")
	sessionHistoryCmd.Flags().IntVar(&sessionHistLast, "last", 20, "Show only the last N sends")
	sessionRenameCmd.Flags().BoolVar(&sessionSuggest, "suggest", false, "Suggest a title with the LLM (requires anthropic.api_key)")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCreateCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionRenameCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	rootCmd.AddCommand(sessionCmd)
}

// findSession resolves a session by full ID or unique ID prefix. An empty ref
// picks the most recently updated top-level session.
func findSession(list []models.Session, ref string) (models.Session, error) {
	if ref == "" {
		for _, s := range list {
			if !s.IsChild() {
				return s, nil
			}
		}
		return models.Session{}, fmt.Errorf("no sessions; use 'chatsync session create' to start one")
	}
	var matches []models.Session
	for _, s := range list {
		if s.ID == ref {
			return s, nil
		}
		if strings.HasPrefix(s.ID, ref) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return models.Session{}, fmt.Errorf("session not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return models.Session{}, fmt.Errorf("session prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// selectSession resolves ref against the engine's sessions and selects it.
func selectSession(ctx context.Context, e *engine.Engine, ref string) (models.Session, error) {
	s, err := findSession(e.Registry.List(), ref)
	if err != nil {
		return s, err
	}
	if err := e.Select(ctx, s.ID); err != nil {
		return s, err
	}
	return s, nil
}

func sessionTitle(s models.Session) string {
	if s.Title == "" {
		return "(untitled)"
	}
	return s.Title
}

func sessionListRun(all bool) error {
	ctx := context.Background()
	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	sessions := e.Registry.List()
	if len(sessions) == 0 {
		ui.Info("No sessions. Use 'chatsync session create' to start one.")
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"ID", "Title", "Status", "Updated", "Parent"})
	for _, s := range sessions {
		if s.IsChild() && !all {
			continue
		}
		_ = table.Append([]string{
			output.Cyan(s.ID),
			output.Truncate(sessionTitle(s), 48),
			output.StatusColor(string(e.Status.Get(s.ID).Type)),
			output.Ago(s.UpdatedAt(), now),
			s.ParentID,
		})
	}
	_ = table.Render()
	return nil
}

func sessionCreateRun(dir string) error {
	if dryRun {
		ui.DryRunMsg("Would create a session in %s", dirOrDefault(dir))
		return nil
	}

	ctx := context.Background()
	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := e.Create(ctx, dir)
	if err != nil && s.ID == "" {
		return err
	}
	if err != nil {
		ui.Warning("Session created but not loaded: %v", err)
	}
	ui.Success("Created session %s in %s", output.Cyan(s.ID), s.Directory)
	return nil
}

func dirOrDefault(dir string) string {
	if dir != "" {
		return dir
	}
	d, err := workDir()
	if err != nil {
		return "(unknown)"
	}
	return d
}

func sessionDeleteRun(ref string) error {
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
		ui.DryRunMsg("Would delete session %s (%s)", s.ID, sessionTitle(s))
		return nil
	}
	if _, err := e.Delete(ctx, s.ID); err != nil {
		return err
	}
	ui.Success("Deleted session %s", output.Cyan(s.ID))
	return nil
}

func sessionRenameRun(ref, title string, suggest bool) error {
	if title == "" && !suggest {
		return fmt.Errorf("provide a title or use --suggest")
	}

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

	if suggest {
		lc := newLLM()
		if lc == nil {
			return fmt.Errorf("LLM not configured: set anthropic.api_key or ANTHROPIC_API_KEY")
		}
		if err := e.Select(ctx, s.ID); err != nil {
			return err
		}
		suggestion, err := lc.SuggestTitle(ctx, e.Messages(s.ID), s.Title)
		if err != nil {
			return err
		}
		title = suggestion.Title
		ui.Info("Suggested: %s", title)
		if suggestion.Summary != "" {
			ui.VerboseLog("%s", suggestion.Summary)
		}
	}

	if dryRun {
		ui.DryRunMsg("Would rename %s to %q", s.ID, title)
		return nil
	}
	if _, err := e.Rename(ctx, s.ID, title); err != nil {
		return err
	}
	ui.Success("Renamed %s to %q", output.Cyan(s.ID), title)
	return nil
}

func sessionShowRun(ref string, last int) error {
	ctx := context.Background()
	e, closeFn, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	s, err := selectSession(ctx, e, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s  %s\n", output.Cyan(s.ID), sessionTitle(s), output.StatusColor(string(e.Status.Get(s.ID).Type)))
	fmt.Fprintf(ui.Out, "%s\n\n", s.Directory)

	msgs := e.Messages(s.ID)
	if last > 0 && last < len(msgs) {
		msgs = msgs[len(msgs)-last:]
	}
	if len(msgs) == 0 {
		ui.Info("No messages yet.")
		return nil
	}
	for _, m := range msgs {
		renderMessage(m)
	}
	for _, t := range e.Todos(s.ID) {
		fmt.Fprintf(ui.Out, "  [%s] %s\n", t.Status, t.Content)
	}
	return nil
}

func sessionHistoryRun(ref string, last int) error {
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
	if dataStore == nil {
		return fmt.Errorf("send history needs the cache; enable cache.enabled")
	}
	sends, err := dataStore.ListSends(ctx, s.ID, last)
	if err != nil {
		return err
	}
	if len(sends) == 0 {
		ui.Info("Nothing sent to %s from this machine.", s.ID)
		return nil
	}

	now := time.Now()
	table := ui.Table([]string{"When", "Kind", "Text", "Result"})
	for _, rec := range sends {
		result := output.Green("ok")
		if rec.Error != "" {
			result = output.Red(output.Truncate(rec.Error, 40))
		}
		_ = table.Append([]string{
			output.Ago(rec.CreatedAt, now),
			string(rec.Kind),
			output.Truncate(rec.Text, 60),
			result,
		})
	}
	_ = table.Render()
	return nil
}

// renderMessage prints one message with its visible parts.
func renderMessage(m models.Message) {
	role := output.Cyan(string(m.Info.Role))
	if m.Info.Role == models.RoleAssistant {
		role = output.Green(string(m.Info.Role))
	}
	fmt.Fprintf(ui.Out, "%s\n", role)
	for _, p := range m.Parts {
		if line := partLine(p); line != "" {
			fmt.Fprintf(ui.Out, "  %s\n", line)
		}
	}
	if m.Info.Error != nil && !m.Info.Error.Aborted() {
		fmt.Fprintf(ui.Out, "  %s\n", output.Red(m.Info.Error.Detail()))
	}
	fmt.Fprintln(ui.Out)
}

// partLine renders one part as a single display line, or "" to skip it.
func partLine(p models.Part) string {
	switch p.Type {
	case models.PartTypeText:
		if p.Ignored {
			return ""
		}
		return strings.ReplaceAll(strings.TrimSpace(p.Text), "\n", "\n  ")
	case models.PartTypeReasoning:
		if !verbose || p.Text == "" {
			return ""
		}
		return output.Yellow("thinking: ") + output.Truncate(p.Text, 120)
	case models.PartTypeTool:
		state := ""
		title := ""
		if p.State != nil {
			state = string(p.State.Status)
			title = p.State.Title
		}
		line := fmt.Sprintf("%s %s", output.Cyan(p.Tool), output.ToolColor(state))
		if title != "" {
			line += " " + output.Truncate(title, 80)
		}
		return line
	case models.PartTypeFile:
		return "file: " + p.Filename
	default:
		return ""
	}
}
