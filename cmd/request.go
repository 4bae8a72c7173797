package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/chatsync/internal/models"
	"github.com/joescharf/chatsync/internal/output"
)

var permissionCmd = &cobra.Command{
	Use:     "permission",
	Aliases: []string{"perm"},
	Short:   "Answer permission requests",
}

var permissionReplyCmd = &cobra.Command{
	Use:   "reply <request-id> <once|always|reject>",
	Short: "Reply to a permission request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return permissionReplyRun(args[0], args[1])
	},
}

var questionCmd = &cobra.Command{
	Use:     "question",
	Aliases: []string{"q"},
	Short:   "Answer question requests",
}

var questionReplyCmd = &cobra.Command{
	Use:   "reply <request-id> <answer>...",
	Short: "Answer a question request",
	Long: `Answer a question request. Give one argument per question, in order.
Separate labels with commas to pick several options for a multi-select
question; an empty argument leaves that question unanswered.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return questionReplyRun(args[0], args[1:])
	},
}

var questionRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Decline a question request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return questionRejectRun(args[0])
	},
}

func init() {
	permissionCmd.AddCommand(permissionReplyCmd)
	questionCmd.AddCommand(questionReplyCmd)
	questionCmd.AddCommand(questionRejectCmd)
	rootCmd.AddCommand(permissionCmd)
	rootCmd.AddCommand(questionCmd)
}

func permissionReplyRun(requestID, reply string) error {
	r := models.PermissionReply(strings.ToLower(reply))
	if !r.Valid() {
		return fmt.Errorf("invalid reply %q: must be once, always or reject", reply)
	}
	if dryRun {
		ui.DryRunMsg("Would reply %s to permission %s", r, requestID)
		return nil
	}
	dir, err := workDir()
	if err != nil {
		return err
	}
	if err := newClient(dir).ReplyPermission(context.Background(), requestID, r); err != nil {
		return err
	}
	ui.Success("Replied %s to permission %s", r, output.Cyan(requestID))
	return nil
}

// splitAnswers turns one argument per question into label lists.
func splitAnswers(args []string) [][]string {
	answers := make([][]string, 0, len(args))
	for _, arg := range args {
		labels := []string{}
		for _, l := range strings.Split(arg, ",") {
			if l = strings.TrimSpace(l); l != "" {
				labels = append(labels, l)
			}
		}
		answers = append(answers, labels)
	}
	return answers
}

func questionReplyRun(requestID string, args []string) error {
	answers := splitAnswers(args)
	if dryRun {
		ui.DryRunMsg("Would answer question %s with %v", requestID, answers)
		return nil
	}
	dir, err := workDir()
	if err != nil {
		return err
	}
	if err := newClient(dir).ReplyQuestion(context.Background(), requestID, answers); err != nil {
		return err
	}
	ui.Success("Answered question %s", output.Cyan(requestID))
	return nil
}

func questionRejectRun(requestID string) error {
	if dryRun {
		ui.DryRunMsg("Would reject question %s", requestID)
		return nil
	}
	dir, err := workDir()
	if err != nil {
		return err
	}
	if err := newClient(dir).RejectQuestion(context.Background(), requestID); err != nil {
		return err
	}
	ui.Success("Rejected question %s", output.Cyan(requestID))
	return nil
}
