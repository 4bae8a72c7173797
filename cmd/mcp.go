package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/chatsync/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an MCP client drive the synchronized sessions: list and select
sessions, read messages, send prompts and commands, and answer permission
and question requests. Configure it with:

  {
    "mcpServers": {
      "chatsync": { "command": "chatsync", "args": ["mcp"] }
    }
  }`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// stdout carries the protocol
		ui.Out = ui.ErrOut

		ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
		defer stop()

		e, closeFn, err := newEngine(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		return mcp.NewServer(e, buildVersion).ServeStdio(ctx)
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
