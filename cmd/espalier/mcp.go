package main

import (
	"context"
	"log"
	"os"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol (MCP) server",
	Long: `Starts the agent as an MCP server over Standard Input/Output.
This allows other agents to submit objectives through the run_task tool.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()

		// Ensure logs don't corrupt JSON-RPC on Stdout
		log.SetOutput(os.Stderr)

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()

		rt, err := cli.Build(ctx, cfg, logger, cli.BuildOptions{})
		if err != nil {
			return err
		}
		defer rt.Close()

		opts := []mcp.Option{mcp.WithLogger(logger)}
		if d, _ := cmd.Flags().GetDuration("wait-timeout"); d > 0 {
			opts = append(opts, mcp.WithWaitTimeout(d))
		}
		srv := mcp.NewServer(rt.Agent, opts...)

		logger.Info("starting espalier MCP server (stdio)")
		serveErr := srv.ServeStdio()
		if err := rt.Agent.Shutdown(context.Background()); err != nil {
			logger.Error("runs did not terminate", "err", err)
		}
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().Duration("wait-timeout", 0, "How long run_task blocks before returning a running status")
}
