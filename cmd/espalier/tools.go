package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/pkg/adapters/backbone"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools the sandbox offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()

		// The backbone is never called; a scripted one avoids dialing it.
		rt, err := cli.Build(context.Background(), cfg, logger, cli.BuildOptions{Backbone: backbone.NewScripted()})
		if err != nil {
			return err
		}
		defer rt.Close()

		tools := rt.Agent.Tools()
		out := cmd.OutOrStdout()
		if jsonMode, _ := cmd.Flags().GetBool("json"); jsonMode {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(tools)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tKIND\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Kind, t.Description)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
	toolsCmd.Flags().Bool("json", false, "Print JSON")
}
