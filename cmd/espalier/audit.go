package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/aretw0/espalier/pkg/adapters/sqlite"
	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit [run-id]",
	Short: "Inspect the SQLite audit log",
	Long: `Without arguments, lists the runs recorded in the audit log.
With a run ID, prints every entry of that run in append order.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()
		if path, _ := cmd.Flags().GetString("db"); path != "" {
			cfg.Audit.Path = path
		}
		if cfg.Audit.Path == "" {
			return errors.New("audit.path is not configured")
		}

		log, err := sqlite.Open(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer log.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		jsonMode, _ := cmd.Flags().GetBool("json")

		if len(args) == 0 {
			runs, err := log.Runs(ctx)
			if err != nil {
				return err
			}
			if jsonMode {
				return json.NewEncoder(out).Encode(runs)
			}
			for _, id := range runs {
				fmt.Fprintln(out, id)
			}
			return nil
		}

		entries, err := log.Query(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonMode {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tITER\tKIND\tREF\tAT")
		for _, e := range entries {
			fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\n", e.ID, e.Iteration, e.Kind, e.Ref, e.CreatedAt.Format("15:04:05.000"))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("db", "", "Override audit.path")
	auditCmd.Flags().Bool("json", false, "Print JSON")
}
