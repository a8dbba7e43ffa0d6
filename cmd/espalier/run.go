package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aretw0/espalier"
	"github.com/aretw0/espalier/internal/cli"
	"github.com/aretw0/espalier/internal/config"
	"github.com/aretw0/espalier/internal/presentation/tui"
	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/safety"
	"github.com/spf13/cobra"
)

var errRunUnsuccessful = errors.New("run did not succeed")

var runCmd = &cobra.Command{
	Use:   "run [goal]",
	Short: "Run one objective to termination and print the report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, closeLog, err := setup(cmd)
		if err != nil {
			return err
		}
		defer closeLog.Close()

		goal, _ := cmd.Flags().GetString("goal")
		if goal == "" && len(args) > 0 {
			goal = args[0]
		}
		if strings.TrimSpace(goal) == "" {
			return errors.New("a goal is required (argument or --goal)")
		}
		goal, err = safety.SanitizeInput(goal)
		if err != nil {
			return err
		}
		criteria, _ := cmd.Flags().GetString("criteria")
		if criteria, err = safety.SanitizeInput(criteria); err != nil {
			return err
		}

		if script, _ := cmd.Flags().GetString("script"); script != "" {
			cfg.Backbone.Kind = config.BackboneScripted
			cfg.Backbone.Script = script
		}
		capFlag, _ := cmd.Flags().GetInt("iterations")
		var threshold *float64
		if cmd.Flags().Changed("confidence") {
			v, _ := cmd.Flags().GetFloat64("confidence")
			threshold = domain.Threshold(v)
		}
		seed, _ := cmd.Flags().GetInt64("seed")
		jsonMode, _ := cmd.Flags().GetBool("json")
		mermaid, _ := cmd.Flags().GetBool("mermaid")
		plain, _ := cmd.Flags().GetBool("plain")
		quiet, _ := cmd.Flags().GetBool("quiet")

		out := cmd.OutOrStdout()
		opts := cli.BuildOptions{}
		if !jsonMode && !quiet {
			tui.PrintBanner(os.Stderr, strings.TrimSpace(espalier.Version))
			opts.Hooks = append(opts.Hooks, cli.ProgressHooks(os.Stderr))
		}

		ctx := cli.NewSignalContext(context.Background())
		defer ctx.Cancel()

		rt, err := cli.Build(ctx, cfg, logger, opts)
		if err != nil {
			return err
		}
		defer rt.Close()

		state, err := cli.Execute(ctx, rt, cli.RunOptions{
			Objective: domain.TaskObjective{
				Goal:                goal,
				SuccessCriteria:     criteria,
				IterationCap:        capFlag,
				ConfidenceThreshold: threshold,
				Seed:                seed,
			},
			JSON:    jsonMode,
			Mermaid: mermaid,
			Plain:   plain,
			Out:     out,
		})
		if err != nil {
			return err
		}
		if state.Status != domain.StatusSucceeded {
			return fmt.Errorf("%w: %s (%s)", errRunUnsuccessful, state.Status, state.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("goal", "g", "", "The engineering objective")
	runCmd.Flags().String("criteria", "", "Success criteria handed to the evaluator and critic")
	runCmd.Flags().IntP("iterations", "n", 0, "Iteration cap (defaults to agent.iteration_cap)")
	runCmd.Flags().Float64("confidence", 0, "Confidence threshold (defaults to agent.confidence_threshold)")
	runCmd.Flags().Int64("seed", 0, "Sampling seed for deterministic runs")
	runCmd.Flags().String("script", "", "Use a scripted backbone from this YAML file")
	runCmd.Flags().Bool("json", false, "Print the run state as JSON")
	runCmd.Flags().Bool("mermaid", false, "Append the decision graph as a Mermaid diagram")
	runCmd.Flags().Bool("plain", false, "Do not render markdown even on a terminal")
	runCmd.Flags().BoolP("quiet", "q", false, "Suppress the banner and progress lines")
}
