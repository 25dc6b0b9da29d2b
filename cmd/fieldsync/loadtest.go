package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/loadtest"
	"github.com/contavoto/fieldsync/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Measure convergence against a flaky in-memory remote",
	Long: `Populate a scratch store with forms, finalized surveys and recordings, then
run sync and upload passes against an in-memory remote that fails a share of
calls, until nothing is pending.

Examples:
  fieldsync loadtest --forms 10 --surveys 100 --failure-rate 0.2
  fieldsync loadtest --media 0.5 --latency 5ms --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		var opts loadtest.Options
		opts.Forms, _ = cmd.Flags().GetInt("forms")
		opts.SurveysPerForm, _ = cmd.Flags().GetInt("surveys")
		opts.MediaPct, _ = cmd.Flags().GetFloat64("media")
		opts.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		opts.Latency, _ = cmd.Flags().GetDuration("latency")
		opts.MaxPasses, _ = cmd.Flags().GetInt("max-passes")
		opts.Seed, _ = cmd.Flags().GetInt64("seed")
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			opts.Logger = app.Logs.Logger("loadtest")
		}

		dir, err := os.MkdirTemp("", "fieldsync-loadtest-")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)

		out := cmd.OutOrStdout()
		if !jsonOutput {
			fmt.Fprintf(out, "%s Populating %d form(s) x %d survey(s)...\n",
				ui.RenderAccent("⏳"), opts.Forms, opts.SurveysPerForm)
		}
		start := time.Now()
		td, err := loadtest.CreateTestDatabase(ctx, filepath.Join(dir, "fieldsync.db"), opts)
		if err != nil {
			return err
		}
		defer td.Close()
		populated := time.Since(start)

		result, err := td.RunPasses(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, result)
		}
		fmt.Fprintf(out, "   Populated in %v (%d upload jobs)\n\n", populated.Round(time.Millisecond), td.MediaJobs)
		result.Print(out)
		if !result.Converged {
			return fmt.Errorf("did not converge after %d passes", result.Passes)
		}
		fmt.Fprintf(out, "\n%s Converged\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loadtestCmd.Flags().Int("forms", 5, "Number of forms")
	loadtestCmd.Flags().Int("surveys", 50, "Surveys per form")
	loadtestCmd.Flags().Float64("media", 0.3, "Share of surveys with a recording (0.0-1.0)")
	loadtestCmd.Flags().Float64("failure-rate", 0.1, "Share of remote calls that fail (0.0-1.0)")
	loadtestCmd.Flags().Duration("latency", 0, "Latency added to every remote call")
	loadtestCmd.Flags().Int("max-passes", 50, "Give up after this many passes")
	loadtestCmd.Flags().Int64("seed", 42, "Random seed")
	loadtestCmd.Flags().BoolP("verbose", "v", false, "Show sync and upload logs")

	rootCmd.AddCommand(loadtestCmd)
}
