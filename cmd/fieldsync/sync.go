package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/media"
	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
	fsync "github.com/contavoto/fieldsync/internal/sync"
	"github.com/contavoto/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push pending forms and surveys to the remote store",
	Long: `Run one sync pass: every unsynchronized form, then every unsynchronized
survey, is inserted, updated or deleted remotely. A record that fails is
retried on the next pass; the others still go through.

With --media the upload queue runs right after the pass.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		withMedia, _ := cmd.Flags().GetBool("media")

		if err := app.Lock(); err != nil {
			return err
		}
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		rem, err := app.Remote(ctx)
		if err != nil {
			return err
		}
		signal := app.Signal(ctx, false)

		orch := app.Orchestrator(db, rem, signal)
		res := orch.SyncOnce(ctx)
		orch.Wait()

		var mres *media.Result
		if withMedia && res.Success {
			q, err := app.Queue(db, rem, signal)
			if err != nil {
				return err
			}
			r := q.ProcessQueueOnce(ctx)
			mres = &r
		}

		if jsonOutput {
			return outputJSON(cmd, map[string]any{"sync": syncSummary(res), "media": mediaSummary(mres)})
		}
		out := cmd.OutOrStdout()
		printSyncResult(out, res)
		if mres != nil {
			printMediaResult(out, *mres)
		}
		if res.Report != nil && res.Report.Failed() > 0 {
			return fmt.Errorf("%d record(s) failed; they will be retried", res.Report.Failed())
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Upload pending media",
	Long: `Run one pass of the media upload queue. Jobs whose survey has no canonical
id yet, or that are still backing off after a failure, wait for a later pass.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := app.Lock(); err != nil {
			return err
		}
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		rem, err := app.Remote(ctx)
		if err != nil {
			return err
		}
		q, err := app.Queue(db, rem, app.Signal(ctx, false))
		if err != nil {
			return err
		}

		res := q.ProcessQueueOnce(ctx)
		if jsonOutput {
			return outputJSON(cmd, mediaSummary(&res))
		}
		printMediaResult(cmd.OutOrStdout(), res)
		return nil
	},
}

type passSummary struct {
	Ran      bool   `json:"ran"`
	Reason   string `json:"reason,omitempty"`
	OK       int    `json:"ok"`
	Failed   int    `json:"failed"`
	Duration string `json:"duration,omitempty"`
}

func syncSummary(res fsync.Result) passSummary {
	s := passSummary{Ran: res.Success, Reason: res.Reason}
	if r := res.Report; r != nil {
		s.OK = r.OK()
		s.Failed = r.Failed()
		s.Duration = r.Duration().Round(time.Millisecond).String()
	}
	return s
}

func mediaSummary(res *media.Result) *passSummary {
	if res == nil {
		return nil
	}
	s := &passSummary{Ran: res.Ran, Reason: res.Reason}
	if r := res.Report; r != nil {
		s.OK = r.Uploaded + r.Completed
		s.Failed = r.Failed + r.Dead
		s.Duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
	}
	return s
}

func printSyncResult(out io.Writer, res fsync.Result) {
	if !res.Success {
		fmt.Fprintf(out, "%s Sync skipped: %s\n", ui.RenderWarn("⚠"), res.Reason)
		return
	}
	r := res.Report
	fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), r.Duration().Round(time.Millisecond))
	for _, step := range r.Steps {
		fmt.Fprintf(out, "   %-8s inserted %d, updated %d, deleted %d", step.Kind, step.Inserted, step.Updated, step.Deleted)
		if n := step.Failed + step.Skipped; n > 0 {
			fmt.Fprintf(out, ", %s", ui.RenderFail(fmt.Sprintf("failed %d", n)))
		}
		if step.Stale > 0 {
			fmt.Fprintf(out, ", edited during push %d", step.Stale)
		}
		fmt.Fprintln(out)
	}
	if err := r.Err(); err != nil {
		var merr interface{ WrappedErrors() []error }
		if errors.As(err, &merr) {
			for _, e := range merr.WrappedErrors() {
				fmt.Fprintf(out, "   %s %v\n", ui.RenderFail("✗"), e)
			}
		}
	}
}

func printMediaResult(out io.Writer, res media.Result) {
	if !res.Ran {
		fmt.Fprintf(out, "%s Upload queue skipped: %s\n", ui.RenderWarn("⚠"), res.Reason)
		return
	}
	r := res.Report
	fmt.Fprintf(out, "%s Upload queue: uploaded %d, completed %d, rescheduled %d, failed %d",
		ui.RenderPass("✓"), r.Uploaded, r.Completed, r.Rescheduled, r.Failed)
	if r.Dead > 0 {
		fmt.Fprintf(out, ", %s", ui.RenderFail(fmt.Sprintf("dead %d", r.Dead)))
	}
	if r.Orphaned > 0 {
		fmt.Fprintf(out, ", orphaned %d", r.Orphaned)
	}
	fmt.Fprintln(out)
}

// parseSince accepts RFC 3339, a duration ("2h") or natural language
// ("yesterday 6pm", "3 hours ago").
func parseSince(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(text); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: no time found", text)
	}
	return r.Time, nil
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show pending work and the last sync passes",
	Example: `  fieldsync status
  fieldsync status --since "3 hours ago"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		st, err := db.Stats(ctx)
		if err != nil {
			return err
		}

		states := make(map[string]*store.SyncState)
		for _, component := range []string{fsync.Component, media.Component} {
			s, err := db.GetSyncState(ctx, component)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if s != nil {
				states[component] = s
			}
		}

		var recent []*schema.Survey
		if text, _ := cmd.Flags().GetString("since"); text != "" {
			since, err := parseSince(text, time.Now())
			if err != nil {
				return err
			}
			recent, err = db.ListSurveys(ctx, store.SurveyFilter{UpdatedSince: &since, IncludeDeleted: true})
			if err != nil {
				return err
			}
		}

		if jsonOutput {
			return outputJSON(cmd, map[string]any{
				"device_id": app.Config.Device.ID,
				"store":     app.Config.Store.Path,
				"stats":     st,
				"passes":    states,
				"recent":    recent,
			})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s\n\n", ui.RenderTitle("fieldsync status"))
		fmt.Fprint(out, ui.KeyValues([][2]string{
			{"Device", app.Config.Device.ID},
			{"Store", app.Config.Store.Path},
			{"Forms", fmt.Sprintf("%d (%d pending)", st.Forms, st.FormsPending)},
			{"Surveys", fmt.Sprintf("%d (%d pending, %d awaiting remote delete)", st.Surveys, st.SurveysPending, st.Tombstones)},
			{"Uploads", fmt.Sprintf("%d pending, %d failing", st.Jobs[schema.JobPending]+st.Jobs[schema.JobUploading], st.JobsFailing())},
		}))
		if st.OldestPendingJob != nil {
			fmt.Fprintf(out, "  %s\n", ui.RenderMuted("Oldest upload waiting since "+st.OldestPendingJob.Local().Format(time.DateTime)))
		}

		fmt.Fprintln(out)
		for _, component := range []string{fsync.Component, media.Component} {
			s, ok := states[component]
			if !ok || s.LastFinishedAt == nil {
				fmt.Fprintf(out, "  %-6s %s\n", component, ui.RenderMuted("never ran"))
				continue
			}
			mark := ui.RenderPass("✓")
			if !s.LastSuccess {
				mark = ui.RenderWarn("⚠")
			}
			fmt.Fprintf(out, "  %-6s %s %s ok=%d failed=%d", component, mark,
				s.LastFinishedAt.Local().Format(time.DateTime), s.RecordsOK, s.RecordsFailed)
			if s.LastReason != "" {
				fmt.Fprintf(out, " (%s)", s.LastReason)
			}
			fmt.Fprintln(out)
		}

		if recent != nil {
			fmt.Fprintf(out, "\n%s %d survey(s) changed\n", ui.RenderAccent("Since:"), len(recent))
			for _, s := range recent {
				fmt.Fprintf(out, "  %d  %-12s %s  %s\n", s.LocalID, s.Status, ui.RenderSynced(s.Synchronized), s.Location.Address)
			}
		}
		fmt.Fprintln(out)
		return nil
	},
}

var jobsCmd = &cobra.Command{
	Use:     "jobs",
	GroupID: "sync",
	Short:   "List media upload jobs",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter := store.JobFilter{}
		status, _ := cmd.Flags().GetString("status")
		if status != "" {
			filter.Status = schema.JobStatus(status)
			if !filter.Status.IsValid() {
				return fmt.Errorf("invalid --status %q", status)
			}
		}
		filter.SurveyLocalID, _ = cmd.Flags().GetInt64("survey")

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		jobs, err := db.ListJobs(ctx, filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, jobs)
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No upload jobs")
			return nil
		}
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			next := ""
			if j.NextAttemptAt != nil && !j.IsDone() {
				next = j.NextAttemptAt.Local().Format(time.TimeOnly)
			}
			rows = append(rows, []string{
				strconv.FormatInt(j.LocalID, 10),
				strconv.FormatInt(j.SurveyLocalID, 10),
				renderJobStatus(j.Status),
				strconv.Itoa(j.Attempts),
				strconv.Itoa(j.UploadFailures),
				next,
				j.LastError,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "SURVEY", "STATUS", "ATTEMPTS", "FAILURES", "NEXT", "LAST ERROR"}, rows))
		return nil
	},
}

func renderJobStatus(s schema.JobStatus) string {
	switch s {
	case schema.JobOK:
		return ui.RenderPass(string(s))
	case schema.JobError:
		return ui.RenderWarn(string(s))
	case schema.JobDead:
		return ui.RenderFail(string(s))
	default:
		return string(s)
	}
}

func init() {
	syncCmd.Flags().Bool("media", false, "Also run the upload queue")
	statusCmd.Flags().String("since", "", `List surveys changed since a time ("2h", "yesterday 6pm", RFC 3339)`)
	jobsCmd.Flags().String("status", "", "Filter by status: pending, uploading, ok, error, dead")
	jobsCmd.Flags().Int64("survey", 0, "Only jobs of this survey")

	rootCmd.AddCommand(syncCmd, queueCmd, statusCmd, jobsCmd)
}
