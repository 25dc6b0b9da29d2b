package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
	"github.com/contavoto/fieldsync/internal/ui"
)

var surveyCmd = &cobra.Command{
	Use:     "survey",
	GroupID: "records",
	Short:   "Capture and manage surveys",
}

var surveyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a survey against a form",
	Example: `  fieldsync survey start --form 1 --address "Rua do Amparo" \
    --neighborhood Carmo --city Olinda --house-number 12`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		formID, _ := cmd.Flags().GetInt64("form")
		if formID <= 0 {
			return fmt.Errorf("--form is required")
		}

		s := &schema.Survey{FormLocalID: formID}
		s.Location.Address, _ = cmd.Flags().GetString("address")
		s.Location.Neighborhood, _ = cmd.Flags().GetString("neighborhood")
		s.Location.City, _ = cmd.Flags().GetString("city")
		s.Location.HouseNumber, _ = cmd.Flags().GetString("house-number")
		s.Location.Landmark, _ = cmd.Flags().GetString("landmark")
		if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
			lat, _ := cmd.Flags().GetFloat64("lat")
			lon, _ := cmd.Flags().GetFloat64("lon")
			acc, _ := cmd.Flags().GetFloat64("accuracy")
			s.Geo = &schema.GeoPoint{Lat: lat, Lon: lon, Accuracy: acc}
		}

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		id, err := db.CreateSurvey(ctx, s)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Started survey %d\n", ui.RenderPass("✓"), id)
		return nil
	},
}

// parseAnswerArgs turns field=value arguments into answers typed by form.
func parseAnswerArgs(form *schema.Form, args []string) (map[string]schema.Answer, error) {
	answers := make(map[string]schema.Answer, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid answer %q: want field=value", arg)
		}
		fd, ok := form.Field(key)
		if !ok {
			return nil, fmt.Errorf("form %q has no field %q", form.Title, key)
		}
		a, err := schema.ParseAnswer(fd.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", key, err)
		}
		answers[key] = a
	}
	return answers, nil
}

func surveyID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid survey id %q", arg)
	}
	return id, nil
}

// loadSurveyForm returns the survey and its form.
func loadSurveyForm(ctx context.Context, db *store.DB, id int64) (*schema.Survey, *schema.Form, error) {
	s, err := db.GetSurvey(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	form, err := db.GetForm(ctx, s.FormLocalID)
	if err != nil {
		return nil, nil, err
	}
	return s, form, nil
}

var surveyAnswerCmd = &cobra.Command{
	Use:   "answer ID [FIELD=VALUE...]",
	Short: "Record answers on an in-progress survey",
	Long: `Merge answers into an in-progress survey. Existing answers are overwritten,
never removed. Multi-choice values are comma separated.

With --interactive, each visible field is prompted for in turn.`,
	Example: `  fieldsync survey answer 3 name="Maria Silva" rooms=4 pets=dog,cat
  fieldsync survey answer 3 --interactive`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		interactive, _ := cmd.Flags().GetBool("interactive")

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		s, form, err := loadSurveyForm(ctx, db, id)
		if err != nil {
			return err
		}

		var answers map[string]schema.Answer
		if interactive {
			if !ui.IsTerminal(os.Stdin) {
				return fmt.Errorf("--interactive needs a terminal")
			}
			answers, err = ui.Prompter{}.AskAnswers(ctx, form, s.Answers)
		} else {
			answers, err = parseAnswerArgs(form, args[1:])
		}
		if err != nil {
			return err
		}
		if len(answers) == 0 {
			return fmt.Errorf("no answers given")
		}

		s, err = db.UpdateSurveyAnswers(ctx, id, answers)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Recorded %d answer(s) on survey %d\n", ui.RenderPass("✓"), len(answers), id)
		return nil
	},
}

var surveyFinalizeCmd = &cobra.Command{
	Use:   "finalize ID [FIELD=VALUE...]",
	Short: "Finish a survey",
	Long: `Record the respondent and any last answers, then mark the survey finalized.
Every required visible field must be answered.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		var respondent schema.Respondent
		respondent.Name, _ = cmd.Flags().GetString("name")
		respondent.Phone, _ = cmd.Flags().GetString("phone")

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		_, form, err := loadSurveyForm(ctx, db, id)
		if err != nil {
			return err
		}
		answers, err := parseAnswerArgs(form, args[1:])
		if err != nil {
			return err
		}

		s, err := db.FinalizeSurvey(ctx, id, respondent, answers)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Finalized survey %d\n", ui.RenderPass("✓"), id)
		return nil
	},
}

var surveyCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel an in-progress survey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		s, err := db.CancelSurvey(ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Cancelled survey %d\n", ui.RenderWarn("⚠"), id)
		return nil
	},
}

var surveyDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a survey here and, on the next sync, remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		s, err := db.SoftDeleteSurvey(ctx, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, s)
		}
		if s.CanonicalID == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted survey %d (never synced; dropped on the next sync)\n", ui.RenderPass("✓"), id)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Survey %d will be deleted remotely on the next sync\n", ui.RenderPass("✓"), id)
		}
		return nil
	},
}

var surveyAttachCmd = &cobra.Command{
	Use:   "attach ID FILE",
	Short: "Attach recorded audio and queue it for upload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		path, err := filepath.Abs(args[1])
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("cannot attach %s: %w", args[1], err)
		}

		in := store.MediaInput{Path: path}
		in.ContentType, _ = cmd.Flags().GetString("content-type")
		if cmd.Flags().Changed("duration") {
			d, _ := cmd.Flags().GetFloat64("duration")
			in.Duration = &d
		}

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		job, err := db.AttachMedia(ctx, id, in)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, job)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Queued upload job %d for survey %d\n", ui.RenderPass("✓"), job.LocalID, id)
		return nil
	},
}

var surveyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List surveys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		filter := store.SurveyFilter{}
		filter.FormLocalID, _ = cmd.Flags().GetInt64("form")
		filter.Unsynced, _ = cmd.Flags().GetBool("pending")
		filter.IncludeDeleted, _ = cmd.Flags().GetBool("deleted")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		if status != "" {
			filter.Status = schema.SurveyStatus(status)
			if !filter.Status.IsValid() {
				return fmt.Errorf("invalid --status %q", status)
			}
		}

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		surveys, err := db.ListSurveys(ctx, filter)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, surveys)
		}
		if len(surveys) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No surveys")
			return nil
		}
		rows := make([][]string, 0, len(surveys))
		for _, s := range surveys {
			status := string(s.Status)
			if s.Deleted {
				status += " (deleted)"
			}
			rows = append(rows, []string{
				strconv.FormatInt(s.LocalID, 10),
				strconv.FormatInt(s.FormLocalID, 10),
				s.Location.Address,
				status,
				ui.RenderSynced(s.Synchronized),
				s.UpdatedAt.Local().Format("2006-01-02 15:04"),
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "FORM", "ADDRESS", "STATUS", "SYNC", "UPDATED"}, rows))
		return nil
	},
}

var surveyShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a survey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id, err := surveyID(args[0])
		if err != nil {
			return err
		}
		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		s, form, err := loadSurveyForm(ctx, db, id)
		if err != nil {
			return err
		}
		if jsonOutput {
			return outputJSON(cmd, s)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s %s\n\n", ui.RenderAccent("Survey"), ui.RenderTitle(fmt.Sprintf("%d · %s", s.LocalID, form.Title)))
		pairs := [][2]string{
			{"Status", string(s.Status)},
			{"Address", strings.TrimSpace(strings.Join([]string{s.Location.Address, s.Location.HouseNumber}, " "))},
			{"Neighborhood", s.Location.Neighborhood},
			{"City", s.Location.City},
			{"Started", s.StartedAt.Local().Format(time.DateTime)},
			{"Sync", ui.RenderSynced(s.Synchronized)},
		}
		if s.FinishedAt != nil {
			pairs = append(pairs, [2]string{"Finished", s.FinishedAt.Local().Format(time.DateTime)})
		}
		if s.Respondent.Name != "" {
			pairs = append(pairs, [2]string{"Respondent", strings.TrimSpace(s.Respondent.Name + " " + s.Respondent.Phone)})
		}
		if s.CanonicalID != "" {
			pairs = append(pairs, [2]string{"Canonical ID", s.CanonicalID})
		}
		if s.LastError != "" {
			pairs = append(pairs, [2]string{"Last error", ui.RenderFail(s.LastError)})
		}
		switch {
		case s.Media.URL != "":
			pairs = append(pairs, [2]string{"Audio", s.Media.URL})
		case s.Media.IsPending():
			pairs = append(pairs, [2]string{"Audio", ui.RenderWarn("waiting to upload")})
		}
		fmt.Fprint(out, ui.KeyValues(pairs))

		if len(s.Answers) > 0 {
			fmt.Fprintf(out, "\n%s\n", ui.RenderTitle("Answers"))
			var answers [][2]string
			for _, fd := range form.Fields {
				if a, ok := s.Answers[fd.ID]; ok {
					answers = append(answers, [2]string{fd.Label, a.String()})
				}
			}
			fmt.Fprint(out, ui.KeyValues(answers))
		}
		fmt.Fprintln(out)
		return nil
	},
}

func init() {
	surveyStartCmd.Flags().Int64("form", 0, "Local id of the form")
	surveyStartCmd.Flags().String("address", "", "Street address")
	surveyStartCmd.Flags().String("neighborhood", "", "Neighborhood")
	surveyStartCmd.Flags().String("city", "", "City")
	surveyStartCmd.Flags().String("house-number", "", "House number")
	surveyStartCmd.Flags().String("landmark", "", "Nearby landmark")
	surveyStartCmd.Flags().Float64("lat", 0, "Latitude")
	surveyStartCmd.Flags().Float64("lon", 0, "Longitude")
	surveyStartCmd.Flags().Float64("accuracy", 0, "Fix accuracy in meters")

	surveyAnswerCmd.Flags().BoolP("interactive", "i", false, "Prompt for each field")

	surveyFinalizeCmd.Flags().String("name", "", "Respondent name")
	surveyFinalizeCmd.Flags().String("phone", "", "Respondent phone")

	surveyAttachCmd.Flags().String("content-type", "", "Media type (default: from the file extension)")
	surveyAttachCmd.Flags().Float64("duration", 0, "Recording length in seconds")

	surveyListCmd.Flags().Int64("form", 0, "Only surveys of this form")
	surveyListCmd.Flags().Bool("pending", false, "Only surveys waiting to sync")
	surveyListCmd.Flags().Bool("deleted", false, "Include surveys waiting for remote deletion")
	surveyListCmd.Flags().String("status", "", "Filter by status: "+strings.Join(surveyStatuses(), ", "))
	surveyListCmd.Flags().Int("limit", 0, "Maximum number of surveys")

	surveyCmd.AddCommand(
		surveyStartCmd,
		surveyAnswerCmd,
		surveyFinalizeCmd,
		surveyCancelCmd,
		surveyDeleteCmd,
		surveyAttachCmd,
		surveyListCmd,
		surveyShowCmd,
	)
	rootCmd.AddCommand(surveyCmd)
}

func surveyStatuses() []string {
	statuses := []string{
		string(schema.StatusInProgress),
		string(schema.StatusFinalized),
		string(schema.StatusCancelled),
	}
	slices.Sort(statuses)
	return statuses
}
