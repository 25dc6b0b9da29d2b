package main

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/seed"
	"github.com/contavoto/fieldsync/internal/store"
	"github.com/contavoto/fieldsync/internal/ui"
)

var formCmd = &cobra.Command{
	Use:     "form",
	GroupID: "records",
	Short:   "Manage survey forms",
}

var formAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a form",
	Long: `Create a form from flags or from a definition file.

Fields are given as id:type:Label, optionally followed by :opt1|opt2 for
choice types. Types: text, number, phone, single-choice, multi-choice,
dropdown, long-text.

Examples:
  fieldsync form add --title Household \
    --field name:text:Name --field rooms:number:Rooms \
    --field water:single-choice:Water:piped|well|none --required name

  fieldsync form add --file household.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		file, _ := cmd.Flags().GetString("file")

		var form *schema.Form
		if file != "" {
			forms, err := seed.ReadFile(file)
			if err != nil {
				return err
			}
			if len(forms) != 1 {
				return fmt.Errorf("%s holds %d forms; use 'fieldsync form seed' for several", file, len(forms))
			}
			form = forms[0].Form()
		} else {
			var err error
			if form, err = formFromFlags(cmd); err != nil {
				return err
			}
		}

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		id, err := db.CreateForm(ctx, form)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, form)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created form %d: %s (%d fields)\n",
			ui.RenderPass("✓"), id, form.Title, len(form.Fields))
		return nil
	},
}

func formFromFlags(cmd *cobra.Command) (*schema.Form, error) {
	title, _ := cmd.Flags().GetString("title")
	description, _ := cmd.Flags().GetString("description")
	specs, _ := cmd.Flags().GetStringArray("field")
	required, _ := cmd.Flags().GetStringSlice("required")

	if title == "" {
		return nil, fmt.Errorf("--title or --file is required")
	}

	form := &schema.Form{Title: title, Description: description}
	for _, spec := range specs {
		fd, err := parseFieldSpec(spec)
		if err != nil {
			return nil, err
		}
		fd.Required = slices.Contains(required, fd.ID)
		form.Fields = append(form.Fields, fd)
	}
	for _, id := range required {
		if _, ok := form.Field(id); !ok {
			return nil, fmt.Errorf("--required names unknown field %q", id)
		}
	}
	return form, nil
}

// parseFieldSpec parses id:type:Label[:opt1|opt2].
func parseFieldSpec(spec string) (schema.Field, error) {
	parts := strings.SplitN(spec, ":", 4)
	if len(parts) < 3 {
		return schema.Field{}, fmt.Errorf("invalid field %q: want id:type:Label", spec)
	}
	fd := schema.Field{
		ID:    strings.TrimSpace(parts[0]),
		Type:  schema.FieldType(strings.TrimSpace(parts[1])),
		Label: strings.TrimSpace(parts[2]),
	}
	if !fd.Type.IsValid() {
		return schema.Field{}, fmt.Errorf("invalid field %q: unknown type %q", spec, fd.Type)
	}
	if len(parts) == 4 {
		for _, opt := range strings.Split(parts[3], "|") {
			if opt = strings.TrimSpace(opt); opt != "" {
				fd.Options = append(fd.Options, opt)
			}
		}
	}
	return fd, nil
}

var formListCmd = &cobra.Command{
	Use:   "list",
	Short: "List forms",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pending, _ := cmd.Flags().GetBool("pending")

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		forms, err := db.ListForms(ctx, store.FormFilter{Unsynced: pending})
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, forms)
		}
		if len(forms) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No forms")
			return nil
		}
		rows := make([][]string, 0, len(forms))
		for _, f := range forms {
			rows = append(rows, []string{
				strconv.FormatInt(f.LocalID, 10),
				f.Title,
				strconv.Itoa(len(f.Fields)),
				ui.RenderSynced(f.Synchronized),
				f.CanonicalID,
			})
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"ID", "TITLE", "FIELDS", "SYNC", "CANONICAL ID"}, rows))
		return nil
	},
}

var formSeedCmd = &cobra.Command{
	Use:   "seed FILE...",
	Short: "Create forms from JSON, JSONL, YAML or TOML files",
	Long: `Create every form defined in the given files. Forms whose title already
exists are skipped, so seeding is safe to repeat.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		db, err := app.Store(ctx)
		if err != nil {
			return err
		}
		result, err := seed.Seed(ctx, db, seed.Options{Paths: args, DryRun: dryRun})
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(cmd, result)
		}
		out := cmd.OutOrStdout()
		verb := "Created"
		if dryRun {
			verb = "Would create"
		}
		for _, title := range result.Created {
			fmt.Fprintf(out, "%s %s %s\n", ui.RenderPass("✓"), verb, title)
		}
		for _, title := range result.Skipped {
			fmt.Fprintf(out, "%s Skipped %s (already exists)\n", ui.RenderMuted("-"), title)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(out, "%s %s\n", ui.RenderFail("✗"), msg)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d form(s) failed validation", len(result.Errors))
		}
		return nil
	},
}

func init() {
	formAddCmd.Flags().String("title", "", "Form title")
	formAddCmd.Flags().String("description", "", "Form description")
	formAddCmd.Flags().StringArray("field", nil, "Field as id:type:Label[:opt1|opt2] (repeatable)")
	formAddCmd.Flags().StringSlice("required", nil, "Ids of required fields")
	formAddCmd.Flags().String("file", "", "Read the form from a JSON, YAML or TOML file")

	formListCmd.Flags().Bool("pending", false, "Only forms waiting to sync")

	formSeedCmd.Flags().Bool("dry-run", false, "Validate without writing")

	formCmd.AddCommand(formAddCmd, formListCmd, formSeedCmd)
	rootCmd.AddCommand(formCmd)
}
