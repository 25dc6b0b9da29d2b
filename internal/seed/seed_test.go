package seed

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
)

func setupTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "fieldsync.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

const jsonSingle = `{
  "title": "Household",
  "fields": [
    {"id": "name", "type": "text", "label": "Name", "required": true},
    {"id": "rooms", "type": "number", "label": "Rooms"}
  ]
}`

const jsonArray = `[
  {"title": "Household", "fields": [{"id": "name", "type": "text", "label": "Name"}]},
  {"title": "Shop", "fields": [{"id": "open", "type": "phone", "label": "Phone"}]}
]`

const jsonLines = `{"title": "Household", "fields": [{"id": "name", "type": "text", "label": "Name"}]}

{"title": "Shop", "fields": [{"id": "open", "type": "phone", "label": "Phone"}]}
`

const yamlStream = `title: Household
fields:
  - id: name
    type: text
    label: Name
    required: true
---
- title: Shop
  fields:
    - id: open
      type: phone
      label: Open?
- title: School
  fields:
    - id: pupils
      type: number
      label: Pupils
`

const tomlForms = `[[forms]]
title = "Household"

  [[forms.fields]]
  id = "name"
  type = "text"
  label = "Name"
  required = true

[[forms]]
title = "Shop"

  [[forms.fields]]
  id = "open"
  type = "phone"
  label = "Open?"
`

const tomlSingle = `title = "Household"
description = "One per dwelling"

[[fields]]
id = "name"
type = "text"
label = "Name"

[[fields]]
id = "rooms"
type = "number"
label = "Rooms"

  [fields.show_if]
  field_id = "name"
  equals = "x"
`

func TestReadFile(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		titles  []string
	}{
		{"json object", "forms.json", jsonSingle, []string{"Household"}},
		{"json array", "forms.json", jsonArray, []string{"Household", "Shop"}},
		{"jsonl", "forms.jsonl", jsonLines, []string{"Household", "Shop"}},
		{"yaml stream", "forms.yaml", yamlStream, []string{"Household", "Shop", "School"}},
		{"toml array", "forms.toml", tomlForms, []string{"Household", "Shop"}},
		{"toml single", "household.toml", tomlSingle, []string{"Household"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forms, err := ReadFile(writeFile(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("ReadFile failed: %v", err)
			}
			if len(forms) != len(tt.titles) {
				t.Fatalf("got %d forms, want %d", len(forms), len(tt.titles))
			}
			for i, want := range tt.titles {
				if forms[i].Title != want {
					t.Errorf("form %d title = %q, want %q", i, forms[i].Title, want)
				}
				if len(forms[i].Fields) == 0 {
					t.Errorf("form %q has no fields", want)
				}
			}
		})
	}
}

func TestReadFile_TOMLCondition(t *testing.T) {
	forms, err := ReadFile(writeFile(t, "household.toml", tomlSingle))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	rooms := forms[0].Fields[1]
	if rooms.Type != schema.FieldNumber {
		t.Errorf("type = %q, want number", rooms.Type)
	}
	if rooms.ShowIf == nil || rooms.ShowIf.FieldID != "name" {
		t.Errorf("show_if = %+v", rooms.ShowIf)
	}
	if forms[0].Description != "One per dwelling" {
		t.Errorf("description = %q", forms[0].Description)
	}
}

func TestReadFile_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown extension", "forms.csv", "title,fields"},
		{"bad json", "forms.json", "{"},
		{"bad jsonl line", "forms.jsonl", "{}\nnot json\n"},
		{"bad yaml", "forms.yaml", "title: [unterminated"},
		{"bad toml", "forms.toml", "title = "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadFile(writeFile(t, tt.file, tt.content)); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	path := writeFile(t, "forms.yaml", yamlStream)

	result, err := Seed(ctx, db, Options{Paths: []string{path}})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(result.Created) != 3 || len(result.Skipped) != 0 || len(result.Errors) != 0 {
		t.Fatalf("first run = %+v", result)
	}

	form, err := db.FindFormByTitle(ctx, "Household")
	if err != nil {
		t.Fatalf("FindFormByTitle failed: %v", err)
	}
	if form.Synchronized {
		t.Error("seeded form should be pending sync")
	}

	// Seeding again creates nothing.
	result, err = Seed(ctx, db, Options{Paths: []string{path}})
	if err != nil {
		t.Fatalf("second Seed failed: %v", err)
	}
	if len(result.Created) != 0 || len(result.Skipped) != 3 {
		t.Errorf("second run = %+v", result)
	}
}

func TestSeed_DryRun(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	result, err := Seed(ctx, db, Options{Paths: []string{writeFile(t, "forms.json", jsonArray)}, DryRun: true})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(result.Created) != 2 {
		t.Errorf("Created = %v, want 2 titles", result.Created)
	}

	forms, err := db.ListForms(ctx, store.FormFilter{})
	if err != nil {
		t.Fatalf("ListForms failed: %v", err)
	}
	if len(forms) != 0 {
		t.Errorf("dry run wrote %d forms", len(forms))
	}
}

func TestSeed_InvalidFormsAreReported(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	content := `[
  {"title": "Broken", "fields": [{"id": "kind", "type": "single-choice", "label": "Kind"}]},
  {"title": "", "fields": [{"id": "a", "type": "text", "label": "A"}]},
  {"title": "Household", "fields": [{"id": "name", "type": "text", "label": "Name"}]},
  {"title": "Household", "fields": [{"id": "name", "type": "text", "label": "Name"}]}
]`

	result, err := Seed(ctx, db, Options{Paths: []string{writeFile(t, "forms.json", content)}})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Errorf("Errors = %v, want 2", result.Errors)
	}
	if len(result.Created) != 1 || result.Created[0] != "Household" {
		t.Errorf("Created = %v", result.Created)
	}
	if len(result.Skipped) != 1 {
		t.Errorf("Skipped = %v, want the duplicate title", result.Skipped)
	}
}
