// Package seed bootstraps Form definitions from files shipped with a
// campaign: JSON, JSON Lines, YAML or TOML.
package seed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/contavoto/fieldsync/internal/schema"
	"github.com/contavoto/fieldsync/internal/store"
)

// FormFile is the on-disk format of one Form definition.
type FormFile struct {
	Title       string         `json:"title" yaml:"title" toml:"title"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Fields      []schema.Field `json:"fields" yaml:"fields" toml:"fields"`
}

// Form converts the file entry to an unsaved Form.
func (ff FormFile) Form() *schema.Form {
	return &schema.Form{
		Title:       ff.Title,
		Description: ff.Description,
		Fields:      ff.Fields,
	}
}

// tomlDocument holds either a [[forms]] array or a single top-level form.
type tomlDocument struct {
	Forms []FormFile `toml:"forms"`
	FormFile
}

// Options contains configuration for a seed run
type Options struct {
	Paths  []string // Input files
	DryRun bool     // Parse and validate without writing
}

// Result contains statistics about a seed run
type Result struct {
	Created []string // titles
	Skipped []string // titles already present
	Errors  []string
}

// ReadFile parses every Form definition in path. The format follows the
// file extension.
func ReadFile(path string) ([]FormFile, error) {
	// #nosec G304 - controlled path from CLI
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		return parseJSON(data)
	case ".jsonl", ".ndjson":
		return parseJSONL(bytes.NewReader(data))
	case ".yaml", ".yml":
		return parseYAML(data)
	case ".toml":
		return parseTOML(data)
	default:
		return nil, fmt.Errorf("unsupported form file format %q", ext)
	}
}

func parseJSON(data []byte) ([]FormFile, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var forms []FormFile
		if err := json.Unmarshal(trimmed, &forms); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		return forms, nil
	}
	var form FormFile
	if err := json.Unmarshal(trimmed, &form); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return []FormFile{form}, nil
}

func parseJSONL(r io.Reader) ([]FormFile, error) {
	var forms []FormFile
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var form FormFile
		if err := json.Unmarshal(line, &form); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		forms = append(forms, form)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return forms, nil
}

// parseYAML accepts a multi-document stream; each document is one form or
// a list of forms.
func parseYAML(data []byte) ([]FormFile, error) {
	var forms []FormFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
		if len(node.Content) == 0 {
			continue
		}

		if node.Content[0].Kind == yaml.SequenceNode {
			var list []FormFile
			if err := node.Decode(&list); err != nil {
				return nil, fmt.Errorf("invalid YAML form list: %w", err)
			}
			forms = append(forms, list...)
			continue
		}
		var form FormFile
		if err := node.Decode(&form); err != nil {
			return nil, fmt.Errorf("invalid YAML form: %w", err)
		}
		forms = append(forms, form)
	}
	return forms, nil
}

func parseTOML(data []byte) ([]FormFile, error) {
	var doc tomlDocument
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("invalid TOML: %w", err)
	}
	forms := doc.Forms
	if doc.Title != "" {
		forms = append([]FormFile{doc.FormFile}, forms...)
	}
	return forms, nil
}

// Seed creates every Form found in opts.Paths. Forms whose title already
// exists locally are skipped, so seeding the same files twice is harmless.
// Invalid forms are reported in Result.Errors and do not stop the run.
func Seed(ctx context.Context, db *store.DB, opts Options) (*Result, error) {
	result := &Result{}
	seen := make(map[string]bool)

	for _, path := range opts.Paths {
		forms, err := ReadFile(path)
		if err != nil {
			return nil, err
		}

		for i, ff := range forms {
			form := ff.Form()
			form.SetDefaults()
			if err := form.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: form %d: %v", path, i+1, err))
				continue
			}

			if seen[form.Title] {
				result.Skipped = append(result.Skipped, form.Title)
				continue
			}
			seen[form.Title] = true

			_, err := db.FindFormByTitle(ctx, form.Title)
			if err == nil {
				result.Skipped = append(result.Skipped, form.Title)
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}

			if !opts.DryRun {
				if _, err := db.CreateForm(ctx, form); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("%s: failed to create %q: %v", path, form.Title, err))
					continue
				}
			}
			result.Created = append(result.Created, form.Title)
		}
	}

	return result, nil
}
