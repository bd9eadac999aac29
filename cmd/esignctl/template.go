package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/accordsai/esign/pkg/domain"
	"github.com/accordsai/esign/pkg/fieldschema"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Work with template definition files",
}

var templateValidateCmd = &cobra.Command{
	Use:   "validate <glob>...",
	Short: "Validate YAML or JSON template files and print every defect",
	Example: `  esignctl template validate 'templates/**/*.yaml'
  esignctl template validate lease.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, err := validateTemplates(cmd.OutOrStdout(), args)
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d template(s) invalid", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templateCmd)
	templateCmd.AddCommand(templateValidateCmd)
}

// expandGlobs resolves every pattern; a pattern matching nothing is an
// error so typos do not pass silently.
func expandGlobs(patterns []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, p := range patterns {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("pattern %q matched no files", p)
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// loadTemplate decodes a template file. YAML goes through JSON so both
// formats share the field wire encoding.
func loadTemplate(path string) (domain.Template, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.Template{}, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return domain.Template{}, fmt.Errorf("parse yaml: %w", err)
		}
		if b, err = json.Marshal(doc); err != nil {
			return domain.Template{}, fmt.Errorf("convert yaml: %w", err)
		}
	case ".json":
	default:
		return domain.Template{}, fmt.Errorf("unsupported template file type %q", filepath.Ext(path))
	}
	var t domain.Template
	if err := json.Unmarshal(b, &t); err != nil {
		return domain.Template{}, fmt.Errorf("decode template: %w", err)
	}
	return t, nil
}

func validateTemplates(w io.Writer, patterns []string) (int, error) {
	files, err := expandGlobs(patterns)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, path := range files {
		slog.Debug("validating template", "path", path)
		t, err := loadTemplate(path)
		if err == nil {
			_, err = fieldschema.Validate(domain.NewTemplate(t.ID, t.CreatedBy, t, time.Now()))
		}
		if err == nil {
			fmt.Fprintf(w, "ok    %s\n", path)
			continue
		}
		failed++
		fmt.Fprintf(w, "FAIL  %s\n", path)
		var ves domain.ValidationErrors
		if errors.As(err, &ves) {
			for _, ve := range ves {
				fmt.Fprintf(w, "      - %s\n", ve.Error())
			}
			continue
		}
		fmt.Fprintf(w, "      - %v\n", err)
	}
	return failed, nil
}
