package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/handoff/internal/validation"
	"github.com/rendis/handoff/internal/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file-or-dir>...",
		Short: "Check workflow definition documents",
		Long: `validate checks definition documents against the definition schema
and the structural rules (unique step names, bindings that only read
earlier outputs). Tool names are not resolved.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			validator, err := validation.NewJSONSchemaValidator()
			if err != nil {
				return err
			}
			loader := workflow.NewLoader(validator, nil)

			files, err := expandDefinitionPaths(args)
			if err != nil {
				return err
			}
			failed := 0
			out := cmd.OutOrStdout()
			for _, path := range files {
				data, err := os.ReadFile(path)
				if err == nil {
					err = loader.Check(data)
				}
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", path)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents invalid", failed, len(files))
			}
			return nil
		},
	}
}

// expandDefinitionPaths replaces directories with the definition files they
// contain.
func expandDefinitionPaths(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() && workflow.IsDefinitionFile(e.Name()) {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	return files, nil
}
