package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/schema"
)

// SchemaInfo describes one compiled schema for output.
type SchemaInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "record" or "enum"
	Fingerprint string `json:"fingerprint"`
}

// SchemasResult holds the schemas command output.
type SchemasResult struct {
	Schemas []SchemaInfo `json:"schemas"`
}

// NewSchemasCommand creates the schemas command.
func NewSchemasCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schemas <project-dir>",
		Short: "List compiled schemas and their fingerprints",
		Long: `Compile a project's CUE schemas and list each definition with its
content fingerprint. The fingerprint changes whenever the definition or
anything it references changes shape.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemas(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runSchemas(opts *RootOptions, projectDir string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	project, loadErrors := LoadProject(projectDir, LoadModeFailFast)
	if project == nil && len(loadErrors) > 0 {
		return outputLoadError(formatter, loadErrors[0])
	}

	result := SchemasResult{}
	for _, name := range project.Registry.Names() {
		def, fp, _ := project.Registry.LookupName(name)
		kind := "record"
		if _, ok := def.(schema.EnumDef); ok {
			kind = "enum"
		}
		result.Schemas = append(result.Schemas, SchemaInfo{
			Name:        name,
			Kind:        kind,
			Fingerprint: string(fp),
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tFINGERPRINT")
	for _, s := range result.Schemas {
		fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, s.Kind, s.Fingerprint)
	}
	return w.Flush()
}

// outputLoadError reports a fatal load error and maps it to exit code 2.
func outputLoadError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		_ = formatter.Error(loadErr.Code, loadErr.Message, nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", loadErr.Code, loadErr.Message))
	}
	_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	return WrapExitError(ExitCommandError, "load failed", err)
}
