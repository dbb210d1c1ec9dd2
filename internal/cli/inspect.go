package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/value"
)

// InspectResult holds the resolved view of one asset.
type InspectResult struct {
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Schema    string          `json:"schema"`
	Prototype string          `json:"prototype,omitempty"`
	Resolved  json.RawMessage `json:"resolved"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <project-dir> <asset-name>",
		Short: "Show the fully resolved value of one asset",
		Long: `Resolve an asset's record value through its override and prototype
chain and print it as canonical JSON. Unset fields show their schema
defaults.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runInspect(opts *RootOptions, projectDir, assetName string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	project, loadErrors := LoadProject(projectDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return outputLoadError(formatter, loadErrors[0])
	}

	objects, ids, buildErrs := project.BuildObjects()
	if len(buildErrs) > 0 {
		return outputLoadError(formatter, buildErrs[0])
	}

	id, ok := ids[assetName]
	if !ok {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no asset named %q in project", assetName), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("no asset named %q", assetName))
	}

	resolved, err := objects.ResolveObject(id)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("resolving %q: %v", assetName, err), nil)
		return WrapExitError(ExitFailure, "resolve failed", err)
	}
	data, err := value.MarshalCanonical(resolved)
	if err != nil {
		return WrapExitError(ExitFailure, "encoding resolved value", err)
	}

	rec, _, err := objects.Schema(id)
	if err != nil {
		return WrapExitError(ExitFailure, "reading schema", err)
	}
	result := InspectResult{
		Name:     assetName,
		ID:       string(id),
		Schema:   rec.Name,
		Resolved: json.RawMessage(data),
	}
	if proto, protoErr := objects.Prototype(id); protoErr == nil && proto != value.NilObjectID {
		if protoName, nameErr := objects.Name(proto); nameErr == nil {
			result.Prototype = protoName
		}
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "name:   %s\n", result.Name)
	fmt.Fprintf(formatter.Writer, "id:     %s\n", result.ID)
	fmt.Fprintf(formatter.Writer, "schema: %s\n", result.Schema)
	if result.Prototype != "" {
		fmt.Fprintf(formatter.Writer, "proto:  %s\n", result.Prototype)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		return WrapExitError(ExitFailure, "formatting resolved value", err)
	}
	fmt.Fprintln(formatter.Writer, pretty.String())
	return nil
}
