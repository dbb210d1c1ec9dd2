package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/internal/cache"
	"github.com/kilnworks/kiln/internal/demo"
	"github.com/kilnworks/kiln/internal/fingerprint"
	"github.com/kilnworks/kiln/internal/pipeline"
	"github.com/kilnworks/kiln/internal/store"
	"github.com/kilnworks/kiln/internal/value"
)

// BuildOptions holds flags for the build command.
type BuildOptions struct {
	DBPath  string
	Workers int
	All     bool
}

// JobReport is one job's outcome for output.
type JobReport struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	State       string `json:"state"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BuildReport holds the build command output.
type BuildReport struct {
	Roots     []string    `json:"roots"`
	Jobs      []JobReport `json:"jobs"`
	Succeeded int         `json:"succeeded"`
	CacheHits int         `json:"cache_hits"`
	Failed    int         `json:"failed"`
}

// NewBuildCommand creates the build command.
func NewBuildCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BuildOptions{}

	cmd := &cobra.Command{
		Use:   "build <project-dir> [asset-name...]",
		Short: "Build assets through the incremental pipeline",
		Long: `Build the named assets and everything they depend on. Jobs whose
fingerprint already has a cached artifact are skipped; everything else
runs through the registered adapters and lands in the build database.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(rootOpts, opts, args[0], args[1:], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "build database path (default <project-dir>/kiln.db)")
	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "concurrent adapter executions")
	cmd.Flags().BoolVar(&opts.All, "all", false, "build every asset with a registered adapter")

	return cmd
}

func runBuild(rootOpts *RootOptions, opts *BuildOptions, projectDir string, names []string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	project, loadErrors := LoadProject(projectDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		return outputLoadError(formatter, loadErrors[0])
	}

	objects, ids, buildErrs := project.BuildObjects()
	if len(buildErrs) > 0 {
		return outputLoadError(formatter, buildErrs[0])
	}
	formatter.VerboseLog("Loaded %d schema(s), %d asset(s)", len(project.Defs), len(project.Assets))

	adapters := demo.Adapters()
	roots, rootNames, err := resolveRoots(project, ids, names, adapters, opts.All)
	if err != nil {
		return outputLoadError(formatter, err)
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(projectDir, "kiln.db")
	}
	durable, err := store.Open(dbPath)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("opening build database: %v", err), nil)
		return WrapExitError(ExitCommandError, "opening build database", err)
	}
	defer durable.Close()

	ctx := cmd.Context()
	if err := durable.SaveSchemas(ctx, project.Defs, project.Fingerprints); err != nil {
		return WrapExitError(ExitCommandError, "persisting schemas", err)
	}
	for _, id := range objects.IDs() {
		info, snapErr := objects.Snapshot(id)
		if snapErr != nil {
			return WrapExitError(ExitCommandError, "snapshotting objects", snapErr)
		}
		if err := durable.SaveObject(ctx, info); err != nil {
			return WrapExitError(ExitCommandError, "persisting objects", err)
		}
	}

	engine := fingerprint.NewEngine(objects)
	defer engine.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if rootOpts.Verbose {
		logger = slog.New(slog.NewTextHandler(formatter.GetErrWriter(), nil))
	}
	sched := pipeline.NewScheduler(objects, engine, cache.New(durable), durable, adapters,
		pipeline.WithWorkers(opts.Workers),
		pipeline.WithLogger(logger))

	result, err := sched.Build(ctx, roots)
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, fmt.Sprintf("build: %v", err), nil)
		return WrapExitError(ExitCommandError, "build", err)
	}

	if rootOpts.Verbose {
		fmt.Fprint(formatter.GetErrWriter(), pipeline.FormatTrace(result.Trace))
	}

	return outputBuildReport(formatter, makeReport(rootNames, result))
}

// resolveRoots maps requested asset names to object ids. With all set,
// every declared asset whose schema has a registered adapter becomes a
// root, in declaration order.
func resolveRoots(project *Project, ids map[string]value.ObjectID, names []string, adapters *pipeline.AdapterSet, all bool) ([]value.ObjectID, []string, error) {
	if all {
		var roots []value.ObjectID
		var rootNames []string
		for _, d := range project.Assets {
			if _, ok := adapters.For(d.Schema); !ok {
				continue
			}
			roots = append(roots, ids[d.Name])
			rootNames = append(rootNames, d.Name)
		}
		if len(roots) == 0 {
			return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: "no buildable assets in project"}
		}
		return roots, rootNames, nil
	}

	if len(names) == 0 {
		return nil, nil, &LoadError{Code: ErrCodeGeneric, Message: "no assets named; pass asset names or --all"}
	}
	roots := make([]value.ObjectID, 0, len(names))
	for _, name := range names {
		id, ok := ids[name]
		if !ok {
			return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("no asset named %q in project", name)}
		}
		roots = append(roots, id)
	}
	return roots, names, nil
}

// makeReport flattens a pipeline result for output.
func makeReport(rootNames []string, result pipeline.Result) BuildReport {
	report := BuildReport{Roots: rootNames}
	for _, j := range result.Jobs {
		jr := JobReport{
			Name:        j.Name,
			Kind:        j.Key.Kind,
			State:       j.State.String(),
			Fingerprint: string(j.Fingerprint),
		}
		if j.Err != nil {
			jr.Error = j.Err.Error()
		}
		report.Jobs = append(report.Jobs, jr)

		switch j.State {
		case pipeline.StateSucceeded:
			report.Succeeded++
		case pipeline.StateCacheHit:
			report.CacheHits++
		case pipeline.StateFailed, pipeline.StateBlocked:
			report.Failed++
		}
	}
	return report
}

func outputBuildReport(formatter *OutputFormatter, report BuildReport) error {
	if formatter.Format == "json" {
		if report.Failed > 0 {
			response := CLIResponse{
				Status: "error",
				Data:   report,
				Error:  &CLIError{Code: ErrCodeGeneric, Message: "build failed"},
			}
			if err := jsonEncodeIndent(formatter, response); err != nil {
				return err
			}
			return NewExitError(ExitFailure, fmt.Sprintf("build failed: %d job(s) failed or blocked", report.Failed))
		}
		return formatter.Success(report)
	}

	w := tabwriter.NewWriter(formatter.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ASSET\tKIND\tSTATE\tDETAIL")
	for _, j := range report.Jobs {
		detail := shortFingerprint(j.Fingerprint)
		if j.Error != "" {
			detail = j.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.Name, j.Kind, j.State, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(formatter.Writer, "\n%d succeeded, %d cached, %d failed\n",
		report.Succeeded, report.CacheHits, report.Failed)

	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("build failed: %d job(s) failed or blocked", report.Failed))
	}
	return nil
}

func jsonEncodeIndent(formatter *OutputFormatter, response CLIResponse) error {
	encoder := json.NewEncoder(formatter.Writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// shortFingerprint truncates a fingerprint for the text report.
func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}
