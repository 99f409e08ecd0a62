package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"sleepstager/internal/config"
)

const (
	ExitSuccess           = 0
	ExitRunFailure        = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

type TraceConfig struct {
	Enabled bool
	Path    string
}

// Invocation is the fully canonicalized description of a run.
//
// All paths are normalized (Clean) and relative paths are resolved against
// WorkDir. Zero values mean "use the configuration file's value".
//
// NOTE: WorkDir is required and must be absolute; this prevents any dependency
// on the process current working directory.
type Invocation struct {
	WorkDir     string
	ConfigPath  string
	TrainingDir string
	HoldoutDir  string
	CacheDir    string
	MetricsFile string
	Iteration   int
	Mode        config.Mode
	Workers     int
	NoCache     bool
	ClearCache  bool
	Trace       TraceConfig
	// Report names a stored run to print instead of running the pipeline:
	// a run id or "latest".
	Report      string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// ParseInvocation parses CLI flags into a canonical Invocation.
//
// Determinism goals:
//   - Does not read env vars.
//   - Does not read/assume the process CWD.
//   - Requires WorkDir to be explicit and absolute.
func ParseInvocation(args []string) (Invocation, error) {
	fs := flag.NewFlagSet("sleepstager", flag.ContinueOnError)
	fs.SetOutput(io.Discard) // parsing errors are returned, not printed

	var (
		workDir     string
		configPath  string
		trainingDir string
		holdoutDir  string
		cacheDir    string
		metricsFile string
		tracePath   string
		mode        string
		iteration   int
		workers     int
		noCache     bool
		clearCache  bool
		report      string
	)
	fs.StringVar(&workDir, "workdir", "", "Absolute working directory. Required.")
	fs.StringVar(&configPath, "config", "", "YAML configuration file (optional).")
	fs.StringVar(&trainingDir, "training-dir", "", "Directory of training recordings (overrides config).")
	fs.StringVar(&holdoutDir, "holdout-dir", "", "Directory of holdout recordings (overrides config).")
	fs.StringVar(&cacheDir, "cache-dir", "", "Stage cache directory (overrides config).")
	fs.StringVar(&metricsFile, "metrics-file", "", "Write Prometheus text metrics to this file (optional).")
	fs.StringVar(&tracePath, "trace", "", "Trace output path (optional).")
	fs.StringVar(&mode, "mode", "", "Annotation mode: train|infer (overrides config).")
	fs.IntVar(&iteration, "iteration", 0, "Pipeline iteration (overrides config).")
	fs.IntVar(&workers, "workers", 0, "Concurrent recording loads (overrides config).")
	fs.BoolVar(&noCache, "no-cache", false, "Disable the stage cache.")
	fs.BoolVar(&clearCache, "clear-cache", false, "Remove every cache entry before running.")
	fs.StringVar(&report, "report", "", "Print a stored run (run id or \"latest\") instead of running.")

	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}

	if workDir == "" {
		return Invocation{}, invalidInvocationf("--workdir is required")
	}
	workDir = filepath.Clean(workDir)
	if !filepath.IsAbs(workDir) {
		return Invocation{}, invalidInvocationf("--workdir must be an absolute path (got %q)", workDir)
	}
	if iteration < 0 {
		return Invocation{}, invalidInvocationf("--iteration must be >= 1 (got %d)", iteration)
	}
	if workers < 0 {
		return Invocation{}, invalidInvocationf("--workers must be >= 1 (got %d)", workers)
	}
	parsedMode, err := parseMode(mode)
	if err != nil {
		return Invocation{}, err
	}

	report = strings.TrimSpace(report)
	if report != "" && (report == "." || report == ".." || filepath.Base(report) != report) {
		return Invocation{}, invalidInvocationf("invalid --report %q (expected a run id or %q)", report, ReportLatest)
	}

	inv := Invocation{
		Report:     report,
		WorkDir:    workDir,
		Iteration:  iteration,
		Mode:       parsedMode,
		Workers:    workers,
		NoCache:    noCache,
		ClearCache: clearCache,
	}
	for _, p := range []struct {
		dst *string
		raw string
	}{
		{&inv.ConfigPath, configPath},
		{&inv.TrainingDir, trainingDir},
		{&inv.HoldoutDir, holdoutDir},
		{&inv.CacheDir, cacheDir},
		{&inv.MetricsFile, metricsFile},
	} {
		if strings.TrimSpace(p.raw) == "" {
			continue
		}
		resolved, err := resolveUnderWorkDir(workDir, p.raw)
		if err != nil {
			return Invocation{}, err
		}
		*p.dst = resolved
	}
	if strings.TrimSpace(tracePath) != "" {
		resolvedTrace, err := resolveUnderWorkDir(workDir, tracePath)
		if err != nil {
			return Invocation{}, err
		}
		inv.Trace = TraceConfig{Enabled: true, Path: resolvedTrace}
	}
	return inv, nil
}

func parseMode(raw string) (config.Mode, error) {
	n := config.Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch n {
	case "", config.ModeTrain, config.ModeInfer:
		return n, nil
	default:
		return "", invalidInvocationf("invalid --mode %q (expected train|infer)", raw)
	}
}

func resolveUnderWorkDir(workDir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", invalidInvocationf("path must not be empty")
	}
	clean := filepath.Clean(p)
	if clean == "." {
		return "", invalidInvocationf("path must not be '.'")
	}
	if filepath.IsAbs(clean) {
		return clean, nil
	}
	// WorkDir is required to be absolute, so Join does not consult process CWD.
	return filepath.Clean(filepath.Join(workDir, clean)), nil
}

// ExitCode extracts a semantic exit code from a ParseInvocation error.
// If the error is not a known invocation error, it returns ExitInternalError.
func ExitCode(err error) int {
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	if err == nil {
		return ExitSuccess
	}
	return ExitInternalError
}
