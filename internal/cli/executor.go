package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"sleepstager/internal/cache"
	"sleepstager/internal/config"
	"sleepstager/internal/failure"
	"sleepstager/internal/metrics"
	"sleepstager/internal/pipeline"
	"sleepstager/internal/recording"
	"sleepstager/internal/runstate"
	"sleepstager/internal/trace"
)

type Result struct {
	ExitCode   int
	RunID      string
	Run        runstate.Run
	Failures   []failure.Record
	Pipeline   *pipeline.Result
	Prediction *pipeline.Prediction
}

// Execute runs a canonical invocation, logging to stderr. A report
// invocation prints the stored run to stdout instead.
func Execute(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Report != "" {
		return WriteReport(inv, os.Stdout)
	}
	return ExecuteWithOutput(ctx, inv, os.Stderr)
}

// ExecuteWithOutput maps a canonical Invocation to a pipeline run.
//
// Responsibilities:
//   - Build the configuration (file, then flag overrides) and validate it.
//   - Resolve the iteration before any recording is read.
//   - Record the run and its per-recording failures under WorkDir, even on
//     failure or panic.
//   - Translate outcomes to semantic exit codes.
func ExecuteWithOutput(ctx context.Context, inv Invocation, logOut io.Writer) (res Result, execErr error) {
	res.ExitCode = ExitInternalError

	cfg, err := buildConfig(inv)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	logger := cfg.Log.NewLogger(logOut)

	// Initialize the run store as early as possible so failures can be recorded.
	st, err := runstate.NewStore(inv.WorkDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	res.RunID = runstate.NewRunID()
	res.Run = runstate.Run{
		RunID:     res.RunID,
		RunKey:    fmt.Sprintf("iter%d", cfg.Iteration),
		Iteration: cfg.Iteration,
		Mode:      string(cfg.Mode),
		StartTime: time.Now().UTC(),
		Status:    runstate.StatusRunning,
		State:     string(pipeline.StateIdle),
	}
	logger = logger.With("run_id", res.RunID)
	if err := st.SaveRun(res.Run); err != nil {
		logger.Warn("failed to record run start", "error", err)
	}

	m := metrics.New()
	recorder := trace.NewRecorder()
	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
		}
		if execErr != nil {
			res.Failures = append(res.Failures, failure.Classify(execErr))
		}
		finish(st, &res, execErr, recorder, inv, cfg, m, logger)
	}()

	store, err := openCache(cfg, inv.ClearCache, logger)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	orch, err := pipeline.New(cfg, pipeline.Options{Cache: store, Logger: logger, Metrics: m, Sink: recorder})
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}

	sources, err := recording.Discover(cfg.TrainingDir)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	if len(sources) == 0 {
		res.ExitCode = ExitRunFailure
		return res, fmt.Errorf("no recordings found in %s", cfg.TrainingDir)
	}
	recs, failures, err := recording.LoadAll(ctx, sources, recording.OptionsFrom(cfg, logger, m))
	if err != nil {
		res.ExitCode = ExitRunFailure
		return res, err
	}
	res.addRecordingFailures(failures, recorder)
	if len(recs) == 0 {
		res.ExitCode = ExitRunFailure
		return res, fmt.Errorf("no usable recordings in %s (%d failed)", cfg.TrainingDir, len(failures))
	}

	pres, err := orch.Run(ctx, recs)
	res.Failures = append(res.Failures, orch.Failures()...)
	res.Run.State = string(orch.State())
	if err != nil {
		if failure.IsConfiguration(err) {
			res.ExitCode = ExitConfigError
		} else {
			res.ExitCode = ExitRunFailure
		}
		return res, err
	}
	res.Pipeline = pres
	res.Run.RunKey = pres.RunKey

	pred, err := predictHoldout(ctx, orch, pres, cfg, logger, m, &res, recorder)
	if err != nil {
		res.ExitCode = ExitRunFailure
		return res, err
	}
	res.Prediction = pred
	if pred != nil {
		byRecord := make(map[string][]string)
		for id, stages := range pred.ByRecord() {
			for _, s := range stages {
				byRecord[id] = append(byRecord[id], string(s))
			}
		}
		if err := st.SavePredictions(res.RunID, byRecord); err != nil {
			res.ExitCode = ExitInternalError
			return res, err
		}
	}

	res.ExitCode = ExitSuccess
	return res, nil
}

// buildConfig loads the configuration file (or the defaults), applies flag
// overrides and resolves relative paths against the work directory.
func buildConfig(inv Invocation) (config.Config, error) {
	cfg := config.Default()
	if inv.ConfigPath != "" {
		var err error
		if cfg, err = config.Load(inv.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	if inv.Iteration != 0 {
		cfg.Iteration = inv.Iteration
	}
	if inv.Mode != "" {
		cfg.Mode = inv.Mode
	}
	if inv.Workers != 0 {
		cfg.Workers = inv.Workers
	}
	if inv.TrainingDir != "" {
		cfg.TrainingDir = inv.TrainingDir
	}
	if inv.HoldoutDir != "" {
		cfg.HoldoutDir = inv.HoldoutDir
	}
	if inv.CacheDir != "" {
		cfg.Cache.Dir = inv.CacheDir
	}
	if inv.MetricsFile != "" {
		cfg.MetricsFile = inv.MetricsFile
	}
	if inv.NoCache {
		cfg.Cache.Enabled = false
	}
	for _, p := range []*string{&cfg.TrainingDir, &cfg.HoldoutDir, &cfg.Cache.Dir, &cfg.MetricsFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(inv.WorkDir, *p)
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func openCache(cfg config.Config, clear bool, logger *slog.Logger) (cache.Store, error) {
	if cfg.Cache.Dir == "" {
		return nil, nil
	}
	fs := cache.NewFileStore(cfg.Cache.Dir)
	if clear {
		if err := fs.Clear(); err != nil {
			return nil, err
		}
		logger.Info("cache cleared", "dir", cfg.Cache.Dir)
	}
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	return fs, nil
}

// predictHoldout predicts every recording of the holdout directory. A
// missing directory is not an error; holdout annotations are optional.
func predictHoldout(ctx context.Context, orch *pipeline.Orchestrator, pres *pipeline.Result, cfg config.Config,
	logger *slog.Logger, m *metrics.Metrics, res *Result, recorder *trace.Recorder) (*pipeline.Prediction, error) {
	if cfg.HoldoutDir == "" {
		return nil, nil
	}
	if _, err := os.Stat(cfg.HoldoutDir); errors.Is(err, os.ErrNotExist) {
		logger.Debug("no holdout directory", "dir", cfg.HoldoutDir)
		return nil, nil
	}
	sources, err := recording.Discover(cfg.HoldoutDir)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, nil
	}
	opts := recording.OptionsFrom(cfg, logger, m)
	opts.RequireLabels = false
	recs, failures, err := recording.LoadAll(ctx, sources, opts)
	if err != nil {
		return nil, err
	}
	res.addRecordingFailures(failures, recorder)
	if len(recs) == 0 {
		return nil, nil
	}
	dropped := len(orch.Failures())
	pred, err := orch.Predict(ctx, pres, recs)
	res.Failures = append(res.Failures, orch.Failures()[dropped:]...)
	return pred, err
}

func (r *Result) addRecordingFailures(failures []failure.Record, recorder *trace.Recorder) {
	for _, f := range failures {
		recorder.Record(trace.Event{Kind: trace.EventRecordingFailed, RecordID: f.RecordID, Reason: f.Code})
	}
	r.Failures = append(r.Failures, failures...)
}

// finish persists the run outcome, the trace and the metrics. Errors here
// are logged; they never change the exit code of an otherwise successful run.
func finish(st *runstate.Store, res *Result, runErr error, recorder *trace.Recorder, inv Invocation,
	cfg config.Config, m *metrics.Metrics, logger *slog.Logger) {
	run := &res.Run
	run.EndTime = time.Now().UTC()
	run.Status = runstate.StatusSucceeded
	if res.ExitCode != ExitSuccess {
		run.Status = runstate.StatusFailed
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res.Pipeline != nil {
		run.Recordings = countRecords(res.Pipeline.Records)
		run.Evaluation = toEvaluation(res.Pipeline.Evaluation)
	}
	for _, f := range res.Failures {
		if f.RecordID != "" {
			run.Failed++
		}
	}

	tr := recorder.Trace(run.RunKey)
	if h, err := tr.Hash(); err == nil {
		run.TraceHash = h
	} else {
		logger.Warn("failed to hash trace", "error", err)
	}
	if inv.Trace.Enabled {
		if err := tr.WriteFile(inv.Trace.Path); err != nil {
			logger.Warn("failed to write trace", "path", inv.Trace.Path, "error", err)
		}
	}
	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.MetricsFile, "error", err)
		}
	}

	if err := st.SaveRun(*run); err != nil {
		logger.Warn("failed to record run", "error", err)
	}
	if err := st.SaveFailures(res.RunID, res.Failures); err != nil {
		logger.Warn("failed to record failures", "error", err)
	}
	if runErr != nil {
		logger.Error("run failed", "status", string(run.Status), "exit_code", res.ExitCode, "error", runErr)
		return
	}
	logger.Info("run finished",
		"status", string(run.Status),
		"recordings", run.Recordings,
		"failed", run.Failed,
		"trace_hash", run.TraceHash)
}

func countRecords(ids []string) int {
	n := 0
	for i, id := range ids {
		if i == 0 || ids[i-1] != id {
			n++
		}
	}
	return n
}

func toEvaluation(e pipeline.Evaluation) *runstate.Evaluation {
	out := &runstate.Evaluation{
		TrainEpochs: e.TrainEpochs,
		TestEpochs:  e.TestEpochs,
		Accuracy:    e.Accuracy,
		Confusion:   make(map[string]map[string]int, len(e.Confusion)),
	}
	for actual, row := range e.Confusion {
		r := make(map[string]int, len(row))
		for pred, n := range row {
			r[string(pred)] = n
		}
		out.Confusion[string(actual)] = r
	}
	return out
}
