package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleepstager/internal/annotation"
	"sleepstager/internal/failure"
	"sleepstager/internal/runstate"
	"sleepstager/internal/synth"
)

func night(seed int64) synth.Night {
	var hyp []annotation.Stage
	for _, s := range []annotation.Stage{annotation.Wake, annotation.N1, annotation.N2, annotation.N3, annotation.REM} {
		hyp = append(hyp, s, s, s, s)
	}
	return synth.Night{EpochDuration: 30, Hypnogram: hyp, Channels: synth.DefaultChannels(), Seed: seed}
}

// newWorkspace lays out <workdir>/data/training and <workdir>/data/holdout.
func newWorkspace(t *testing.T) string {
	t.Helper()
	workDir := t.TempDir()
	training := filepath.Join(workDir, "data", "training")
	holdout := filepath.Join(workDir, "data", "holdout")
	require.NoError(t, os.MkdirAll(training, 0o755))
	require.NoError(t, os.MkdirAll(holdout, 0o755))
	require.NoError(t, night(1).Write(training, "r1", true))
	require.NoError(t, night(2).Write(training, "r2", true))
	require.NoError(t, os.WriteFile(filepath.Join(training, "bad.edf"), []byte("not an edf file"), 0o644))
	require.NoError(t, night(3).Write(holdout, "h1", false))
	return workDir
}

func execute(t *testing.T, args ...string) (Result, error) {
	t.Helper()
	inv, err := ParseInvocation(args)
	require.NoError(t, err)
	return ExecuteWithOutput(context.Background(), inv, io.Discard)
}

func cacheEntries(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.bin"))
	require.NoError(t, err)
	return len(matches)
}

func TestExecute_EndToEnd(t *testing.T) {
	workDir := newWorkspace(t)
	args := []string{"--workdir", workDir, "--iteration", "1", "--trace", "trace.json", "--metrics-file", "metrics.prom"}

	res, err := execute(t, args...)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].RecordID)
	assert.Equal(t, "MalformedInput", res.Failures[0].Code)

	require.NotNil(t, res.Pipeline)
	assert.Equal(t, 40, res.Pipeline.Features.Rows)
	assert.Equal(t, 9, res.Pipeline.Features.Cols)
	require.NotNil(t, res.Prediction)
	assert.Len(t, res.Prediction.Predicted, 20)

	st, err := runstate.NewStore(workDir)
	require.NoError(t, err)
	run, err := st.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusSucceeded, run.Status)
	assert.Equal(t, "Done", run.State)
	assert.Equal(t, 2, run.Recordings)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, res.Pipeline.RunKey, run.RunKey)
	assert.Len(t, run.TraceHash, 64)
	require.NotNil(t, run.Evaluation)
	assert.Equal(t, 32, run.Evaluation.TrainEpochs)
	assert.Equal(t, 8, run.Evaluation.TestEpochs)

	failures, err := st.LoadFailures(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, res.Failures, failures)

	preds, err := st.LoadPredictions(res.RunID)
	require.NoError(t, err)
	assert.Len(t, preds["h1"], 20)

	traceJSON, err := os.ReadFile(filepath.Join(workDir, "trace.json"))
	require.NoError(t, err)
	assert.Contains(t, string(traceJSON), `"kind":"RecordingFailed","recordId":"bad","reason":"MalformedInput"`)

	metricsText, err := os.ReadFile(filepath.Join(workDir, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metricsText), "sleepstager_stage_cache_total")
	assert.Contains(t, string(metricsText), `sleepstager_recordings_total{outcome="failed"} 1`)

	// Three training stages plus preprocessing and features for the holdout.
	assert.Equal(t, 5, cacheEntries(t, filepath.Join(workDir, "cache")))
}

func TestExecute_RerunHitsCacheAndTraceIsStable(t *testing.T) {
	workDir := newWorkspace(t)
	args := []string{"--workdir", workDir, "--iteration", "2"}

	first, err := execute(t, args...)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, first.ExitCode)
	assert.False(t, first.Pipeline.Cached["features"])

	second, err := execute(t, args...)
	require.NoError(t, err)
	third, err := execute(t, args...)
	require.NoError(t, err)

	for _, stage := range []string{"preprocessing", "features", "selection"} {
		assert.True(t, second.Pipeline.Cached[stage], stage)
	}
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.NotEqual(t, first.Run.TraceHash, second.Run.TraceHash)
	assert.Equal(t, second.Run.TraceHash, third.Run.TraceHash)
	assert.Equal(t, first.Run.Evaluation, second.Run.Evaluation)

	st, err := runstate.NewStore(workDir)
	require.NoError(t, err)
	ids, err := st.ListRunIDs()
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestExecute_MismatchedChannelLayoutIsARecordingFailure(t *testing.T) {
	workDir := newWorkspace(t)
	odd := night(5)
	odd.Channels = append(odd.Channels, synth.Channel{Label: "EEG(sec)", Rate: 100})
	require.NoError(t, odd.Write(filepath.Join(workDir, "data", "training"), "r3", true))

	res, err := execute(t, "--workdir", workDir)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, 40, res.Pipeline.Features.Rows)

	require.Len(t, res.Failures, 2)
	assert.Equal(t, "bad", res.Failures[0].RecordID)
	assert.Equal(t, "r3", res.Failures[1].RecordID)
	assert.Equal(t, "MalformedInput", res.Failures[1].Code)
	assert.Equal(t, 2, res.Run.Failed)
}

func TestExecute_ClearAndDisableCache(t *testing.T) {
	workDir := newWorkspace(t)
	cacheDir := filepath.Join(workDir, "cache")

	_, err := execute(t, "--workdir", workDir)
	require.NoError(t, err)
	require.Equal(t, 5, cacheEntries(t, cacheDir))

	res, err := execute(t, "--workdir", workDir, "--no-cache", "--clear-cache")
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)
	assert.Equal(t, 0, cacheEntries(t, cacheDir))
	assert.False(t, res.Pipeline.Cached["features"])
}

func TestExecute_UnsupportedIterationFailsBeforeComputation(t *testing.T) {
	workDir := newWorkspace(t)

	res, err := execute(t, "--workdir", workDir, "--iteration", "9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrUnsupportedIteration))
	assert.Equal(t, ExitConfigError, res.ExitCode)
	assert.Nil(t, res.Pipeline)
	assert.Equal(t, 0, cacheEntries(t, filepath.Join(workDir, "cache")))

	st, err := runstate.NewStore(workDir)
	require.NoError(t, err)
	run, err := st.LoadRun(res.RunID)
	require.NoError(t, err)
	assert.Equal(t, runstate.StatusFailed, run.Status)
	failures, err := st.LoadFailures(res.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "UnsupportedIteration", failures[0].Code)
}

func TestExecute_TrainingRequiresLabels(t *testing.T) {
	workDir := t.TempDir()
	training := filepath.Join(workDir, "data", "training")
	require.NoError(t, os.MkdirAll(training, 0o755))
	require.NoError(t, night(4).Write(training, "u1", false))

	res, err := execute(t, "--workdir", workDir)
	require.Error(t, err)
	assert.Equal(t, ExitRunFailure, res.ExitCode)
	require.Len(t, res.Failures, 2, "the recording failure and the run failure")
	assert.Equal(t, "NoAnnotationsFound", res.Failures[0].Code)
	assert.Equal(t, "u1", res.Failures[0].RecordID)

	// Inference mode loads the recording, but there is nothing to train on.
	res, err = execute(t, "--workdir", workDir, "--mode", "infer")
	require.Error(t, err)
	assert.Equal(t, ExitRunFailure, res.ExitCode)
	assert.True(t, errors.Is(err, failure.ErrNoAnnotationsFound))
	assert.Equal(t, "Failed", res.Run.State)
}

func TestExecute_ConfigErrors(t *testing.T) {
	workDir := t.TempDir()

	res, err := execute(t, "--workdir", workDir)
	require.Error(t, err, "missing training directory")
	assert.Equal(t, ExitConfigError, res.ExitCode)

	cfgPath := filepath.Join(workDir, "sleepstager.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("iteration: 1\nunknown_key: true\n"), 0o644))
	res, err = execute(t, "--workdir", workDir, "--config", "sleepstager.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitConfigError, res.ExitCode)
}

func TestExecute_ConfigFileAndOverrides(t *testing.T) {
	workDir := newWorkspace(t)
	cfgPath := filepath.Join(workDir, "sleepstager.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
iteration: 2
holdout_dir: none
cache:
  enabled: true
  dir: stage-cache
training:
  neighbors: 3
log:
  level: debug
  format: json
`), 0o644))

	res, err := execute(t, "--workdir", workDir, "--config", "sleepstager.yaml", "--iteration", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Run.Iteration)
	assert.Equal(t, "variance", res.Pipeline.Plan.Names.Selection)
	assert.Nil(t, res.Prediction, "holdout directory does not exist")
	assert.Equal(t, 3, cacheEntries(t, filepath.Join(workDir, "stage-cache")))
}

func TestWriteReport_PrintsStoredRun(t *testing.T) {
	workDir := newWorkspace(t)
	first, err := execute(t, "--workdir", workDir)
	require.NoError(t, err)
	second, err := execute(t, "--workdir", workDir, "--holdout-dir", "missing")
	require.NoError(t, err)

	inv, err := ParseInvocation([]string{"--workdir", workDir, "--report", first.RunID})
	require.NoError(t, err)
	var out bytes.Buffer
	res, err := WriteReport(inv, &out)
	require.NoError(t, err)
	assert.Equal(t, ExitSuccess, res.ExitCode)

	var rep Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Equal(t, first.RunID, rep.Run.RunID)
	assert.Equal(t, filepath.Join(workDir, ".sleepstager", "runs", first.RunID), rep.Dir)
	assert.Equal(t, first.Failures, rep.Failures)
	assert.Len(t, rep.Predictions["h1"], 20)

	inv.Report = ReportLatest
	out.Reset()
	res, err = WriteReport(inv, &out)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, res.RunID)
	rep = Report{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &rep))
	assert.Nil(t, rep.Predictions, "no holdout was predicted")

	inv.Report = "00000000-0000-0000-0000-000000000000"
	res, err = WriteReport(inv, io.Discard)
	require.Error(t, err)
	assert.Equal(t, ExitRunFailure, res.ExitCode)

	inv.WorkDir = t.TempDir()
	inv.Report = ReportLatest
	res, err = WriteReport(inv, io.Discard)
	require.Error(t, err)
	assert.Equal(t, ExitRunFailure, res.ExitCode)
}

func TestRun_InvalidInvocation(t *testing.T) {
	res, err := Run(context.Background(), []string{"--bogus"})
	require.Error(t, err)
	assert.Equal(t, ExitInvalidInvocation, res.ExitCode)
}
