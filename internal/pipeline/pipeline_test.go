package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleepstager/internal/annotation"
	"sleepstager/internal/cache"
	"sleepstager/internal/config"
	"sleepstager/internal/epoch"
	"sleepstager/internal/failure"
	"sleepstager/internal/metrics"
	"sleepstager/internal/recording"
	"sleepstager/internal/synth"
	"sleepstager/internal/trace"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(iteration int) config.Config {
	cfg := config.Default()
	cfg.Iteration = iteration
	cfg.Training.Neighbors = 3
	return cfg
}

func shortNight(seed int64) synth.Night {
	var hyp []annotation.Stage
	for _, s := range []annotation.Stage{annotation.Wake, annotation.N1, annotation.N2, annotation.N3, annotation.REM} {
		hyp = append(hyp, s, s, s, s)
	}
	return synth.Night{EpochDuration: 30, Hypnogram: hyp, Channels: synth.DefaultChannels(), Seed: seed}
}

func loadNight(t *testing.T, night synth.Night, id string, labels bool) *recording.Recording {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, night.Write(dir, id, labels))
	src := recording.Source{ID: id, SignalPath: filepath.Join(dir, id+".edf")}
	if labels {
		src.AnnotationPath = filepath.Join(dir, id+"-nsrr.xml")
	}
	cfg := config.Default()
	rec, err := recording.Load(context.Background(), src, recording.Options{
		EpochDuration: 30,
		Groups:        cfg.Groups,
		RequireLabels: labels,
		Logger:        discard(),
	})
	require.NoError(t, err)
	return rec
}

func newOrchestrator(t *testing.T, cfg config.Config, store cache.Store, sink trace.Sink, m *metrics.Metrics) *Orchestrator {
	t.Helper()
	o, err := New(cfg, Options{Cache: store, Logger: discard(), Metrics: m, Sink: sink})
	require.NoError(t, err)
	require.Equal(t, StateIdle, o.State())
	return o
}

func TestRun_StandardNightEndToEnd(t *testing.T) {
	rec := loadNight(t, synth.StandardNight(), "night01", true)
	require.Len(t, rec.Epochs, 240)

	o := newOrchestrator(t, testConfig(1), cache.NewMemoryStore(), nil, nil)
	res, err := o.Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.Equal(t, StateDone, o.State())

	// timedomain: mean, median and std for each of the three channels.
	assert.Equal(t, 240, res.Features.Rows)
	assert.Equal(t, 9, res.Features.Cols)
	assert.Len(t, res.Features.Data, 240*9)
	assert.Contains(t, res.Features.Names, "eeg/0/mean")
	assert.Equal(t, res.Features, res.Selected, "iteration 1 keeps every column")

	require.Len(t, res.Labels, 240)
	assert.Equal(t, map[annotation.Stage]int{
		annotation.Wake: 12, annotation.N1: 12, annotation.N2: 120, annotation.N3: 60, annotation.REM: 36,
	}, epoch.Distribution(res.Labels))

	assert.Equal(t, 192, res.Evaluation.TrainEpochs)
	assert.Equal(t, 48, res.Evaluation.TestEpochs)
	assert.GreaterOrEqual(t, res.Evaluation.Accuracy, 0.0)
	assert.LessOrEqual(t, res.Evaluation.Accuracy, 1.0)
	total := 0
	for _, row := range res.Evaluation.Confusion {
		for _, n := range row {
			total += n
		}
	}
	assert.Equal(t, 48, total)
	require.NotNil(t, res.Model)
}

func TestRun_SecondRunHitsCache(t *testing.T) {
	rec := loadNight(t, shortNight(1), "r1", true)
	store := cache.NewMemoryStore()

	first := trace.NewRecorder()
	res1, err := newOrchestrator(t, testConfig(1), store, first, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.Equal(t, 3, store.Len())
	assert.Equal(t, map[string]bool{StagePreprocessing: false, StageFeatures: false, StageSelection: false}, res1.Cached)

	second := trace.NewRecorder()
	m := metrics.New()
	res2, err := newOrchestrator(t, testConfig(1), store, second, m).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{StagePreprocessing: true, StageFeatures: true, StageSelection: true}, res2.Cached)
	assert.Equal(t, res1.Keys, res2.Keys)
	assert.Equal(t, res1.RunKey, res2.RunKey)
	assert.Equal(t, res1.Features, res2.Features)
	assert.Equal(t, res1.Evaluation, res2.Evaluation, "training is deterministic")

	tr := second.Trace(res2.RunKey)
	assert.Equal(t, 3, tr.Count(trace.EventStageCached))
	assert.Equal(t, 1, tr.Count(trace.EventStageExecuted), "training always recomputes")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageCache.WithLabelValues(StageFeatures, metrics.ResultHit)))

	h1, err := first.Trace(res1.RunKey).Hash()
	require.NoError(t, err)
	h2, err := tr.Hash()
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestRun_ReplacedSignalMissesCache(t *testing.T) {
	store := cache.NewMemoryStore()
	original := loadNight(t, shortNight(11), "r1", true)
	replaced := loadNight(t, shortNight(12), "r1", true)
	require.NotEqual(t, original.Digest, replaced.Digest)

	res1, err := newOrchestrator(t, testConfig(1), store, nil, nil).Run(context.Background(), []*recording.Recording{original})
	require.NoError(t, err)
	res2, err := newOrchestrator(t, testConfig(1), store, nil, nil).Run(context.Background(), []*recording.Recording{replaced})
	require.NoError(t, err)

	for _, stage := range []string{StagePreprocessing, StageFeatures, StageSelection} {
		assert.False(t, res2.Cached[stage], stage)
		assert.NotEqual(t, res1.Keys[stage], res2.Keys[stage], stage)
	}
	assert.NotEqual(t, res1.Features.Data, res2.Features.Data)
}

func withExtraEEG(n synth.Night) synth.Night {
	n.Channels = append([]synth.Channel{{Label: "EEG(sec)", Rate: 100}}, n.Channels...)
	return n
}

func TestRun_MismatchedLayoutDropsOnlyThatRecording(t *testing.T) {
	odd := loadNight(t, withExtraEEG(shortNight(13)), "odd", true)
	r1 := loadNight(t, shortNight(14), "r1", true)
	r2 := loadNight(t, shortNight(15), "r2", true)
	require.NotEqual(t, odd.Layout, r1.Layout)

	sink := trace.NewRecorder()
	o := newOrchestrator(t, testConfig(1), cache.NewMemoryStore(), sink, nil)
	res, err := o.Run(context.Background(), []*recording.Recording{odd, r1, r2})
	require.NoError(t, err)
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, r1.Layout, res.Layout)
	assert.Equal(t, 40, res.Features.Rows)
	assert.NotContains(t, res.Records, "odd")

	failures := o.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "odd", failures[0].RecordID)
	assert.Equal(t, "MalformedInput", failures[0].Code)
	assert.Equal(t, 1, sink.Trace(res.RunKey).Count(trace.EventRecordingFailed))

	// A holdout recording with the other layout is dropped the same way.
	hold := loadNight(t, shortNight(16), "hold", false)
	oddHold := loadNight(t, withExtraEEG(shortNight(17)), "oddhold", false)
	pred, err := o.Predict(context.Background(), res, []*recording.Recording{oddHold, hold})
	require.NoError(t, err)
	assert.Len(t, pred.Predicted, 20)
	assert.Equal(t, []string{"hold"}, keys(pred.ByRecord()))
	failures = o.Failures()
	require.Len(t, failures, 2)
	assert.Equal(t, "oddhold", failures[1].RecordID)
}

func TestRun_LayoutTieKeepsFirstSeen(t *testing.T) {
	r1 := loadNight(t, shortNight(18), "r1", true)
	odd := loadNight(t, withExtraEEG(shortNight(19)), "odd", true)

	o := newOrchestrator(t, testConfig(1), nil, nil, nil)
	res, err := o.Run(context.Background(), []*recording.Recording{r1, odd})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Features.Rows)
	require.Len(t, o.Failures(), 1)
	assert.Equal(t, "odd", o.Failures()[0].RecordID)
}

func keys(m map[string][]annotation.Stage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestRun_IterationChangeNeverReusesFeatureCache(t *testing.T) {
	rec := loadNight(t, shortNight(2), "r1", true)
	store := cache.NewMemoryStore()

	res1, err := newOrchestrator(t, testConfig(1), store, nil, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	res2, err := newOrchestrator(t, testConfig(2), store, nil, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)

	for _, stage := range []string{StagePreprocessing, StageFeatures, StageSelection} {
		assert.NotEqual(t, res1.Keys[stage], res2.Keys[stage], stage)
		assert.False(t, res2.Cached[stage], stage)
	}
	assert.True(t, strings.HasPrefix(res1.Keys[StageFeatures], "features-iter1-"))
	assert.True(t, strings.HasPrefix(res2.Keys[StageFeatures], "features-iter2-"))
	// bandpower: five relative band powers for each of the three channels.
	assert.Equal(t, 15, res2.Features.Cols)
	assert.Equal(t, 6, store.Len())
}

func TestRun_Iteration3SelectsByVariance(t *testing.T) {
	rec := loadNight(t, shortNight(3), "r1", true)
	res, err := newOrchestrator(t, testConfig(3), nil, nil, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.Equal(t, "variance", res.Plan.Names.Selection)
	assert.Equal(t, len(res.Selection.Columns), res.Selected.Cols)
	assert.LessOrEqual(t, res.Selected.Cols, res.Features.Cols)
	assert.Equal(t, res.Features.Rows, res.Selected.Rows)
}

func TestRun_CacheDisabledAlwaysComputes(t *testing.T) {
	rec := loadNight(t, shortNight(4), "r1", true)
	store := cache.NewMemoryStore()
	cfg := testConfig(1)
	cfg.Cache.Enabled = false

	for i := 0; i < 2; i++ {
		sink := trace.NewRecorder()
		res, err := newOrchestrator(t, cfg, store, sink, nil).Run(context.Background(), []*recording.Recording{rec})
		require.NoError(t, err)
		assert.False(t, res.Cached[StageFeatures])
		tr := sink.Trace(res.RunKey)
		assert.Equal(t, 4, tr.Count(trace.EventStageExecuted))
		for _, e := range tr.Events {
			if e.Stage != StageTraining {
				assert.Equal(t, "CacheDisabled", e.Reason)
			}
		}
	}
	assert.Equal(t, 0, store.Len())
}

func TestRun_CorruptEntriesAreRecomputed(t *testing.T) {
	rec := loadNight(t, shortNight(5), "r1", true)
	dir := t.TempDir()
	store := cache.NewFileStore(dir)

	res1, err := newOrchestrator(t, testConfig(1), store, nil, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)

	// A truncated frame fails the checksum; a valid frame around garbage
	// fails to decode. Both are misses.
	path := filepath.Join(dir, res1.Keys[StageFeatures]+".bin")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)/2], 0o644))
	require.NoError(t, store.Put(res1.Keys[StageSelection], []byte("not a gob stream")))

	sink := trace.NewRecorder()
	m := metrics.New()
	res2, err := newOrchestrator(t, testConfig(1), store, sink, m).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.True(t, res2.Cached[StagePreprocessing])
	assert.False(t, res2.Cached[StageFeatures])
	assert.False(t, res2.Cached[StageSelection])
	assert.Equal(t, res1.Features, res2.Features)
	assert.Equal(t, 2, sink.Trace(res2.RunKey).Count(trace.EventCacheCorrupted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageCache.WithLabelValues(StageFeatures, metrics.ResultCorrupt)))

	// Recomputed entries were written back.
	res3, err := newOrchestrator(t, testConfig(1), store, nil, nil).Run(context.Background(), []*recording.Recording{rec})
	require.NoError(t, err)
	assert.True(t, res3.Cached[StageFeatures])
	assert.True(t, res3.Cached[StageSelection])
}

func TestNew_UnsupportedIterationBeforeAnyComputation(t *testing.T) {
	store := cache.NewMemoryStore()

	_, err := New(testConfig(99), Options{Cache: store, Logger: discard()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrUnsupportedIteration))
	assert.True(t, failure.IsConfiguration(err))
	assert.Contains(t, err.Error(), "iteration 99")

	cfg := testConfig(1)
	cfg.Strategies.Features = "wavelet"
	_, err = New(cfg, Options{Cache: store, Logger: discard()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrUnsupportedIteration))
	assert.Equal(t, StageFeatures, failure.Classify(err).Stage)

	assert.Equal(t, 0, store.Len())
}

func TestResolve_Overrides(t *testing.T) {
	cfg := testConfig(1)
	cfg.Strategies = config.Strategies{Preprocess: "identity", Features: "bandpower", Selection: "variance"}
	plan, err := Resolve(cfg)
	require.NoError(t, err)
	assert.Equal(t, Iteration{Preprocess: "identity", Features: "bandpower", Selection: "variance", Classifier: "knn"}, plan.Names)
	assert.Equal(t, "identity", plan.Preprocessor.Name())
	assert.Equal(t, "bandpower", plan.Extractor.Name())
	assert.Equal(t, "iter1 identity/bandpower/variance/knn", plan.String())
	assert.Equal(t, []int{1, 2, 3}, KnownIterations())
}

func TestRun_CentroidClassifierOverride(t *testing.T) {
	cfg := testConfig(2)
	cfg.Strategies.Classifier = "centroid"
	o := newOrchestrator(t, cfg, nil, nil, nil)
	assert.Equal(t, "centroid", o.Plan().Classifier.Name())

	res, err := o.Run(context.Background(), []*recording.Recording{loadNight(t, shortNight(20), "r1", true)})
	require.NoError(t, err)
	assert.Equal(t, 4, res.Evaluation.TestEpochs)
	assert.GreaterOrEqual(t, res.Evaluation.Accuracy, 0.0)
}

func TestRun_FailureMovesToFailed(t *testing.T) {
	rec := loadNight(t, shortNight(6), "r1", false)
	require.Zero(t, rec.Labeled())

	sink := trace.NewRecorder()
	m := metrics.New()
	o := newOrchestrator(t, testConfig(1), cache.NewMemoryStore(), sink, m)
	_, err := o.Run(context.Background(), []*recording.Recording{rec})
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.True(t, errors.Is(err, failure.ErrNoAnnotationsFound))
	assert.Contains(t, err.Error(), "stage=selection")
	assert.Contains(t, err.Error(), "key=selection-iter1-")

	rec2 := failure.Classify(err)
	assert.Equal(t, StageSelection, rec2.Stage)
	assert.Equal(t, 1, sink.Trace("k").Count(trace.EventStageFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StageErrors.WithLabelValues(StageSelection)))

	_, err = o.Run(context.Background(), []*recording.Recording{rec})
	assert.Error(t, err, "a finished orchestrator does not run again")
}

func TestRun_NoRecordings(t *testing.T) {
	o := newOrchestrator(t, testConfig(1), nil, nil, nil)
	_, err := o.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State())
	assert.Equal(t, StagePreprocessing, failure.Classify(err).Stage)
}

func TestRun_CanceledContext(t *testing.T) {
	rec := loadNight(t, shortNight(7), "r1", true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o := newOrchestrator(t, testConfig(1), nil, nil, nil)
	_, err := o.Run(ctx, []*recording.Recording{rec})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateFailed, o.State())
}

func TestPredict_Holdout(t *testing.T) {
	train := loadNight(t, shortNight(8), "train1", true)
	labeledHoldout := loadNight(t, shortNight(9), "hold1", true)
	unlabeledHoldout := loadNight(t, shortNight(10), "hold2", false)

	store := cache.NewMemoryStore()
	o := newOrchestrator(t, testConfig(2), store, nil, nil)
	res, err := o.Run(context.Background(), []*recording.Recording{train})
	require.NoError(t, err)

	pred, err := o.Predict(context.Background(), res, []*recording.Recording{labeledHoldout, unlabeledHoldout})
	require.NoError(t, err)
	require.Len(t, pred.Predicted, 40)
	assert.Equal(t, 0, pred.Epochs[0])
	assert.Equal(t, 19, pred.Epochs[39])
	for _, s := range pred.Predicted {
		assert.True(t, s.Known(), "predicted %q", s)
	}
	byRecord := pred.ByRecord()
	assert.Len(t, byRecord["hold1"], 20)
	assert.Len(t, byRecord["hold2"], 20)
	require.NotNil(t, pred.Evaluation)
	assert.Equal(t, 20, pred.Evaluation.TestEpochs, "only labeled epochs are evaluated")
	assert.Equal(t, StateDone, o.State())

	_, err = o.Predict(context.Background(), nil, nil)
	assert.Error(t, err)

	empty, err := o.Predict(context.Background(), res, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Predicted)
	assert.Nil(t, empty.Evaluation)
}

func TestSplit(t *testing.T) {
	idx := make([]int, 50)
	for i := range idx {
		idx[i] = i * 2
	}
	train, test := Split(idx, 0.2, 42)
	assert.Len(t, test, 10)
	assert.Len(t, train, 40)
	assert.IsIncreasing(t, train)
	assert.IsIncreasing(t, test)
	assert.ElementsMatch(t, idx, append(append([]int(nil), train...), test...))

	train2, test2 := Split(idx, 0.2, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)

	_, test3 := Split(idx, 0.2, 7)
	assert.NotEqual(t, test, test3)

	train, test = Split(idx, 0, 42)
	assert.Len(t, train, 50)
	assert.Empty(t, test)

	train, test = Split([]int{3}, 0.5, 42)
	assert.Equal(t, []int{3}, train)
	assert.Empty(t, test)

	train, test = Split(nil, 0.2, 42)
	assert.Empty(t, train)
	assert.Empty(t, test)
}

func TestEvaluate(t *testing.T) {
	actual := []annotation.Stage{annotation.Wake, annotation.N2, annotation.N2, annotation.Unknown, annotation.REM}
	pred := []annotation.Stage{annotation.Wake, annotation.N2, annotation.N3, annotation.N2, annotation.N1}
	eval := Evaluate(actual, pred)
	assert.Equal(t, 4, eval.TestEpochs)
	assert.InDelta(t, 0.5, eval.Accuracy, 1e-12)
	assert.Equal(t, 1, eval.Confusion[annotation.N2][annotation.N3])
	assert.Equal(t, 1, eval.Confusion[annotation.REM][annotation.N1])
	_, ok := eval.Confusion[annotation.Unknown]
	assert.False(t, ok)
}

func TestTransitionTable(t *testing.T) {
	allowed := [][2]State{
		{StateIdle, StatePreprocessing},
		{StatePreprocessing, StateFeatureExtraction},
		{StateFeatureExtraction, StateFeatureSelection},
		{StateFeatureSelection, StateTraining},
		{StateTraining, StateDone},
		{StatePreprocessing, StateFailed},
		{StateTraining, StateFailed},
	}
	for _, tr := range allowed {
		assert.True(t, isAllowedTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	disallowed := [][2]State{
		{StateIdle, StateFeatureExtraction},
		{StatePreprocessing, StateFeatureSelection},
		{StateDone, StateFailed},
		{StateFailed, StateIdle},
		{StateIdle, StateFailed},
	}
	for _, tr := range disallowed {
		assert.False(t, isAllowedTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	assert.True(t, IsTerminal(StateDone))
	assert.True(t, IsTerminal(StateFailed))
	assert.False(t, IsTerminal(StateTraining))
}
