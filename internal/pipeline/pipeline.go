// Package pipeline sequences preprocessing, feature extraction, feature
// selection and training over a set of recordings.
//
// The orchestrator is a small state machine:
//
//	Idle -> Preprocessing -> FeatureExtraction -> FeatureSelection -> Training -> Done
//
// Any working state may move to Failed. The first three stages consult the
// cache under a key derived from the stage name, the iteration and a
// fingerprint of every input that can change their output; training always
// recomputes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sleepstager/internal/annotation"
	"sleepstager/internal/cache"
	"sleepstager/internal/config"
	"sleepstager/internal/epoch"
	"sleepstager/internal/failure"
	"sleepstager/internal/metrics"
	"sleepstager/internal/recording"
	"sleepstager/internal/strategy"
	"sleepstager/internal/trace"
)

// Options carries the collaborators of an Orchestrator. All are optional.
type Options struct {
	// Cache is the stage cache. Nil disables caching, as does a config
	// with cache.enabled=false.
	Cache   cache.Store
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Sink    trace.Sink
}

// Orchestrator runs one pipeline pass. It is not safe for concurrent use.
type Orchestrator struct {
	cfg     config.Config
	plan    *Plan
	cache   cache.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    trace.Sink
	state   State

	// failures holds recordings dropped for a mismatched channel layout.
	failures []failure.Record
}

// New validates cfg and resolves its iteration. Unsupported iterations and
// strategy names fail here, before any computation.
func New(cfg config.Config, opts Options) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	plan, err := Resolve(cfg)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:     cfg,
		plan:    plan,
		cache:   opts.Cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sink:    opts.Sink,
		state:   StateIdle,
	}
	if !cfg.Cache.Enabled {
		o.cache = nil
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = trace.NopSink{}
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Plan returns the resolved iteration.
func (o *Orchestrator) Plan() *Plan { return o.plan }

// Evaluation summarizes predictions against reference labels.
type Evaluation struct {
	TrainEpochs int
	TestEpochs  int
	Accuracy    float64
	// Confusion[actual][predicted] counts evaluated epochs.
	Confusion map[annotation.Stage]map[annotation.Stage]int
}

// Result is the output of a successful Run.
type Result struct {
	// RunKey identifies the iteration and input scope of the run.
	RunKey string
	Plan   *Plan
	// Records and Labels are parallel to the rows of Features.
	Records  []string
	Labels   []annotation.Stage
	Features strategy.Matrix
	// Selection is the fitted column selection; Selected is Features
	// restricted to it.
	Selection strategy.Selection
	Selected  strategy.Matrix
	Model     strategy.Model
	// Evaluation is measured on the held-out labeled epochs.
	Evaluation Evaluation
	// Layout is the channel layout every trained recording shares.
	Layout []string
	// Keys and Cached are indexed by stage name.
	Keys   map[string]string
	Cached map[string]bool
}

// NewDataset flattens the epochs of recs, in order, into one dataset.
func NewDataset(recs []*recording.Recording) strategy.Dataset {
	var ds strategy.Dataset
	for _, r := range recs {
		if r == nil {
			continue
		}
		ds.Epochs = append(ds.Epochs, r.Epochs...)
		ds.Labels = append(ds.Labels, r.Labels...)
		for range r.Epochs {
			ds.Records = append(ds.Records, r.ID)
		}
	}
	return ds
}

// Run executes every stage over recs. Recordings whose channel layout
// differs from the most common one are dropped and reported by Failures.
// On error the orchestrator ends in Failed and the returned error names the
// stage and cache key.
func (o *Orchestrator) Run(ctx context.Context, recs []*recording.Recording) (*Result, error) {
	if o.state != StateIdle {
		return nil, fmt.Errorf("pipeline already ran (state %s)", o.state)
	}
	layout := referenceLayout(recs)
	recs = o.partitionByLayout(recs, layout)
	ds := NewDataset(recs)
	fp := o.scope("train", recs, ds)
	res := &Result{
		RunKey:  cache.Key("run", o.plan.Iteration, fp.Sum()),
		Plan:    o.plan,
		Records: ds.Records,
		Labels:  ds.Labels,
		Layout:  layout,
		Keys:    make(map[string]string, 4),
		Cached:  make(map[string]bool, 3),
	}
	o.logger.Info("pipeline started",
		"run_key", res.RunKey,
		"plan", o.plan.String(),
		"recordings", len(recs),
		"data.samples", ds.Len())

	if err := o.transition(StateIdle, StatePreprocessing); err != nil {
		return nil, err
	}
	o.addPreprocessScope(fp)
	preKey := cache.Key(StagePreprocessing, o.plan.Iteration, fp.Sum())
	res.Keys[StagePreprocessing] = preKey
	if ds.Len() == 0 {
		return nil, o.fail(StagePreprocessing, preKey, errors.New("no epochs to process"))
	}
	pre, hit, err := runCached(ctx, o, StagePreprocessing, preKey, func() (strategy.Dataset, error) {
		return o.plan.Preprocessor.Preprocess(ds)
	})
	if err != nil {
		return nil, o.fail(StagePreprocessing, preKey, err)
	}
	res.Cached[StagePreprocessing] = hit

	if err := o.transition(StatePreprocessing, StateFeatureExtraction); err != nil {
		return nil, err
	}
	o.addFeatureScope(fp)
	featKey := cache.Key(StageFeatures, o.plan.Iteration, fp.Sum())
	res.Keys[StageFeatures] = featKey
	feats, hit, err := runCached(ctx, o, StageFeatures, featKey, func() (strategy.Matrix, error) {
		return o.extract(pre)
	})
	if err == nil && feats.Rows != ds.Len() {
		err = failure.New(failure.ErrCacheCorruption, "feature matrix has %d rows for %d epochs", feats.Rows, ds.Len())
	}
	if err != nil {
		return nil, o.fail(StageFeatures, featKey, err)
	}
	res.Features = feats
	res.Cached[StageFeatures] = hit

	if err := o.transition(StateFeatureExtraction, StateFeatureSelection); err != nil {
		return nil, err
	}
	labeled := epoch.Labeled(ds.Labels)
	fp.Add(o.plan.Names.Selection).AddFloat(o.plan.Params.MinVariance)
	for _, l := range ds.Labels {
		fp.Add(string(l))
	}
	selKey := cache.Key(StageSelection, o.plan.Iteration, fp.Sum())
	res.Keys[StageSelection] = selKey
	sel, hit, err := runCached(ctx, o, StageSelection, selKey, func() (strategy.Selection, error) {
		if len(labeled) == 0 {
			return strategy.Selection{}, failure.New(failure.ErrNoAnnotationsFound, "no labeled epochs to select features on")
		}
		return o.plan.Selector.Fit(feats.SubsetRows(labeled), pick(ds.Labels, labeled))
	})
	if err != nil {
		return nil, o.fail(StageSelection, selKey, err)
	}
	selected, err := sel.Apply(feats)
	if err != nil {
		return nil, o.fail(StageSelection, selKey, failure.Wrap(failure.ErrCacheCorruption, err, "applying selection"))
	}
	res.Selection = sel
	res.Selected = selected
	res.Cached[StageSelection] = hit

	if err := o.transition(StateFeatureSelection, StateTraining); err != nil {
		return nil, err
	}
	res.Keys[StageTraining] = res.RunKey
	model, eval, err := o.train(ctx, selected, ds.Labels, labeled)
	if err != nil {
		return nil, o.fail(StageTraining, res.RunKey, err)
	}
	res.Model = model
	res.Evaluation = eval

	if err := o.transition(StateTraining, StateDone); err != nil {
		return nil, err
	}
	o.logger.Info("pipeline finished",
		"run_key", res.RunKey,
		"data.features", selected.Cols,
		"metrics.accuracy", eval.Accuracy)
	return res, nil
}

// scope starts the fingerprint shared by every stage of a run: the role,
// the epoch layout, the channel mapping, the content digest of every
// recording and the (record, epoch) row order.
func (o *Orchestrator) scope(role string, recs []*recording.Recording, ds strategy.Dataset) *cache.Fingerprint {
	fp := cache.NewFingerprint().Add(role).AddFloat(o.cfg.EpochDuration)
	for _, g := range o.cfg.Groups {
		fp.Add(g.Name).AddFloat(g.Rate).AddInt(int64(len(g.Channels)))
		for _, ch := range g.Channels {
			fp.Add(ch)
		}
	}
	fp.AddInt(int64(len(recs)))
	for _, r := range recs {
		fp.Add(r.ID).Add(r.Digest).AddInt(int64(len(r.Layout)))
		for _, ch := range r.Layout {
			fp.Add(ch)
		}
	}
	fp.AddInt(int64(ds.Len()))
	for i := range ds.Epochs {
		fp.Add(ds.Records[i]).AddInt(int64(ds.Epochs[i].Index))
	}
	return fp
}

func (o *Orchestrator) addPreprocessScope(fp *cache.Fingerprint) {
	fp.Add(o.plan.Names.Preprocess).AddFloat(o.plan.Params.CutoffHz).AddInt(int64(o.plan.Params.FilterOrder))
}

func (o *Orchestrator) addFeatureScope(fp *cache.Fingerprint) {
	fp.Add(o.plan.Names.Features)
}

func (o *Orchestrator) extract(ds strategy.Dataset) (strategy.Matrix, error) {
	m, err := o.plan.Extractor.Extract(ds)
	if err != nil {
		return strategy.Matrix{}, err
	}
	if m.Rows != ds.Len() {
		return strategy.Matrix{}, fmt.Errorf("extractor %s produced %d rows for %d epochs", o.plan.Extractor.Name(), m.Rows, ds.Len())
	}
	return m, nil
}

// fail moves the orchestrator to Failed and returns err annotated with the
// stage and key.
func (o *Orchestrator) fail(stage, key string, err error) error {
	err = failure.WithStage(err, stage, key)
	if !IsTerminal(o.state) {
		if terr := o.transition(o.state, StateFailed); terr != nil {
			o.logger.Error("pipeline state", "error", terr)
		}
	}
	rec := failure.Classify(err)
	o.metrics.StageFailed(stage)
	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventStageFailed, Stage: stage, Key: key, Reason: rec.Code})
	o.logger.Error("stage failed",
		"stage", stage,
		"key", key,
		"iteration", o.plan.Iteration,
		"code", rec.Code,
		"error", err)
	return err
}

// runCached returns the cached output of stage under key, or computes it
// and stores it. The bool reports a cache hit. Corrupt or undecodable
// entries are recomputed.
func runCached[T any](ctx context.Context, o *Orchestrator, stage, key string, compute func() (T, error)) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	start := time.Now()
	defer o.metrics.ObserveStage(stage, start)
	logger := o.logger.With("stage", stage, "key", key)

	reason := "CacheDisabled"
	if o.cache != nil {
		payload, ok, corrupt, err := cache.Lookup(o.cache, key, logger)
		switch {
		case err != nil:
			return zero, false, fmt.Errorf("reading cache: %w", err)
		case ok:
			v, derr := strategy.Decode[T](payload)
			if derr == nil {
				o.metrics.CacheResult(stage, metrics.ResultHit)
				trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventStageCached, Stage: stage, Key: key})
				logger.Info("stage output loaded from cache")
				return v, true, nil
			}
			logger.Warn("discarding undecodable cache entry", "error", derr)
			corrupt = true
		}
		if corrupt {
			o.metrics.CacheResult(stage, metrics.ResultCorrupt)
			trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventCacheCorrupted, Stage: stage, Key: key})
			reason = "CacheCorrupted"
		} else {
			o.metrics.CacheResult(stage, metrics.ResultMiss)
			reason = "CacheMiss"
		}
	} else {
		o.metrics.CacheResult(stage, metrics.ResultDisabled)
	}

	v, err := compute()
	if err != nil {
		return zero, false, err
	}
	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventStageExecuted, Stage: stage, Key: key, Reason: reason})
	if o.cache != nil {
		payload, err := strategy.Encode(v)
		if err == nil {
			err = o.cache.Put(key, payload)
		}
		if err != nil {
			logger.Warn("failed to cache stage output", "error", err)
		}
	}
	logger.Info("stage output computed", "reason", reason, "duration", time.Since(start))
	return v, false, nil
}

func pick(labels []annotation.Stage, idx []int) []annotation.Stage {
	out := make([]annotation.Stage, len(idx))
	for k, i := range idx {
		out[k] = labels[i]
	}
	return out
}
