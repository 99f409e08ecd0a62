package pipeline

import (
	"context"
	"errors"
	"slices"

	"sleepstager/internal/annotation"
	"sleepstager/internal/cache"
	"sleepstager/internal/epoch"
	"sleepstager/internal/failure"
	"sleepstager/internal/recording"
	"sleepstager/internal/strategy"
)

// Prediction holds one predicted stage per epoch of the predicted recordings.
type Prediction struct {
	Records   []string
	Epochs    []int
	Predicted []annotation.Stage
	// Labels are the reference labels, Unknown where none exist.
	Labels []annotation.Stage
	// Evaluation is nil when no epoch carries a reference label.
	Evaluation *Evaluation
}

// ByRecord groups the predicted stages by record id.
func (p *Prediction) ByRecord() map[string][]annotation.Stage {
	out := make(map[string][]annotation.Stage)
	for i, id := range p.Records {
		out[id] = append(out[id], p.Predicted[i])
	}
	return out
}

// Predict applies the model of a finished Run to recs. Recordings whose
// channel layout differs from the trained one are dropped and reported by
// Failures. Preprocessing and extraction are cached under a prediction
// scope; the fitted selection and model are reused as is. The orchestrator
// state is not changed.
func (o *Orchestrator) Predict(ctx context.Context, res *Result, recs []*recording.Recording) (*Prediction, error) {
	if res == nil || res.Model == nil {
		return nil, errors.New("predict requires a trained result")
	}
	recs = o.partitionByLayout(recs, res.Layout)
	ds := NewDataset(recs)
	out := &Prediction{Records: ds.Records, Labels: ds.Labels, Epochs: make([]int, ds.Len())}
	for i, e := range ds.Epochs {
		out.Epochs[i] = e.Index
	}
	if ds.Len() == 0 {
		return out, nil
	}

	fp := o.scope("predict", recs, ds)
	o.addPreprocessScope(fp)
	preKey := cache.Key(StagePreprocessing, o.plan.Iteration, fp.Sum())
	pre, _, err := runCached(ctx, o, StagePreprocessing, preKey, func() (strategy.Dataset, error) {
		return o.plan.Preprocessor.Preprocess(ds)
	})
	if err != nil {
		return nil, failure.WithStage(err, StagePreprocessing, preKey)
	}

	o.addFeatureScope(fp)
	featKey := cache.Key(StageFeatures, o.plan.Iteration, fp.Sum())
	feats, _, err := runCached(ctx, o, StageFeatures, featKey, func() (strategy.Matrix, error) {
		return o.extract(pre)
	})
	if err != nil {
		return nil, failure.WithStage(err, StageFeatures, featKey)
	}
	if !slices.Equal(feats.Names, res.Features.Names) {
		err := failure.New(failure.ErrMalformedInput,
			"feature layout %d columns differs from the trained layout of %d columns", feats.Cols, res.Features.Cols)
		return nil, failure.WithStage(err, StageFeatures, featKey)
	}
	selected, err := res.Selection.Apply(feats)
	if err != nil {
		return nil, failure.WithStage(err, StageSelection, "")
	}

	pred, err := res.Model.Predict(selected)
	if err != nil {
		return nil, failure.WithStage(err, StageTraining, "")
	}
	out.Predicted = pred
	if len(epoch.Labeled(ds.Labels)) > 0 {
		eval := Evaluate(ds.Labels, pred)
		out.Evaluation = &eval
	}
	o.logger.Info("prediction finished",
		"recordings", len(recs),
		"data.samples", ds.Len(),
		"distribution", epoch.Distribution(pred))
	return out, nil
}
