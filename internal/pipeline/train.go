package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"time"

	"sleepstager/internal/annotation"
	"sleepstager/internal/failure"
	"sleepstager/internal/strategy"
	"sleepstager/internal/trace"
)

// train fits the classifier on a seeded split of the labeled rows and
// evaluates it on the held-out part. It is never cached.
func (o *Orchestrator) train(ctx context.Context, x strategy.Matrix, labels []annotation.Stage, labeled []int) (strategy.Model, Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return nil, Evaluation{}, err
	}
	start := time.Now()
	defer o.metrics.ObserveStage(StageTraining, start)

	if len(labeled) == 0 {
		return nil, Evaluation{}, failure.New(failure.ErrNoAnnotationsFound, "no labeled epochs to train on")
	}
	seed := o.cfg.Training.Seed
	trainIdx, testIdx := Split(labeled, o.cfg.Training.TestFraction, seed)

	model, err := o.plan.Classifier.Fit(x.SubsetRows(trainIdx), pick(labels, trainIdx))
	if err != nil {
		return nil, Evaluation{}, err
	}
	eval := Evaluation{Confusion: map[annotation.Stage]map[annotation.Stage]int{}}
	if len(testIdx) > 0 {
		pred, err := model.Predict(x.SubsetRows(testIdx))
		if err != nil {
			return nil, Evaluation{}, err
		}
		eval = Evaluate(pick(labels, testIdx), pred)
	}
	eval.TrainEpochs = len(trainIdx)
	eval.TestEpochs = len(testIdx)

	trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventStageExecuted, Stage: StageTraining, Reason: "NeverCached"})
	o.logger.Info("model trained",
		"model.name", o.plan.Names.Classifier,
		"data.samples", len(trainIdx),
		"data.features", x.Cols,
		"metrics.accuracy", eval.Accuracy,
		"config.random_seed", seed,
		"duration", time.Since(start))
	return model, eval, nil
}

// Split partitions idx into train and test parts. The test part holds
// ceil(fraction*len(idx)) elements chosen by a permutation seeded with seed,
// but at least one element is always left for training. Both parts are
// returned in ascending order.
func Split(idx []int, fraction float64, seed int64) (train, test []int) {
	n := len(idx)
	nTest := int(math.Ceil(fraction * float64(n)))
	if nTest >= n {
		nTest = n - 1
	}
	if nTest < 0 {
		nTest = 0
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	train = make([]int, 0, n-nTest)
	test = make([]int, 0, nTest)
	for k, p := range perm {
		if k < nTest {
			test = append(test, idx[p])
		} else {
			train = append(train, idx[p])
		}
	}
	sort.Ints(train)
	sort.Ints(test)
	return train, test
}

// Evaluate compares predictions with reference labels. Pairs whose
// reference is Unknown are skipped.
func Evaluate(actual, predicted []annotation.Stage) Evaluation {
	eval := Evaluation{Confusion: map[annotation.Stage]map[annotation.Stage]int{}}
	correct, total := 0, 0
	for i := range actual {
		if i >= len(predicted) || !actual[i].Known() {
			continue
		}
		row := eval.Confusion[actual[i]]
		if row == nil {
			row = map[annotation.Stage]int{}
			eval.Confusion[actual[i]] = row
		}
		row[predicted[i]]++
		total++
		if actual[i] == predicted[i] {
			correct++
		}
	}
	eval.TestEpochs = total
	if total > 0 {
		eval.Accuracy = float64(correct) / float64(total)
	}
	return eval
}
