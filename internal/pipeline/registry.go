package pipeline

import (
	"fmt"
	"sort"

	"sleepstager/internal/config"
	"sleepstager/internal/failure"
	"sleepstager/internal/strategy"
)

// Iteration names one strategy per stage.
type Iteration struct {
	Preprocess string
	Features   string
	Selection  string
	Classifier string
}

// Iterations is the registry of known iterations. Adding an iteration means
// adding an entry here; existing entries never change, so their cache keys
// stay valid.
var Iterations = map[int]Iteration{
	1: {Preprocess: "lowpass", Features: "timedomain", Selection: "all", Classifier: "knn"},
	2: {Preprocess: "lowpass", Features: "bandpower", Selection: "all", Classifier: "knn"},
	3: {Preprocess: "lowpass", Features: "bandpower", Selection: "variance", Classifier: "knn"},
}

var (
	preprocessors = map[string]func(strategy.Params) (strategy.Preprocessor, error){
		"lowpass":  strategy.NewLowpass,
		"identity": strategy.NewIdentity,
	}
	extractors = map[string]func(strategy.Params) (strategy.FeatureExtractor, error){
		"timedomain": strategy.NewTimeDomain,
		"bandpower":  strategy.NewBandPower,
	}
	selectors = map[string]func(strategy.Params) (strategy.Selector, error){
		"all":      strategy.NewAll,
		"variance": strategy.NewVariance,
	}
	classifiers = map[string]func(strategy.Params) (strategy.Classifier, error){
		"knn":      strategy.NewKNN,
		"centroid": strategy.NewCentroid,
	}
)

// Plan is a resolved iteration: concrete strategies plus the parameters
// they were built from.
type Plan struct {
	Iteration    int
	Names        Iteration
	Params       strategy.Params
	Preprocessor strategy.Preprocessor
	Extractor    strategy.FeatureExtractor
	Selector     strategy.Selector
	Classifier   strategy.Classifier
}

// ParamsFrom derives strategy parameters from the configuration.
func ParamsFrom(cfg config.Config) strategy.Params {
	return strategy.Params{
		CutoffHz:    cfg.Filter.CutoffHz,
		FilterOrder: cfg.Filter.Order,
		Neighbors:   cfg.Training.Neighbors,
		MinVariance: cfg.Training.MinVariance,
	}
}

// Resolve looks up the iteration, applies per-stage overrides from cfg and
// builds every strategy. An unknown iteration or strategy name is
// ErrUnsupportedIteration; nothing is computed before this succeeds.
func Resolve(cfg config.Config) (*Plan, error) {
	names, ok := Iterations[cfg.Iteration]
	if !ok {
		return nil, failure.New(failure.ErrUnsupportedIteration,
			"iteration %d is not registered (known: %v)", cfg.Iteration, KnownIterations())
	}
	if s := cfg.Strategies.Preprocess; s != "" {
		names.Preprocess = s
	}
	if s := cfg.Strategies.Features; s != "" {
		names.Features = s
	}
	if s := cfg.Strategies.Selection; s != "" {
		names.Selection = s
	}
	if s := cfg.Strategies.Classifier; s != "" {
		names.Classifier = s
	}

	plan := &Plan{Iteration: cfg.Iteration, Names: names, Params: ParamsFrom(cfg)}
	var err error
	if plan.Preprocessor, err = build(preprocessors, StagePreprocessing, names.Preprocess, cfg.Iteration, plan.Params); err != nil {
		return nil, err
	}
	if plan.Extractor, err = build(extractors, StageFeatures, names.Features, cfg.Iteration, plan.Params); err != nil {
		return nil, err
	}
	if plan.Selector, err = build(selectors, StageSelection, names.Selection, cfg.Iteration, plan.Params); err != nil {
		return nil, err
	}
	if plan.Classifier, err = build(classifiers, StageTraining, names.Classifier, cfg.Iteration, plan.Params); err != nil {
		return nil, err
	}
	return plan, nil
}

func build[T any](table map[string]func(strategy.Params) (T, error), stage, name string, iteration int, p strategy.Params) (T, error) {
	var zero T
	factory, ok := table[name]
	if !ok {
		err := failure.New(failure.ErrUnsupportedIteration,
			"no %s strategy %q for iteration %d (known: %v)", stage, name, iteration, sortedNames(table))
		return zero, failure.WithStage(err, stage, "")
	}
	v, err := factory(p)
	if err != nil {
		return zero, failure.WithStage(
			failure.Wrap(failure.ErrUnsupportedIteration, err, "building %s strategy %q", stage, name), stage, "")
	}
	return v, nil
}

// KnownIterations returns the registered iteration ids in ascending order.
func KnownIterations() []int {
	ids := make([]int, 0, len(Iterations))
	for id := range Iterations {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func sortedNames[T any](table map[string]T) []string {
	names := make([]string, 0, len(table))
	for n := range table {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (p *Plan) String() string {
	return fmt.Sprintf("iter%d %s/%s/%s/%s", p.Iteration,
		p.Names.Preprocess, p.Names.Features, p.Names.Selection, p.Names.Classifier)
}
