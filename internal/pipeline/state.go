package pipeline

import "fmt"

// State is the orchestrator's position in the stage sequence.
type State string

const (
	StateIdle              State = "Idle"
	StatePreprocessing     State = "Preprocessing"
	StateFeatureExtraction State = "FeatureExtraction"
	StateFeatureSelection  State = "FeatureSelection"
	StateTraining          State = "Training"
	StateDone              State = "Done"
	StateFailed            State = "Failed"
)

// Stage names used in cache keys, traces and metrics.
const (
	StagePreprocessing = "preprocessing"
	StageFeatures      = "features"
	StageSelection     = "selection"
	StageTraining      = "training"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s State) bool {
	return s == StateDone || s == StateFailed
}

// transition performs a validated transition. from must be the current
// state so out-of-order calls are observable.
func (o *Orchestrator) transition(from, to State) error {
	if o.state != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, o.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	o.state = to
	o.logger.Debug("pipeline state", "from", string(from), "to", string(to))
	return nil
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateIdle:
		return to == StatePreprocessing
	case StatePreprocessing:
		return to == StateFeatureExtraction || to == StateFailed
	case StateFeatureExtraction:
		return to == StateFeatureSelection || to == StateFailed
	case StateFeatureSelection:
		return to == StateTraining || to == StateFailed
	case StateTraining:
		return to == StateDone || to == StateFailed
	default:
		return false
	}
}
