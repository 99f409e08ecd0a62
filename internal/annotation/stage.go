// Package annotation turns externally authored sleep-stage annotations into a
// canonical stage timeline expressed in epoch coordinates.
package annotation

// Stage is a canonical sleep stage.
//
// The string values appear in cached payloads, traces and reports; do not rename.
type Stage string

const (
	Wake Stage = "Wake"
	N1   Stage = "N1"
	N2   Stage = "N2"
	N3   Stage = "N3"
	REM  Stage = "REM"

	// Unknown marks epochs without a covering stage event. It is not a
	// canonical stage and is excluded from supervised stages.
	Unknown Stage = "Unknown"
)

// Stages lists the canonical stages in scoring order.
var Stages = []Stage{Wake, N1, N2, N3, REM}

// Known reports whether s is one of the five canonical stages.
func (s Stage) Known() bool {
	switch s {
	case Wake, N1, N2, N3, REM:
		return true
	default:
		return false
	}
}

func (s Stage) String() string { return string(s) }

// Event is one raw annotation record.
type Event struct {
	// Start is the event onset in seconds from the recording start.
	Start float64
	// Duration in seconds; zero when the source does not carry one.
	Duration float64
	// Type is the source's event category (e.g. "Stages|Stages"); informational only.
	Type string
	// Label is the free-text concept the stage vocabularies are matched against.
	Label string
}

// Mark asserts that Stage holds from epoch coordinate Epoch until the next mark.
type Mark struct {
	Epoch float64
	Stage Stage
}
