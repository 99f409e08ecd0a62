package annotation

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"sleepstager/internal/failure"
)

// eps absorbs float noise when comparing event boundaries given in seconds.
const eps = 1e-6

// rule recognizes one stage vocabulary. Rules are anchored on the whole label.
type rule struct {
	name  string
	match func(label string) (Stage, bool)
}

// rules is the vocabulary priority order: semantic URIs, then legacy pipe
// codes, then short codes. The first rule that matches decides the stage.
var rules = []rule{
	{name: "uri", match: matchURI},
	{name: "legacy", match: matchLegacy},
	{name: "short", match: matchShort},
}

var uriStages = []struct {
	name  string
	stage Stage
}{
	{"NonRapidEyeMovementSleep-N1", N1},
	{"NonRapidEyeMovementSleep-N2", N2},
	{"NonRapidEyeMovementSleep-N3", N3},
	{"RapidEyeMovementSleep", REM},
	{"WakeState", Wake},
}

func matchURI(label string) (Stage, bool) {
	frag := label
	if i := strings.LastIndexAny(frag, "/#"); i >= 0 {
		frag = frag[i+1:]
	}
	for _, u := range uriStages {
		if strings.EqualFold(frag, u.name) {
			return u.stage, true
		}
	}
	return "", false
}

var legacyPattern = regexp.MustCompile(`(?i)^(wake|stage\s*[1-4](\s*sleep)?|rem(\s*sleep)?)\s*\|\s*([0-5])$`)

// matchLegacy handles "<name>|<digit>" concepts. The digit is authoritative.
func matchLegacy(label string) (Stage, bool) {
	m := legacyPattern.FindStringSubmatch(label)
	if m == nil {
		return "", false
	}
	return digitStage(m[4])
}

func matchShort(label string) (Stage, bool) {
	switch strings.ToUpper(label) {
	case "WAKE", "W":
		return Wake, true
	case "N1":
		return N1, true
	case "N2":
		return N2, true
	case "N3", "N4":
		return N3, true
	case "REM", "R":
		return REM, true
	}
	return digitStage(label)
}

func digitStage(d string) (Stage, bool) {
	switch d {
	case "0":
		return Wake, true
	case "1":
		return N1, true
	case "2":
		return N2, true
	case "3", "4":
		return N3, true
	case "5":
		return REM, true
	default:
		return "", false
	}
}

// Classify reports the canonical stage for a raw label, and false when the
// label is not a stage event (arousals, desaturations, unscored, ...).
func Classify(label string) (Stage, bool) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", false
	}
	for _, r := range rules {
		if s, ok := r.match(label); ok {
			return s, true
		}
	}
	return "", false
}

type stageEvent struct {
	start, duration float64
	stage           Stage
}

// Normalize converts raw events into stage marks in epoch coordinates
// (start seconds / epochDuration). Coordinates are left fractional; Align
// snaps them to epoch indexes.
//
// A stage event with a known duration that ends before the next stage event
// starts is followed by an Unknown mark, so the gap is never attributed to
// the preceding stage.
func Normalize(events []Event, epochDuration float64) ([]Mark, error) {
	if !(epochDuration > 0) || math.IsInf(epochDuration, 0) {
		return nil, failure.New(failure.ErrMalformedInput, "epoch duration must be positive, got %v", epochDuration)
	}
	if len(events) == 0 {
		return nil, nil
	}

	staged := make([]stageEvent, 0, len(events))
	for i, e := range events {
		if bad(e.Start) || bad(e.Duration) || e.Start < 0 || e.Duration < 0 {
			return nil, failure.New(failure.ErrMalformedInput, "event %d (%q) has invalid start %v or duration %v", i, e.Label, e.Start, e.Duration)
		}
		s, ok := Classify(e.Label)
		if !ok {
			continue
		}
		staged = append(staged, stageEvent{start: e.Start, duration: e.Duration, stage: s})
	}
	if len(staged) == 0 {
		return nil, failure.New(failure.ErrNoAnnotationsFound, "0 of %d events carry a stage label", len(events))
	}

	sort.SliceStable(staged, func(i, j int) bool { return staged[i].start < staged[j].start })

	marks := make([]Mark, 0, len(staged)+1)
	for i, e := range staged {
		end := e.start + e.duration
		if i+1 < len(staged) && e.duration > 0 && staged[i+1].start < end-eps {
			return nil, failure.New(failure.ErrMalformedInput,
				"stage events overlap: %s at %.3fs ends at %.3fs after %s starts at %.3fs",
				e.stage, e.start, end, staged[i+1].stage, staged[i+1].start)
		}
		marks = append(marks, Mark{Epoch: e.start / epochDuration, Stage: e.stage})
		if e.duration == 0 {
			continue
		}
		if i+1 == len(staged) || staged[i+1].start > end+eps {
			marks = append(marks, Mark{Epoch: end / epochDuration, Stage: Unknown})
		}
	}
	return marks, nil
}

func bad(v float64) bool { return math.IsNaN(v) || math.IsInf(v, 0) }
