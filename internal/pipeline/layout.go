package pipeline

import (
	"slices"
	"strings"

	"sleepstager/internal/failure"
	"sleepstager/internal/recording"
	"sleepstager/internal/trace"
)

// referenceLayout returns the channel layout shared by most recordings.
// Ties go to the layout seen first.
func referenceLayout(recs []*recording.Recording) []string {
	var (
		best  []string
		count = map[string]int{}
		top   int
	)
	for _, r := range recs {
		if r == nil {
			continue
		}
		k := strings.Join(r.Layout, "\x00")
		count[k]++
		if count[k] > top {
			top = count[k]
			best = r.Layout
		}
	}
	return best
}

// partitionByLayout keeps the recordings whose channel layout equals ref.
// Every other recording becomes a MalformedInput failure record and is
// left out of the run.
func (o *Orchestrator) partitionByLayout(recs []*recording.Recording, ref []string) []*recording.Recording {
	kept := make([]*recording.Recording, 0, len(recs))
	for _, r := range recs {
		if r == nil {
			continue
		}
		if slices.Equal(r.Layout, ref) {
			kept = append(kept, r)
			continue
		}
		err := failure.WithRecord(failure.New(failure.ErrMalformedInput,
			"channel layout %v differs from %v", r.Layout, ref), r.ID)
		rec := failure.Classify(err)
		o.failures = append(o.failures, rec)
		trace.SafeRecord(o.sink, trace.Event{Kind: trace.EventRecordingFailed, RecordID: r.ID, Reason: rec.Code})
		o.logger.Warn("recording dropped", "record", r.ID, "code", rec.Code, "error", err)
	}
	return kept
}

// Failures returns the recordings dropped by Run and Predict so far.
func (o *Orchestrator) Failures() []failure.Record {
	return append([]failure.Record(nil), o.failures...)
}
