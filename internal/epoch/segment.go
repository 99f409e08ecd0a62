// Package epoch cuts a multi-rate channel store into fixed-duration epochs
// and aligns a stage timeline onto the resulting epoch index.
package epoch

import (
	"errors"
	"fmt"
	"math"

	"sleepstager/internal/failure"
	"sleepstager/internal/signal"
)

// DefaultDuration is the standard scoring epoch length in seconds.
const DefaultDuration = 30.0

// GroupSlice is one channel group's window for a single epoch.
type GroupSlice struct {
	Name     signal.GroupName
	Rate     float64
	Channels [][]float64
}

// Epoch is the window [Start, Start+D) at index Index.
type Epoch struct {
	Index  int
	Start  float64
	Groups []GroupSlice
}

// Group returns the named group's slice.
func (e *Epoch) Group(name signal.GroupName) (*GroupSlice, bool) {
	for i := range e.Groups {
		if e.Groups[i].Name == name {
			return &e.Groups[i], true
		}
	}
	return nil, false
}

// Count returns N = floor(total / d). A remainder shorter than one epoch is
// discarded.
func Count(total, d float64) int {
	if !(d > 0) || !(total > 0) {
		return 0
	}
	// 1e-9 keeps exact multiples (7200/30) from flooring down on float noise.
	return int(math.Floor(total/d + 1e-9))
}

// Segment cuts store into epochs of d seconds. Every group is sliced at the
// same offset i*d, so epoch i covers the same wall-clock window in every
// group regardless of sample rate. A trailing epoch that runs past the stored
// samples is dropped rather than padded.
//
// Segment is pure: calling it twice on one store yields identical output.
func Segment(store *signal.Store, d float64) ([]Epoch, error) {
	if store == nil {
		return nil, fmt.Errorf("nil store")
	}
	if !(d > 0) || math.IsInf(d, 0) {
		return nil, fmt.Errorf("epoch duration must be positive, got %v", d)
	}
	n := Count(store.Duration(), d)
	groups := store.Groups()
	epochs := make([]Epoch, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * d
		ep := Epoch{Index: i, Start: start, Groups: make([]GroupSlice, 0, len(groups))}
		incomplete := false
		for _, g := range groups {
			chans, err := store.Slice(g.Name, start, d)
			if errors.Is(err, failure.ErrIncompleteEpoch) {
				incomplete = true
				break
			}
			if err != nil {
				return nil, err
			}
			ep.Groups = append(ep.Groups, GroupSlice{Name: g.Name, Rate: g.Rate, Channels: chans})
		}
		if incomplete {
			break
		}
		epochs = append(epochs, ep)
	}
	return epochs, nil
}
