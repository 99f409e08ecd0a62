// Package signal holds per-channel-group biosignal arrays, each group at its
// own sample rate, and slices them by wall-clock time.
package signal

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"sleepstager/internal/failure"
)

// GroupName names a channel category such as "eeg" or "eog".
type GroupName string

// Common group names.
const (
	EEG GroupName = "eeg"
	EOG GroupName = "eog"
	EMG GroupName = "emg"
)

// Channel is one signal inside a group.
type Channel struct {
	Label   string
	Samples []float64
}

// Group holds channels that share one rate and one length.
type Group struct {
	Name     GroupName
	Rate     float64
	Channels []Channel
}

// Len returns the per-channel sample count.
func (g *Group) Len() int {
	if len(g.Channels) == 0 {
		return 0
	}
	return len(g.Channels[0].Samples)
}

// Duration returns the group's duration in seconds.
func (g *Group) Duration() float64 {
	if g.Rate <= 0 {
		return 0
	}
	return float64(g.Len()) / g.Rate
}

// ChannelInput is a raw channel handed to Build.
type ChannelInput struct {
	Label   string
	Samples []float64
	Rate    float64
}

// GroupInput describes one group handed to Build. Rate is the declared group
// rate; zero selects the highest channel rate.
type GroupInput struct {
	Name     GroupName
	Rate     float64
	Channels []ChannelInput
}

// Store is an immutable multi-rate channel store.
type Store struct {
	groups []Group
	index  map[GroupName]int
}

// durationTolerance is the slack, in samples, allowed between channel
// lengths of one group after resampling.
const durationTolerance = 1

// Build validates the inputs and assembles a Store. Channels whose rate
// differs from the group rate are resampled with linear interpolation; the
// mismatch is logged, not returned.
func Build(inputs []GroupInput, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(inputs) == 0 {
		return nil, failure.New(failure.ErrMalformedInput, "no channel groups")
	}
	s := &Store{index: make(map[GroupName]int, len(inputs))}
	for _, in := range inputs {
		if in.Name == "" {
			return nil, failure.New(failure.ErrMalformedInput, "channel group without a name")
		}
		if _, dup := s.index[in.Name]; dup {
			return nil, failure.New(failure.ErrMalformedInput, "duplicate channel group %q", in.Name)
		}
		g, err := buildGroup(in, logger)
		if err != nil {
			return nil, err
		}
		s.index[in.Name] = len(s.groups)
		s.groups = append(s.groups, g)
	}
	return s, nil
}

func buildGroup(in GroupInput, logger *slog.Logger) (Group, error) {
	if len(in.Channels) == 0 {
		return Group{}, failure.New(failure.ErrMalformedInput, "group %q has no channels", in.Name)
	}
	rate := in.Rate
	for _, c := range in.Channels {
		if !(c.Rate > 0) || math.IsInf(c.Rate, 0) {
			return Group{}, failure.New(failure.ErrMalformedInput, "group %q channel %q has invalid rate %v", in.Name, c.Label, c.Rate)
		}
		if in.Rate == 0 && c.Rate > rate {
			rate = c.Rate
		}
	}
	if !(rate > 0) {
		return Group{}, failure.New(failure.ErrMalformedInput, "group %q has invalid rate %v", in.Name, rate)
	}

	g := Group{Name: in.Name, Rate: rate, Channels: make([]Channel, 0, len(in.Channels))}
	for _, c := range in.Channels {
		var samples []float64
		if c.Rate != rate {
			logger.Warn("resampling channel to group rate",
				"error", failure.ErrRateMismatch.Error(),
				"group", string(in.Name),
				"channel", c.Label,
				"from_hz", c.Rate,
				"to_hz", rate)
			samples = Resample(c.Samples, c.Rate, rate)
		} else {
			samples = append([]float64(nil), c.Samples...)
		}
		g.Channels = append(g.Channels, Channel{Label: c.Label, Samples: samples})
	}

	shortest, longest := g.Channels[0].Samples, g.Channels[0].Samples
	for _, c := range g.Channels[1:] {
		if len(c.Samples) < len(shortest) {
			shortest = c.Samples
		}
		if len(c.Samples) > len(longest) {
			longest = c.Samples
		}
	}
	if len(longest)-len(shortest) > durationTolerance {
		return Group{}, failure.New(failure.ErrMalformedInput,
			"group %q channels disagree on duration: %d vs %d samples at %v Hz",
			in.Name, len(shortest), len(longest), rate)
	}
	n := len(shortest)
	for i := range g.Channels {
		g.Channels[i].Samples = g.Channels[i].Samples[:n]
	}
	return g, nil
}

// Resample converts samples from rate `from` to rate `to` by linear
// interpolation. Output length is round(len * to / from). The result is a
// new slice; the input is never modified.
func Resample(samples []float64, from, to float64) []float64 {
	if from == to {
		return append([]float64(nil), samples...)
	}
	n := int(math.Round(float64(len(samples)) * to / from))
	out := make([]float64, n)
	if len(samples) == 0 {
		return out
	}
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * from / to
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}

// Groups returns the groups in build order. Callers must not modify them.
func (s *Store) Groups() []Group { return s.groups }

// Group returns the named group.
func (s *Store) Group(name GroupName) (*Group, bool) {
	i, ok := s.index[name]
	if !ok {
		return nil, false
	}
	return &s.groups[i], true
}

// Names returns the group names in sorted order.
func (s *Store) Names() []GroupName {
	out := make([]GroupName, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g.Name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Duration is the total duration T shared by all groups: the shortest group duration.
func (s *Store) Duration() float64 {
	if len(s.groups) == 0 {
		return 0
	}
	d := s.groups[0].Duration()
	for i := range s.groups[1:] {
		d = math.Min(d, s.groups[i+1].Duration())
	}
	return d
}

// SampleBounds returns the half-open sample interval covering
// [start, start+duration) at rate fs.
func SampleBounds(fs, start, duration float64) (from, to int) {
	return int(math.Round(start * fs)), int(math.Round((start + duration) * fs))
}

// Slice returns per-channel sample windows for [start, start+duration) in
// the named group. The returned slices alias the store; callers must not
// modify them. A window extending past the stored data reports
// failure.ErrIncompleteEpoch.
func (s *Store) Slice(name GroupName, start, duration float64) ([][]float64, error) {
	g, ok := s.Group(name)
	if !ok {
		return nil, fmt.Errorf("unknown channel group %q", name)
	}
	if start < 0 || duration <= 0 {
		return nil, fmt.Errorf("invalid window start=%v duration=%v", start, duration)
	}
	from, to := SampleBounds(g.Rate, start, duration)
	if to > g.Len() {
		return nil, failure.New(failure.ErrIncompleteEpoch,
			"group %q window [%d, %d) exceeds %d samples", name, from, to, g.Len())
	}
	out := make([][]float64, len(g.Channels))
	for i, c := range g.Channels {
		out[i] = c.Samples[from:to:to]
	}
	return out, nil
}
