package signal

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleepstager/internal/failure"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ramp(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

func TestBuild_RateMismatchResampled(t *testing.T) {
	s, err := Build([]GroupInput{{
		Name: EEG,
		Channels: []ChannelInput{
			{Label: "C3", Samples: ramp(1000), Rate: 100},
			{Label: "C4", Samples: ramp(2000), Rate: 200},
		},
	}}, quietLogger())
	require.NoError(t, err)

	g, ok := s.Group(EEG)
	require.True(t, ok)
	assert.Equal(t, 200.0, g.Rate)
	require.Len(t, g.Channels, 2)
	assert.Equal(t, len(g.Channels[0].Samples), len(g.Channels[1].Samples))
	assert.Equal(t, 2000, g.Len())
	assert.InDelta(t, 10.0, s.Duration(), 1e-9)
}

func TestBuild_DeclaredRateWins(t *testing.T) {
	s, err := Build([]GroupInput{{
		Name: EOG,
		Rate: 100,
		Channels: []ChannelInput{
			{Label: "L", Samples: ramp(500), Rate: 50},
			{Label: "R", Samples: ramp(1000), Rate: 100},
		},
	}}, quietLogger())
	require.NoError(t, err)
	g, _ := s.Group(EOG)
	assert.Equal(t, 100.0, g.Rate)
	assert.Equal(t, 1000, g.Len())
}

func TestBuild_DoesNotAliasInput(t *testing.T) {
	in := ramp(10)
	s, err := Build([]GroupInput{{Name: EMG, Channels: []ChannelInput{{Label: "EMG", Samples: in, Rate: 1}}}}, quietLogger())
	require.NoError(t, err)
	in[0] = 99
	g, _ := s.Group(EMG)
	assert.Equal(t, 0.0, g.Channels[0].Samples[0])
}

func TestBuild_Rejects(t *testing.T) {
	tests := map[string][]GroupInput{
		"no groups":     nil,
		"no channels":   {{Name: EEG}},
		"unnamed group": {{Channels: []ChannelInput{{Samples: ramp(3), Rate: 1}}}},
		"zero rate":     {{Name: EEG, Channels: []ChannelInput{{Samples: ramp(3), Rate: 0}}}},
		"duplicate": {
			{Name: EEG, Channels: []ChannelInput{{Samples: ramp(3), Rate: 1}}},
			{Name: EEG, Channels: []ChannelInput{{Samples: ramp(3), Rate: 1}}},
		},
		"duration disagreement": {{Name: EEG, Channels: []ChannelInput{
			{Label: "a", Samples: ramp(100), Rate: 10},
			{Label: "b", Samples: ramp(50), Rate: 10},
		}}},
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(in, quietLogger())
			assert.ErrorIs(t, err, failure.ErrMalformedInput)
		})
	}
}

func TestResample_Linear(t *testing.T) {
	up := Resample([]float64{0, 2, 4}, 1, 2)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 4}, up)

	down := Resample(ramp(10), 10, 5)
	assert.Equal(t, []float64{0, 2, 4, 6, 8}, down)

	assert.Empty(t, Resample(nil, 1, 2))
}

func TestResample_Deterministic(t *testing.T) {
	in := ramp(777)
	assert.Equal(t, Resample(in, 125, 100), Resample(in, 125, 100))
}

func TestSlice_Bounds(t *testing.T) {
	s, err := Build([]GroupInput{{Name: EEG, Channels: []ChannelInput{{Label: "C3", Samples: ramp(1000), Rate: 100}}}}, quietLogger())
	require.NoError(t, err)

	w, err := s.Slice(EEG, 2.5, 1)
	require.NoError(t, err)
	require.Len(t, w, 1)
	assert.Len(t, w[0], 100)
	assert.Equal(t, 250.0, w[0][0])
	assert.Equal(t, 349.0, w[0][99])

	last, err := s.Slice(EEG, 9, 1)
	require.NoError(t, err)
	assert.Equal(t, 999.0, last[0][99])
}

func TestSlice_PastEndIsIncomplete(t *testing.T) {
	s, err := Build([]GroupInput{{Name: EEG, Channels: []ChannelInput{{Label: "C3", Samples: ramp(1050), Rate: 100}}}}, quietLogger())
	require.NoError(t, err)

	_, err = s.Slice(EEG, 10, 1)
	assert.ErrorIs(t, err, failure.ErrIncompleteEpoch)
}

func TestSlice_UnknownGroup(t *testing.T) {
	s, err := Build([]GroupInput{{Name: EEG, Channels: []ChannelInput{{Label: "C3", Samples: ramp(10), Rate: 1}}}}, quietLogger())
	require.NoError(t, err)
	_, err = s.Slice(EOG, 0, 1)
	assert.Error(t, err)
}

func TestStore_DurationIsShortestGroup(t *testing.T) {
	s, err := Build([]GroupInput{
		{Name: EEG, Channels: []ChannelInput{{Label: "C3", Samples: ramp(1000), Rate: 100}}},
		{Name: EOG, Channels: []ChannelInput{{Label: "L", Samples: ramp(450), Rate: 50}}},
	}, quietLogger())
	require.NoError(t, err)
	assert.InDelta(t, 9.0, s.Duration(), 1e-9)
	assert.Equal(t, []GroupName{EEG, EOG}, s.Names())
}
