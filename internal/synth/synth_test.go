package synth

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sleepstager/internal/annotation"
)

func TestStandardNight_Distribution(t *testing.T) {
	n := StandardNight()
	require.Len(t, n.Hypnogram, 240)
	counts := map[annotation.Stage]int{}
	for _, s := range n.Hypnogram {
		counts[s]++
	}
	assert.Equal(t, map[annotation.Stage]int{
		annotation.Wake: 12, annotation.N1: 12, annotation.N2: 120, annotation.N3: 60, annotation.REM: 36,
	}, counts)
}

func TestNight_SignalsLayout(t *testing.T) {
	n := Night{EpochDuration: 30, Hypnogram: []annotation.Stage{annotation.Wake, annotation.N2}, Channels: DefaultChannels()}
	f := n.Signals()
	assert.Equal(t, 2, f.Records)
	require.Len(t, f.Signals, 3)
	assert.Len(t, f.Signals[0].Samples, 2*30*100)
	assert.Len(t, f.Signals[2].Samples, 2*30*200)
}

func TestNight_AnnotationsRoundTrip(t *testing.T) {
	n := Night{
		EpochDuration: 30,
		Hypnogram:     []annotation.Stage{annotation.Wake, annotation.Wake, annotation.N3, annotation.REM},
	}
	data, err := n.Annotations()
	require.NoError(t, err)

	events, err := annotation.ReadXML(bytes.NewReader(data))
	require.NoError(t, err)
	marks, err := annotation.Normalize(events, 30)
	require.NoError(t, err)
	assert.Equal(t, []annotation.Mark{
		{Epoch: 0, Stage: annotation.Wake},
		{Epoch: 2, Stage: annotation.N3},
		{Epoch: 3, Stage: annotation.REM},
		{Epoch: 4, Stage: annotation.Unknown},
	}, marks)
}
