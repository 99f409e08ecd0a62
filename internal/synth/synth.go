// Package synth writes synthetic polysomnography recordings: an EDF signal
// file plus an NSRR-style XML hypnogram. Each stage is rendered with its own
// dominant rhythm so downstream classifiers have something to learn.
package synth

import (
	"encoding/xml"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"sleepstager/internal/annotation"
	"sleepstager/internal/edf"
)

// Channel is one synthetic channel.
type Channel struct {
	Label string
	Rate  int
}

// Night describes one synthetic recording.
type Night struct {
	// EpochDuration in seconds; also the EDF record duration.
	EpochDuration float64
	// Hypnogram holds one stage per epoch; its length fixes the duration.
	Hypnogram []annotation.Stage
	Channels  []Channel
	Seed      int64
}

// DefaultChannels is the three-group montage used by tests:
// EEG and EOG at 100 Hz, EMG at 200 Hz.
func DefaultChannels() []Channel {
	return []Channel{
		{Label: "EEG", Rate: 100},
		{Label: "EOG(L)", Rate: 100},
		{Label: "EMG", Rate: 200},
	}
}

// Blocks builds a hypnogram of consecutive runs, cycling through stages in
// the given order with the given per-stage epoch counts split into cycles
// equal chunks.
func Blocks(counts map[annotation.Stage]int, cycles int) []annotation.Stage {
	if cycles < 1 {
		cycles = 1
	}
	var out []annotation.Stage
	for c := 0; c < cycles; c++ {
		for _, s := range annotation.Stages {
			n := counts[s] / cycles
			if c == cycles-1 {
				n = counts[s] - n*(cycles-1)
			}
			for i := 0; i < n; i++ {
				out = append(out, s)
			}
		}
	}
	return out
}

// StandardNight is a 2 h, 240-epoch night with the stage distribution
// Wake 5%, N1 5%, N2 50%, N3 25%, REM 15%.
func StandardNight() Night {
	return Night{
		EpochDuration: 30,
		Hypnogram: Blocks(map[annotation.Stage]int{
			annotation.Wake: 12,
			annotation.N1:   12,
			annotation.N2:   120,
			annotation.N3:   60,
			annotation.REM:  36,
		}, 4),
		Channels: DefaultChannels(),
		Seed:     7,
	}
}

// rhythm is the dominant frequency and amplitude of a stage.
var rhythm = map[annotation.Stage]struct{ hz, amp float64 }{
	annotation.Wake: {10, 40},
	annotation.N1:   {6, 30},
	annotation.N2:   {13, 25},
	annotation.N3:   {1.5, 90},
	annotation.REM:  {4, 15},
}

// Signals renders the night as an EDF file.
func (n Night) Signals() *edf.File {
	rng := rand.New(rand.NewSource(n.Seed))
	f := &edf.File{
		Header: edf.Header{
			Patient:        "X X X X",
			Recording:      "Startdate 01-JAN-2024 X X synth",
			StartDate:      "01.01.24",
			StartTime:      "22.00.00",
			Records:        len(n.Hypnogram),
			RecordDuration: n.EpochDuration,
		},
	}
	for _, ch := range n.Channels {
		per := int(math.Round(n.EpochDuration * float64(ch.Rate)))
		samples := make([]float64, 0, per*len(n.Hypnogram))
		for e, stage := range n.Hypnogram {
			r := rhythm[stage]
			for j := 0; j < per; j++ {
				t := float64(e*per+j) / float64(ch.Rate)
				v := r.amp*math.Sin(2*math.Pi*r.hz*t) + rng.NormFloat64()*3
				samples = append(samples, v)
			}
		}
		f.Signals = append(f.Signals, edf.Signal{
			Label:             ch.Label,
			Transducer:        "synthetic",
			PhysicalDimension: "uV",
			PhysicalMin:       -500,
			PhysicalMax:       500,
			DigitalMin:        -32768,
			DigitalMax:        32767,
			SamplesPerRecord:  per,
			Samples:           samples,
		})
	}
	return f
}

var legacyConcept = map[annotation.Stage]string{
	annotation.Wake: "Wake|0",
	annotation.N1:   "Stage 1 sleep|1",
	annotation.N2:   "Stage 2 sleep|2",
	annotation.N3:   "Stage 3 sleep|3",
	annotation.REM:  "REM sleep|5",
}

type psgAnnotation struct {
	XMLName     xml.Name      `xml:"PSGAnnotation"`
	EpochLength string        `xml:"EpochLength"`
	Events      []scoredEvent `xml:"ScoredEvents>ScoredEvent"`
}

type scoredEvent struct {
	EventType    string `xml:"EventType"`
	EventConcept string `xml:"EventConcept"`
	Start        string `xml:"Start"`
	Duration     string `xml:"Duration"`
}

// Annotations renders the hypnogram as NSRR XML: one stage event per run of
// equal stages, plus an arousal event that is not a stage.
func (n Night) Annotations() ([]byte, error) {
	doc := psgAnnotation{EpochLength: formatSeconds(n.EpochDuration)}
	for i := 0; i < len(n.Hypnogram); {
		j := i
		for j < len(n.Hypnogram) && n.Hypnogram[j] == n.Hypnogram[i] {
			j++
		}
		doc.Events = append(doc.Events, scoredEvent{
			EventType:    "Stages|Stages",
			EventConcept: legacyConcept[n.Hypnogram[i]],
			Start:        formatSeconds(float64(i) * n.EpochDuration),
			Duration:     formatSeconds(float64(j-i) * n.EpochDuration),
		})
		i = j
	}
	if len(n.Hypnogram) > 1 {
		doc.Events = append(doc.Events, scoredEvent{
			EventType:    "Arousals|Arousals",
			EventConcept: "Arousal|Arousal ()",
			Start:        formatSeconds(n.EpochDuration + 3),
			Duration:     "5",
		})
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// Write stores <dir>/<id>.edf and, when withAnnotations is set,
// <dir>/<id>-nsrr.xml.
func (n Night) Write(dir, id string, withAnnotations bool) error {
	if err := edf.WriteFile(filepath.Join(dir, id+".edf"), n.Signals()); err != nil {
		return fmt.Errorf("write synthetic EDF: %w", err)
	}
	if !withAnnotations {
		return nil
	}
	data, err := n.Annotations()
	if err != nil {
		return fmt.Errorf("render synthetic annotations: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, id+"-nsrr.xml"), data, 0o644)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
