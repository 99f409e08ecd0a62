package annotation

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"sleepstager/internal/failure"
)

// DefaultEpochLength is used for stage lists that do not declare one.
const DefaultEpochLength = 30.0

// xmlDocument covers both supported layouts:
//
//	<PSGAnnotation><ScoredEvents><ScoredEvent>
//	  <EventType/><EventConcept/><Start/><Duration/>
//
//	<CMPStudyConfig><EpochLength/><SleepStages><SleepStage/>...
type xmlDocument struct {
	XMLName      xml.Name
	EpochLength  string      `xml:"EpochLength"`
	ScoredEvents []xmlScored `xml:"ScoredEvents>ScoredEvent"`
	SleepStages  []string    `xml:"SleepStages>SleepStage"`
}

type xmlScored struct {
	EventType    string `xml:"EventType"`
	EventConcept string `xml:"EventConcept"`
	Name         string `xml:"Name"`
	Start        string `xml:"Start"`
	Duration     string `xml:"Duration"`
}

// ReadXML parses an XML annotation document into raw events ordered by start.
func ReadXML(r io.Reader) ([]Event, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, failure.Wrap(failure.ErrMalformedInput, err, "decoding annotation XML")
	}

	var events []Event
	if len(doc.SleepStages) > 0 {
		epochLen := DefaultEpochLength
		if s := strings.TrimSpace(doc.EpochLength); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v <= 0 {
				return nil, failure.New(failure.ErrMalformedInput, "invalid EpochLength %q", s)
			}
			epochLen = v
		}
		for i, raw := range doc.SleepStages {
			events = append(events, Event{
				Start:    float64(i) * epochLen,
				Duration: epochLen,
				Type:     "SleepStage",
				Label:    strings.TrimSpace(raw),
			})
		}
	}

	for i, se := range doc.ScoredEvents {
		label := strings.TrimSpace(se.EventConcept)
		if label == "" {
			label = strings.TrimSpace(se.Name)
		}
		start, err := parseSeconds(se.Start)
		if err != nil {
			return nil, failure.Wrap(failure.ErrMalformedInput, err, "ScoredEvent %d (%q) start", i, label)
		}
		dur := 0.0
		if strings.TrimSpace(se.Duration) != "" {
			if dur, err = parseSeconds(se.Duration); err != nil {
				return nil, failure.Wrap(failure.ErrMalformedInput, err, "ScoredEvent %d (%q) duration", i, label)
			}
		}
		events = append(events, Event{
			Start:    start,
			Duration: dur,
			Type:     strings.TrimSpace(se.EventType),
			Label:    label,
		})
	}
	return events, nil
}

// LoadFile reads annotation events from an XML file.
func LoadFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, failure.Wrap(failure.ErrMalformedInput, err, "opening annotations")
	}
	defer f.Close()
	return ReadXML(f)
}

func parseSeconds(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}
