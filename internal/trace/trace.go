// Package trace records the logical decisions of a pipeline run: which stage
// outputs came from the cache, which were computed, and what failed.
package trace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
)

// RunTrace is the canonical, deterministic record of one pipeline run.
//
// It carries no timestamps, durations or error strings, so two runs that make
// the same decisions produce byte-identical traces. RunKey identifies the
// configuration the run executed (iteration plus input scope).
type RunTrace struct {
	RunKey string
	Events []Event
}

// EventKind is the stable discriminator for Event.
//
// The string values are part of the trace's canonical bytes; do not rename.
type EventKind string

const (
	EventCacheCorrupted  EventKind = "CacheCorrupted"
	EventStageCached     EventKind = "StageCached"
	EventStageExecuted   EventKind = "StageExecuted"
	EventStageFailed     EventKind = "StageFailed"
	EventRecordingFailed EventKind = "RecordingFailed"
)

// Event is a single logical decision.
type Event struct {
	Kind EventKind
	// Stage names the pipeline stage; empty for recording events.
	Stage string
	// Key is the cache key the stage was resolved under.
	Key string
	// RecordID identifies the recording of a recording event.
	RecordID string
	// Reason is a stable reason code such as "CacheDisabled" or "MalformedInput".
	Reason string
}

// Sink receives stage decisions while a run is in progress.
type Sink interface {
	Record(event Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord hands event to s. A nil sink is skipped and a panicking sink
// cannot take the pipeline down with it.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s.Record(event)
}

// Recorder keeps every event in memory. Recording workers may call Record
// concurrently; arrival order is irrelevant because Trace canonicalizes.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of the events recorded so far.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Trace returns the canonical trace of everything recorded under runKey.
func (r *Recorder) Trace(runKey string) RunTrace {
	tr := RunTrace{RunKey: runKey, Events: r.Events()}
	tr.Canonicalize()
	return tr
}

// Validate checks basic invariants and returns a descriptive error.
func (t *RunTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.RunKey == "" {
		return errors.New("runKey is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Kind == EventRecordingFailed {
			if e.RecordID == "" {
				return fmt.Errorf("events[%d].recordId is required for kind %q", i, e.Kind)
			}
			continue
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required for kind %q", i, e.Kind)
		}
	}
	return nil
}

// Canonicalize sorts the events into their canonical order: recording
// events first by record id, then stage events by (stage, kind, key, reason).
func (t *RunTrace) Canonicalize() {
	if t == nil {
		return
	}
	sort.SliceStable(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if (a.RecordID == "") != (b.RecordID == "") {
			return a.RecordID != ""
		}
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Reason < b.Reason
	})
}

func kindOrder(k EventKind) int {
	switch k {
	case EventRecordingFailed:
		return 5
	case EventCacheCorrupted:
		return 10
	case EventStageCached:
		return 20
	case EventStageExecuted:
		return 30
	case EventStageFailed:
		return 40
	default:
		return 1000
	}
}

// CanonicalJSON returns the canonical JSON encoding of the trace.
// It canonicalizes a copy, leaving the caller's slice untouched.
func (t RunTrace) CanonicalJSON() ([]byte, error) {
	cp := RunTrace{RunKey: t.RunKey, Events: append([]Event(nil), t.Events...)}
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the hex sha256 of CanonicalJSON.
func (t RunTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// WriteFile stores the canonical JSON encoding at path.
func (t RunTrace) WriteFile(path string) error {
	b, err := t.CanonicalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(b, '\n'), 0o644)
}

// Count returns the number of events of kind k.
func (t RunTrace) Count(k EventKind) int {
	n := 0
	for _, e := range t.Events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// MarshalJSON fixes field order.
func (t RunTrace) MarshalJSON() ([]byte, error) {
	if t.RunKey == "" {
		return nil, errors.New("runKey is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"runKey":`)
	rk, _ := json.Marshal(t.RunKey)
	buf.Write(rk)
	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)
	for _, f := range []struct{ name, value string }{
		{"stage", e.Stage},
		{"key", e.Key},
		{"recordId", e.RecordID},
		{"reason", e.Reason},
	} {
		if f.value == "" {
			continue
		}
		buf.WriteString(`,"` + f.name + `":`)
		vb, _ := json.Marshal(f.value)
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
