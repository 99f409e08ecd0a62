// Package runstate persists pipeline run records and their per-recording
// failure records.
package runstate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"sleepstager/internal/failure"
)

// Status is the terminal or current status of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// NewRunID returns a fresh random run id.
func NewRunID() string {
	return uuid.NewString()
}

// Run is the persistent metadata of one pipeline run.
type Run struct {
	RunID     string    `json:"run_id"`
	RunKey    string    `json:"run_key"`
	Iteration int       `json:"iteration"`
	Mode      string    `json:"mode"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
	Status    Status    `json:"status"`
	// State is the pipeline state the run ended in.
	State      string `json:"state,omitempty"`
	Recordings int    `json:"recordings"`
	Failed     int    `json:"failed"`
	TraceHash  string `json:"trace_hash,omitempty"`
	// Evaluation is present for successful training runs.
	Evaluation *Evaluation `json:"evaluation,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// Evaluation summarizes held-out accuracy.
type Evaluation struct {
	TrainEpochs int     `json:"train_epochs"`
	TestEpochs  int     `json:"test_epochs"`
	Accuracy    float64 `json:"accuracy"`
	// Confusion[actual][predicted] counts held-out epochs.
	Confusion map[string]map[string]int `json:"confusion"`
}

func (r Run) Validate() error {
	var errs []error
	if _, err := uuid.Parse(r.RunID); err != nil {
		errs = append(errs, fmt.Errorf("run_id must be a uuid: %w", err))
	}
	if strings.TrimSpace(r.RunKey) == "" {
		errs = append(errs, errors.New("run_key is required"))
	}
	if r.Iteration < 1 {
		errs = append(errs, errors.New("iteration must be >= 1"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case StatusRunning, StatusSucceeded, StatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Recordings < 0 || r.Failed < 0 {
		errs = append(errs, errors.New("recording counts must be >= 0"))
	}
	if r.Evaluation != nil && (r.Evaluation.Accuracy < 0 || r.Evaluation.Accuracy > 1) {
		errs = append(errs, fmt.Errorf("accuracy %v outside [0, 1]", r.Evaluation.Accuracy))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func validateFailure(f failure.Record) error {
	var errs []error
	if strings.TrimSpace(f.Code) == "" {
		errs = append(errs, errors.New("code is required"))
	}
	if strings.TrimSpace(f.Message) == "" {
		errs = append(errs, errors.New("message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
