package failure

import (
	"errors"
)

// Record is the serializable form of a failure, reported per recording in a batch.
type Record struct {
	RecordID string `json:"record_id,omitempty"`
	Stage    string `json:"stage,omitempty"`
	Key      string `json:"key,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Fatal    bool   `json:"fatal"`
}

// Classify maps err onto a Record. Unknown errors are classified as
// StageFailure and treated as fatal.
func Classify(err error) Record {
	if err == nil {
		return Record{Code: "UnknownError", Message: "nil error", Fatal: true}
	}
	rec := Record{Message: err.Error(), Fatal: true}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		rec.RecordID = fe.RecordID
		rec.Stage = fe.Stage
		rec.Key = fe.Key
	}
	switch {
	case errors.Is(err, ErrMalformedInput):
		rec.Code = "MalformedInput"
	case errors.Is(err, ErrNoAnnotationsFound):
		rec.Code = "NoAnnotationsFound"
	case errors.Is(err, ErrUnsupportedIteration):
		rec.Code = "UnsupportedIteration"
	case errors.Is(err, ErrRateMismatch):
		rec.Code = "RateMismatch"
		rec.Fatal = false
	case errors.Is(err, ErrIncompleteEpoch):
		rec.Code = "IncompleteEpoch"
		rec.Fatal = false
	case errors.Is(err, ErrCacheCorruption):
		rec.Code = "CacheCorruption"
		rec.Fatal = false
	default:
		rec.Code = "StageFailure"
	}
	return rec
}
