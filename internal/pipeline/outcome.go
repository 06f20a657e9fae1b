package pipeline

import (
	"payout-sheet-sync/internal/model"
)

// Stage names the step at which a message failed
type Stage string

const (
	StageDecode  Stage = "decode"
	StageExtract Stage = "extract"
	StageAppend  Stage = "append"
)

// ProcessingError is a failure confined to one message
type ProcessingError struct {
	MessageID string
	Stage     Stage
	Err       error
}

func (e *ProcessingError) Error() string {
	return e.Err.Error()
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Status is the terminal state of one message
type Status int

const (
	StatusAppended Status = iota
	StatusDuplicate
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusAppended:
		return "appended"
	case StatusDuplicate:
		return "duplicate"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome records what happened to one message. Record is set unless the
// message failed before extraction completed; Err is set only for failures.
type Outcome struct {
	MessageID string
	Status    Status
	Record    model.Record
	Err       *ProcessingError
}

// Report collects the outcomes of one run in processing order
type Report struct {
	Listed     int
	Outcomes   []Outcome
	Appended   int
	Duplicates int
	Failed     int
}

func (r *Report) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusAppended:
		r.Appended++
	case StatusDuplicate:
		r.Duplicates++
	case StatusFailed:
		r.Failed++
	}
}
