package app

import "time"

// opIDLayout formats operation IDs; they prefix every log line of a run.
const opIDLayout = "20060102T150405Z"

// Operation tracks the CLI command being run. Its ID tags the log lines
// written during the command.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	Status     string // "running", "success" or "error"
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewOperation creates a running operation started at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	return &Operation{
		ID:         now.UTC().Format(opIDLayout),
		Name:       name,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  now.UTC(),
	}
}

// Finish records the outcome. Only the first call has an effect.
func (op *Operation) Finish(now time.Time, err error) {
	if op.Finished() {
		return
	}
	op.FinishedAt = now.UTC()
	if err != nil {
		op.Status = "error"
		op.Error = err.Error()
		return
	}
	op.Status = "success"
}

// Finished returns true once Finish has been called.
func (op *Operation) Finished() bool {
	return !op.FinishedAt.IsZero()
}

// Duration returns how long the operation ran, or zero while running.
func (op *Operation) Duration() time.Duration {
	if !op.Finished() {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
