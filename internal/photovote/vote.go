package photovote

import (
	"fmt"
	"time"
)

// VoteAction is the direction of a vote toggle.
type VoteAction string

const (
	VoteAdd    VoteAction = "add"
	VoteRemove VoteAction = "remove"
)

// VoteState is the lifecycle position of a VoteOperation.
type VoteState string

const (
	VoteIdle       VoteState = "idle"
	VotePending    VoteState = "pending"
	VoteCommitted  VoteState = "committed"
	VoteRolledBack VoteState = "rolled_back"
)

// VoteOperation tracks one vote toggle from the optimistic local mutation
// to its remote outcome: Idle -> Pending -> Committed | RolledBack.
type VoteOperation struct {
	ID         string
	PhotoID    string
	Action     VoteAction
	State      VoteState
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewVoteOperation creates an operation in the Idle state.
func NewVoteOperation(id, photoID string, action VoteAction) *VoteOperation {
	return &VoteOperation{
		ID:      id,
		PhotoID: photoID,
		Action:  action,
		State:   VoteIdle,
	}
}

// Begin marks the optimistic mutation as applied.
func (op *VoteOperation) Begin(now time.Time) error {
	if op.State != VoteIdle {
		return fmt.Errorf("vote operation %s: cannot begin from %s", op.ID, op.State)
	}
	op.State = VotePending
	op.StartedAt = now
	return nil
}

// Commit marks the remote call as successful.
func (op *VoteOperation) Commit(now time.Time) error {
	if op.State != VotePending {
		return fmt.Errorf("vote operation %s: cannot commit from %s", op.ID, op.State)
	}
	op.State = VoteCommitted
	op.FinishedAt = now
	return nil
}

// RollBack marks the remote call as failed; the optimistic mutation is
// discarded by a full refresh.
func (op *VoteOperation) RollBack(now time.Time, cause error) error {
	if op.State != VotePending {
		return fmt.Errorf("vote operation %s: cannot roll back from %s", op.ID, op.State)
	}
	op.State = VoteRolledBack
	op.FinishedAt = now
	if cause != nil {
		op.Error = cause.Error()
	}
	return nil
}

// Done reports whether the operation reached a terminal state.
func (op *VoteOperation) Done() bool {
	return op.State == VoteCommitted || op.State == VoteRolledBack
}

// Journal records vote operation transitions.
type Journal interface {
	SaveVoteOperation(op *VoteOperation) error
	ListVoteOperations(limit int) ([]*VoteOperation, error)
}

// NopJournal discards all records.
type NopJournal struct{}

func (NopJournal) SaveVoteOperation(*VoteOperation) error { return nil }

func (NopJournal) ListVoteOperations(int) ([]*VoteOperation, error) { return nil, nil }
