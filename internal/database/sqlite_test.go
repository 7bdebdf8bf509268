package database

import (
	"path/filepath"
	"testing"
	"time"

	"photovote/internal/photovote"
)

func newTestJournal(t *testing.T) *SQLiteJournal {
	t.Helper()
	j, err := NewSQLiteJournal(":memory:")
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	t.Cleanup(func() {
		j.Close()
	})
	return j
}

var t0 = time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)

func TestSQLiteJournal_SaveVoteOperation(t *testing.T) {
	t.Run("records every transition on one row", func(t *testing.T) {
		j := newTestJournal(t)
		op := photovote.NewVoteOperation("op-1", "3", photovote.VoteAdd)

		if err := j.SaveVoteOperation(op); err != nil {
			t.Fatalf("SaveVoteOperation(idle) error = %v", err)
		}
		op.Begin(t0)
		if err := j.SaveVoteOperation(op); err != nil {
			t.Fatalf("SaveVoteOperation(pending) error = %v", err)
		}
		op.Commit(t0.Add(time.Second))
		if err := j.SaveVoteOperation(op); err != nil {
			t.Fatalf("SaveVoteOperation(committed) error = %v", err)
		}

		ops, err := j.ListVoteOperations(10)
		if err != nil {
			t.Fatalf("ListVoteOperations() error = %v", err)
		}
		if len(ops) != 1 {
			t.Fatalf("len(ops) = %d, want 1", len(ops))
		}
		got := ops[0]
		if got.State != photovote.VoteCommitted || got.Action != photovote.VoteAdd || got.PhotoID != "3" {
			t.Errorf("op = %+v", got)
		}
		if !got.StartedAt.Equal(t0) || !got.FinishedAt.Equal(t0.Add(time.Second)) {
			t.Errorf("times = %v .. %v", got.StartedAt, got.FinishedAt)
		}
	})

	t.Run("keeps rollback cause", func(t *testing.T) {
		j := newTestJournal(t)
		op := photovote.NewVoteOperation("op-2", "5", photovote.VoteRemove)
		op.Begin(t0)
		op.RollBack(t0, errString("permission denied"))
		j.SaveVoteOperation(op)

		ops, _ := j.ListVoteOperations(10)
		if len(ops) != 1 || ops[0].Error != "permission denied" || ops[0].State != photovote.VoteRolledBack {
			t.Errorf("ops = %+v", ops)
		}
	})

	t.Run("idle operation has no times", func(t *testing.T) {
		j := newTestJournal(t)
		j.SaveVoteOperation(photovote.NewVoteOperation("op-3", "1", photovote.VoteAdd))

		ops, _ := j.ListVoteOperations(10)
		if len(ops) != 1 || !ops[0].StartedAt.IsZero() || !ops[0].FinishedAt.IsZero() {
			t.Errorf("ops = %+v, want zero times", ops)
		}
	})
}

type errString string

func (e errString) Error() string { return string(e) }

func TestSQLiteJournal_ListVoteOperations(t *testing.T) {
	j := newTestJournal(t)
	for i, id := range []string{"a", "b", "c"} {
		op := photovote.NewVoteOperation(id, "1", photovote.VoteAdd)
		op.Begin(t0.Add(time.Duration(i) * time.Minute))
		op.Commit(t0.Add(time.Duration(i) * time.Minute))
		j.SaveVoteOperation(op)
	}

	ops, err := j.ListVoteOperations(2)
	if err != nil {
		t.Fatalf("ListVoteOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("len(ops) = %d, want 2", len(ops))
	}
	if ops[0].ID != "c" || ops[1].ID != "b" {
		t.Errorf("order = %s, %s, want c, b", ops[0].ID, ops[1].ID)
	}
}

func TestSQLiteJournal_CountByState(t *testing.T) {
	j := newTestJournal(t)
	ok := photovote.NewVoteOperation("ok", "1", photovote.VoteAdd)
	ok.Begin(t0)
	ok.Commit(t0)
	failed := photovote.NewVoteOperation("failed", "2", photovote.VoteAdd)
	failed.Begin(t0)
	failed.RollBack(t0, nil)
	j.SaveVoteOperation(ok)
	j.SaveVoteOperation(failed)

	counts, err := j.CountByState()
	if err != nil {
		t.Fatalf("CountByState() error = %v", err)
	}
	if counts[photovote.VoteCommitted] != 1 || counts[photovote.VoteRolledBack] != 1 {
		t.Errorf("CountByState() = %v", counts)
	}
}

func TestSQLiteJournal_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("NewSQLiteJournal() error = %v", err)
	}
	op := photovote.NewVoteOperation("persisted", "1", photovote.VoteAdd)
	j.SaveVoteOperation(op)

	backup := filepath.Join(t.TempDir(), "backup.db")
	if err := j.BackupTo(backup); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	j.Close()

	reopened, err := NewSQLiteJournal(backup)
	if err != nil {
		t.Fatalf("reopening backup: %v", err)
	}
	defer reopened.Close()
	ops, _ := reopened.ListVoteOperations(10)
	if len(ops) != 1 || ops[0].ID != "persisted" {
		t.Errorf("backup ops = %+v", ops)
	}
}

func TestNewSQLiteJournal_SchemaAhead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := NewSQLiteJournal(path)
	if err != nil {
		t.Fatalf("NewSQLiteJournal() error = %v", err)
	}
	j.Close()

	db, err := OpenConnection(path)
	if err != nil {
		t.Fatalf("OpenConnection() error = %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET version = 999"); err != nil {
		t.Fatalf("bumping schema version: %v", err)
	}
	db.Close()

	if j, err := NewSQLiteJournal(path); err == nil {
		j.Close()
		t.Fatal("NewSQLiteJournal() expected error for a schema newer than the binary")
	}
}
