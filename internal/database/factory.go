package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// JournalFileName is the database file inside the journal data directory.
const JournalFileName = "journal.db"

// Journal is a vote journal that holds resources until closed.
type Journal interface {
	photovote.Journal
	CountByState() (map[photovote.VoteState]int, error)
	BackupTo(destPath string) error
	Close() error
}

// ErrJournalDisabled is returned when a disabled journal is asked for data.
var ErrJournalDisabled = errors.New("vote journal disabled (journal.type = \"none\")")

type nopJournal struct{ photovote.NopJournal }

func (nopJournal) CountByState() (map[photovote.VoteState]int, error) {
	return map[photovote.VoteState]int{}, nil
}

func (nopJournal) BackupTo(string) error { return ErrJournalDisabled }

func (nopJournal) Close() error { return nil }

// NewJournalFromConfig creates a Journal based on the journal config type.
func NewJournalFromConfig(cfg config.JournalConfig) (Journal, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite journal")
		}
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
		return openJournal(filepath.Join(cfg.DataDir, JournalFileName))
	case "memory":
		return openJournal(":memory:")
	case "none", "":
		return nopJournal{}, nil
	default:
		return nil, fmt.Errorf("unknown journal type: %s", cfg.Type)
	}
}

func openJournal(path string) (Journal, error) {
	j, err := NewSQLiteJournal(path)
	if err != nil {
		return nil, err
	}
	return j, nil
}
