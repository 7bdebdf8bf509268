package database

import (
	"database/sql"
	"fmt"
	"time"

	"photovote/internal/database/migrations"
	"photovote/internal/photovote"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteJournal records vote operations in a SQLite database.
type SQLiteJournal struct {
	db *sql.DB
}

var _ photovote.Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal opens the database at path and applies pending
// migrations. path can be a file path or ":memory:".
func NewSQLiteJournal(path string) (*SQLiteJournal, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("checking journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Each connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// SaveVoteOperation inserts op or updates the stored copy.
func (s *SQLiteJournal) SaveVoteOperation(op *photovote.VoteOperation) error {
	_, err := s.db.Exec(`
		INSERT INTO vote_operations (id, photo_id, action, state, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		op.ID, op.PhotoID, string(op.Action), string(op.State), op.Error,
		nullTime(op.StartedAt), nullTime(op.FinishedAt))
	if err != nil {
		return fmt.Errorf("saving vote operation %s: %w", op.ID, err)
	}
	return nil
}

// ListVoteOperations returns up to limit operations, newest first.
func (s *SQLiteJournal) ListVoteOperations(limit int) ([]*photovote.VoteOperation, error) {
	rows, err := s.db.Query(`
		SELECT id, photo_id, action, state, error, started_at, finished_at
		FROM vote_operations
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing vote operations: %w", err)
	}
	defer rows.Close()

	var ops []*photovote.VoteOperation
	for rows.Next() {
		var (
			op                photovote.VoteOperation
			action, state     string
			started, finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.PhotoID, &action, &state, &op.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning vote operation: %w", err)
		}
		op.Action = photovote.VoteAction(action)
		op.State = photovote.VoteState(state)
		if started.Valid {
			op.StartedAt = started.Time
		}
		if finished.Valid {
			op.FinishedAt = finished.Time
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing vote operations: %w", err)
	}
	return ops, nil
}

// CountByState returns how many recorded operations are in each state.
func (s *SQLiteJournal) CountByState() (map[photovote.VoteState]int, error) {
	rows, err := s.db.Query("SELECT state, COUNT(*) FROM vote_operations GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("counting vote operations: %w", err)
	}
	defer rows.Close()

	counts := make(map[photovote.VoteState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scanning vote operation count: %w", err)
		}
		counts[photovote.VoteState(state)] = n
	}
	return counts, rows.Err()
}

// BackupTo writes a complete copy of the journal to destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteJournal) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteJournal) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
