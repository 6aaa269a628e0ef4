// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ccheshirecat/vmdeck/internal/journal"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// schema lists the embedded migrations in order. The database's user_version
// pragma records how many of them have been applied.
var schema = []string{
	"migrations/0001_actions.sql",
}

// Option adjusts a Store at open time.
type Option func(*Store)

// WithRetention keeps at most keep entries per VM. Older entries for the
// same VM are dropped in the transaction that records a new one. Zero or a
// negative value disables the cap.
func WithRetention(keep int) Option {
	return func(s *Store) {
		if keep > 0 {
			s.keepPerTarget = keep
		}
	}
}

// Store is the SQLite-backed action journal.
type Store struct {
	db            *sql.DB
	keepPerTarget int
}

var _ journal.Store = (*Store)(nil)

// Open creates the journal file (and its directory) when missing, then
// brings the schema up to date. path is used as given; callers expand "~".
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("journal: create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	// One connection serialises writers and keeps transactions on the same handle.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

// Queries returns repositories bound to the root connection.
func (s *Store) Queries() journal.Queries {
	return &queries{exec: s.db}
}

// Record upserts entry. With a retention cap the insert and the trim of the
// VM's older entries commit together.
func (s *Store) Record(ctx context.Context, entry journal.Entry) error {
	if s.keepPerTarget == 0 {
		return s.Queries().Actions().Record(ctx, entry)
	}
	return s.WithTx(ctx, func(q journal.Queries) error {
		actions := q.Actions()
		if err := actions.Record(ctx, entry); err != nil {
			return err
		}
		_, err := actions.Trim(ctx, entry.Target, s.keepPerTarget)
		return err
	})
}

// WithTx runs fn against a transaction, committing when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(journal.Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	if err = fn(&queries{exec: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	return nil
}

// SchemaVersion reports how many migrations the database has applied.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("journal: read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("journal: schema version %d is newer than this build (%d)", current, len(schema))
	}
	for i := current; i < len(schema); i++ {
		body, err := migrationsFS.ReadFile(schema[i])
		if err != nil {
			return fmt.Errorf("journal: read %s: %w", schema[i], err)
		}
		version := i + 1
		err = s.WithTx(ctx, func(q journal.Queries) error {
			exec := q.(*queries).exec
			if _, err := exec.ExecContext(ctx, string(body)); err != nil {
				return fmt.Errorf("journal: apply %s: %w", schema[i], err)
			}
			// PRAGMA does not accept bound parameters.
			if _, err := exec.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
				return fmt.Errorf("journal: set schema version %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
