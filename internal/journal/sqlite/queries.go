package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ccheshirecat/vmdeck/internal/journal"
)

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// executor abstracts *sql.DB and *sql.Tx for shared query logic.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type queries struct {
	exec executor
}

var _ journal.Queries = (*queries)(nil)

func (q *queries) Actions() journal.ActionRepository {
	return &actionRepository{exec: q.exec}
}

type actionRepository struct {
	exec executor
}

var _ journal.ActionRepository = (*actionRepository)(nil)

const actionColumns = `id, verb, target, outcome, message, actor, started_at, finished_at`

func (r *actionRepository) Record(ctx context.Context, e journal.Entry) error {
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("journal: entry id is required")
	}
	_, err := r.exec.ExecContext(ctx,
		`INSERT INTO actions (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(id) DO UPDATE SET outcome = excluded.outcome, message = excluded.message, finished_at = excluded.finished_at;`,
		e.ID,
		e.Verb,
		e.Target,
		string(e.Outcome),
		nullableString(e.Message),
		nullableString(e.User),
		e.StartedAt.UTC(),
		e.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (r *actionRepository) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions ORDER BY started_at DESC, rowid DESC LIMIT ?;`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return scanEntries(rows)
}

func (r *actionRepository) ForTarget(ctx context.Context, target string, limit int) ([]journal.Entry, error) {
	rows, err := r.exec.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE target = ? ORDER BY started_at DESC, rowid DESC LIMIT ?;`, target, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list actions for %s: %w", target, err)
	}
	return scanEntries(rows)
}

func (r *actionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.exec.ExecContext(ctx, `DELETE FROM actions WHERE started_at < ?;`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune actions: %w", err)
	}
	return rowsAffected(res)
}

func (r *actionRepository) Trim(ctx context.Context, target string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.exec.ExecContext(ctx,
		`DELETE FROM actions WHERE target = ? AND rowid NOT IN (
             SELECT rowid FROM actions WHERE target = ? ORDER BY started_at DESC, rowid DESC LIMIT ?
         );`, target, target, keep)
	if err != nil {
		return 0, fmt.Errorf("trim actions for %s: %w", target, err)
	}
	return rowsAffected(res)
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func scanEntries(rows *sql.Rows) ([]journal.Entry, error) {
	defer rows.Close()
	var out []journal.Entry
	for rows.Next() {
		var (
			e                 journal.Entry
			outcome           string
			message, user     sql.NullString
			started, finished any
		)
		if err := rows.Scan(&e.ID, &e.Verb, &e.Target, &outcome, &message, &user, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		e.Outcome = journal.Outcome(outcome)
		e.Message = message.String
		e.User = user.String
		var err error
		if e.StartedAt, err = coerceTime(started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if e.FinishedAt, err = coerceTime(finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func coerceTime(value any) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseTimestamp(v)
	case []byte:
		return parseTimestamp(string(v))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported time type %T", value)
	}
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time format: %q", s)
}
