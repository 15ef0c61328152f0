package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"ddlbot/internal/item"
	logx "ddlbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

const (
	sqliteFilter = `SELECT activity_id FROM activities WHERE activity_id IN (SELECT value FROM json_each(?))`

	sqliteUpsertHead = `INSERT OR IGNORE INTO activities
 (activity_id, activity_name, type, end_time, assignment_type, evaluation_status, is_open_evaluation, course_info, description, start_time)
 VALUES `
	sqliteUpsertTail = ` ON CONFLICT(activity_id) DO UPDATE SET end_time=excluded.end_time, evaluation_status=excluded.evaluation_status`
)

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	cfg    Config
	closed atomic.Bool
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (*sqliteStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, cfg: cfg}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) FilterUnseen(ctx context.Context, items item.Set) (item.Set, error) {
	if len(items) == 0 {
		return item.Set{}, nil
	}
	if s.closed.Load() {
		return nil, opErr("filter", 0, ErrClosed)
	}
	uniq := items.Unique()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, opErr("filter", 0, err)
	}
	defer func() { _ = tx.Rollback() }()

	seen := make(map[string]struct{}, len(uniq))
	for i, chunk := range chunkIDs(uniq.IDs(), s.cfg.chunkSize()) {
		param, err := json.Marshal(chunk)
		if err != nil {
			return nil, opErr("filter", i+1, err)
		}
		s.cfg.observe("sqlite", "filter")
		if err := s.collectIDs(ctx, tx, string(param), seen); err != nil {
			return nil, opErr("filter", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, opErr("filter", 0, err)
	}
	return uniq.Without(seen), nil
}

func (s *sqliteStore) collectIDs(ctx context.Context, tx *sql.Tx, param string, into map[string]struct{}) error {
	rows, err := tx.QueryContext(ctx, sqliteFilter, param)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		into[id] = struct{}{}
	}
	return rows.Err()
}

func (s *sqliteStore) Record(ctx context.Context, items item.Set) error {
	if len(items) == 0 {
		return nil
	}
	if s.closed.Load() {
		return opErr("record", 0, ErrClosed)
	}
	entries := entriesOf(items.Unique())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return opErr("record", 0, err)
	}
	defer func() { _ = tx.Rollback() }()

	size := s.cfg.chunkSize()
	for i, start := 0, 0; start < len(entries); i, start = i+1, start+size {
		chunk := entries[start:min(start+size, len(entries))]
		q := sqliteUpsertHead + valuesList(len(chunk), insertColumns, false) + sqliteUpsertTail
		s.cfg.observe("sqlite", "record")
		if _, err := tx.ExecContext(ctx, q, rowArgs(chunk)...); err != nil {
			return opErr("record", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return opErr("record", 0, err)
	}
	return nil
}

func (s *sqliteStore) Purge(ctx context.Context) error {
	if s.closed.Load() {
		return opErr("purge", 0, ErrClosed)
	}
	s.cfg.observe("sqlite", "purge")
	_, err := s.db.ExecContext(ctx, `DELETE FROM activities`)
	return opErr("purge", 0, err)
}

func (s *sqliteStore) Cursor(ctx context.Context) (string, bool, error) {
	return s.State(ctx, CursorKey)
}

func (s *sqliteStore) SetCursor(ctx context.Context, token string) error {
	return s.SetState(ctx, CursorKey, token)
}

func (s *sqliteStore) State(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, opErr("state", 0, ErrClosed)
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, opErr("state", 0, err)
	}
	return v, true, nil
}

func (s *sqliteStore) SetState(ctx context.Context, key, value string) error {
	if s.closed.Load() {
		return opErr("set_state", 0, ErrClosed)
	}
	s.cfg.observe("sqlite", "set_state")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return opErr("set_state", 0, err)
}

func (s *sqliteStore) Count(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, opErr("count", 0, ErrClosed)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, opErr("count", 0, err)
	}
	return n, nil
}

// entry reads one row back; used by tests to check upsert semantics.
func (s *sqliteStore) entry(ctx context.Context, id string) (Entry, bool, error) {
	var (
		e                         Entry
		course, desc, start, seen sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT activity_id, activity_name, type, end_time, assignment_type, evaluation_status,
		        is_open_evaluation, course_info, description, start_time, first_seen_at
		   FROM activities WHERE activity_id = ?`, id,
	).Scan(&e.ActivityID, &e.ActivityName, &e.Type, &e.EndTime, &e.AssignmentType,
		&e.EvaluationStatus, &e.IsOpenEvaluation, &course, &desc, &start, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e.CourseInfo, e.Description, e.StartTime = course.String, desc.String, start.String
	return e, true, nil
}
