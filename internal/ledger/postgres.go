package ledger

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"ddlbot/internal/item"
	logx "ddlbot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_postgres.sql
var postgresSchema string

const (
	pgFilter = `SELECT activity_id FROM activities WHERE activity_id = ANY($1)`

	pgUpsertHead = `INSERT INTO activities
 (activity_id, activity_name, type, end_time, assignment_type, evaluation_status, is_open_evaluation, course_info, description, start_time)
 VALUES `
	pgUpsertTail = ` ON CONFLICT (activity_id) DO UPDATE SET end_time = EXCLUDED.end_time, evaluation_status = EXCLUDED.evaluation_status`
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	cfg  Config
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (*postgresStore, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return newPostgres(pool, cfg, log), nil
}

func newPostgres(pool *pgxpool.Pool, cfg Config, log logx.Logger) *postgresStore {
	return &postgresStore{pool: pool, log: log, cfg: cfg}
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// FilterUnseen sends one query per chunk as a single batch inside a transaction.
func (s *postgresStore) FilterUnseen(ctx context.Context, items item.Set) (out item.Set, err error) {
	if len(items) == 0 {
		return item.Set{}, nil
	}
	uniq := items.Unique()
	chunks := chunkIDs(uniq.IDs(), s.cfg.chunkSize())

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, opErr("filter", 0, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		batch.Queue(pgFilter, chunk)
		s.cfg.observe("postgres", "filter")
	}
	br := tx.SendBatch(ctx, batch)

	seen := make(map[string]struct{}, len(uniq))
	for i := range chunks {
		rows, qerr := br.Query()
		if qerr != nil {
			_ = br.Close()
			return nil, opErr("filter", i+1, qerr)
		}
		ids, cerr := pgx.CollectRows(rows, pgx.RowTo[string])
		if cerr != nil {
			_ = br.Close()
			return nil, opErr("filter", i+1, cerr)
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	if err = br.Close(); err != nil {
		return nil, opErr("filter", 0, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, opErr("filter", 0, err)
	}
	return uniq.Without(seen), nil
}

// Record queues one multi-row upsert per chunk and sends them as a single batch.
func (s *postgresStore) Record(ctx context.Context, items item.Set) (err error) {
	if len(items) == 0 {
		return nil
	}
	entries := entriesOf(items.Unique())

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return opErr("record", 0, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	size := s.cfg.chunkSize()
	batch := &pgx.Batch{}
	n := 0
	for start := 0; start < len(entries); start += size {
		chunk := entries[start:min(start+size, len(entries))]
		batch.Queue(pgUpsertHead+valuesList(len(chunk), insertColumns, true)+pgUpsertTail, rowArgs(chunk)...)
		s.cfg.observe("postgres", "record")
		n++
	}
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < n; i++ {
		if _, xerr := br.Exec(); xerr != nil {
			_ = br.Close()
			return opErr("record", i+1, xerr)
		}
	}
	if err = br.Close(); err != nil {
		return opErr("record", 0, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return opErr("record", 0, err)
	}
	return nil
}

func (s *postgresStore) Purge(ctx context.Context) error {
	s.cfg.observe("postgres", "purge")
	_, err := s.pool.Exec(ctx, `DELETE FROM activities`)
	return opErr("purge", 0, err)
}

func (s *postgresStore) Cursor(ctx context.Context) (string, bool, error) {
	return s.State(ctx, CursorKey)
}

func (s *postgresStore) SetCursor(ctx context.Context, token string) error {
	return s.SetState(ctx, CursorKey, token)
}

func (s *postgresStore) State(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM state WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, opErr("state", 0, err)
	}
	return v, true, nil
}

func (s *postgresStore) SetState(ctx context.Context, key, value string) error {
	s.cfg.observe("postgres", "set_state")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO state(key, value) VALUES($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	return opErr("set_state", 0, err)
}

func (s *postgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n); err != nil {
		return 0, opErr("count", 0, err)
	}
	return n, nil
}
