package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ddlbot/internal/item"
)

// DefaultChunkSize bounds the number of ids per query and rows per upsert.
const DefaultChunkSize = 100

// CursorKey is the state slot used by Cursor/SetCursor.
const CursorKey = "cursor"

var ErrClosed = errors.New("ledger closed")

// Store is the persistent dedup ledger.
//
// FilterUnseen and Record never issue a statement for an empty input. Both
// collapse repeated ids (first occurrence wins) and split the remaining ids
// into chunks of at most ChunkSize.
type Store interface {
	// FilterUnseen returns the items whose id has never been recorded, in input order.
	FilterUnseen(ctx context.Context, items item.Set) (item.Set, error)
	// Record upserts every item. Only end_time and evaluation_status are
	// refreshed for ids already present.
	Record(ctx context.Context, items item.Set) error
	// Purge deletes every ledger entry. State slots are kept.
	Purge(ctx context.Context) error

	Cursor(ctx context.Context) (string, bool, error)
	SetCursor(ctx context.Context, token string) error

	State(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error

	Count(ctx context.Context) (int, error)
	Close() error
}

// Config configures the ledger backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
//   - "file": dependency-free jsonl journal + snapshot
//   - "memory": process-local, lost on exit
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	ChunkSize    int
	CompactEvery int // file only; 0 means default

	// Observe, when set, is called once per statement sent to the backend.
	Observe func(driver, op string)
}

func (c Config) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}

func (c Config) observe(driver, op string) {
	if c.Observe != nil {
		c.Observe(driver, op)
	}
}

// Error reports a failed ledger operation. Chunk is the 1-based chunk index,
// or 0 when the failure is not tied to a chunk.
type Error struct {
	Op    string
	Chunk int
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Chunk > 0 {
		return fmt.Sprintf("ledger %s (chunk %d): %v", e.Op, e.Chunk, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op string, chunk int, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Op: op, Chunk: chunk, Err: err}
}

// Entry is the persisted row of one item.
type Entry struct {
	ActivityID       string `json:"activity_id"`
	ActivityName     string `json:"activity_name"`
	Type             int    `json:"type"`
	EndTime          string `json:"end_time"`
	AssignmentType   int    `json:"assignment_type"`
	EvaluationStatus int    `json:"evaluation_status"`
	IsOpenEvaluation int    `json:"is_open_evaluation"`
	CourseInfo       string `json:"course_info,omitempty"`
	Description      string `json:"description,omitempty"`
	StartTime        string `json:"start_time,omitempty"`
	FirstSeenAt      int64  `json:"first_seen_at"`
}

func entryOf(it item.Item) Entry {
	return Entry{
		ActivityID:       it.ActivityID,
		ActivityName:     it.ActivityName,
		Type:             it.Type,
		EndTime:          it.EndTime,
		AssignmentType:   it.AssignmentType,
		EvaluationStatus: it.EvaluationStatus,
		IsOpenEvaluation: it.IsOpenEvaluation,
		CourseInfo:       courseJSON(it.CourseInfo),
		Description:      it.Description,
		StartTime:        it.StartTime,
	}
}

// merge applies the upsert rule: an existing entry only takes the refreshed fields.
func merge(old Entry, ok bool, next Entry, now time.Time) Entry {
	if !ok {
		next.FirstSeenAt = now.UnixMilli()
		return next
	}
	old.EndTime = next.EndTime
	old.EvaluationStatus = next.EvaluationStatus
	return old
}
