package ledger

import (
	"context"
	"sync"
	"time"

	"ddlbot/internal/item"
)

// Memory is a process-local Store. It chunks exactly like the SQL drivers and
// counts the statements it would have issued, which makes it useful in tests
// and dry runs.
type Memory struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]Entry
	state   map[string]string
	closed  bool

	queries    int
	statements int

	// FailOn, when set, is consulted before every statement; a non-nil
	// return fails that chunk.
	FailOn func(op string, chunk int) error
}

func NewMemory() *Memory { return newMemory(Config{}) }

// NewMemoryChunked returns a Memory store with a custom chunk size.
func NewMemoryChunked(size int) *Memory { return newMemory(Config{ChunkSize: size}) }

func newMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg, entries: map[string]Entry{}, state: map[string]string{}}
}

// Queries returns the number of read queries issued so far.
func (m *Memory) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// Statements returns the number of write statements issued so far.
func (m *Memory) Statements() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statements
}

// Entry returns the stored row for id.
func (m *Memory) Entry(id string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

func (m *Memory) fail(op string, chunk int) error {
	if m.FailOn == nil {
		return nil
	}
	return m.FailOn(op, chunk)
}

func (m *Memory) FilterUnseen(ctx context.Context, items item.Set) (item.Set, error) {
	if len(items) == 0 {
		return item.Set{}, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, opErr("filter", 0, ErrClosed)
	}
	uniq := items.Unique()
	seen := make(map[string]struct{})
	for i, chunk := range chunkIDs(uniq.IDs(), m.cfg.chunkSize()) {
		if err := ctx.Err(); err != nil {
			return nil, opErr("filter", i+1, err)
		}
		m.queries++
		m.cfg.observe("memory", "filter")
		if err := m.fail("filter", i+1); err != nil {
			return nil, opErr("filter", i+1, err)
		}
		for _, id := range chunk {
			if _, ok := m.entries[id]; ok {
				seen[id] = struct{}{}
			}
		}
	}
	return uniq.Without(seen), nil
}

// Record applies chunks into a staging copy so a failing chunk leaves the
// store unchanged, as a rolled-back transaction would.
func (m *Memory) Record(ctx context.Context, items item.Set) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return opErr("record", 0, ErrClosed)
	}
	entries := entriesOf(items.Unique())
	staged := make(map[string]Entry, len(entries))
	now := time.Now()

	size := m.cfg.chunkSize()
	for i, start := 0, 0; start < len(entries); i, start = i+1, start+size {
		if err := ctx.Err(); err != nil {
			return opErr("record", i+1, err)
		}
		m.statements++
		m.cfg.observe("memory", "record")
		if err := m.fail("record", i+1); err != nil {
			return opErr("record", i+1, err)
		}
		for _, e := range entries[start:min(start+size, len(entries))] {
			old, ok := m.entries[e.ActivityID]
			staged[e.ActivityID] = merge(old, ok, e, now)
		}
	}
	for id, e := range staged {
		m.entries[id] = e
	}
	return nil
}

func (m *Memory) Purge(ctx context.Context) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return opErr("purge", 0, ErrClosed)
	}
	m.statements++
	if err := m.fail("purge", 0); err != nil {
		return opErr("purge", 0, err)
	}
	m.entries = map[string]Entry{}
	return nil
}

func (m *Memory) Cursor(ctx context.Context) (string, bool, error) {
	return m.State(ctx, CursorKey)
}

func (m *Memory) SetCursor(ctx context.Context, token string) error {
	return m.SetState(ctx, CursorKey, token)
}

func (m *Memory) State(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, opErr("state", 0, ErrClosed)
	}
	v, ok := m.state[key]
	return v, ok, nil
}

func (m *Memory) SetState(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return opErr("set_state", 0, ErrClosed)
	}
	m.state[key] = value
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, opErr("count", 0, ErrClosed)
	}
	return len(m.entries), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
