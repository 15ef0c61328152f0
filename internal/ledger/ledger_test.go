package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ddlbot/internal/item"
	logx "ddlbot/pkg/logx"
)

type counter struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *counter) observe(_, op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[op]++
}

func (c *counter) get(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[op]
}

type driverCase struct {
	name string
	open func(t *testing.T, cfg Config) Store
}

func drivers() []driverCase {
	return []driverCase{
		{"memory", func(t *testing.T, cfg Config) Store { return newMemory(cfg) }},
		{"sqlite", func(t *testing.T, cfg Config) Store {
			cfg.Driver = "sqlite"
			cfg.Path = filepath.Join(t.TempDir(), "ledger.db")
			st, err := Open(context.Background(), cfg, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
		{"file", func(t *testing.T, cfg Config) Store {
			cfg.Driver = "file"
			cfg.Path = filepath.Join(t.TempDir(), "ledger.json")
			st, err := Open(context.Background(), cfg, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
	}
}

func mkItems(prefix string, n int) item.Set {
	out := make(item.Set, n)
	for i := range out {
		out[i] = item.Item{
			ActivityID:   fmt.Sprintf("%s%d", prefix, i),
			ActivityName: fmt.Sprintf("hw %d", i),
			EndTime:      "2024-03-01 23:59:00",
			CourseInfo:   &item.CourseInfo{Name: "Course"},
		}
	}
	return out
}

func TestFilterUnseenEmptyIssuesNoQuery(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			var c counter
			st := d.open(t, Config{Observe: c.observe})

			got, err := st.FilterUnseen(context.Background(), nil)
			require.NoError(t, err)
			require.Empty(t, got)
			require.NoError(t, st.Record(context.Background(), item.Set{}))
			require.Zero(t, c.get("filter"))
			require.Zero(t, c.get("record"))
		})
	}
}

func TestRecordThenFilterReturnsOnlyNew(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, Config{})

			a := mkItems("a", 3)
			b := mkItems("b", 2)
			require.NoError(t, st.Record(ctx, a))

			all := append(append(item.Set{}, b[0]), a...)
			all = append(all, b[1])
			got, err := st.FilterUnseen(ctx, all)
			require.NoError(t, err)
			require.Equal(t, []string{"b0", "b1"}, got.IDs())

			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 3, n)
		})
	}
}

func TestRecordIsIdempotentAndRefreshesMutableFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	first := item.Item{ActivityID: "x", ActivityName: "orig", EndTime: "2024-03-01 23:59:00", EvaluationStatus: 0}
	second := first
	second.ActivityName = "renamed"
	second.EndTime = "2024-03-08 23:59:00"
	second.EvaluationStatus = 2

	check := func(t *testing.T, e Entry) {
		require.Equal(t, "orig", e.ActivityName)
		require.Equal(t, "2024-03-08 23:59:00", e.EndTime)
		require.Equal(t, 2, e.EvaluationStatus)
	}

	t.Run("memory", func(t *testing.T) {
		st := NewMemory()
		require.NoError(t, st.Record(ctx, item.Set{first}))
		require.NoError(t, st.Record(ctx, item.Set{first}))
		require.NoError(t, st.Record(ctx, item.Set{second}))
		e, ok := st.Entry("x")
		require.True(t, ok)
		check(t, e)
		n, _ := st.Count(ctx)
		require.Equal(t, 1, n)
	})

	t.Run("sqlite", func(t *testing.T) {
		st, err := openSQLite(ctx, Config{Path: filepath.Join(t.TempDir(), "l.db")}, logx.Nop())
		require.NoError(t, err)
		defer st.Close()
		require.NoError(t, st.Record(ctx, item.Set{first}))
		require.NoError(t, st.Record(ctx, item.Set{first}))
		require.NoError(t, st.Record(ctx, item.Set{second}))
		e, ok, err := st.entry(ctx, "x")
		require.NoError(t, err)
		require.True(t, ok)
		check(t, e)
		n, _ := st.Count(ctx)
		require.Equal(t, 1, n)
	})
}

func TestChunkingMatchesUnchunked(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			var c counter
			chunked := d.open(t, Config{ChunkSize: 100, Observe: c.observe})
			whole := d.open(t, Config{ChunkSize: 1000})

			all := mkItems("i", 250)
			seen := all[:120]
			require.NoError(t, chunked.Record(ctx, seen))
			require.NoError(t, whole.Record(ctx, seen))
			if d.name != "file" {
				require.Equal(t, 2, c.get("record"))
			}

			got1, err := chunked.FilterUnseen(ctx, all)
			require.NoError(t, err)
			got2, err := whole.FilterUnseen(ctx, all)
			require.NoError(t, err)

			require.Equal(t, 3, c.get("filter"))
			require.Equal(t, got2.IDs(), got1.IDs())
			require.Len(t, got1, 130)
			require.Equal(t, "i120", got1[0].ActivityID)
		})
	}
}

func TestDuplicateIDsCollapsed(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, Config{ChunkSize: 2})

			in := item.Set{{ActivityID: "a", EndTime: "x"}, {ActivityID: "b", EndTime: "x"}, {ActivityID: "a", EndTime: "y"}}
			got, err := st.FilterUnseen(ctx, in)
			require.NoError(t, err)
			require.Equal(t, []string{"a", "b"}, got.IDs())

			require.NoError(t, st.Record(ctx, in))
			n, err := st.Count(ctx)
			require.NoError(t, err)
			require.Equal(t, 2, n)
		})
	}
}

func TestPurgeKeepsState(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			ctx := context.Background()
			st := d.open(t, Config{})

			require.NoError(t, st.Record(ctx, mkItems("a", 2)))
			require.NoError(t, st.SetCursor(ctx, "c1"))
			require.NoError(t, st.SetCursor(ctx, "c2"))
			require.NoError(t, st.Purge(ctx))

			got, err := st.FilterUnseen(ctx, mkItems("a", 2))
			require.NoError(t, err)
			require.Len(t, got, 2)

			cur, ok, err := st.Cursor(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "c2", cur)

			_, ok, err = st.State(ctx, "missing")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestFailingChunkAbortsRecord(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("boom")

	st := NewMemoryChunked(100)
	st.FailOn = func(op string, chunk int) error {
		if op == "record" && chunk == 2 {
			return boom
		}
		return nil
	}
	err := st.Record(ctx, mkItems("i", 250))
	require.ErrorIs(t, err, boom)

	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, "record", le.Op)
	require.Equal(t, 2, le.Chunk)

	n, _ := st.Count(ctx)
	require.Zero(t, n, "failed record must not leave partial chunks")
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			st := d.open(t, Config{})
			require.NoError(t, st.Close())
			_, err := st.FilterUnseen(context.Background(), mkItems("a", 1))
			require.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestFileStoreSurvivesReopenAndCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	st, err := openFile(Config{Path: path, CompactEvery: 3}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Record(ctx, mkItems("a", 4)))
	require.NoError(t, st.SetState(ctx, "k", "v"))
	require.NoError(t, st.Purge(ctx))
	require.NoError(t, st.Record(ctx, mkItems("b", 1)))
	require.NoError(t, st.Close())

	st2, err := openFile(Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st2.Close()

	n, err := st2.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	v, ok, err := st2.State(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop())
	require.Error(t, err)
}

func TestValuesList(t *testing.T) {
	t.Parallel()
	require.Equal(t, "(?,?),(?,?)", valuesList(2, 2, false))
	require.Equal(t, "($1,$2,$3),($4,$5,$6)", valuesList(2, 3, true))
}
