package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ddlbot/internal/item"
	logx "ddlbot/pkg/logx"
)

// fileStore is a dependency-free ledger backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes.
type fileStore struct {
	log logx.Logger
	cfg Config

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	entries map[string]Entry
	state   map[string]string

	writes       int
	compactEvery int
}

type fileSnapshot struct {
	Activities map[string]Entry  `json:"activities"`
	State      map[string]string `json:"state"`
}

// journalRecord is one line of the journal. Op is upsert, purge or state.
type journalRecord struct {
	Op    string `json:"op"`
	Entry *Entry `json:"entry,omitempty"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	snap := fileSnapshot{Activities: map[string]Entry{}, State: map[string]string{}}
	if err := loadSnapshot(snapPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, &snap); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	return &fileStore{
		log:          log,
		cfg:          cfg,
		snapshotPath: snapPath,
		journal:      jf,
		entries:      snap.Activities,
		state:        snap.State,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) FilterUnseen(ctx context.Context, items item.Set) (item.Set, error) {
	_ = ctx
	if len(items) == 0 {
		return item.Set{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, opErr("filter", 0, ErrClosed)
	}
	uniq := items.Unique()
	seen := make(map[string]struct{})
	for _, chunk := range chunkIDs(uniq.IDs(), s.cfg.chunkSize()) {
		s.cfg.observe("file", "filter")
		for _, id := range chunk {
			if _, ok := s.entries[id]; ok {
				seen[id] = struct{}{}
			}
		}
	}
	return uniq.Without(seen), nil
}

func (s *fileStore) Record(ctx context.Context, items item.Set) error {
	_ = ctx
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return opErr("record", 0, ErrClosed)
	}
	now := time.Now()
	enc := json.NewEncoder(s.journal)
	for i, it := range items.Unique() {
		old, ok := s.entries[it.ActivityID]
		e := merge(old, ok, entryOf(it), now)
		if err := enc.Encode(journalRecord{Op: "upsert", Entry: &e}); err != nil {
			return opErr("record", i/s.cfg.chunkSize()+1, err)
		}
		s.entries[e.ActivityID] = e
		s.cfg.observe("file", "record")
		s.wroteLocked()
	}
	return nil
}

func (s *fileStore) Purge(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return opErr("purge", 0, ErrClosed)
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: "purge"}); err != nil {
		return opErr("purge", 0, err)
	}
	s.entries = map[string]Entry{}
	s.cfg.observe("file", "purge")
	s.wroteLocked()
	return nil
}

func (s *fileStore) Cursor(ctx context.Context) (string, bool, error) {
	return s.State(ctx, CursorKey)
}

func (s *fileStore) SetCursor(ctx context.Context, token string) error {
	return s.SetState(ctx, CursorKey, token)
}

func (s *fileStore) State(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return "", false, opErr("state", 0, ErrClosed)
	}
	v, ok := s.state[key]
	return v, ok, nil
}

func (s *fileStore) SetState(ctx context.Context, key, value string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return opErr("set_state", 0, ErrClosed)
	}
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Op: "state", Key: key, Value: value}); err != nil {
		return opErr("set_state", 0, err)
	}
	s.state[key] = value
	s.cfg.observe("file", "set_state")
	s.wroteLocked()
	return nil
}

func (s *fileStore) Count(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, opErr("count", 0, ErrClosed)
	}
	return len(s.entries), nil
}

func (s *fileStore) wroteLocked() {
	s.writes++
	if s.writes%s.compactEvery != 0 {
		return
	}
	// Best-effort compact.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("ledger compact failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(fileSnapshot{Activities: s.entries, State: s.state}); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for k, v := range snap.Activities {
		out.Activities[k] = v
	}
	for k, v := range snap.State {
		out.State[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		switch r.Op {
		case "upsert":
			if r.Entry != nil && r.Entry.ActivityID != "" {
				out.Activities[r.Entry.ActivityID] = *r.Entry
			}
		case "purge":
			out.Activities = map[string]Entry{}
		case "state":
			out.State[r.Key] = r.Value
		}
	}
	return sc.Err()
}
