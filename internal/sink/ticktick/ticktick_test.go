package ticktick

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"ddlbot/internal/item"
	"ddlbot/internal/ledger"
	"ddlbot/internal/sink"
)

func TestFormatDate(t *testing.T) {
	t.Parallel()

	it := item.Item{StartTime: "2024-02-20 08:00", EndTime: "2024-03-01 23:59:00"}
	task := TaskFor(it, "p1")
	if task.StartDate != "2024-02-20T08:00:00+0800" {
		t.Fatalf("StartDate = %q", task.StartDate)
	}
	if task.DueDate != "2024-03-01T23:59:00+0800" {
		t.Fatalf("DueDate = %q", task.DueDate)
	}

	bad := TaskFor(item.Item{ActivityName: "x", EndTime: "soon"}, "")
	if bad.StartDate != "" || bad.DueDate != "" {
		t.Fatalf("unparseable dates should be omitted: %+v", bad)
	}
}

func TestTaskContent(t *testing.T) {
	t.Parallel()

	withCourse := TaskFor(item.Item{
		Description: "read ch.3",
		CourseInfo:  &item.CourseInfo{Name: "Algebra", Teachers: "Dr. X"},
	}, "")
	if withCourse.Content != "Course: Algebra\nTeacher: Dr. X\n\nread ch.3\n" {
		t.Fatalf("content = %q", withCourse.Content)
	}
	if got := TaskFor(item.Item{Description: "plain"}, "").Content; got != "plain" {
		t.Fatalf("content = %q", got)
	}
}

type tickServer struct {
	mu    sync.Mutex
	tasks []Task
	auth  []string
	code  int
}

func newTickServer(t *testing.T) (*tickServer, *httptest.Server) {
	t.Helper()
	ts := &tickServer{code: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = r.ParseForm()
		if r.Form.Get("code") != "the-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer"}`))
	})
	mux.HandleFunc("/open/v1/task", func(w http.ResponseWriter, r *http.Request) {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		ts.auth = append(ts.auth, r.Header.Get("Authorization"))
		if ts.code != http.StatusOK {
			w.WriteHeader(ts.code)
			return
		}
		var task Task
		_ = json.NewDecoder(r.Body).Decode(&task)
		ts.tasks = append(ts.tasks, task)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return ts, srv
}

func newSink(t *testing.T, base string, store StateStore) *Sink {
	t.Helper()
	s, err := New(store, Options{
		ClientID:     "cid",
		ClientSecret: "secret",
		ProjectID:    "inbox",
		RedirectURL:  "https://bot.test/auth",
		AuthURL:      base + "/oauth/authorize",
		TokenURL:     base + "/oauth/token",
		APIBase:      base,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestLoginFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, srv := newTickServer(t)
	store := ledger.NewMemory()
	s := newSink(t, srv.URL, store)

	ready, err := s.Ready(ctx)
	if err != nil || ready {
		t.Fatalf("Ready = %v, %v before login", ready, err)
	}

	if err := s.Exchange(ctx, "the-code", "anything"); !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("Exchange without login: %v", err)
	}

	link, err := s.AuthURL(ctx)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	state := q.Get("state")
	if state == "" || q.Get("client_id") != "cid" || q.Get("response_type") != "code" ||
		q.Get("redirect_uri") != "https://bot.test/auth" || !strings.Contains(q.Get("scope"), "tasks:write") {
		t.Fatalf("unexpected auth url: %s", link)
	}

	if err := s.Exchange(ctx, "the-code", "forged"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("Exchange with wrong state: %v", err)
	}
	if err := s.Exchange(ctx, "the-code", state); err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	ready, err = s.Ready(ctx)
	if err != nil || !ready {
		t.Fatalf("Ready = %v, %v after login", ready, err)
	}
	// State is single use.
	if err := s.Exchange(ctx, "the-code", state); !errors.Is(err, ErrNoPendingAuth) {
		t.Fatalf("reused state: %v", err)
	}
}

func TestPushCreatesTasksWithBearer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts, srv := newTickServer(t)
	store := ledger.NewMemory()
	_ = store.SetState(ctx, TokenKey, "tok-9")
	s := newSink(t, srv.URL, store)

	err := s.Push(ctx, sink.Batch{Unseen: item.Set{
		{ActivityID: "a1", ActivityName: "first", EndTime: "2024-03-01 23:59:00"},
		{ActivityID: "a2", ActivityName: "second", EndTime: "2024-03-02 23:59:00"},
	}})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(ts.tasks) != 2 || ts.tasks[0].Title != "first" || ts.tasks[1].ProjectID != "inbox" {
		t.Fatalf("tasks = %+v", ts.tasks)
	}
	if ts.auth[0] != "Bearer tok-9" {
		t.Fatalf("Authorization = %q", ts.auth[0])
	}
}

func TestPushUnauthorizedClearsToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ts, srv := newTickServer(t)
	ts.code = http.StatusUnauthorized
	store := ledger.NewMemory()
	_ = store.SetState(ctx, TokenKey, "expired")
	s := newSink(t, srv.URL, store)

	err := s.Push(ctx, sink.Batch{Unseen: item.Set{{ActivityID: "a1", ActivityName: "x"}}})
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("Push err = %v", err)
	}
	if ready, _ := s.Ready(ctx); ready {
		t.Fatal("token should have been cleared")
	}
}

func TestPushEmptyBatchNeedsNoToken(t *testing.T) {
	t.Parallel()
	s := newSink(t, "http://unused.invalid", ledger.NewMemory())
	if err := s.Push(context.Background(), sink.Batch{Outstanding: 3}); err != nil {
		t.Fatalf("Push: %v", err)
	}
}
