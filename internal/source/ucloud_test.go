package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"
)

func ucloudServer(t *testing.T, list string, detail func(w http.ResponseWriter, id string)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/undoneList", func(w http.ResponseWriter, r *http.Request) {
		if u, p, ok := r.BasicAuth(); !ok || u != "stu" || p != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = fmt.Fprint(w, list)
	})
	mux.HandleFunc("/homework", func(w http.ResponseWriter, r *http.Request) {
		detail(w, r.URL.Query().Get("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestUCloud(t *testing.T, base string) *UCloud {
	t.Helper()
	u, err := NewUCloud(UCloudOptions{
		BaseURL:           base,
		Username:          "stu",
		Password:          "pw",
		DetailConcurrency: 3,
		DetailRate:        -1,
	})
	if err != nil {
		t.Fatalf("NewUCloud: %v", err)
	}
	return u
}

const threeItems = `{"siteNum":2,"undoneNum":3,"undoneList":[
 {"siteId":1,"siteName":"S","activityName":"first","activityId":"a1","type":4,"endTime":"2024-03-01 23:59:00","assignmentType":0,"evaluationStatus":0,"isOpenEvaluation":0,"courseInfo":{"id":"c1","name":"Algebra","teachers":"T"}},
 {"siteId":1,"siteName":"S","activityName":"second","activityId":"a2","type":4,"endTime":"2024-03-02 23:59:00","assignmentType":0,"evaluationStatus":0,"isOpenEvaluation":0,"courseInfo":null},
 {"siteId":2,"siteName":"S","activityName":"third","activityId":"a3","type":4,"endTime":"2024-03-03 23:59:00","assignmentType":0,"evaluationStatus":1,"isOpenEvaluation":0}
]}`

func TestUCloudFetchPreservesOrderAndEnriches(t *testing.T) {
	t.Parallel()

	delays := map[string]time.Duration{"a1": 30 * time.Millisecond, "a2": 0, "a3": 10 * time.Millisecond}
	srv := ucloudServer(t, threeItems, func(w http.ResponseWriter, id string) {
		time.Sleep(delays[id])
		overtime := 0
		if id == "a2" {
			overtime = 1
		}
		_, _ = fmt.Fprintf(w, `{"assignmentContent":"<p>%s</p>","assignmentBeginTime":"2024-02-20 08:00","isOvertimeCommit":%d}`, id, overtime)
	})

	got, err := newTestUCloud(t, srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if want := []string{"a1", "a2", "a3"}; !reflect.DeepEqual(got.IDs(), want) {
		t.Fatalf("ids=%v want %v", got.IDs(), want)
	}
	if got[0].Description != "<p>a1</p>" || got[0].StartTime != "2024-02-20 08:00" {
		t.Fatalf("detail not applied: %+v", got[0])
	}
	if got[0].LateSubmission == nil || !*got[0].LateSubmission {
		t.Fatalf("a1 should allow late submission")
	}
	if got[1].LateSubmission == nil || *got[1].LateSubmission {
		t.Fatalf("a2 should not allow late submission")
	}
	if got[0].CourseName() != "Algebra" || got[1].CourseInfo != nil {
		t.Fatalf("course info mismatch: %+v / %+v", got[0].CourseInfo, got[1].CourseInfo)
	}
}

func TestUCloudDetailFailureFailsFetch(t *testing.T) {
	t.Parallel()

	srv := ucloudServer(t, threeItems, func(w http.ResponseWriter, id string) {
		if id == "a2" {
			http.Error(w, "nope", http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprint(w, `{"assignmentContent":"","assignmentBeginTime":"","isOvertimeCommit":0}`)
	})

	got, err := newTestUCloud(t, srv.URL).Fetch(context.Background())
	if err == nil {
		t.Fatalf("expected error, got %d items", len(got))
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("want *UpstreamError, got %T: %v", err, err)
	}
	if ue.Op != "detail" || ue.ID != "a2" || ue.Status != http.StatusBadGateway {
		t.Fatalf("unexpected error fields: %+v", ue)
	}
}

func TestUCloudListErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		list   string
		status int
	}{
		{"bad json", `{"undoneList":[`, 0},
		{"missing id", `{"undoneList":[{"activityName":"x"}]}`, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var details atomic.Int32
			srv := ucloudServer(t, tc.list, func(w http.ResponseWriter, id string) { details.Add(1) })
			_, err := newTestUCloud(t, srv.URL).Fetch(context.Background())
			var ue *UpstreamError
			if !errors.As(err, &ue) || ue.Op != "list" {
				t.Fatalf("want list UpstreamError, got %v", err)
			}
			if details.Load() != 0 {
				t.Fatalf("detail called after list failure")
			}
		})
	}

	t.Run("unauthorized", func(t *testing.T) {
		srv := ucloudServer(t, threeItems, nil)
		u, err := NewUCloud(UCloudOptions{BaseURL: srv.URL, Username: "stu", Password: "wrong"})
		if err != nil {
			t.Fatal(err)
		}
		_, err = u.Fetch(context.Background())
		var ue *UpstreamError
		if !errors.As(err, &ue) || ue.Status != http.StatusUnauthorized {
			t.Fatalf("want 401 UpstreamError, got %v", err)
		}
	})
}

func TestUCloudEmptyList(t *testing.T) {
	t.Parallel()

	srv := ucloudServer(t, `{"siteNum":0,"undoneNum":0,"undoneList":[]}`, nil)
	got, err := newTestUCloud(t, srv.URL).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d items", len(got))
	}
}

func TestNewUCloudRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := NewUCloud(UCloudOptions{}); err == nil {
		t.Fatalf("expected error")
	}
}
