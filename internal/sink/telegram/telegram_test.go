package telegram

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"ddlbot/internal/item"
	"ddlbot/internal/sink"
	kit "ddlbot/internal/transport"
)

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		want   string
		images []string
	}{
		{name: "empty", in: "", want: ""},
		{name: "paragraphs", in: "<p>one</p><p>two</p>", want: "one\ntwo\n"},
		{name: "br", in: "a<br>b<br/>c", want: "a\nb\nc"},
		{name: "allowed kept", in: "<strong>x</strong> <i>y</i>", want: "<strong>x</strong> <i>y</i>"},
		{name: "disallowed dropped", in: `<div class="x"><span style="c">t</span></div>`, want: "t"},
		{name: "text escaped", in: "a &lt; b &amp; c", want: "a &lt; b &amp; c"},
		{name: "link keeps href", in: `<a href="https://x.test/?a=1&amp;b=2" target="_blank">go</a>`, want: `<a href="https://x.test/?a=1&amp;b=2">go</a>`},
		{name: "link without href", in: `<a name="x">go</a>`, want: "go"},
		{name: "unclosed closed", in: "<b>bold", want: "<b>bold</b>"},
		{name: "misnested", in: "<b><i>x</b>y</i>", want: "<b><i>x</i></b><i>y</i>"},
		{
			name:   "images extracted",
			in:     `<p>see<img src="https://img.test/1.png"> and <img src="https://img.test/2.png"/></p>`,
			want:   "see and \n",
			images: []string{"https://img.test/1.png", "https://img.test/2.png"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, imgs := Sanitize(tt.in)
			if got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if !reflect.DeepEqual(imgs, tt.images) {
				t.Fatalf("images = %v, want %v", imgs, tt.images)
			}
		})
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	late := true
	text, imgs := Render("Hdr", item.Item{
		ActivityID:     "a1",
		ActivityName:   "HW <1>",
		EndTime:        "2024-03-01 23:59:00",
		StartTime:      "2024-02-20 08:00",
		LateSubmission: &late,
		CourseInfo:     &item.CourseInfo{Name: "Algebra"},
		Description:    `<p>Do it</p><img src="u">`,
	})
	for _, want := range []string{
		"<b>Hdr</b>",
		"<b>Course</b>: Algebra",
		"<b>Assignment</b>: HW &lt;1&gt;",
		"<b>Start</b>: 2024-02-20 08:00",
		"<b>Due</b>: 2024-03-01 23:59:00",
		"<b>Late submission</b>: yes",
		"<b>Details</b>:\n\nDo it",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
	if !reflect.DeepEqual(imgs, []string{"u"}) {
		t.Fatalf("images = %v", imgs)
	}

	text, _ = Render("Hdr", item.Item{ActivityName: "x", EndTime: "e"})
	if strings.Contains(text, "Course") || strings.Contains(text, "Details") || strings.Contains(text, "Late") {
		t.Fatalf("optional fields rendered:\n%s", text)
	}
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	photos [][]string
	failOn int // 1-based call index; 0 never fails
	calls  int
}

func (f *fakeSender) next() error {
	f.calls++
	if f.failOn != 0 && f.calls == f.failOn {
		return errors.New("telegram down")
	}
	return nil
}

func (f *fakeSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return kit.MessageRef{}, err
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{MessageID: f.calls}, nil
}

func (f *fakeSender) SendPhotos(_ context.Context, _ kit.ChatTarget, urls []string, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.next(); err != nil {
		return kit.MessageRef{}, err
	}
	f.photos = append(f.photos, urls)
	f.texts = append(f.texts, caption)
	return kit.MessageRef{MessageID: f.calls}, nil
}

func TestPushOneMessagePerItemInOrder(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{}
	s, err := New(fs, Options{ChatID: 42})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Push(context.Background(), sink.Batch{Unseen: item.Set{
		{ActivityID: "a1", ActivityName: "first"},
		{ActivityID: "a2", ActivityName: "second", Description: `<img src="p">`},
	}})
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if len(fs.texts) != 2 || !strings.Contains(fs.texts[0], "first") || !strings.Contains(fs.texts[1], "second") {
		t.Fatalf("texts = %q", fs.texts)
	}
	if len(fs.photos) != 1 || fs.photos[0][0] != "p" {
		t.Fatalf("photos = %v", fs.photos)
	}
}

func TestPushStopsOnFailure(t *testing.T) {
	t.Parallel()

	fs := &fakeSender{failOn: 2}
	s, _ := New(fs, Options{ChatID: 42})
	err := s.Push(context.Background(), sink.Batch{Unseen: item.Set{{ActivityID: "a1"}, {ActivityID: "a2"}, {ActivityID: "a3"}}})
	if err == nil || !strings.Contains(err.Error(), "a2") {
		t.Fatalf("err = %v", err)
	}
	if fs.calls != 2 {
		t.Fatalf("calls = %d", fs.calls)
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, Options{ChatID: 1}); err == nil {
		t.Fatal("expected error for nil sender")
	}
	if _, err := New(&fakeSender{}, Options{}); err == nil {
		t.Fatal("expected error for missing chat id")
	}
}
