// Package webhook reports the outstanding-item count to an HTTP endpoint on
// every run, e.g. a profile status line.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
	"time"

	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

const Name = "webhook"

type Options struct {
	Method  string
	URL     string
	Headers map[string]string
	// Payload holds static body fields.
	Payload map[string]any
	// Field receives the rendered Template. Defaults to "description".
	Field string
	// Template is a text/template over {Outstanding, Unseen}.
	Template string

	HTTPClient *http.Client
	Log        logx.Logger
}

type Sink struct {
	method  string
	url     string
	headers map[string]string
	payload map[string]any
	field   string
	tmpl    *template.Template
	client  *http.Client
	log     logx.Logger
}

var _ sink.Sink = (*Sink)(nil)

func New(opts Options) (*Sink, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("webhook: url is required")
	}
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodPost
	}
	field := strings.TrimSpace(opts.Field)
	if field == "" {
		field = "description"
	}
	text := opts.Template
	if strings.TrimSpace(text) == "" {
		text = "{{.Outstanding}} DDL"
	}
	tmpl, err := template.New("webhook").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("webhook: template: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sink{
		method:  method,
		url:     opts.URL,
		headers: opts.Headers,
		payload: opts.Payload,
		field:   field,
		tmpl:    tmpl,
		client:  client,
		log:     opts.Log.With(logx.String("comp", "sink.webhook")),
	}, nil
}

func (s *Sink) Name() string { return Name }

// view is the template data.
type view struct {
	Outstanding int
	Unseen      int
}

// Body renders the JSON request body for b.
func (s *Sink) Body(b sink.Batch) ([]byte, error) {
	var text bytes.Buffer
	if err := s.tmpl.Execute(&text, view{Outstanding: b.Outstanding, Unseen: len(b.Unseen)}); err != nil {
		return nil, err
	}
	body := make(map[string]any, len(s.payload)+1)
	for k, v := range s.payload {
		body[k] = v
	}
	body[s.field] = text.String()
	return json.Marshal(body)
}

// Push sends the status even when nothing is new, so the count stays current.
func (s *Sink) Push(ctx context.Context, b sink.Batch) error {
	body, err := s.Body(b)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	s.log.Debug("status pushed", logx.Int("outstanding", b.Outstanding), logx.Int("status", resp.StatusCode))
	return nil
}
