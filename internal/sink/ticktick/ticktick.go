// Package ticktick creates one TickTick (Dida365) task per new item.
//
// The sink is gated: until an access token has been obtained through the
// OAuth authorization-code flow it is skipped and a login link is announced.
package ticktick

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"ddlbot/internal/item"
	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

const (
	Name = "ticktick"

	TokenKey = "ticktick.access_token"
	StateKey = "ticktick.oauth_state"

	// DateLayout is the task date format TickTick expects.
	DateLayout = "2006-01-02T15:04:05-0700"

	defaultAuthURL  = "https://dida365.com/oauth/authorize"
	defaultTokenURL = "https://dida365.com/oauth/token"
	defaultAPIBase  = "https://dida365.com"
)

var (
	ErrStateMismatch = errors.New("ticktick: oauth state mismatch")
	ErrNoPendingAuth = errors.New("ticktick: no login in progress")
	ErrNotAuthorized = errors.New("ticktick: not authorized")
)

// StateStore persists the access token and the pending OAuth state.
type StateStore interface {
	State(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
}

type Options struct {
	ClientID     string
	ClientSecret string
	ProjectID    string
	RedirectURL  string

	AuthURL  string
	TokenURL string
	APIBase  string

	HTTPClient *http.Client
	Log        logx.Logger
}

type Sink struct {
	oauth     oauth2.Config
	projectID string
	apiBase   string
	store     StateStore
	client    *http.Client
	log       logx.Logger
}

var (
	_ sink.Sink = (*Sink)(nil)
	_ sink.Gate = (*Sink)(nil)
)

func New(store StateStore, opts Options) (*Sink, error) {
	if store == nil {
		return nil, errors.New("ticktick: state store is nil")
	}
	if strings.TrimSpace(opts.ClientID) == "" || strings.TrimSpace(opts.ClientSecret) == "" {
		return nil, errors.New("ticktick: client id and secret are required")
	}
	if strings.TrimSpace(opts.RedirectURL) == "" {
		return nil, errors.New("ticktick: redirect url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Sink{
		oauth: oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       []string{"tasks:write", "tasks:read"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   orDefault(opts.AuthURL, defaultAuthURL),
				TokenURL:  orDefault(opts.TokenURL, defaultTokenURL),
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		projectID: opts.ProjectID,
		apiBase:   strings.TrimRight(orDefault(opts.APIBase, defaultAPIBase), "/"),
		store:     store,
		client:    client,
		log:       opts.Log.With(logx.String("comp", "sink.ticktick")),
	}, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func (s *Sink) Name() string { return Name }

func (s *Sink) token(ctx context.Context) (string, error) {
	tok, ok, err := s.store.State(ctx, TokenKey)
	if err != nil {
		return "", err
	}
	if !ok || strings.TrimSpace(tok) == "" {
		return "", ErrNotAuthorized
	}
	return tok, nil
}

// Ready reports whether an access token is stored.
func (s *Sink) Ready(ctx context.Context) (bool, error) {
	_, err := s.token(ctx)
	if errors.Is(err, ErrNotAuthorized) {
		return false, nil
	}
	return err == nil, err
}

// LoginPrompt starts a new authorization: it stores a fresh state and returns
// the message carrying the authorization link.
func (s *Sink) LoginPrompt(ctx context.Context) (string, error) {
	link, err := s.AuthURL(ctx)
	if err != nil {
		return "", err
	}
	return "Log in to TickTick to sync assignments: " + link, nil
}

// AuthURL stores a fresh OAuth state and returns the provider's consent URL.
func (s *Sink) AuthURL(ctx context.Context) (string, error) {
	state := uuid.NewString()
	if err := s.store.SetState(ctx, StateKey, state); err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	return s.oauth.AuthCodeURL(state), nil
}

// Exchange completes the authorization-code flow. The state must match the
// one issued by the latest AuthURL call; it is consumed on success.
func (s *Sink) Exchange(ctx context.Context, code, state string) error {
	want, ok, err := s.store.State(ctx, StateKey)
	if err != nil {
		return err
	}
	if !ok || want == "" {
		return ErrNoPendingAuth
	}
	if state != want {
		return ErrStateMismatch
	}
	if strings.TrimSpace(code) == "" {
		return errors.New("ticktick: empty authorization code")
	}

	tok, err := s.oauth.Exchange(context.WithValue(ctx, oauth2.HTTPClient, s.client), code)
	if err != nil {
		return fmt.Errorf("ticktick: exchange: %w", err)
	}
	if err := s.store.SetState(ctx, TokenKey, tok.AccessToken); err != nil {
		return fmt.Errorf("store access token: %w", err)
	}
	if err := s.store.SetState(ctx, StateKey, ""); err != nil {
		s.log.Warn("clear oauth state failed", logx.Err(err))
	}
	s.log.Info("authorized")
	return nil
}

// Task is the create-task request body.
type Task struct {
	Title     string `json:"title"`
	ProjectID string `json:"projectId,omitempty"`
	StartDate string `json:"startDate,omitempty"`
	DueDate   string `json:"dueDate,omitempty"`
	Content   string `json:"content,omitempty"`
}

// TaskFor maps an item to a task. Unparseable times are left out rather than
// failing the item.
func TaskFor(it item.Item, projectID string) Task {
	t := Task{Title: it.ActivityName, ProjectID: projectID}
	if start, err := it.Start(); err == nil {
		t.StartDate = FormatDate(start)
	}
	if due, err := it.Due(); err == nil {
		t.DueDate = FormatDate(due)
	}
	t.Content = it.Description
	if ci := it.CourseInfo; ci != nil {
		t.Content = fmt.Sprintf("Course: %s\nTeacher: %s\n\n%s\n", ci.Name, ci.Teachers, it.Description)
	}
	return t
}

// FormatDate renders t in UTC+8 the way the task API expects.
func FormatDate(t time.Time) string { return t.In(item.Zone).Format(DateLayout) }

// Push creates one task per unseen item, in order. A 401 clears the stored
// token so the next run prompts for login again.
func (s *Sink) Push(ctx context.Context, b sink.Batch) error {
	if len(b.Unseen) == 0 {
		return nil
	}
	tok, err := s.token(ctx)
	if err != nil {
		return err
	}
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, s.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}))

	for _, it := range b.Unseen {
		if err := s.create(ctx, client, TaskFor(it, s.projectID)); err != nil {
			if errors.Is(err, ErrNotAuthorized) {
				if cerr := s.store.SetState(ctx, TokenKey, ""); cerr != nil {
					s.log.Warn("clear token failed", logx.Err(cerr))
				}
			}
			return fmt.Errorf("create task %s: %w", it.ActivityID, err)
		}
		s.log.Debug("task created", logx.String("activity_id", it.ActivityID))
	}
	return nil
}

func (s *Sink) create(ctx context.Context, client *http.Client, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+"/open/v1/task", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrNotAuthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
