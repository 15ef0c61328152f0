package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"ddlbot/internal/item"
	logx "ddlbot/pkg/logx"
)

type UCloudOptions struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
	Timeout    time.Duration

	// DetailConcurrency bounds concurrent detail lookups (default 4).
	DetailConcurrency int
	// DetailRate is the sustained detail request rate per second (default 5).
	// Negative disables throttling.
	DetailRate  float64
	DetailBurst int

	Log logx.Logger
}

// UCloud reads the undone list and enriches every item with its detail page.
// A failing detail lookup fails the whole fetch.
type UCloud struct {
	base     string
	user     string
	pass     string
	client   *http.Client
	parallel int
	limiter  *rate.Limiter
	log      logx.Logger
}

func NewUCloud(opts UCloudOptions) (*UCloud, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("ucloud: base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("ucloud: base url: %w", err)
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	parallel := opts.DetailConcurrency
	if parallel <= 0 {
		parallel = 4
	}
	var lim *rate.Limiter
	switch {
	case opts.DetailRate < 0:
	case opts.DetailRate == 0:
		lim = rate.NewLimiter(rate.Limit(5), max(opts.DetailBurst, 1))
	default:
		lim = rate.NewLimiter(rate.Limit(opts.DetailRate), max(opts.DetailBurst, 1))
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UCloud{
		base:     base,
		user:     opts.Username,
		pass:     opts.Password,
		client:   client,
		parallel: parallel,
		limiter:  lim,
		log:      log.With(logx.String("comp", "ucloud")),
	}, nil
}

type undoneList struct {
	SiteNum    int          `json:"siteNum"`
	UndoneNum  int          `json:"undoneNum"`
	UndoneList []undoneItem `json:"undoneList"`
}

type undoneItem struct {
	SiteID           int              `json:"siteId"`
	SiteName         string           `json:"siteName"`
	ActivityName     string           `json:"activityName"`
	ActivityID       *string          `json:"activityId"`
	Type             int              `json:"type"`
	EndTime          string           `json:"endTime"`
	AssignmentType   int              `json:"assignmentType"`
	EvaluationStatus int              `json:"evaluationStatus"`
	IsOpenEvaluation int              `json:"isOpenEvaluation"`
	CourseInfo       *item.CourseInfo `json:"courseInfo"`
}

type homework struct {
	AssignmentContent   string `json:"assignmentContent"`
	AssignmentBeginTime string `json:"assignmentBeginTime"`
	IsOvertimeCommit    int    `json:"isOvertimeCommit"`
}

func (u *UCloud) Fetch(ctx context.Context) (item.Set, error) {
	var list undoneList
	if err := u.getJSON(ctx, "/undoneList", nil, &list); err != nil {
		return nil, withOp(err, "list", "")
	}

	items := make(item.Set, len(list.UndoneList))
	for i, raw := range list.UndoneList {
		if raw.ActivityID == nil || strings.TrimSpace(*raw.ActivityID) == "" {
			return nil, &UpstreamError{Op: "list", Err: fmt.Errorf("entry %d has no activityId", i)}
		}
		items[i] = item.Item{
			ActivityID:       *raw.ActivityID,
			ActivityName:     raw.ActivityName,
			SiteID:           raw.SiteID,
			SiteName:         raw.SiteName,
			Type:             raw.Type,
			EndTime:          raw.EndTime,
			AssignmentType:   raw.AssignmentType,
			EvaluationStatus: raw.EvaluationStatus,
			IsOpenEvaluation: raw.IsOpenEvaluation,
			CourseInfo:       raw.CourseInfo,
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.parallel)
	for i := range items {
		i := i
		g.Go(func() error {
			return u.enrich(gctx, &items[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	u.log.Debug("fetched undone list",
		logx.Int("items", len(items)),
		logx.Int("undone_num", list.UndoneNum),
		logx.Int("site_num", list.SiteNum),
	)
	return items, nil
}

// enrich writes the detail fields into it in place; each goroutine owns one index.
func (u *UCloud) enrich(ctx context.Context, it *item.Item) error {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return &UpstreamError{Op: "detail", ID: it.ActivityID, Err: err}
		}
	}
	var hw homework
	q := url.Values{"id": {it.ActivityID}}
	if err := u.getJSON(ctx, "/homework", q, &hw); err != nil {
		return withOp(err, "detail", it.ActivityID)
	}
	late := hw.IsOvertimeCommit == 0
	it.Description = hw.AssignmentContent
	it.StartTime = hw.AssignmentBeginTime
	it.LateSubmission = &late
	return nil
}

func (u *UCloud) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	target := u.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &UpstreamError{Err: err}
	}
	req.SetBasicAuth(u.user, u.pass)
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet)))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

func withOp(err error, op, id string) error {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		ue.Op, ue.ID = op, id
		return ue
	}
	return &UpstreamError{Op: op, ID: id, Err: err}
}
