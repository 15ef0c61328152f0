// Package pusher runs one fetch, filter, deliver, record cycle at a time.
package pusher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ddlbot/internal/delivery"
	"ddlbot/internal/ledger"
	"ddlbot/internal/observability"
	"ddlbot/internal/sink"
	"ddlbot/internal/source"
	logx "ddlbot/pkg/logx"
)

// Step names the stage a run failed in.
type Step string

const (
	StepFetch   Step = "fetch"
	StepFilter  Step = "filter"
	StepDeliver Step = "deliver"
	StepRecord  Step = "record"
)

type Outcome string

const (
	Success Outcome = "success"
	// Partial means some sinks failed but the items were recorded.
	Partial Outcome = "partial"
	Failed  Outcome = "failed"
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerStartup  Trigger = "startup"
	TriggerHTTP     Trigger = "http"
	TriggerTelegram Trigger = "telegram"
	TriggerCLI      Trigger = "cli"
)

// ErrBusy is returned when a run or purge is already in flight.
var ErrBusy = errors.New("a run is already in progress")

// RunError is a run that stopped at Step.
type RunError struct {
	Step Step
	Err  error
}

func (e *RunError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Report describes one run.
type Report struct {
	RunID      string            `json:"run_id"`
	Trigger    Trigger           `json:"trigger"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Fetched    int               `json:"fetched"`
	Unseen     []string          `json:"unseen"`
	Sinks      []SinkReport      `json:"sinks,omitempty"`
	Recorded   bool              `json:"recorded"`
	Outcome    Outcome           `json:"outcome"`
	Step       Step              `json:"step,omitempty"`
	Error      string            `json:"error,omitempty"`
	Results    []delivery.Result `json:"-"`
}

type SinkReport struct {
	Name   string          `json:"name"`
	Status delivery.Status `json:"status"`
	Error  string          `json:"error,omitempty"`
	TookMS int64           `json:"took_ms"`
}

func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

type Options struct {
	Source source.Source
	Ledger ledger.Store
	Sinks  []sink.Sink
	// Parallel delivers to all sinks concurrently.
	Parallel  bool
	Announcer sink.Announcer
	Log       logx.Logger
	Now       func() time.Time
}

type Pusher struct {
	src       source.Source
	store     ledger.Store
	announcer sink.Announcer
	parallel  atomic.Bool
	log       logx.Logger
	now       func() time.Time

	// run serializes Run and Purge; TryLock turns overlap into ErrBusy.
	run sync.Mutex

	mu    sync.RWMutex
	sinks []sink.Sink
	last  *Report
}

func New(opts Options) (*Pusher, error) {
	if opts.Source == nil {
		return nil, errors.New("pusher: source is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("pusher: ledger is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	p := &Pusher{
		src:       opts.Source,
		store:     opts.Ledger,
		announcer: opts.Announcer,
		sinks:     append([]sink.Sink(nil), opts.Sinks...),
		log:       opts.Log.With(logx.String("comp", "pusher")),
		now:       now,
	}
	p.parallel.Store(opts.Parallel)
	return p, nil
}

// SetParallel switches the delivery mode; it takes effect on the next run.
func (p *Pusher) SetParallel(on bool) { p.parallel.Store(on) }

// Sinks returns the configured sinks in delivery order.
func (p *Pusher) Sinks() []sink.Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]sink.Sink(nil), p.sinks...)
}

// Last returns the most recent finished report.
func (p *Pusher) Last() (Report, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return Report{}, false
	}
	return *p.last, true
}

// Run executes one cycle. The report is returned even when err is non-nil;
// err is ErrBusy or a *RunError.
func (p *Pusher) Run(ctx context.Context, trigger Trigger) (Report, error) {
	if !p.run.TryLock() {
		observability.RecordRun(string(trigger), "busy", 0)
		return Report{Trigger: trigger}, ErrBusy
	}
	defer p.run.Unlock()

	rep := Report{
		RunID:     uuid.NewString(),
		Trigger:   trigger,
		StartedAt: p.now(),
	}
	log := p.log.With(logx.String("run", rep.RunID), logx.String("trigger", string(trigger)))
	log.Debug("run started")

	err := p.cycle(ctx, &rep, log)

	rep.FinishedAt = p.now()
	var re *RunError
	switch {
	case errors.As(err, &re):
		rep.Outcome, rep.Step, rep.Error = Failed, re.Step, re.Err.Error()
		observability.RecordRunFailure(string(re.Step))
		log.Error("run failed", logx.String("step", string(re.Step)), logx.Err(re.Err), logx.Duration("dur", rep.Duration()))
	case hasFailed(rep.Results):
		rep.Outcome = Partial
		log.Warn("run finished with sink failures",
			logx.Int("fetched", rep.Fetched), logx.Int("unseen", len(rep.Unseen)),
			logx.Err(delivery.Errors(rep.Results)), logx.Duration("dur", rep.Duration()))
	default:
		rep.Outcome = Success
		log.Info("run finished", logx.Int("fetched", rep.Fetched), logx.Int("unseen", len(rep.Unseen)), logx.Duration("dur", rep.Duration()))
	}
	observability.RecordRun(string(trigger), string(rep.Outcome), rep.Duration())
	if rep.Recorded {
		observability.RecordSuccess(rep.FinishedAt)
	}

	p.mu.Lock()
	last := rep
	p.last = &last
	p.mu.Unlock()
	return rep, err
}

func (p *Pusher) cycle(ctx context.Context, rep *Report, log logx.Logger) error {
	all, err := p.src.Fetch(ctx)
	if err != nil {
		return &RunError{Step: StepFetch, Err: err}
	}
	rep.Fetched = len(all)
	observability.RecordFetched(len(all))

	unseen, err := p.store.FilterUnseen(ctx, all)
	if err != nil {
		return &RunError{Step: StepFilter, Err: err}
	}
	rep.Unseen = append([]string{}, unseen.IDs()...)
	observability.RecordUnseen(len(unseen))
	log.Debug("items filtered", logx.Int("fetched", len(all)), logx.Int("unseen", len(unseen)))

	results := delivery.Deliver(ctx, sink.Batch{Unseen: unseen, Outstanding: len(all)}, p.Sinks(), delivery.Options{
		Parallel:  p.parallel.Load(),
		Announcer: p.announcer,
		Log:       log,
	})
	rep.Results = results
	rep.Sinks = sinkReports(results)

	sum := delivery.Summarize(results)
	if sum.Failed > 0 && sum.Delivered == 0 {
		return &RunError{Step: StepDeliver, Err: delivery.Errors(results)}
	}

	if err := p.store.Record(ctx, unseen); err != nil {
		return &RunError{Step: StepRecord, Err: err}
	}
	rep.Recorded = true
	return nil
}

// Purge clears the ledger so every outstanding item is announced again on
// the next run.
func (p *Pusher) Purge(ctx context.Context) error {
	if !p.run.TryLock() {
		return ErrBusy
	}
	defer p.run.Unlock()
	if err := p.store.Purge(ctx); err != nil {
		return err
	}
	p.log.Info("ledger purged")
	return nil
}

func hasFailed(rs []delivery.Result) bool {
	return delivery.Summarize(rs).Failed > 0
}

func sinkReports(rs []delivery.Result) []SinkReport {
	out := make([]SinkReport, 0, len(rs))
	for _, r := range rs {
		out = append(out, SinkReport{
			Name:   r.Sink,
			Status: r.Status,
			Error:  r.Error(),
			TookMS: r.Took.Milliseconds(),
		})
	}
	return out
}
