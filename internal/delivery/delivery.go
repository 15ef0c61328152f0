// Package delivery fans one batch out to every configured sink and captures
// each sink's outcome independently.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"ddlbot/internal/observability"
	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

type Status string

const (
	Delivered Status = "delivered"
	Skipped   Status = "skipped"
	Failed    Status = "failed"
)

// Result is the outcome of one sink for one batch.
type Result struct {
	Sink   string        `json:"sink"`
	Status Status        `json:"status"`
	Err    error         `json:"-"`
	Took   time.Duration `json:"took"`
}

// Error is Err as a string, for reports.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type Options struct {
	// Parallel pushes to all sinks at once. Results keep sink order either way.
	Parallel bool
	// Announcer receives login prompts of gated sinks that are not ready.
	Announcer sink.Announcer
	Log       logx.Logger
}

// ErrPanic wraps a panic recovered from a sink.
var ErrPanic = errors.New("sink panicked")

// Deliver pushes b to every sink. It never returns early: a failing or
// panicking sink only affects its own Result.
func Deliver(ctx context.Context, b sink.Batch, sinks []sink.Sink, opt Options) []Result {
	out := make([]Result, len(sinks))
	if !opt.Parallel {
		for i, s := range sinks {
			out[i] = deliverOne(ctx, b, s, opt)
		}
		return out
	}

	var wg sync.WaitGroup
	for i, s := range sinks {
		wg.Add(1)
		go func(i int, s sink.Sink) {
			defer wg.Done()
			out[i] = deliverOne(ctx, b, s, opt)
		}(i, s)
	}
	wg.Wait()
	return out
}

func deliverOne(ctx context.Context, b sink.Batch, s sink.Sink, opt Options) (res Result) {
	start := time.Now()
	res.Sink = s.Name()
	log := opt.Log.With(logx.String("sink", res.Sink))

	defer func() {
		if r := recover(); r != nil {
			res.Status = Failed
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
			log.Error("sink panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		res.Took = time.Since(start)
		observability.RecordDelivery(res.Sink, string(res.Status), res.Took)
	}()

	if g, ok := s.(sink.Gate); ok {
		ready, err := g.Ready(ctx)
		if err != nil {
			res.Status, res.Err = Failed, fmt.Errorf("check login: %w", err)
			log.Warn("sink readiness check failed", logx.Err(res.Err))
			return res
		}
		if !ready {
			res.Status = Skipped
			// Nothing would have been delivered; don't nag on quiet runs.
			if len(b.Unseen) > 0 {
				announceLogin(ctx, g, opt, log)
			}
			return res
		}
	}

	if err := s.Push(ctx, b); err != nil {
		res.Status, res.Err = Failed, err
		log.Warn("sink push failed", logx.Int("items", len(b.Unseen)), logx.Err(err))
		return res
	}
	res.Status = Delivered
	log.Debug("sink delivered", logx.Int("items", len(b.Unseen)), logx.Duration("dur", time.Since(start)))
	return res
}

func announceLogin(ctx context.Context, g sink.Gate, opt Options, log logx.Logger) {
	prompt, err := g.LoginPrompt(ctx)
	if err != nil {
		log.Warn("login prompt unavailable", logx.Err(err))
		return
	}
	if opt.Announcer == nil {
		log.Warn("sink needs login but no announcer is configured", logx.String("prompt", prompt))
		return
	}
	if err := opt.Announcer.Announce(ctx, prompt); err != nil {
		log.Warn("login prompt not sent", logx.Err(err))
	}
}

// Summary counts results by status.
type Summary struct {
	Delivered int `json:"delivered"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func Summarize(rs []Result) Summary {
	var s Summary
	for _, r := range rs {
		switch r.Status {
		case Delivered:
			s.Delivered++
		case Skipped:
			s.Skipped++
		case Failed:
			s.Failed++
		}
	}
	return s
}

// Errors joins the errors of failed sinks, each prefixed with the sink name.
func Errors(rs []Result) error {
	var errs []error
	for _, r := range rs {
		if r.Status == Failed && r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Sink, r.Err))
		}
	}
	return errors.Join(errs...)
}
