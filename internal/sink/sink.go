// Package sink defines the delivery capability shared by every notification
// and task-tracker channel.
package sink

import (
	"context"

	"ddlbot/internal/item"
)

// Batch is what one run hands to every sink.
type Batch struct {
	// Unseen holds the items never announced before, in fetch order.
	Unseen item.Set
	// Outstanding is the size of the whole fetched set, seen or not.
	Outstanding int
}

// Sink delivers a batch to one external channel.
type Sink interface {
	Name() string
	Push(ctx context.Context, b Batch) error
}

// Gate is implemented by sinks that need an interactive login first.
// A sink that is not Ready is skipped and its LoginPrompt is announced instead.
type Gate interface {
	Ready(ctx context.Context) (bool, error)
	LoginPrompt(ctx context.Context) (string, error)
}

// Announcer posts a free-form operator message, e.g. a login link.
type Announcer interface {
	Announce(ctx context.Context, text string) error
}

// Func adapts a function into a named Sink.
func Func(name string, fn func(ctx context.Context, b Batch) error) Sink {
	return funcSink{name: name, fn: fn}
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, b Batch) error
}

func (f funcSink) Name() string                             { return f.name }
func (f funcSink) Push(ctx context.Context, b Batch) error { return f.fn(ctx, b) }
