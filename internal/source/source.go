// Package source fetches the outstanding-assignment list from the upstream.
package source

import (
	"context"
	"fmt"

	"ddlbot/internal/item"
)

// Source returns the current set of outstanding items.
type Source interface {
	Fetch(ctx context.Context) (item.Set, error)
}

// UpstreamError reports a failed list or detail call. Status is the HTTP
// status when a response was received, 0 otherwise.
type UpstreamError struct {
	Op     string // list | detail
	ID     string // activity id for detail calls
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "upstream " + e.Op
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Func adapts a function to Source.
type Func func(ctx context.Context) (item.Set, error)

func (f Func) Fetch(ctx context.Context) (item.Set, error) { return f(ctx) }

// Static always returns a copy of the same set.
type Static item.Set

func (s Static) Fetch(ctx context.Context) (item.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append(item.Set(nil), s...), nil
}
