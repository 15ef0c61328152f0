package delivery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ddlbot/internal/item"
	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

type gated struct {
	sink.Sink
	ready    bool
	readyErr error
	prompt   string
}

func (g gated) Ready(context.Context) (bool, error)         { return g.ready, g.readyErr }
func (g gated) LoginPrompt(context.Context) (string, error) { return g.prompt, nil }

type announcer struct{ got []string }

func (a *announcer) Announce(_ context.Context, text string) error {
	a.got = append(a.got, text)
	return nil
}

func batch(ids ...string) sink.Batch {
	var s item.Set
	for _, id := range ids {
		s = append(s, item.Item{ActivityID: id})
	}
	return sink.Batch{Unseen: s, Outstanding: len(s)}
}

func TestDeliverIsolatesFailures(t *testing.T) {
	t.Parallel()

	for _, parallel := range []bool{false, true} {
		var okCalls atomic.Int32
		sinks := []sink.Sink{
			sink.Func("broken", func(context.Context, sink.Batch) error { return errors.New("boom") }),
			sink.Func("panicky", func(context.Context, sink.Batch) error { panic("nil map") }),
			sink.Func("ok", func(_ context.Context, b sink.Batch) error {
				okCalls.Add(1)
				if len(b.Unseen) != 2 {
					return errors.New("batch not forwarded")
				}
				return nil
			}),
		}

		rs := Deliver(context.Background(), batch("a1", "a2"), sinks, Options{Parallel: parallel, Log: logx.Nop()})
		require.Len(t, rs, 3)
		require.Equal(t, "broken", rs[0].Sink)
		require.Equal(t, Failed, rs[0].Status)
		require.EqualError(t, rs[0].Err, "boom")
		require.Equal(t, Failed, rs[1].Status)
		require.ErrorIs(t, rs[1].Err, ErrPanic)
		require.Equal(t, Delivered, rs[2].Status)
		require.NoError(t, rs[2].Err)
		require.EqualValues(t, 1, okCalls.Load())

		require.Equal(t, Summary{Delivered: 1, Failed: 2}, Summarize(rs))
		require.ErrorContains(t, Errors(rs), "broken: boom")
	}
}

func TestDeliverParallelKeepsSinkOrder(t *testing.T) {
	t.Parallel()

	slow := sink.Func("slow", func(ctx context.Context, _ sink.Batch) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	fast := sink.Func("fast", func(context.Context, sink.Batch) error { return nil })

	rs := Deliver(context.Background(), batch("a"), []sink.Sink{slow, fast}, Options{Parallel: true})
	require.Equal(t, "slow", rs[0].Sink)
	require.Equal(t, "fast", rs[1].Sink)
	require.GreaterOrEqual(t, rs[0].Took, 30*time.Millisecond)
}

func TestDeliverSkipsGateAndAnnouncesLogin(t *testing.T) {
	t.Parallel()

	var pushed bool
	g := gated{
		Sink:   sink.Func("ticktick", func(context.Context, sink.Batch) error { pushed = true; return nil }),
		prompt: "log in: https://example.test/auth",
	}
	ann := &announcer{}

	rs := Deliver(context.Background(), batch("a"), []sink.Sink{g}, Options{Announcer: ann})
	require.Equal(t, Skipped, rs[0].Status)
	require.False(t, pushed)
	require.Equal(t, []string{"log in: https://example.test/auth"}, ann.got)

	g.ready = true
	rs = Deliver(context.Background(), batch("a"), []sink.Sink{g}, Options{Announcer: ann})
	require.Equal(t, Delivered, rs[0].Status)
	require.True(t, pushed)
	require.Len(t, ann.got, 1)
}

func TestDeliverReadinessErrorFails(t *testing.T) {
	t.Parallel()

	g := gated{
		Sink:     sink.Func("ticktick", func(context.Context, sink.Batch) error { return nil }),
		readyErr: errors.New("state store closed"),
	}
	rs := Deliver(context.Background(), batch("a"), []sink.Sink{g}, Options{})
	require.Equal(t, Failed, rs[0].Status)
	require.ErrorContains(t, rs[0].Err, "state store closed")
}

func TestDeliverNoSinks(t *testing.T) {
	t.Parallel()

	rs := Deliver(context.Background(), batch("a"), nil, Options{})
	require.Empty(t, rs)
	require.NoError(t, Errors(rs))
}
