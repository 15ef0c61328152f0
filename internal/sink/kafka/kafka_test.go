package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"ddlbot/internal/item"
	"ddlbot/internal/sink"
	logx "ddlbot/pkg/logx"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestPushKeysByActivityID(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{}
	s := NewWithWriter(w, logx.Nop())
	err := s.Push(context.Background(), sink.Batch{Unseen: item.Set{
		{ActivityID: "a1", ActivityName: "first"},
		{ActivityID: "a2", ActivityName: "second"},
	}})
	require.NoError(t, err)
	require.Len(t, w.msgs, 2)
	require.Equal(t, "a1", string(w.msgs[0].Key))

	var got item.Item
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &got))
	require.Equal(t, "second", got.ActivityName)
}

func TestPushEmptyWritesNothing(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{err: errors.New("must not be called")}
	s := NewWithWriter(w, logx.Nop())
	require.NoError(t, s.Push(context.Background(), sink.Batch{Outstanding: 5}))
}

func TestPushPropagatesWriterError(t *testing.T) {
	t.Parallel()

	w := &recordingWriter{err: errors.New("broker down")}
	s := NewWithWriter(w, logx.Nop())
	require.Error(t, s.Push(context.Background(), sink.Batch{Unseen: item.Set{{ActivityID: "a"}}}))
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Topic: "t"})
	require.Error(t, err)
	_, err = New(Options{Brokers: []string{"localhost:9092"}})
	require.Error(t, err)

	s, err := New(Options{Brokers: []string{"localhost:9092"}, Topic: "ddl.items"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
