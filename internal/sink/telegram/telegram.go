// Package telegram announces new items in a Telegram chat, one message per item.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"ddlbot/internal/item"
	"ddlbot/internal/sink"
	kit "ddlbot/internal/transport"
	logx "ddlbot/pkg/logx"
)

const Name = "telegram"

// Sender is the part of the chat transport this sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPhotos(ctx context.Context, to kit.ChatTarget, photoURLs []string, caption string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Options struct {
	ChatID   int64
	ThreadID int
	// Header is the bold first line of every message.
	Header string
	Log    logx.Logger
}

type Sink struct {
	send   Sender
	to     kit.ChatTarget
	header string
	log    logx.Logger
}

var (
	_ sink.Sink      = (*Sink)(nil)
	_ sink.Announcer = (*Sink)(nil)
)

func New(send Sender, opts Options) (*Sink, error) {
	if send == nil {
		return nil, errors.New("telegram sink: transport is nil")
	}
	if opts.ChatID == 0 {
		return nil, errors.New("telegram sink: chat id is required")
	}
	header := strings.TrimSpace(opts.Header)
	if header == "" {
		header = "📚 Assignment reminder"
	}
	return &Sink{
		send:   send,
		to:     kit.ChatTarget{ChatID: opts.ChatID, ThreadID: opts.ThreadID},
		header: header,
		log:    opts.Log.With(logx.String("comp", "sink.telegram")),
	}, nil
}

func (s *Sink) Name() string { return Name }

// Push sends one message per unseen item, in order. The first failure stops
// the batch; messages already sent stay sent.
func (s *Sink) Push(ctx context.Context, b sink.Batch) error {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	for _, it := range b.Unseen {
		text, images := Render(s.header, it)
		var err error
		if len(images) == 0 {
			_, err = s.send.SendText(ctx, s.to, text, opt)
		} else {
			_, err = s.send.SendPhotos(ctx, s.to, images, text, opt)
		}
		if err != nil {
			return fmt.Errorf("send %s: %w", it.ActivityID, err)
		}
		s.log.Debug("item announced", logx.String("activity_id", it.ActivityID), logx.Int("images", len(images)))
	}
	return nil
}

// Announce posts plain text to the same chat.
func (s *Sink) Announce(ctx context.Context, text string) error {
	_, err := s.send.SendText(ctx, s.to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// Render builds the HTML message for one item and returns the image URLs found
// in its description.
func Render(header string, it item.Item) (string, []string) {
	var b strings.Builder
	b.WriteString("<b>" + html.EscapeString(header) + "</b>\n\n")

	field := func(label, value string) {
		b.WriteString("<b>" + label + "</b>: " + html.EscapeString(value) + "\n")
	}
	if course := it.CourseName(); course != "" {
		field("Course", course)
	}
	field("Assignment", it.ActivityName)
	if it.StartTime != "" {
		field("Start", it.StartTime)
	}
	field("Due", it.EndTime)
	if it.LateSubmission != nil {
		late := "no"
		if *it.LateSubmission {
			late = "yes"
		}
		field("Late submission", late)
	}

	desc, images := Sanitize(it.Description)
	if desc = strings.TrimSpace(desc); desc != "" {
		b.WriteString("\n<b>Details</b>:\n\n" + desc)
	}
	return strings.TrimRight(b.String(), "\n"), images
}
