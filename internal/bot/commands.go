package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"ddlbot/internal/delivery"
	"ddlbot/internal/pusher"
)

// Pusher is the orchestrator surface the commands drive.
type Pusher interface {
	Run(ctx context.Context, trigger pusher.Trigger) (pusher.Report, error)
	Purge(ctx context.Context) error
	Last() (pusher.Report, bool)
}

// LoginPrompter starts an OAuth login for a gated sink.
type LoginPrompter interface {
	LoginPrompt(ctx context.Context) (string, error)
}

type Deps struct {
	Pusher Pusher
	// Login is nil when no gated sink is configured.
	Login LoginPrompter
	// Count returns the number of recorded items, optional.
	Count func(ctx context.Context) (int, error)
	// Next returns the next scheduled run, optional.
	Next func() time.Time
}

// Commands builds the operator command set.
func Commands(d Deps, r *Router) []Command {
	cmds := []Command{
		{
			Name:        "push",
			Description: "fetch and announce new assignments now",
			Handle: func(ctx context.Context, req *Request) error {
				rep, err := d.Pusher.Run(ctx, pusher.TriggerTelegram)
				if errors.Is(err, pusher.ErrBusy) {
					return req.Reply(ctx, "⏳ A run is already in progress.")
				}
				if err != nil {
					return err
				}
				return req.Reply(ctx, formatReport(rep))
			},
		},
		{
			Name:        "clear",
			Description: "forget every announced assignment",
			Handle: func(ctx context.Context, req *Request) error {
				if err := d.Pusher.Purge(ctx); err != nil {
					return err
				}
				return req.Reply(ctx, "Database cleared")
			},
		},
		{
			Name:        "status",
			Description: "show the last run",
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, statusText(ctx, d))
			},
		},
	}
	if d.Login != nil {
		cmds = append(cmds, Command{
			Name:        "login",
			Description: "send the TickTick login link",
			Handle: func(ctx context.Context, req *Request) error {
				prompt, err := d.Login.LoginPrompt(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, escape(prompt))
			},
		})
	}
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "list commands",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, helpText(r))
		},
	})
	return cmds
}

func helpText(r *Router) string {
	lines := []string{"📚 <b>Commands</b>"}
	for _, c := range r.Commands() {
		lines = append(lines, "/"+c.Command+" - "+escape(c.Description))
	}
	return strings.Join(lines, "\n")
}

func formatReport(rep pusher.Report) string {
	var b strings.Builder
	switch rep.Outcome {
	case pusher.Partial:
		b.WriteString("⚠️ Run finished with sink failures\n")
	default:
		b.WriteString("✅ Run finished\n")
	}
	fmt.Fprintf(&b, "Outstanding: %d\nNew: %d\n", rep.Fetched, len(rep.Unseen))
	for _, s := range rep.Sinks {
		line := fmt.Sprintf("• %s: %s", escape(s.Name), s.Status)
		if s.Status == delivery.Failed && s.Error != "" {
			line += " (" + escape(s.Error) + ")"
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusText(ctx context.Context, d Deps) string {
	var lines []string
	if rep, ok := d.Pusher.Last(); ok {
		lines = append(lines,
			fmt.Sprintf("Last run: %s (%s, %s)", rep.FinishedAt.Format(time.DateTime), rep.Trigger, rep.Outcome),
			fmt.Sprintf("Outstanding: %d, new: %d", rep.Fetched, len(rep.Unseen)),
		)
		if rep.Error != "" {
			lines = append(lines, fmt.Sprintf("Failed at %s: %s", rep.Step, escape(rep.Error)))
		}
	} else {
		lines = append(lines, "No run yet.")
	}
	if d.Count != nil {
		if n, err := d.Count(ctx); err == nil {
			lines = append(lines, fmt.Sprintf("Recorded: %d", n))
		}
	}
	if d.Next != nil {
		if next := d.Next(); !next.IsZero() {
			lines = append(lines, "Next run: "+next.Format(time.DateTime))
		}
	}
	return strings.Join(lines, "\n")
}

func escape(s string) string { return html.EscapeString(s) }
