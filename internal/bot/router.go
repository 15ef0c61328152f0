// Package bot routes operator commands received over Telegram.
package bot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	kit "ddlbot/internal/transport"
	logx "ddlbot/pkg/logx"
)

// Replier is the outbound half of the chat transport.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

type Command struct {
	Name        string
	Aliases     []string
	Description string
	// Timeout overrides the router default when set.
	Timeout time.Duration
	Handle  HandlerFunc
}

type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger

	replier Replier
}

// Reply sends an HTML reply to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.replier.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Options struct {
	Owners  []int64
	Workers int
	// Timeout bounds one command; zero means 6 minutes.
	Timeout time.Duration
	Log     logx.Logger
}

// Router dispatches "/cmd args" messages from owners to their handlers on a
// bounded worker pool. Messages from anyone else get "unauthorized".
type Router struct {
	replier Replier
	log     logx.Logger
	timeout time.Duration
	workers int

	mu     sync.RWMutex
	cmds   map[string]*Command
	alias  map[string]*Command
	owners map[int64]struct{}

	jobs chan func()
}

func NewRouter(replier Replier, opts Options) *Router {
	workers := opts.Workers
	if workers <= 0 {
		workers = 2
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Minute
	}
	r := &Router{
		replier: replier,
		log:     opts.Log.With(logx.String("comp", "bot")),
		timeout: timeout,
		workers: workers,
		cmds:    map[string]*Command{},
		alias:   map[string]*Command{},
		jobs:    make(chan func(), 64),
	}
	r.SetOwners(opts.Owners)
	return r
}

// SetOwners replaces the allowed user ids. Safe during hot reload.
func (r *Router) SetOwners(ids []int64) {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.mu.Lock()
	r.owners = set
	r.mu.Unlock()
	if len(set) == 0 {
		r.log.Warn("no owner user ids configured; all commands will be refused")
	}
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[id]
	return ok
}

func (r *Router) Register(cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range cmds {
		c := cmds[i]
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		r.cmds[name] = &c
		for _, a := range c.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				r.alias[a] = &c
			}
		}
	}
}

// Commands lists registered commands sorted by name, e.g. for the bot menu.
func (r *Router) Commands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

func (r *Router) lookup(word string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cmds[word]; ok {
		return c, true
	}
	c, ok := r.alias[word]
	return c, ok
}

// Dispatch consumes updates until ctx is done or updates is closed, then
// waits for in-flight commands.
func (r *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	var wg sync.WaitGroup
	wg.Add(r.workers)
	for i := 0; i < r.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers))

	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	if !r.isOwner(msg.FromID) {
		r.log.Warn("command refused", logx.Int64("from_id", msg.FromID), logx.String("cmd", word))
		_, _ = r.replier.SendText(ctx, chat, "unauthorized", nil)
		return
	}
	cmd, found := r.lookup(word)
	if !found {
		_, _ = r.replier.SendText(ctx, chat, "unknown command. try /help", nil)
		return
	}

	rid := uuid.NewString()
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		replier: r.replier,
	}
	timeout := r.timeout
	if cmd.Timeout > 0 {
		timeout = cmd.Timeout
	}
	final := chain(cmd.Handle, recoverPanic(), requestLog(), withTimeout(timeout))

	select {
	case r.jobs <- func() {
		if err := final(ctx, req); err != nil {
			_ = req.Reply(context.WithoutCancel(ctx), "❌ "+escape(err.Error()))
		}
	}:
	default:
		_, _ = r.replier.SendText(ctx, chat, "busy, try again", nil)
	}
}

// parseCommand splits "/cmd@bot a b" into "cmd" and its arguments.
func parseCommand(text string) (string, []string, bool) {
	parts := strings.Fields(strings.TrimSpace(text))
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "/") {
		return "", nil, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", nil, false
	}
	return strings.ToLower(word), parts[1:], true
}

func chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func recoverPanic() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if p := recover(); p != nil {
					req.Log.Error("panic recovered", logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
					err = fmt.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}

func requestLog() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			if err != nil {
				req.Log.Warn("command failed", logx.Duration("dur", time.Since(start)), logx.Err(err))
			} else {
				req.Log.Info("command ok", logx.Duration("dur", time.Since(start)))
			}
			return err
		}
	}
}
