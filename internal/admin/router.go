// Package admin routes inbound updates: slash commands (public /start and
// /help, admin-only operational commands) and member joins.
//
// Updates are handled by a bounded worker pool. Handlers run behind a
// middleware chain that recovers panics, applies a per-command timeout, logs
// each request and audits admin actions.
package admin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/config"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

const defaultTimeout = 30 * time.Second

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrBusy         = errors.New("command queue full")
)

// AuthorizationError is returned when a non-admin invokes an admin command.
type AuthorizationError struct {
	UserID  int64
	Command string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("user %d may not run /%s", e.UserID, e.Command)
}

func (e *AuthorizationError) Is(target error) bool { return target == ErrUnauthorized }

type Access int

const (
	AccessEveryone Access = iota
	AccessAdminOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // zero means the router default
	Handle      HandlerFunc
}

// Request is one routed command.
type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	From    transport.Member
	Command string
	Access  Access
	Args    []string
	ReqID   string

	Snapshot *config.Snapshot
	Logger   logx.Logger
	sender   transport.Sender
}

// Reply sends plain HTML text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.sender == nil {
		return nil
	}
	return r.sender.SendText(ctx, r.Chat, text, &transport.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

// Snapshots yields the live config; admins are read from it per request so
// a reload takes effect immediately.
type Snapshots interface {
	Current() *config.Snapshot
}

type Options struct {
	Config    Snapshots
	Sender    transport.Sender
	Store     storage.Store
	Log       logx.Logger
	Workers   int
	QueueSize int
	// BotUsername, when set, makes the router ignore "/cmd@otherbot".
	BotUsername string
	// OnJoin handles member_joined updates.
	OnJoin func(ctx context.Context, up transport.Update)
}

type Router struct {
	cfg     Snapshots
	sender  transport.Sender
	store   storage.Store
	log     logx.Logger
	workers int
	botName string
	onJoin  func(ctx context.Context, up transport.Update)

	mu   sync.RWMutex
	cmds map[string]Command

	jobs chan func()
}

func New(opt Options) *Router {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	return &Router{
		cfg:     opt.Config,
		sender:  opt.Sender,
		store:   opt.Store,
		log:     opt.Log.With(logx.String("comp", "admin")),
		workers: opt.Workers,
		botName: strings.ToLower(strings.TrimPrefix(opt.BotUsername, "@")),
		onJoin:  opt.OnJoin,
		cmds:    map[string]Command{},
		jobs:    make(chan func(), opt.QueueSize),
	}
}

// SetCommands replaces the registry. /help is always present.
func (r *Router) SetCommands(cmds []Command) {
	m := make(map[string]Command, len(cmds)+1)
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		m[name] = c
	}
	if _, ok := m["help"]; !ok {
		m["help"] = Command{
			Name:        "help",
			Description: "list commands",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				return req.Reply(ctx, r.helpText(req))
			},
		}
	}
	r.mu.Lock()
	r.cmds = m
	r.mu.Unlock()
}

// Commands lists registered commands sorted by name.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Command) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[name]
	return c, ok
}

func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Run consumes updates until ctx is done or updates is closed. Each update
// is handled on the worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		supervisor.WithCancelOnError(false),
	)
	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("admin.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in update job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	r.log.Info("update router started", logx.Int("workers", r.workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("update router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if !r.tryEnqueue(func() { _ = r.Handle(ctx, up) }) {
				r.log.Warn("update dropped: router busy", logx.Int("update_id", up.ID), logx.String("kind", string(up.Kind)))
				if up.Kind == transport.UpdateMessage && up.Message != nil && strings.HasPrefix(up.Message.Text, "/") {
					_ = r.reply(ctx, up, "busy, try again")
				}
			}
		}
	}
}

// Handle routes a single update synchronously.
func (r *Router) Handle(ctx context.Context, up transport.Update) error {
	switch up.Kind {
	case transport.UpdateMemberJoined:
		if r.onJoin != nil {
			r.onJoin(ctx, up)
		}
		return nil
	case transport.UpdateMessage:
		return r.routeMessage(ctx, up)
	default:
		return nil
	}
}

func (r *Router) routeMessage(ctx context.Context, up transport.Update) error {
	if up.Message == nil {
		return nil
	}
	name, args, ok := r.parseCommand(up.Message.Text)
	if !ok {
		return nil
	}
	cmd, ok := r.lookup(name)
	if !ok {
		if up.Chat.IsPrivate() {
			_ = r.reply(ctx, up, "unknown command, try /help")
		}
		return nil
	}

	var snap *config.Snapshot
	if r.cfg != nil {
		snap = r.cfg.Current()
	}
	from := up.Message.From
	if cmd.Access == AccessAdminOnly && !isAdmin(snap, from.ID) {
		return r.reject(ctx, up, cmd)
	}

	rid := uuid.NewString()
	req := &Request{
		Update:   up,
		Chat:     target(up),
		From:     from,
		Command:  cmd.Name,
		Access:   cmd.Access,
		Args:     args,
		ReqID:    rid,
		Snapshot: snap,
		sender:   r.sender,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", up.Chat.ID),
			logx.Int64("from_id", from.ID),
			logx.String("cmd", cmd.Name),
		),
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWAudit(r.store, r.log),
		MWTimeout(timeout),
	)
	return final(ctx, req)
}

func (r *Router) reject(ctx context.Context, up transport.Update, cmd Command) error {
	from := up.Message.From
	r.log.Warn("admin command rejected",
		logx.String("cmd", cmd.Name),
		logx.Int64("from_id", from.ID),
		logx.String("from_username", from.Username),
		logx.Int64("chat_id", up.Chat.ID),
	)
	storage.Audit(context.WithoutCancel(ctx), r.store, r.log, storage.AuditEntry{
		Kind:          storage.KindAdmin,
		ActorID:       from.ID,
		ActorUsername: from.Username,
		ChatID:        up.Chat.ID,
		Action:        cmd.Name,
		OK:            false,
		Error:         ErrUnauthorized.Error(),
	})
	_ = r.reply(ctx, up, "⛔ this command is for admins only")
	return &AuthorizationError{UserID: from.ID, Command: cmd.Name}
}

// parseCommand splits "/name@bot arg1 arg2". A command addressed to a
// different bot is not ours.
func (r *Router) parseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		bot := strings.ToLower(word[i+1:])
		word = word[:i]
		if r.botName != "" && bot != r.botName {
			return "", nil, false
		}
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", nil, false
	}
	return word, parts[1:], true
}

func (r *Router) reply(ctx context.Context, up transport.Update, text string) error {
	if r.sender == nil {
		return nil
	}
	return r.sender.SendText(ctx, target(up), text, nil)
}

func (r *Router) helpText(req *Request) string {
	admin := isAdmin(req.Snapshot, req.From.ID)
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, c := range r.Commands() {
		if c.Access == AccessAdminOnly && !admin {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "%s - %s\n", usage, c.Description)
	}
	return strings.TrimSpace(b.String())
}

func target(up transport.Update) transport.ChatTarget {
	return transport.ChatTarget{ChatID: up.Chat.ID, ThreadID: up.Chat.ThreadID}
}

func isAdmin(snap *config.Snapshot, id int64) bool {
	return snap != nil && snap.Settings.IsAdmin(id)
}
