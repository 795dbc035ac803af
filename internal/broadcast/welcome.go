package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castbot/internal/delivery"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Welcome greets a member_joined update. It reports whether a greeting was
// delivered; a skipped update (bot, duplicate, disabled) returns false, nil.
func (d *Dispatcher) Welcome(ctx context.Context, up transport.Update) (bool, error) {
	if up.Kind != transport.UpdateMemberJoined || up.Member == nil {
		return false, nil
	}
	m := *up.Member
	log := d.log.With(logx.Int64("chat_id", up.Chat.ID), logx.Int64("member_id", m.ID))
	if m.IsBot {
		log.Debug("welcome skipped: bot")
		return false, nil
	}
	snap := d.snapshot()
	if snap == nil {
		return false, ErrNoSnapshot
	}
	w := snap.Settings.Welcome
	if !w.Enabled {
		return false, nil
	}

	key := fmt.Sprintf("welcome:%d:%d", up.Chat.ID, m.ID)
	if !d.welcome.reserve(ctx, key, w.DedupWindow) {
		log.Debug("welcome skipped: already greeted")
		return false, nil
	}

	to := transport.ChatTarget{ChatID: up.Chat.ID, ThreadID: up.Chat.ThreadID}
	direct := up.Chat.IsChannel()
	if direct {
		// Channels have no member-visible chat to reply in.
		to = transport.ChatTarget{ChatID: m.ID}
	}

	msg, err := snap.Composer().Compose(w.Template, m.LanguageCode, memberVars(baseVars(snap), m))
	if err != nil {
		d.welcome.release(key)
		log.Warn("welcome compose failed", logx.String("template", w.Template), logx.String("lang", m.LanguageCode), logx.Err(err))
		d.report(ctx, notifier.Report{Kind: notifier.KindCompose, Template: w.Template, Language: m.LanguageCode, Recipient: to.String(), Cause: err.Error()})
		return false, err
	}

	out := d.sender.Send(ctx, to, msg)
	if !out.OK() {
		d.welcome.release(key)
		if direct && out.Status == delivery.PermanentFailure {
			// Most members never opened a private chat with the bot.
			log.Debug("welcome not delivered to member", logx.String("reason", out.Reason))
			return false, out.Err
		}
		d.report(ctx, notifier.Report{
			Kind:      notifier.KindDeliver,
			Template:  msg.TemplateID,
			Language:  msg.Language,
			Recipient: to.String(),
			Status:    out.Status.String(),
			Attempts:  len(out.Attempts),
			Cause:     out.Reason,
		})
		return false, out.Err
	}
	d.welcome.commit(ctx, key, w.DedupWindow, log)
	log.Info("member welcomed", logx.String("lang", msg.Language))
	return true, nil
}

// Greet sends the welcome template to one recipient without dedup. It backs
// the public /start command.
func (d *Dispatcher) Greet(ctx context.Context, to transport.ChatTarget, m transport.Member) error {
	snap := d.snapshot()
	if snap == nil {
		return ErrNoSnapshot
	}
	msg, err := snap.Composer().Compose(snap.Settings.Welcome.Template, m.LanguageCode, memberVars(baseVars(snap), m))
	if err != nil {
		return err
	}
	out := d.sender.Send(ctx, to, msg)
	return out.Err
}

func memberVars(vars map[string]string, m transport.Member) map[string]string {
	name := m.FirstName
	if name == "" {
		name = m.Username
	}
	handle := name
	if m.Username != "" {
		handle = "@" + m.Username
	}
	vars["first_name"] = name
	vars["username"] = handle
	return vars
}

const dedupPruneAt = 1024

// dedup remembers greeted (chat, member) pairs. The in-memory map is the
// source of truth for this process; the store carries it across restarts.
type dedup struct {
	store storage.Store
	now   func() time.Time

	mu    sync.Mutex
	until map[string]time.Time
}

func newDedup(store storage.Store, now func() time.Time) *dedup {
	return &dedup{store: store, now: now, until: map[string]time.Time{}}
}

// reserve claims key for window. Concurrent joins of the same member race
// here and only one wins.
func (d *dedup) reserve(ctx context.Context, key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.until) >= dedupPruneAt {
		for k, u := range d.until {
			if !now.Before(u) {
				delete(d.until, k)
			}
		}
	}
	if u, ok := d.until[key]; ok && now.Before(u) {
		return false
	}
	if d.store != nil {
		if u, ok, err := d.store.GetDedup(ctx, key); err == nil && ok && now.Before(u) {
			d.until[key] = u
			return false
		}
	}
	d.until[key] = now.Add(window)
	return true
}

func (d *dedup) release(key string) {
	d.mu.Lock()
	delete(d.until, key)
	d.mu.Unlock()
}

func (d *dedup) commit(ctx context.Context, key string, window time.Duration, log logx.Logger) {
	if window <= 0 || d.store == nil {
		return
	}
	if err := d.store.PutDedup(context.WithoutCancel(ctx), key, d.now().Add(window)); err != nil {
		log.Warn("welcome dedup not persisted", logx.Err(err))
	}
}
