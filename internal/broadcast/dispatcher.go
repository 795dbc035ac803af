// Package broadcast holds the job bodies that turn configuration into sent
// messages: the scheduled channel broadcast and the new-member welcome.
//
// Both read one config snapshot per run, compose through that snapshot's
// composer and hand the result to delivery. Failures are converted into
// admin reports and audit entries; nothing escapes as a panic.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/eventbus"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var (
	ErrDisabled   = errors.New("broadcast disabled")
	ErrNoSnapshot = errors.New("no config snapshot")
	ErrNoChannel  = errors.New("broadcast channel not configured")
)

// Snapshots yields the config snapshot a run works from.
type Snapshots interface {
	Current() *config.Snapshot
}

// Sender delivers one composed message; *delivery.Transport implements it.
type Sender interface {
	Send(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) delivery.Outcome
}

// Reporter receives failure reports; *notifier.Service implements it.
type Reporter interface {
	Report(ctx context.Context, r notifier.Report) error
}

type Options struct {
	Config   Snapshots
	Sender   Sender
	Reporter Reporter
	Bus      eventbus.Bus
	Store    storage.Store
	Log      logx.Logger
	Now      func() time.Time
}

// Dispatcher runs broadcasts and welcomes.
type Dispatcher struct {
	cfg      Snapshots
	sender   Sender
	reporter Reporter
	bus      eventbus.Bus
	store    storage.Store
	log      logx.Logger
	now      func() time.Time

	mu      sync.Mutex
	history []Result

	welcome *dedup
}

func New(opt Options) *Dispatcher {
	if opt.Log.IsZero() {
		opt.Log = logx.Nop()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Dispatcher{
		cfg:      opt.Config,
		sender:   opt.Sender,
		reporter: opt.Reporter,
		bus:      opt.Bus,
		store:    opt.Store,
		log:      opt.Log.With(logx.String("comp", "broadcast")),
		now:      opt.Now,
		welcome:  newDedup(opt.Store, opt.Now),
	}
}

// Dispatch is the scheduled job body. It returns an error for the scheduler's
// bookkeeping only; reporting has already happened by then.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	res, err := d.DispatchNow(ctx, "schedule")
	if errors.Is(err, ErrDisabled) {
		return nil
	}
	if err != nil {
		return err
	}
	if !res.OK() {
		return res.Err()
	}
	return nil
}

// DispatchNow composes the configured broadcast template and delivers it to
// the channel. trigger names who asked ("schedule", "admin").
func (d *Dispatcher) DispatchNow(ctx context.Context, trigger string) (res Result, err error) {
	res = Result{ID: uuid.NewString(), Trigger: trigger, StartedAt: d.now()}
	log := d.log.With(logx.String("dispatch", res.ID), logx.String("trigger", trigger))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch panic: %v", r)
			res.ComposeErr = err
			log.Error("dispatch panicked", logx.Any("panic", r))
		}
		if errors.Is(err, ErrDisabled) {
			return
		}
		res.Took = d.now().Sub(res.StartedAt)
		d.finish(ctx, log, res)
	}()

	snap := d.snapshot()
	if snap == nil {
		res.ComposeErr = ErrNoSnapshot
		return res, ErrNoSnapshot
	}
	bc := snap.Settings.Broadcast
	if !bc.Enabled && trigger == "schedule" {
		log.Debug("broadcast disabled; skipping")
		return res, ErrDisabled
	}
	res.ConfigVersion = snap.Version
	res.Template = bc.Template
	res.Language = bc.Language
	res.Recipient = snap.Settings.Channel.String()
	if snap.Settings.Channel.IsZero() {
		res.ComposeErr = ErrNoChannel
		d.report(ctx, notifier.Report{Kind: notifier.KindCompose, DispatchID: res.ID, Template: bc.Template, Language: bc.Language, Cause: ErrNoChannel.Error()})
		return res, nil
	}

	msg, cerr := snap.Composer().Compose(bc.Template, bc.Language, baseVars(snap))
	if cerr != nil {
		res.ComposeErr = cerr
		log.Warn("compose failed", logx.String("template", bc.Template), logx.String("lang", bc.Language), logx.Err(cerr))
		d.report(ctx, notifier.Report{
			Kind:       notifier.KindCompose,
			DispatchID: res.ID,
			Template:   bc.Template,
			Language:   bc.Language,
			Recipient:  res.Recipient,
			Cause:      cerr.Error(),
		})
		return res, nil
	}
	res.Language = msg.Language

	out := d.sender.Send(ctx, snap.Settings.Channel, msg)
	res.Outcome = &out
	if !out.OK() {
		d.report(ctx, notifier.Report{
			Kind:       notifier.KindDeliver,
			DispatchID: res.ID,
			Template:   msg.TemplateID,
			Language:   msg.Language,
			Recipient:  res.Recipient,
			Status:     out.Status.String(),
			Attempts:   len(out.Attempts),
			Cause:      out.Reason,
		})
	}
	return res, nil
}

func (d *Dispatcher) finish(ctx context.Context, log logx.Logger, res Result) {
	d.remember(res)

	fields := []logx.Field{
		logx.String("template", res.Template),
		logx.String("lang", res.Language),
		logx.String("to", res.Recipient),
		logx.String("status", res.Status()),
		logx.Duration("took", res.Took),
	}
	if res.Outcome != nil {
		fields = append(fields, logx.Int("attempts", len(res.Outcome.Attempts)))
	}
	if res.OK() {
		log.Info("broadcast delivered", fields...)
	} else {
		log.Warn("broadcast failed", append(fields, logx.Err(res.Err()))...)
	}

	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchFinished, Time: d.now(), Data: res})
	}
	e := storage.AuditEntry{
		At:     res.StartedAt,
		Kind:   storage.KindDispatch,
		Action: res.Trigger,
		Target: res.Recipient,
		OK:     res.OK(),
		TookMS: res.Took.Milliseconds(),
		Meta:   res.ID + " " + res.Template + "/" + res.Language,
	}
	if err := res.Err(); err != nil {
		e.Error = err.Error()
	}
	storage.Audit(context.WithoutCancel(ctx), d.store, log, e)
}

func (d *Dispatcher) report(ctx context.Context, r notifier.Report) {
	if d.reporter == nil {
		return
	}
	r.At = d.now()
	if err := d.reporter.Report(ctx, r); err != nil && !errors.Is(err, notifier.ErrDisabled) {
		d.log.Warn("admin report not queued", logx.String("kind", string(r.Kind)), logx.Err(err))
	}
}

func (d *Dispatcher) snapshot() *config.Snapshot {
	if d.cfg == nil {
		return nil
	}
	return d.cfg.Current()
}

// baseVars are substitutions every template may reference.
func baseVars(snap *config.Snapshot) map[string]string {
	l := snap.Settings.Links
	return map[string]string{
		"channel": snap.Settings.Channel.String(),
		"app":     l.App,
		"support": l.Support,
		"invite":  l.Invite(),
	}
}
