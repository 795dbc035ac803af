// Package app wires castbot's components together and owns their lifecycle:
// config hot reload fan-out, the push/pull mode switch driven by the
// endpoint state, the broadcast job and ordered shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"castbot/internal/admin"
	"castbot/internal/broadcast"
	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/endpoint"
	"castbot/internal/eventbus"
	"castbot/internal/notifier"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/schedule"
	"castbot/internal/storage"
	"castbot/internal/transport"
	"castbot/internal/transport/telegram"
	"castbot/internal/webhook"
	logx "castbot/pkg/logx"
)

type Options struct {
	ConfigPath string
	// Env replaces os.LookupEnv for the config overlay.
	Env config.LookupEnv
	// Resolver replaces the DNS resolver used by the endpoint preflight.
	Resolver endpoint.Resolver
}

type App struct {
	cfg   *config.Store
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	tg       *telegram.Adapter
	delivery *delivery.Transport
	notif    *notifier.Service
	endpoint *endpoint.Manager
	hook     *webhook.Server
	sched    *schedule.Scheduler
	bcast    *broadcast.Dispatcher
	router   *admin.Router

	updates chan transport.Update

	sup     *supervisor.Supervisor
	started time.Time

	pollMu     sync.Mutex
	pollCancel context.CancelFunc

	jobMu        sync.Mutex
	job          schedule.Handle
	jobKey       broadcastKey
	jobStart     time.Time
	broadcastRun func(ctx context.Context) error
}

// New loads configuration and builds every component. A configuration error
// is returned before anything is started.
func New(opt Options) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	bus := eventbus.New()

	cfg, err := config.Load(opt.ConfigPath,
		config.WithEnv(opt.Env),
		config.WithLogger(bootLog.With(logx.String("comp", "config"))),
		config.WithBus(bus),
	)
	if err != nil {
		return nil, err
	}
	s := cfg.Current().Settings

	tg, err := telegram.New(mapTelegramConfig(s), bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the chat sink off, set the target, then apply the
	// final config so Apply never sees an enabled sink without a target.
	logCfg := s.Logging
	logCfg.Telegram.Enabled = false
	logs, log := logx.New(logCfg, tg)
	logs.SetAdminTarget(s.AdminChat)
	logs.Apply(s.Logging)
	cfg.SetLogger(log.With(logx.String("comp", "config")))

	store, err := storage.Open(mapStorageConfig(s), log)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", s.Storage.Driver))
	}

	a := &App{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "app")),
		logs:    logs,
		bus:     bus,
		store:   store,
		tg:      tg,
		updates: make(chan transport.Update, s.Webhook.QueueSize),
	}

	a.delivery = delivery.New(tg, mapDeliveryConfig(s), log)
	a.notif = notifier.New(mapNotifierConfig(s), tg, log, bus, store)
	a.notif.SetTarget(s.AdminChat)
	a.endpoint = endpoint.New(tg.API(), endpoint.Options{
		Config:   mapEndpointConfig(s),
		Resolver: opt.Resolver,
		Bus:      bus,
		Store:    store,
		Log:      log,
	})
	a.bcast = broadcast.New(broadcast.Options{
		Config:   cfg,
		Sender:   a.delivery,
		Reporter: a.notif,
		Bus:      bus,
		Store:    store,
		Log:      log,
	})
	a.broadcastRun = a.bcast.Dispatch
	a.sched = schedule.New(
		schedule.WithLogger(log.With(logx.String("comp", "scheduler"))),
		schedule.WithErrorHook(func(name string, err error) {
			a.log.Debug("job run failed", logx.String("job", name), logx.Err(err))
		}),
	)
	a.router = admin.New(admin.Options{
		Config: cfg,
		Sender: tg,
		Store:  store,
		Log:    log,
		OnJoin: a.onJoin,
	})
	a.router.SetCommands(admin.Builtins(a))
	a.hook = webhook.New(mapWebhookConfig(s), webhook.Options{
		Decoder: telegram.DecodeUpdate,
		Empty:   telegram.ErrEmptyUpdate,
		Out:     a.updates,
		Health:  a.health,
		Log:     log,
	})
	return a, nil
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings the bot up: listener first, then workers, the scheduler and
// finally a background endpoint registration.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()
	snap := a.cfg.Current()

	if err := a.hook.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("webhook listener: %w", err)
	}
	a.notif.Start(a.sup.Context())

	a.sup.Go("updates.route", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})
	a.watchEndpoint()
	a.watchConfig()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfg.Watch(c)
	})
	a.sup.Go("scheduler", func(c context.Context) error {
		return a.sched.Run(c)
	})
	a.syncBroadcastJob(snap.Settings.Broadcast)

	a.sup.Go0("telegram.menu", func(c context.Context) {
		a.updateMenu(c)
	})
	a.sup.Go0("endpoint.start", func(c context.Context) {
		a.syncEndpoint(c, endpointKey{}, endpointKeyOf(snap.Settings))
	})

	a.log.Info("app started",
		logx.Uint64("config_version", snap.Version),
		logx.String("listen", a.hook.Addr()),
		logx.Bool("webhook", snap.Settings.Webhook.Enabled),
	)
	return nil
}

// Stop shuts down in order. The webhook stays registered with the platform
// so the next process receives updates without a gap.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Pending fires are canceled with the supervisor context; runs already
	// dispatched finish under the scheduler's own context.
	a.sup.Cancel()
	a.setPull(false)

	a.step(ctx, "scheduler", 30*time.Second, func(c context.Context) error { return a.sched.Wait(c) })
	a.step(ctx, "webhook", 5*time.Second, func(c context.Context) error { a.hook.Stop(c); return nil })
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) onJoin(ctx context.Context, up transport.Update) {
	if _, err := a.bcast.Welcome(ctx, up); err != nil {
		a.log.Debug("welcome not sent", logx.Int64("chat_id", up.Chat.ID), logx.Err(err))
	}
}

func (a *App) updateMenu(ctx context.Context) {
	var cmds []telegram.BotCommand
	for _, c := range a.router.Commands() {
		if c.Access != admin.AccessEveryone {
			continue
		}
		cmds = append(cmds, telegram.BotCommand{Command: c.Name, Description: c.Description})
	}
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.tg.API().SetCommands(mctx, cmds); err != nil && ctx.Err() == nil {
		a.log.Warn("command menu not updated", logx.Err(err))
	}
}
