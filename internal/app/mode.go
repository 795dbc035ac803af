package app

import (
	"context"
	"time"

	"castbot/internal/config"
	"castbot/internal/endpoint"
	"castbot/internal/eventbus"
	"castbot/internal/notifier"
	"castbot/internal/runtime/supervisor"
	"castbot/internal/schedule"
	logx "castbot/pkg/logx"
)

const broadcastJobName = "broadcast"

// watchEndpoint follows endpoint transitions: the long poller runs exactly
// while the endpoint is in Fallback, and every fallback is reported.
func (a *App) watchEndpoint() {
	events, unsub := a.bus.Subscribe(32)
	a.sup.Go0("endpoint.watch", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case eventbus.TypeEndpointState:
					tr, ok := ev.Data.(endpoint.Transition)
					if !ok {
						continue
					}
					a.onTransition(c, tr)
				case eventbus.TypeConfigRejected:
					re, ok := ev.Data.(config.ReloadEvent)
					if !ok || re.Err == nil {
						continue
					}
					_ = a.notif.Report(c, notifier.Report{Kind: notifier.KindConfig, Cause: re.Err.Error(), At: ev.Time})
				default:
					a.log.Trace("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
				}
			}
		}
	})
}

func (a *App) onTransition(ctx context.Context, tr endpoint.Transition) {
	switch tr.To {
	case endpoint.Fallback:
		a.setPull(true)
		if tr.Reason != "webhook disabled" {
			_ = a.notif.Report(ctx, notifier.Report{
				Kind:     notifier.KindEndpoint,
				Status:   tr.To.String(),
				Attempts: tr.Attempt,
				Cause:    tr.Reason,
				At:       tr.At,
			})
		}
	case endpoint.Active:
		a.setPull(false)
	}
}

// setPull starts or stops the long poller.
func (a *App) setPull(on bool) {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	running := a.pollCancel != nil
	if on == running {
		return
	}
	if !on {
		a.pollCancel()
		a.pollCancel = nil
		a.log.Info("pull mode off")
		return
	}
	if a.sup == nil || a.sup.Context().Err() != nil {
		return
	}
	pctx, cancel := context.WithCancel(a.sup.Context())
	a.pollCancel = cancel
	a.sup.GoRestart("telegram.poll", func(context.Context) error {
		return a.tg.Poll(pctx, a.updates)
	}, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.log.Info("pull mode on")
}

// Pulling reports whether the long poller is running.
func (a *App) Pulling() bool {
	a.pollMu.Lock()
	defer a.pollMu.Unlock()
	return a.pollCancel != nil
}

// syncEndpoint drives the endpoint toward the configured registration.
// A changed URL or secret, or webhook being switched on, is an operator
// action and registers even from Fallback; an unchanged config only
// reconciles, which leaves Fallback alone.
func (a *App) syncEndpoint(ctx context.Context, prev, next endpointKey) {
	if !next.enabled || next.url == "" {
		if a.endpoint.State() != endpoint.Fallback {
			a.endpoint.Disable(ctx, "webhook disabled")
		}
		return
	}
	var err error
	if prev != next {
		err = a.endpoint.Register(ctx, next.url, next.secret)
	} else {
		err = a.endpoint.Reconcile(ctx, next.url, next.secret)
	}
	if err != nil && ctx.Err() == nil {
		a.log.Warn("webhook not registered", logx.String("state", a.endpoint.State().String()), logx.Err(err))
	}
}

// syncBroadcastJob keeps the broadcast job in line with its settings.
// Template or language edits need nothing: every run reads the current
// snapshot. Schedule or timeout edits reschedule the job in place, so a run
// in flight still blocks the next occurrence and no extra fire happens. An
// interval keeps its grid anchored at the latest fire.
func (a *App) syncBroadcastJob(b config.Broadcast) {
	a.jobMu.Lock()
	defer a.jobMu.Unlock()

	key := keyOf(b)
	if key == a.jobKey && (a.job != 0) == b.Enabled {
		return
	}
	if !b.Enabled {
		if a.job != 0 {
			a.sched.Cancel(a.job)
			a.job = 0
		}
		a.jobKey = key
		return
	}

	if a.job != 0 {
		anchor := a.jobStart.Add(b.FirstDelay)
		if prev, ok := a.sched.Prev(a.job); ok && !prev.IsZero() {
			anchor = prev
		}
		trig, err := b.Schedule.Trigger(anchor, b.Location)
		if err != nil {
			a.log.Error("broadcast schedule invalid", logx.Err(err))
			return
		}
		if err := a.sched.Reschedule(a.job, trig, b.Timeout); err != nil {
			a.log.Error("broadcast job not rescheduled", logx.Err(err))
			return
		}
		a.jobKey = key
		return
	}

	// A zero anchor lets the scheduler anchor the grid at registration.
	start := time.Now()
	var anchor time.Time
	if b.FirstDelay > 0 {
		anchor = start.Add(b.FirstDelay)
	}
	trig, err := b.Schedule.Trigger(anchor, b.Location)
	if err != nil {
		a.log.Error("broadcast schedule invalid", logx.Err(err))
		return
	}
	h, err := a.sched.Register(schedule.Job{
		Name:    broadcastJobName,
		Trigger: trig,
		Run:     a.broadcastRun,
		Timeout: b.Timeout,
	})
	if err != nil {
		a.log.Error("broadcast job not registered", logx.Err(err))
		return
	}
	a.job, a.jobKey, a.jobStart = h, key, start
}
