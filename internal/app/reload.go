package app

import (
	"context"

	"castbot/internal/config"
	logx "castbot/pkg/logx"
)

// watchConfig fans committed snapshots out to the components. Bursts are
// coalesced: only the newest snapshot is applied.
func (a *App) watchConfig() {
	sub, unsub := a.cfg.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsub()
		last := a.cfg.Current()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				if next == nil || next == last {
					continue
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
}

func (a *App) apply(ctx context.Context, prev, next *config.Snapshot) {
	ps, ns := prev.Settings, next.Settings
	sections, _ := config.Summarize(prev, next)

	if ps.Token != ns.Token || ps.APIURL != ns.APIURL {
		a.log.Warn("telegram credentials changed; restart required for them to take effect")
	}
	if ps.Storage != ns.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	// Log target first so Apply never sees an enabled sink without one.
	a.logs.SetAdminTarget(ns.AdminChat)
	a.logs.Apply(ns.Logging)

	a.delivery.Apply(mapDeliveryConfig(ns))

	wasEnabled := a.notif.Enabled()
	ncfg := mapNotifierConfig(ns)
	a.notif.Apply(ncfg)
	a.notif.SetTarget(ns.AdminChat)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		a.notif.Stop(ctx)
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}

	if err := a.hook.Apply(ctx, mapWebhookConfig(ns)); err != nil {
		a.log.Error("webhook listener not reconfigured", logx.Err(err))
	}
	a.endpoint.Apply(mapEndpointConfig(ns))
	if pk, nk := endpointKeyOf(ps), endpointKeyOf(ns); pk != nk {
		a.sup.Go0("endpoint.sync", func(c context.Context) { a.syncEndpoint(c, pk, nk) })
	}

	a.syncBroadcastJob(ns.Broadcast)

	a.log.Info("config applied", logx.Uint64("version", next.Version), logx.Any("changed", sections))
}
