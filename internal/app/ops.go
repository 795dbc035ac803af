package app

import (
	"context"
	"time"

	"castbot/internal/admin"
	"castbot/internal/broadcast"
	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

var _ admin.Ops = (*App)(nil)

// Reload re-reads the config file. The returned version is the one in effect
// afterwards: the previous version when the new config was rejected.
func (a *App) Reload(ctx context.Context) (uint64, bool, error) {
	snap, changed, err := a.cfg.Reload(ctx)
	if snap == nil {
		snap = a.cfg.Current()
	}
	return snap.Version, changed, err
}

func (a *App) Status(ctx context.Context) (admin.Status, error) {
	snap := a.cfg.Current()
	st := admin.Status{
		ConfigVersion: snap.Version,
		LoadedAt:      snap.LoadedAt,
		Endpoint:      a.endpoint.Status(),
		Jobs:          a.sched.Snapshot(),
	}
	if !a.started.IsZero() {
		st.Uptime = time.Since(a.started)
	}
	if last, ok := a.bcast.Last(); ok {
		st.LastDispatch = &last
	}
	if a.store != nil {
		recent, err := a.store.Recent(ctx, 10)
		if err != nil {
			a.log.Warn("audit not readable", logx.Err(err))
		}
		st.Audit = recent
	}
	return st, nil
}

// Reregister is the operator's way out of Fallback.
func (a *App) Reregister(ctx context.Context) error {
	s := a.cfg.Current().Settings
	if !s.Webhook.Enabled || s.Webhook.URL() == "" {
		return admin.ErrWebhookDisabled
	}
	return a.endpoint.Register(ctx, s.Webhook.URL(), s.Webhook.Secret)
}

func (a *App) Broadcast(ctx context.Context) (broadcast.Result, error) {
	return a.bcast.DispatchNow(ctx, "admin")
}

func (a *App) Greet(ctx context.Context, to transport.ChatTarget, m transport.Member) error {
	return a.bcast.Greet(ctx, to, m)
}

type healthView struct {
	Status        string    `json:"status"`
	ConfigVersion uint64    `json:"config_version"`
	Endpoint      string    `json:"endpoint"`
	Reason        string    `json:"reason,omitempty"`
	Pull          bool      `json:"pull"`
	Jobs          int       `json:"jobs"`
	LastBroadcast string    `json:"last_broadcast,omitempty"`
	Since         time.Time `json:"since"`
}

// health backs the listener's /healthz. Fallback is still healthy: updates
// keep flowing through the poller.
func (a *App) health() any {
	ep := a.endpoint.Status()
	v := healthView{
		Status:        "ok",
		ConfigVersion: a.cfg.Current().Version,
		Endpoint:      ep.State.String(),
		Reason:        ep.Reason,
		Pull:          a.Pulling(),
		Jobs:          len(a.sched.Snapshot()),
		Since:         a.started,
	}
	if last, ok := a.bcast.Last(); ok {
		v.LastBroadcast = last.Status()
	}
	if a.sup != nil && a.sup.Context().Err() != nil {
		v.Status = "stopping"
	}
	return v
}
