package admin

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"castbot/internal/broadcast"
	"castbot/internal/endpoint"
	"castbot/internal/schedule"
	"castbot/internal/storage"
	"castbot/internal/transport"
)

// Ops is what the built-in commands act on. The app implements it.
type Ops interface {
	Reload(ctx context.Context) (version uint64, changed bool, err error)
	Status(ctx context.Context) (Status, error)
	Reregister(ctx context.Context) error
	Broadcast(ctx context.Context) (broadcast.Result, error)
	Greet(ctx context.Context, to transport.ChatTarget, m transport.Member) error
}

// Status is the /status view.
type Status struct {
	ConfigVersion uint64
	LoadedAt      time.Time
	Uptime        time.Duration
	Endpoint      endpoint.Status
	Jobs          []schedule.JobInfo
	LastDispatch  *broadcast.Result
	Audit         []storage.AuditEntry
}

// Builtins returns /start, /reload, /status, /reregister and /broadcast.
func Builtins(ops Ops) []Command {
	return []Command{
		{
			Name:        "start",
			Description: "say hello",
			Access:      AccessEveryone,
			Handle: func(ctx context.Context, req *Request) error {
				return ops.Greet(ctx, req.Chat, req.From)
			},
		},
		{
			Name:        "reload",
			Description: "reload settings and templates",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				v, changed, err := ops.Reload(ctx)
				if err != nil {
					_ = req.Reply(ctx, "❌ reload rejected, previous config kept:\n<pre>"+html.EscapeString(err.Error())+"</pre>")
					return err
				}
				if !changed {
					return req.Reply(ctx, fmt.Sprintf("no changes (config v%d)", v))
				}
				return req.Reply(ctx, fmt.Sprintf("✅ config v%d loaded", v))
			},
		},
		{
			Name:        "status",
			Description: "show endpoint, schedule and recent activity",
			Access:      AccessAdminOnly,
			Handle: func(ctx context.Context, req *Request) error {
				st, err := ops.Status(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, FormatStatus(st, time.Now()))
			},
		},
		{
			Name:        "reregister",
			Description: "register the webhook again",
			Access:      AccessAdminOnly,
			Timeout:     3 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				_ = req.Reply(ctx, "⏳ registering webhook…")
				if err := ops.Reregister(ctx); err != nil {
					_ = req.Reply(ctx, "❌ webhook registration failed: "+html.EscapeString(err.Error()))
					return err
				}
				return req.Reply(ctx, "✅ webhook active")
			},
		},
		{
			Name:        "broadcast",
			Description: "send the broadcast now",
			Access:      AccessAdminOnly,
			Timeout:     3 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				res, err := ops.Broadcast(ctx)
				if err == nil {
					err = res.Err()
				}
				if err != nil {
					_ = req.Reply(ctx, fmt.Sprintf("❌ broadcast %s: %s", res.Status(), html.EscapeString(err.Error())))
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("✅ broadcast delivered to %s (%s/%s)",
					html.EscapeString(res.Recipient), html.EscapeString(res.Template), html.EscapeString(res.Language)))
			},
		},
	}
}

// ErrWebhookDisabled is returned by /reregister when push mode is off.
var ErrWebhookDisabled = errors.New("webhook disabled in config")

// FormatStatus renders st as HTML.
func FormatStatus(st Status, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>castbot</b> config v%d, up %s\n", st.ConfigVersion, st.Uptime.Truncate(time.Second))

	ep := st.Endpoint
	fmt.Fprintf(&b, "\n<b>endpoint</b>: %s", ep.State)
	if ep.Host != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(ep.Host))
	}
	if !ep.Since.IsZero() {
		fmt.Fprintf(&b, " for %s", now.Sub(ep.Since).Truncate(time.Second))
	}
	if ep.Reason != "" {
		fmt.Fprintf(&b, "\nreason: %s", html.EscapeString(ep.Reason))
	}
	b.WriteString("\n")

	if len(st.Jobs) > 0 {
		b.WriteString("\n<b>jobs</b>\n")
		for _, j := range st.Jobs {
			fmt.Fprintf(&b, "• %s (%s) next %s", html.EscapeString(j.Name), html.EscapeString(j.Trigger), j.Next.Format(time.RFC3339))
			if j.Running {
				b.WriteString(" running")
			}
			if j.Skips > 0 {
				fmt.Fprintf(&b, " skipped %d", j.Skips)
			}
			if j.LastError != "" {
				fmt.Fprintf(&b, "\n  last error: %s", html.EscapeString(j.LastError))
			}
			b.WriteString("\n")
		}
	}

	if d := st.LastDispatch; d != nil {
		fmt.Fprintf(&b, "\n<b>last broadcast</b>: %s at %s", d.Status(), d.StartedAt.Format(time.RFC3339))
		if err := d.Err(); err != nil {
			fmt.Fprintf(&b, "\n%s", html.EscapeString(err.Error()))
		}
		b.WriteString("\n")
	}

	if len(st.Audit) > 0 {
		b.WriteString("\n<b>recent</b>\n")
		for _, e := range st.Audit {
			mark := "✅"
			if !e.OK {
				mark = "❌"
			}
			fmt.Fprintf(&b, "%s %s %s %s", mark, e.At.Format("01-02 15:04"), e.Kind, html.EscapeString(e.Action))
			if e.Target != "" {
				fmt.Fprintf(&b, " %s", html.EscapeString(e.Target))
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
