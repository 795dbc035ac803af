package config

import (
	"reflect"
	"sort"

	logx "castbot/pkg/logx"
)

// Summarize returns the changed sections between two snapshots and safe
// structured attrs for logging. Tokens and secrets are never included.
func Summarize(oldSnap, newSnap *Snapshot) ([]string, []logx.Field) {
	var o, n Settings
	if oldSnap != nil {
		o = oldSnap.Settings
	}
	if newSnap != nil {
		n = newSnap.Settings
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if o.Token != n.Token || o.APIURL != n.APIURL || o.Channel != n.Channel ||
		o.AdminChat != n.AdminChat || !reflect.DeepEqual(o.AdminIDs, n.AdminIDs) ||
		o.PollTimeout != n.PollTimeout || o.RequestTimeout != n.RequestTimeout {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", o.Token != n.Token),
			logx.String("telegram.channel", n.Channel.String()),
			logx.Int("telegram.admin_count", len(n.AdminIDs)),
		)
	}

	if o.Webhook != n.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.Bool("webhook.enabled", n.Webhook.Enabled),
			logx.String("webhook.url", n.Webhook.URL()),
			logx.Bool("webhook.secret_changed", o.Webhook.Secret != n.Webhook.Secret),
			logx.Int("webhook.max_attempts", n.Webhook.MaxAttempts),
		)
	}

	if o.Links != n.Links {
		changed = append(changed, "links")
	}

	if o.Broadcast.Enabled != n.Broadcast.Enabled || o.Broadcast.Template != n.Broadcast.Template ||
		o.Broadcast.Language != n.Broadcast.Language || o.Broadcast.Schedule != n.Broadcast.Schedule ||
		o.Broadcast.Location.String() != n.Broadcast.Location.String() ||
		o.Broadcast.FirstDelay != n.Broadcast.FirstDelay || o.Broadcast.Timeout != n.Broadcast.Timeout {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Bool("broadcast.enabled", n.Broadcast.Enabled),
			logx.String("broadcast.template", n.Broadcast.Template),
			logx.String("broadcast.language", n.Broadcast.Language),
			logx.String("broadcast.timezone", n.Broadcast.Location.String()),
		)
	}

	if o.Welcome != n.Welcome {
		changed = append(changed, "welcome")
		attrs = append(attrs, logx.Bool("welcome.enabled", n.Welcome.Enabled))
	}
	if o.Delivery != n.Delivery {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Int("delivery.retry_max", n.Delivery.RetryMax),
			logx.Duration("delivery.retry_delay", n.Delivery.RetryDelay),
			logx.Int("delivery.rate_per_sec", n.Delivery.RatePerSec),
		)
	}
	if o.Notifier != n.Notifier {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", n.Notifier.Enabled))
	}
	if o.Storage != n.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", n.Storage.Driver))
	}
	if o.Logging != n.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", n.Logging.Level),
			logx.Bool("logx.telegram_enabled", n.Logging.Telegram.Enabled),
		)
	}

	if o.DefaultLanguage != n.DefaultLanguage || o.LocalizationRoot != n.LocalizationRoot ||
		o.AssetsRoot != n.AssetsRoot || !sameCatalog(oldSnap, newSnap) {
		changed = append(changed, "localization")
		if newSnap != nil {
			attrs = append(attrs,
				logx.String("localization.default", n.DefaultLanguage),
				logx.Any("localization.languages", newSnap.Catalog.Languages()),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// sameCatalog compares the rendered-relevant parts of two catalogs.
func sameCatalog(a, b *Snapshot) bool {
	if a == nil || b == nil {
		return a == b
	}
	at, bt := a.Catalog.Templates(), b.Catalog.Templates()
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		x, y := at[i], bt[i]
		if x.ID != y.ID || x.Lang != y.Lang || x.Text != y.Text || x.Footer != y.Footer ||
			x.ParseMode != y.ParseMode || x.RTL != y.RTL || x.Asset != y.Asset ||
			!reflect.DeepEqual(x.Buttons, y.Buttons) {
			return false
		}
	}
	return true
}
