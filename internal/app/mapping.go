package app

import (
	"time"

	"castbot/internal/config"
	"castbot/internal/delivery"
	"castbot/internal/endpoint"
	"castbot/internal/notifier"
	"castbot/internal/storage"
	"castbot/internal/transport/telegram"
	"castbot/internal/webhook"
)

func mapStorageConfig(s config.Settings) storage.Config {
	busy := s.Storage.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: s.Storage.Driver, Path: s.Storage.Path, BusyTimeout: busy}
}

func mapTelegramConfig(s config.Settings) telegram.Config {
	return telegram.Config{
		Token:          s.Token,
		APIURL:         s.APIURL,
		PollTimeout:    s.PollTimeout,
		RequestTimeout: s.RequestTimeout,
	}
}

func mapDeliveryConfig(s config.Settings) delivery.Config {
	d := s.Delivery
	return delivery.Config{RetryMax: d.RetryMax, RetryDelay: d.RetryDelay, RatePerSec: d.RatePerSec, Timeout: d.Timeout}
}

func mapNotifierConfig(s config.Settings) notifier.Config {
	n := s.Notifier
	return notifier.Config{
		Enabled:         n.Enabled && !s.AdminChat.IsZero(),
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase,
		DedupWindow:     n.DedupWindow,
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapEndpointConfig(s config.Settings) endpoint.Config {
	w := s.Webhook
	return endpoint.Config{
		MaxAttempts:      w.MaxAttempts,
		RetryBase:        w.RetryBase,
		RetryMaxDelay:    w.RetryMaxDelay,
		PreflightTimeout: w.PreflightTimeout,
	}
}

func mapWebhookConfig(s config.Settings) webhook.Config {
	w := s.Webhook
	return webhook.Config{Listen: w.Listen, Path: w.Path, Secret: w.Secret, MaxBodyBytes: w.MaxBodyBytes}
}

// broadcastKey identifies the schedule-relevant part of the broadcast
// settings. The job is re-registered only when it changes.
type broadcastKey struct {
	enabled  bool
	spec     string
	location string
	first    time.Duration
	timeout  time.Duration
}

func keyOf(b config.Broadcast) broadcastKey {
	k := broadcastKey{
		enabled: b.Enabled,
		spec:    b.Schedule.Source + "|" + b.Schedule.Cron + "|" + b.Schedule.Every.String(),
		first:   b.FirstDelay,
		timeout: b.Timeout,
	}
	if b.Location != nil {
		k.location = b.Location.String()
	}
	return k
}

// endpointKey is what the platform registration depends on.
type endpointKey struct {
	enabled bool
	url     string
	secret  string
}

func endpointKeyOf(s config.Settings) endpointKey {
	return endpointKey{enabled: s.Webhook.Enabled, url: s.Webhook.URL(), secret: s.Webhook.Secret}
}
