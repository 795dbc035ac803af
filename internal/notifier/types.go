package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Config controls the async report pipeline.
type Config struct {
	Enabled         bool
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Kind separates content defects from transport defects.
type Kind string

const (
	KindCompose  Kind = "compose"
	KindDeliver  Kind = "deliver"
	KindEndpoint Kind = "endpoint"
	KindConfig   Kind = "config"
)

// Report is one failure worth an admin's attention.
type Report struct {
	Kind       Kind
	DispatchID string
	Template   string
	Language   string
	Recipient  string
	Status     string
	Attempts   int
	Cause      string
	At         time.Time
}

// Text renders the report as plain text.
func (r Report) Text() string {
	var b strings.Builder
	switch r.Kind {
	case KindCompose:
		b.WriteString("⚠️ could not compose message")
	case KindDeliver:
		b.WriteString("⚠️ could not deliver message")
	case KindEndpoint:
		b.WriteString("🚨 webhook endpoint problem")
	case KindConfig:
		b.WriteString("⚠️ config reload rejected")
	default:
		fmt.Fprintf(&b, "⚠️ %s failure", r.Kind)
	}
	line := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "\n%s: %s", k, v)
		}
	}
	line("template", r.Template)
	line("language", r.Language)
	line("recipient", r.Recipient)
	line("status", r.Status)
	if r.Attempts > 0 {
		line("attempts", fmt.Sprint(r.Attempts))
	}
	line("dispatch", r.DispatchID)
	line("cause", truncate(r.Cause, 800))
	return b.String()
}

type HistoryItem struct {
	At   time.Time
	Kind Kind
	Text string
}

// ReportEvent is published on the event bus for report lifecycle events.
type ReportEvent struct {
	Kind  Kind      `json:"kind"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
