package schedule

import (
	"testing"
	"time"
)

func TestParseSpecVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
		cron     string
	}{
		{name: "duration", raw: "6h", kind: SpecInterval, source: "duration", duration: 6 * time.Hour},
		{name: "minutes", raw: "30m", kind: SpecInterval, source: "duration", duration: 30 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm interval", raw: "every:01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
		{name: "bare hhmm", raw: "06:00", kind: SpecInterval, source: "hhmm", duration: 6 * time.Hour},
		{name: "cron", raw: "0 9 * * *", kind: SpecCron, source: "cron", cron: "0 9 * * *"},
		{name: "prefixed cron", raw: "cron:*/5 * * * *", kind: SpecCron, source: "cron", cron: "*/5 * * * *"},
		{name: "descriptor", raw: "@daily", kind: SpecCron, source: "cron", cron: "@daily"},
		{name: "daily", raw: "daily:09:30", kind: SpecCron, source: "daily", cron: "30 9 * * *"},
		{name: "at", raw: "at:21:05", kind: SpecCron, source: "daily", cron: "5 21 * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSpec(tt.raw)
			if err != nil {
				t.Fatalf("ParseSpec(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
			if tt.kind == SpecCron && got.Cron != tt.cron {
				t.Fatalf("Cron = %q, want %q", got.Cron, tt.cron)
			}
		})
	}
}

func TestParseSpecInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "0s", "daily:24:00", "daily:10:75", "cron:", "cron:99 * * * *"} {
		if _, err := ParseSpec(raw); err == nil {
			t.Fatalf("ParseSpec(%q): expected error", raw)
		}
	}
}

func TestIntervalNextIsAnchoredGrid(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	iv := Interval{Every: 6 * time.Hour, Anchor: anchor}

	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{after: anchor.Add(-time.Minute), want: anchor},
		{after: anchor, want: anchor.Add(6 * time.Hour)},
		{after: anchor.Add(3 * time.Hour), want: anchor.Add(6 * time.Hour)},
		// a slow handler finishing late does not move the grid
		{after: anchor.Add(6*time.Hour + 17*time.Minute), want: anchor.Add(12 * time.Hour)},
		{after: anchor.Add(12 * time.Hour), want: anchor.Add(18 * time.Hour)},
		// missed occurrences are coalesced into the next grid point
		{after: anchor.Add(49 * time.Hour), want: anchor.Add(54 * time.Hour)},
	}
	for _, tt := range tests {
		if got := iv.Next(tt.after); !got.Equal(tt.want) {
			t.Fatalf("Next(%s) = %s, want %s", tt.after, got, tt.want)
		}
	}
}

func TestIntervalConsecutiveFiresDifferByPeriod(t *testing.T) {
	t.Parallel()
	anchor := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for _, p := range []time.Duration{time.Second, 7 * time.Minute, 6 * time.Hour, 25 * time.Hour} {
		iv := Interval{Every: p, Anchor: anchor}
		prev := iv.Next(anchor.Add(-time.Nanosecond))
		for i := 0; i < 50; i++ {
			// the fire is observed a bit late every time
			next := iv.Next(prev.Add(p / 3))
			if d := next.Sub(prev); d != p {
				t.Fatalf("period %s: consecutive fires differ by %s", p, d)
			}
			prev = next
		}
	}
}

func TestDailyInLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+7", 7*3600)
	c, err := Daily(9, 30, loc)
	if err != nil {
		t.Fatalf("Daily error: %v", err)
	}

	after := time.Date(2025, 3, 1, 9, 30, 0, 0, loc)
	got := c.Next(after)
	want := time.Date(2025, 3, 2, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next(%s) = %s, want %s", after, got, want)
	}

	// an after-time expressed in UTC is still evaluated in loc
	got = c.Next(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	want = time.Date(2025, 3, 1, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next(UTC midnight) = %s, want %s", got, want)
	}

	if _, err := Daily(24, 0, loc); err == nil {
		t.Fatalf("expected error for hour 24")
	}
}
