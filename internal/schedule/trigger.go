package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes occurrences. Next returns the first occurrence strictly
// after the given time, or the zero time when there is none.
type Trigger interface {
	Next(after time.Time) time.Time
	String() string
}

// Interval fires at Anchor, Anchor+Every, Anchor+2*Every, ...
type Interval struct {
	Every  time.Duration
	Anchor time.Time
}

func (i Interval) Next(after time.Time) time.Time {
	if i.Every <= 0 {
		return time.Time{}
	}
	if after.Before(i.Anchor) {
		return i.Anchor
	}
	k := after.Sub(i.Anchor)/i.Every + 1
	return i.Anchor.Add(k * i.Every)
}

func (i Interval) String() string { return "every " + i.Every.String() }

// Cron wraps a robfig/cron schedule evaluated in a fixed location.
type Cron struct {
	Expr     string
	Location *time.Location

	sched cron.Schedule
}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewCron parses expr ("30 9 * * *", "@daily", ...) for the given location.
// A nil location means time.Local.
func NewCron(expr string, loc *time.Location) (Cron, error) {
	if loc == nil {
		loc = time.Local
	}
	expr = strings.TrimSpace(expr)
	s, err := cronParser.Parse(expr)
	if err != nil {
		return Cron{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return Cron{Expr: expr, Location: loc, sched: s}, nil
}

// Daily returns a trigger firing once per day at hour:minute in loc.
func Daily(hour, minute int, loc *time.Location) (Cron, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Cron{}, fmt.Errorf("invalid time of day %02d:%02d", hour, minute)
	}
	return NewCron(fmt.Sprintf("%d %d * * *", minute, hour), loc)
}

func (c Cron) Next(after time.Time) time.Time {
	if c.sched == nil {
		return time.Time{}
	}
	return c.sched.Next(after.In(c.Location))
}

func (c Cron) String() string {
	return "cron " + c.Expr + " (" + c.Location.String() + ")"
}

// SpecKind is the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// Spec is a parsed schedule string.
//
// Supported forms:
//   - Interval: "6h", "90m", "interval:6h", "every:01:30" (HH:MM as a duration)
//   - Daily at a time of day: "daily:09:30", "at:21:00"
//   - Cron: "0 9 * * *", "@hourly", "cron:0 */6 * * *"
type Spec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "daily" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSpec parses a schedule string without building a trigger.
func ParseSpec(raw string) (Spec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Spec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Spec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		if _, err := cronParser.Parse(expr); err != nil {
			return Spec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
		}
		return Spec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "daily:"), strings.HasPrefix(low, "at:"):
		v := s[strings.Index(s, ":")+1:]
		h, m, err := parseHHMM(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: SpecCron, Cron: fmt.Sprintf("%d %d * * *", m, h), Source: "daily"}, nil
	case strings.HasPrefix(low, "interval:"), strings.HasPrefix(low, "every:"):
		v := s[strings.Index(s, ":")+1:]
		d, src, err := parseInterval(v)
		if err != nil {
			return Spec{}, err
		}
		return Spec{Kind: SpecInterval, Every: d, Source: src}, nil
	}

	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		if _, err := cronParser.Parse(s); err != nil {
			return Spec{}, fmt.Errorf("invalid cron %q: %w", s, err)
		}
		return Spec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}

	d, src, err := parseInterval(s)
	if err != nil {
		return Spec{}, fmt.Errorf(
			"invalid schedule %q (use a duration like '6h', 'daily:09:30', or cron like '0 9 * * *')",
			raw,
		)
	}
	return Spec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// Trigger builds the trigger for a parsed spec. Interval triggers are
// anchored at anchor; cron triggers are evaluated in loc.
func (sp Spec) Trigger(anchor time.Time, loc *time.Location) (Trigger, error) {
	switch sp.Kind {
	case SpecInterval:
		if sp.Every <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return Interval{Every: sp.Every, Anchor: anchor}, nil
	case SpecCron:
		return NewCron(sp.Cron, loc)
	default:
		return nil, fmt.Errorf("unknown schedule kind %d", sp.Kind)
	}
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		h, m, err := splitHHMM(v)
		if err != nil {
			return 0, "", err
		}
		d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
		if d <= 0 {
			return 0, "", fmt.Errorf("interval must be > 0")
		}
		return d, "hhmm", nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'6h')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

// parseHHMM parses a time of day.
func parseHHMM(v string) (int, int, error) {
	h, m, err := splitHHMM(v)
	if err != nil {
		return 0, 0, err
	}
	if h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", strings.TrimSpace(v))
	}
	return h, m, nil
}

func splitHHMM(v string) (int, int, error) {
	sm := reHHMM.FindStringSubmatch(v)
	if len(sm) != 3 {
		return 0, 0, fmt.Errorf("invalid HH:MM %q", strings.TrimSpace(v))
	}
	h, _ := strconv.Atoi(sm[1])
	m, _ := strconv.Atoi(sm[2])
	if m > 59 {
		return 0, 0, fmt.Errorf("invalid minutes in %q", strings.TrimSpace(v))
	}
	return h, m, nil
}
