package broadcast

import (
	"time"

	"castbot/internal/delivery"
)

const (
	// History stays bounded; dispatches run forever on a schedule.
	historyMax = 50
	historyTTL = 7 * 24 * time.Hour
)

// Result describes one dispatch.
type Result struct {
	ID            string
	Trigger       string
	ConfigVersion uint64
	Template      string
	Language      string
	Recipient     string
	StartedAt     time.Time
	Took          time.Duration

	// ComposeErr is set when nothing was sent because the message could not
	// be built. Outcome is set once delivery was attempted.
	ComposeErr error
	Outcome    *delivery.Outcome
}

func (r Result) OK() bool {
	return r.ComposeErr == nil && r.Outcome != nil && r.Outcome.OK()
}

// Status is "delivered", "compose_failed" or the delivery failure status.
func (r Result) Status() string {
	switch {
	case r.ComposeErr != nil:
		return "compose_failed"
	case r.Outcome == nil:
		return "not_sent"
	default:
		return r.Outcome.Status.String()
	}
}

func (r Result) Err() error {
	if r.ComposeErr != nil {
		return r.ComposeErr
	}
	if r.Outcome != nil {
		return r.Outcome.Err
	}
	return nil
}

func (d *Dispatcher) remember(res Result) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cut := 0
	for cut < len(d.history) && res.StartedAt.Sub(d.history[cut].StartedAt) > historyTTL {
		cut++
	}
	d.history = append(d.history[cut:], res)
	if over := len(d.history) - historyMax; over > 0 {
		d.history = d.history[over:]
	}
}

// History returns recent dispatches, newest first.
func (d *Dispatcher) History() []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Result, len(d.history))
	for i, r := range d.history {
		out[len(d.history)-1-i] = r
	}
	return out
}

// Last returns the most recent dispatch.
func (d *Dispatcher) Last() (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.history) == 0 {
		return Result{}, false
	}
	return d.history[len(d.history)-1], true
}
