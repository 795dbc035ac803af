package endpoint

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of the push endpoint.
type State int

const (
	Unregistered State = iota
	Registering
	Active
	Degraded
	Fallback
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Registering:
		return "registering"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Fallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Push reports whether inbound updates arrive through the webhook.
func (s State) Push() bool { return s == Active }

// Transition is published on the event bus for every state change.
type Transition struct {
	From    State
	To      State
	Reason  string
	Attempt int
	At      time.Time
}

// Status is a point-in-time view for /status and the health endpoint.
type Status struct {
	State    State
	Reason   string
	Since    time.Time
	Host     string
	Attempts int
}

// ErrPreflight wraps every failure detected before contacting the platform.
var ErrPreflight = errors.New("endpoint preflight failed")

// RegistrationError is returned when the retry budget is exhausted.
type RegistrationError struct {
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("webhook registration failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
