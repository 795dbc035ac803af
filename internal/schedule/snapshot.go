package schedule

import (
	"sort"
	"time"
)

// JobInfo is a point-in-time view of a registered job.
type JobInfo struct {
	ID           Handle        `json:"id"`
	Name         string        `json:"name"`
	Trigger      string        `json:"trigger"`
	Prev         time.Time     `json:"prev,omitempty"`
	Next         time.Time     `json:"next"`
	Running      bool          `json:"running"`
	Fires        uint64        `json:"fires"`
	Skips        uint64        `json:"skips"`
	LastError    string        `json:"last_error,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
}

// Snapshot lists registered jobs ordered by next fire time.
func (s *Scheduler) Snapshot() []JobInfo {
	s.mu.Lock()
	out := make([]JobInfo, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, JobInfo{
			ID:           e.id,
			Name:         e.job.Name,
			Trigger:      e.job.Trigger.String(),
			Prev:         e.prev,
			Next:         e.next,
			Running:      e.running,
			Fires:        e.fires,
			Skips:        e.skips,
			LastError:    e.lastErr,
			LastDuration: e.lastDur,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Next.Before(out[j].Next) })
	return out
}
