// Package schedule runs recurring jobs on interval and cron triggers.
//
// A Scheduler keeps jobs in a min-heap ordered by their next fire time and
// sleeps until the earliest one is due. Each due job runs in its own
// goroutine, so a slow body never delays other jobs. A job never overlaps
// itself: an occurrence that comes due while the previous run is still in
// flight is skipped, and the schedule advances anyway.
//
// After every fire the next fire time is computed from the trigger as the
// first occurrence strictly after the fire time. Interval triggers stay on a
// fixed grid (anchor + k*period), so handler duration never shifts later
// fires, and an occurrence missed while the process was suspended is
// coalesced into a single fire.
package schedule
