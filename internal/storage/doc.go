// Package storage is castbot's small persistence layer.
//
// It keeps:
//   - an append-only audit log (admin commands, endpoint transitions, dispatches)
//   - dedup deadlines for welcome messages and admin reports, so a restart
//     does not greet the same member twice
package storage
