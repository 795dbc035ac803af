// Package notifier delivers failure reports to the admin chat.
//
// Reports are small, high-signal messages: a dispatch that could not be
// composed or delivered, an endpoint that fell back to polling, a rejected
// config reload. They go through an async queue with a single worker, a rate
// limit, a bounded retry and a dedup window so a failing schedule cannot
// flood the admin.
//
// # Dedup
//
// Identical reports (same kind, template, language, recipient and cause)
// inside the dedup window are suppressed. When PersistDedup is set and a
// store is configured the window survives restarts.
//
// # History
//
// The service keeps a short in-memory history of sent reports for /status.
package notifier
