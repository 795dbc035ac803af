// Package logx configures castbot's structured logging.
//
// It wraps zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional admin chat sink (min-level + rate limiting)
package logx
