// Package logx configures courier's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Log config hot-swappable (Service.Apply) without re-wiring components
package logx
