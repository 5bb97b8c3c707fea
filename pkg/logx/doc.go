// Package logx configures chanrelay's structured logging.
//
// The relay uses a small value-type wrapper (logx.Logger) on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON, one event per line
//   - An optional Telegram alert sink forwards warnings to an ops chat,
//     throttled by a token bucket so an outage can't flood the chat
package logx
