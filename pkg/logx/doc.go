// Package logx is the structured logging wrapper used across wxnotice.
//
// logx.Logger sits on top of zerolog and keeps:
//   - console output readable (short timestamp + short caller)
//   - file output as JSON lines
//   - level and sinks swappable at runtime through Service.Apply
package logx
