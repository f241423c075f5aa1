// Package logx provides the structured logging facade used across autosend.
//
// It wraps zerolog behind a small value-type Logger so call sites never deal
// with sink configuration, and a Service that can swap sinks (console, file)
// at runtime when the config file is hot-reloaded.
package logx
