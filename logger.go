package framing

import (
	"log/slog"
	"net"
)

// Logger receives the diagnostics of connections and servers: one message
// plus alternating key-value pairs. *slog.Logger satisfies it, and so does a
// thin adapter over any structured logger.
//
// Connections log their lifecycle at Info, per-frame failures at Debug and an
// abnormal close at Warn. Every line carries the peer address under "addr"
// (or "remote_addr" for the server), and failures carry "kind" and "error".
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return slog.Default()
}

// withAddr prefixes kv with the peer address.
func withAddr(addr net.Addr, kv ...any) []any {
	return append([]any{"addr", addr}, kv...)
}

// errorFields returns key-value pairs describing err for a log line.
func errorFields(err error) []any {
	return []any{"kind", KindOf(err).String(), "error", err}
}
