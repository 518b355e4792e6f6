package framing

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	idleTimeout   time.Duration // read deadline while no partial frame is buffered, 0 waits forever
	stallTimeout  time.Duration // read deadline while a partial frame is buffered
	writeTimeout  time.Duration // deadline for writing one frame
	readChunkSize int           // minimum free space offered to each transport read
	maxFrameSize  int           // payload limit, never above MaxFrameSize
}

// Option is a function that configures connection options.
type Option func(*options)

// IdleTimeoutOption returns an Option that bounds how long Receive waits for
// the first byte of a frame. Zero or negative waits forever.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// StallTimeoutOption returns an Option that bounds how long Receive waits for
// new bytes while a frame is partially buffered. A peer that sends part of a
// frame and then goes quiet fails with ErrStalled after this duration.
func StallTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.stallTimeout = timeout
	}
}

// WriteTimeoutOption returns an Option that sets the deadline for each Send.
func WriteTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = timeout
	}
}

// ReadChunkSizeOption returns an Option that sets how much free buffer space
// each transport read is offered.
func ReadChunkSizeOption(size int) Option {
	return func(o *options) {
		o.readChunkSize = size
	}
}

// MessageMaxSize returns an Option that lowers the maximum payload size.
// Values above MaxFrameSize are clamped to it.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
