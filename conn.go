// Package framing exchanges discrete messages over a TCP byte stream using
// length-prefixed frames. A Codec turns values into frames and back; a Conn
// owns one connection and its receive buffer, reassembling frames across
// partial reads.
package framing

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Default configuration values.
const (
	// defaultReadChunkSize is the free space offered to each transport read.
	defaultReadChunkSize = 4096
	// defaultStallTimeout bounds the wait for the rest of a partial frame.
	defaultStallTimeout = 10 * time.Second
	// defaultWriteTimeout bounds the write of a single frame.
	defaultWriteTimeout = 30 * time.Second
	// maxRetainedSendBuffer is the largest staging buffer kept between sends.
	maxRetainedSendBuffer = 64 * 1024
	// maxEmptyReads bounds consecutive reads returning no data and no error.
	maxEmptyReads = 100
)

// Stats counts traffic on a connection.
type Stats struct {
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}

// Conn carries frames of type T over one transport connection.
//
// Receive and Send may run on different goroutines, but Receive must not be
// called concurrently with itself, nor Send with itself. Close is safe from
// any goroutine. Any fatal error closes the connection.
type Conn[T any] struct {
	rawConn net.Conn
	codec   *Codec[T]
	logger  Logger

	opts options

	recvBuf  bytes.Buffer
	readErr  error     // transport error seen after the last buffered bytes
	lastRead time.Time // arrival of the most recent bytes, or start of the current Receive
	offset   int64     // stream offset of the first unconsumed byte
	empty    int       // consecutive reads that returned no data and no error

	sendBuf []byte

	closed    atomic.Bool
	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

// NewConn creates a new connection wrapper around conn that encodes frame
// payloads with s. Returns an error if conn or s is missing.
func NewConn[T any](conn net.Conn, s Serializer[T], opt ...Option) (*Conn[T], error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}
	if s == nil {
		return nil, ErrInvalidSerializer
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Conn[T]{
		rawConn: conn,
		codec:   NewCodec(s, CodecMaxSize(opts.maxFrameSize)),
		logger:  opts.logger,
		opts:    opts,
	}, nil
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.readChunkSize <= 0 {
		opts.readChunkSize = defaultReadChunkSize
	}

	if opts.stallTimeout <= 0 {
		opts.stallTimeout = defaultStallTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.maxFrameSize <= 0 || opts.maxFrameSize > MaxFrameSize {
		opts.maxFrameSize = MaxFrameSize
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// Send encodes v and writes the frame to the connection, returning the number
// of bytes the transport accepted. Encoding errors are returned before any
// byte is written and leave the connection usable; write errors close it.
func (c *Conn[T]) Send(ctx context.Context, v T) (int, error) {
	if c.closed.Load() {
		return 0, ErrConnectionClosed
	}

	frame, err := c.codec.AppendFrame(c.sendBuf[:0], v)
	if err != nil {
		return 0, err
	}
	c.sendBuf = frame
	defer c.releaseSendBuffer()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = c.rawConn.SetWriteDeadline(time.Now())
		})
		defer stop()
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n, err := c.rawConn.Write(frame)
	c.bytesOut.Add(int64(n))
	if err != nil {
		// A partially written frame leaves the peer out of sync.
		err = transportError(err, "write frame: %d of %d bytes written", n, len(frame))
		c.logger.Debug("write error", withAddr(c.Addr(), errorFields(err)...)...)
		c.closeConn()
		return n, err
	}

	c.framesOut.Add(1)
	return n, nil
}

func (c *Conn[T]) releaseSendBuffer() {
	if cap(c.sendBuf) > maxRetainedSendBuffer {
		c.sendBuf = nil
	}
}

// Receive blocks until the next complete frame is available and returns it.
//
// Bytes beyond the returned frame stay buffered for the next call. It returns
// ErrEndOfStream when the peer closes with nothing buffered, ErrTruncatedFrame
// when it closes inside a frame, and ErrStalled when a partial frame sees no
// new bytes for the stall timeout. The stall clock restarts on every call, so
// a slow caller never stalls its own peer.
//
// Only io.EOF ends the stream. A read returning no bytes and no error is
// retried, as io.Reader permits, up to 100 times in a row; after
// that Receive fails with a transport error wrapping io.ErrNoProgress.
//
// Cancelling ctx interrupts the wait and returns ctx.Err() with the buffer
// intact; every other error closes the connection.
func (c *Conn[T]) Receive(ctx context.Context) (T, error) {
	var zero T
	if c.closed.Load() {
		return zero, ErrConnectionClosed
	}
	// Time spent outside Receive is the caller's, not the peer's.
	if c.recvBuf.Len() > 0 {
		c.lastRead = time.Now()
	}

	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			_ = c.rawConn.SetReadDeadline(time.Now())
		})
		defer stop()
	}

	for {
		if c.recvBuf.Len() > 0 {
			length, _ := PeekLength(c.recvBuf.Bytes())
			v, ok, err := c.codec.Decode(&c.recvBuf)
			if err != nil {
				return zero, c.fail(errors.Wrapf(err, "decode at offset %d", c.offset))
			}
			if ok {
				c.offset += int64(HeaderSize) + int64(length)
				c.framesIn.Add(1)
				return v, nil
			}
		}

		if c.readErr != nil {
			return zero, c.fail(c.readFailure(c.readErr))
		}

		err := c.readSome(ctx)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, ctxErr) || isTimeout(err)) {
			return zero, ctxErr
		}
		c.readErr = err
	}
}

// readSome performs one transport read into the receive buffer.
func (c *Conn[T]) readSome(ctx context.Context) error {
	if err := c.rawConn.SetReadDeadline(c.readDeadline()); err != nil {
		return err
	}
	// Checked after arming the deadline so a concurrent cancel cannot be lost.
	if err := ctx.Err(); err != nil {
		return err
	}

	c.recvBuf.Grow(c.opts.readChunkSize)
	free := c.recvBuf.AvailableBuffer()
	n, err := c.rawConn.Read(free[:cap(free)])
	if n > 0 {
		c.recvBuf.Write(free[:n])
		c.lastRead = time.Now()
		c.bytesIn.Add(int64(n))
		c.empty = 0
		return err
	}
	if err == nil {
		if c.empty++; c.empty >= maxEmptyReads {
			return io.ErrNoProgress
		}
	}
	return err
}

// readDeadline returns the deadline for the next read. A non-empty buffer
// always holds a partial frame here, which is subject to the stall timeout.
func (c *Conn[T]) readDeadline() time.Time {
	if c.recvBuf.Len() > 0 {
		return c.lastRead.Add(c.opts.stallTimeout)
	}
	if c.opts.idleTimeout > 0 {
		return time.Now().Add(c.opts.idleTimeout)
	}
	return time.Time{}
}

// readFailure maps a transport read error to the error taxonomy.
func (c *Conn[T]) readFailure(err error) error {
	buffered := c.recvBuf.Len()
	want := HeaderSize
	if length, ok := PeekLength(c.recvBuf.Bytes()); ok {
		want += int(length)
	}

	switch {
	case errors.Is(err, io.EOF) && buffered == 0:
		return errors.Wrapf(ErrEndOfStream, "after %d bytes", c.offset)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrapf(ErrTruncatedFrame, "offset %d: %d of %d bytes buffered", c.offset, buffered, want)
	case isTimeout(err) && buffered > 0:
		return errors.Wrapf(ErrStalled, "offset %d: %d of %d bytes buffered, no data for %s",
			c.offset, buffered, want, c.opts.stallTimeout)
	default:
		return transportError(err, "read at offset %d", c.offset+int64(buffered))
	}
}

// fail closes the connection after a fatal receive error.
func (c *Conn[T]) fail(err error) error {
	if !errors.Is(err, ErrEndOfStream) {
		c.logger.Debug("read error", withAddr(c.Addr(), errorFields(err)...)...)
	}
	c.closeConn()
	return err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Run receives frames until the stream ends, ctx is canceled or an error
// occurs, passing each one to handler. The connection is closed when Run
// returns.
//
// A clean end of stream, or a handler returning ErrCloseRequested, ends Run
// with a nil error. Any other handler error is returned as is.
func (c *Conn[T]) Run(ctx context.Context, handler func(T) error) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"read_chunk_size", c.opts.readChunkSize,
		"max_frame_size", c.opts.maxFrameSize,
		"idle_timeout", c.opts.idleTimeout,
		"stall_timeout", c.opts.stallTimeout,
		"write_timeout", c.opts.writeTimeout)

	err := c.receiveLoop(ctx, handler)
	c.closeConn()

	stats := c.Stats()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("connection closed with error", withAddr(c.Addr(),
			append([]any{"frames_in", stats.FramesIn, "frames_out", stats.FramesOut}, errorFields(err)...)...)...)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr(),
			"frames_in", stats.FramesIn, "frames_out", stats.FramesOut)
	}

	return err
}

func (c *Conn[T]) receiveLoop(ctx context.Context, handler func(T) error) error {
	for {
		v, err := c.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrEndOfStream) {
				return nil
			}
			return err
		}

		if err = handler(v); err != nil {
			if errors.Is(err, ErrCloseRequested) {
				return nil
			}
			return err
		}
	}
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn[T]) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn[T]) IsClosed() bool {
	return c.closed.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn[T]) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// Buffered returns the number of received bytes not yet consumed as frames.
func (c *Conn[T]) Buffered() int {
	return c.recvBuf.Len()
}

// Stats returns traffic counters for the connection.
func (c *Conn[T]) Stats() Stats {
	return Stats{
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
	}
}

// closeConn marks the connection as closed and closes the underlying connection.
func (c *Conn[T]) closeConn() {
	_ = c.Close()
}
