package framing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// newStringConnPair returns a framed server side and the raw client side.
func newStringConnPair(t *testing.T, opts ...Option) (*Conn[string], *net.TCPConn) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})

	conn, err := NewConn[string](serverConn, StringSerializer{}, opts...)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	return conn, clientConn
}

func mustEncode(t *testing.T, v string) []byte {
	t.Helper()
	frame, err := NewCodec[string](StringSerializer{}).Encode(v)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return frame
}

// readStep is one scripted result of scriptedConn.Read.
type readStep struct {
	data []byte
	err  error
}

// scriptedConn is a net.Conn whose reads follow a fixed script.
// Once the script is exhausted every read returns io.EOF.
type scriptedConn struct {
	mu     sync.Mutex
	steps  []readStep
	reads  int
	out    bytes.Buffer
	closed bool
}

func (c *scriptedConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reads++
	if len(c.steps) == 0 {
		return 0, io.EOF
	}
	step := c.steps[0]
	n := copy(p, step.data)
	if n < len(step.data) {
		c.steps[0].data = step.data[n:]
		return n, nil
	}
	c.steps = c.steps[1:]
	return n, step.err
}

func (c *scriptedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(p)
}

func (c *scriptedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1} }
func (c *scriptedConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2} }
func (c *scriptedConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptedConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptedConn) SetWriteDeadline(t time.Time) error { return nil }

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn[string](serverConn, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn == nil {
		t.Fatal("NewConn returned nil")
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
}

func TestNewConn_MissingSerializer(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn[string](serverConn, nil)
	if err != ErrInvalidSerializer {
		t.Errorf("expected ErrInvalidSerializer, got %v", err)
	}
}

func TestNewConn_MissingConn(t *testing.T) {
	_, err := NewConn[string](nil, StringSerializer{})
	if err != ErrInvalidConn {
		t.Errorf("expected ErrInvalidConn, got %v", err)
	}
}

func TestNewConn_WithAllOptions(t *testing.T) {
	logger := &mockLogger{}
	conn, _ := newStringConnPair(t,
		IdleTimeoutOption(time.Minute),
		StallTimeoutOption(2*time.Second),
		WriteTimeoutOption(3*time.Second),
		ReadChunkSizeOption(512),
		MessageMaxSize(2048),
		LoggerOption(logger),
	)

	if conn.opts.idleTimeout != time.Minute {
		t.Errorf("idleTimeout = %v, want %v", conn.opts.idleTimeout, time.Minute)
	}
	if conn.opts.stallTimeout != 2*time.Second {
		t.Errorf("stallTimeout = %v, want 2s", conn.opts.stallTimeout)
	}
	if conn.opts.writeTimeout != 3*time.Second {
		t.Errorf("writeTimeout = %v, want 3s", conn.opts.writeTimeout)
	}
	if conn.opts.readChunkSize != 512 {
		t.Errorf("readChunkSize = %d, want 512", conn.opts.readChunkSize)
	}
	if conn.codec.MaxSize() != 2048 {
		t.Errorf("codec max size = %d, want 2048", conn.codec.MaxSize())
	}
	if conn.logger != logger {
		t.Error("logger not set")
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := &options{idleTimeout: -time.Second, maxFrameSize: MaxFrameSize * 2}
	checkOptions(opts)

	if opts.readChunkSize != defaultReadChunkSize {
		t.Errorf("readChunkSize = %d, want %d", opts.readChunkSize, defaultReadChunkSize)
	}
	if opts.stallTimeout != defaultStallTimeout {
		t.Errorf("stallTimeout = %v, want %v", opts.stallTimeout, defaultStallTimeout)
	}
	if opts.writeTimeout != defaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, defaultWriteTimeout)
	}
	if opts.idleTimeout != 0 {
		t.Errorf("idleTimeout = %v, want 0", opts.idleTimeout)
	}
	if opts.maxFrameSize != MaxFrameSize {
		t.Errorf("maxFrameSize = %d, want %d", opts.maxFrameSize, MaxFrameSize)
	}
	if opts.logger == nil {
		t.Error("logger should have default value")
	}
}

func TestConn_Addr(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	addr := conn.Addr()
	if addr == nil {
		t.Fatal("Addr returned nil")
	}
	if addr.String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", addr, clientConn.LocalAddr())
	}
}

func TestConn_SendHello(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	n, err := conn.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if n != 13 {
		t.Errorf("Send wrote %d bytes, want 13", n)
	}

	got := make([]byte, 13)
	_ = clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if diff := cmp.Diff(mustEncode(t, "hello"), got); diff != "" {
		t.Errorf("wire bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestConn_SendReceiveRoundTrip(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	server, err := NewConn[string](serverConn, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	client, err := NewConn[string](clientConn, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	want := []string{"version", "szevasz", "", "bye"}
	go func() {
		for _, v := range want {
			if _, err := client.Send(context.Background(), v); err != nil {
				return
			}
		}
		client.Close()
	}()

	var got []string
	for {
		v, err := server.Receive(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		got = append(got, v)
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("frames mismatch (-want +got):\n%s", diff)
	}
	if !server.IsClosed() {
		t.Error("connection not closed after end of stream")
	}
	stats := server.Stats()
	if stats.FramesIn != int64(len(want)) {
		t.Errorf("FramesIn = %d, want %d", stats.FramesIn, len(want))
	}
}

func TestConn_ReceiveByteAtATime(t *testing.T) {
	conn, clientConn := newStringConnPair(t, ReadChunkSizeOption(1))
	frame := mustEncode(t, "trickled over many reads")

	go func() {
		for _, b := range frame {
			if _, err := clientConn.Write([]byte{b}); err != nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	v, err := conn.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if v != "trickled over many reads" {
		t.Errorf("Receive = %q", v)
	}
	if conn.Buffered() != 0 {
		t.Errorf("Buffered = %d, want 0", conn.Buffered())
	}
}

func TestConn_ReceiveCoalescedFrames(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	var stream []byte
	for _, v := range []string{"one", "two", "three"} {
		stream = append(stream, mustEncode(t, v)...)
	}
	if _, err := clientConn.Write(stream); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	for _, want := range []string{"one", "two", "three"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		v, err := conn.Receive(ctx)
		cancel()
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if v != want {
			t.Errorf("Receive = %q, want %q", v, want)
		}
	}
}

func TestConn_ReceiveEndOfStream(t *testing.T) {
	conn, clientConn := newStringConnPair(t)
	clientConn.Close()

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrEndOfStream) {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed")
	}

	_, err = conn.Receive(context.Background())
	if err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_ReceiveFrameThenEndOfStream(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	if _, err := clientConn.Write(mustEncode(t, "last words")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	clientConn.Close()

	v, err := conn.Receive(context.Background())
	if err != nil || v != "last words" {
		t.Fatalf("Receive = (%q, %v)", v, err)
	}
	_, err = conn.Receive(context.Background())
	if !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestConn_ReceiveTruncatedFrame(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	frame := mustEncode(t, "hello")
	if _, err := clientConn.Write(frame[:6]); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	clientConn.Close()

	_, err := conn.Receive(context.Background())
	if errors.Is(err, ErrEndOfStream) {
		t.Fatal("partial frame reported as end of stream")
	}
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Fatalf("expected ErrTruncatedFrame, got %v", err)
	}
	if !IsFatal(err) {
		t.Error("truncated frame not fatal")
	}
}

func TestConn_ReceiveZeroByteReads(t *testing.T) {
	frame := mustEncode(t, "hello")
	raw := &scriptedConn{steps: []readStep{
		{data: frame[:6]},
		{}, // zero bytes, no error
		{},
		{data: frame[6:]},
	}}

	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	v, err := conn.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if v != "hello" {
		t.Errorf("Receive = %q, want hello", v)
	}
	if raw.reads != 4 {
		t.Errorf("reads = %d, want 4", raw.reads)
	}

	_, err = conn.Receive(context.Background())
	if !errors.Is(err, ErrEndOfStream) {
		t.Errorf("expected ErrEndOfStream, got %v", err)
	}
}

func TestConn_ReceiveEmptyReadsGiveUp(t *testing.T) {
	steps := make([]readStep, maxEmptyReads+10)
	raw := &scriptedConn{steps: steps}

	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	_, err = conn.Receive(context.Background())
	if !errors.Is(err, ErrTransport) || !errors.Is(err, io.ErrNoProgress) {
		t.Fatalf("expected transport error wrapping io.ErrNoProgress, got %v", err)
	}
	if raw.reads != maxEmptyReads {
		t.Errorf("reads = %d, want %d", raw.reads, maxEmptyReads)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed")
	}
}

func TestConn_ReceiveDataWithEOF(t *testing.T) {
	first := mustEncode(t, "a")
	second := mustEncode(t, "b")
	raw := &scriptedConn{steps: []readStep{
		{data: append(append([]byte(nil), first...), second[:3]...), err: io.EOF},
	}}

	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	v, err := conn.Receive(context.Background())
	if err != nil || v != "a" {
		t.Fatalf("Receive = (%q, %v), want a", v, err)
	}
	_, err = conn.Receive(context.Background())
	if !errors.Is(err, ErrTruncatedFrame) {
		t.Errorf("expected ErrTruncatedFrame, got %v", err)
	}
	if !raw.closed {
		t.Error("transport not closed")
	}
}

func TestConn_ReceiveStalled(t *testing.T) {
	conn, clientConn := newStringConnPair(t, StallTimeoutOption(100*time.Millisecond))

	frame := mustEncode(t, "never finished")
	if _, err := clientConn.Write(frame[:HeaderSize+1]); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	start := time.Now()
	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stall detected after %v", elapsed)
	}
	if KindOf(err) != KindStall {
		t.Errorf("KindOf = %v, want stall", KindOf(err))
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after stall")
	}
}

func TestConn_ReceiveSlowCallerIsNotStalled(t *testing.T) {
	conn, clientConn := newStringConnPair(t, StallTimeoutOption(200*time.Millisecond))

	first := mustEncode(t, "first")
	second := mustEncode(t, "second")
	if _, err := clientConn.Write(append(first, second[:3]...)); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	v, err := conn.Receive(context.Background())
	if err != nil || v != "first" {
		t.Fatalf("Receive = (%q, %v), want first", v, err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := clientConn.Write(second[3:]); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	// The caller is busy for longer than the stall timeout; the peer is not.
	time.Sleep(350 * time.Millisecond)

	v, err = conn.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive failed: %v (kind %s)", err, KindOf(err))
	}
	if v != "second" {
		t.Errorf("Receive = %q, want second", v)
	}
	if conn.IsClosed() {
		t.Error("connection closed after a slow caller")
	}
}

func TestConn_ReceiveIdleTimeout(t *testing.T) {
	conn, _ := newStringConnPair(t, IdleTimeoutOption(50*time.Millisecond))

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if errors.Is(err, ErrStalled) {
		t.Error("idle connection reported as stalled")
	}
}

func TestConn_ReceiveOversize(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	if _, err := clientConn.Write(rawFrame(MaxFrameSize+1, []byte("xx"))); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after oversize frame")
	}
}

func TestConn_ReceiveMalformed(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	if _, err := clientConn.Write(rawFrame(5, []byte{9, 0, 0, 0, 'x'})); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	_, err := conn.Receive(context.Background())
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after malformed payload")
	}
}

func TestConn_ReceiveContextCanceledKeepsBuffer(t *testing.T) {
	conn, clientConn := newStringConnPair(t)
	frame := mustEncode(t, "resumed")

	if _, err := clientConn.Write(frame[:HeaderSize]); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := conn.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if conn.IsClosed() {
		t.Fatal("connection closed by context cancellation")
	}

	if _, err := clientConn.Write(frame[HeaderSize:]); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	v, err := conn.Receive(context.Background())
	if err != nil || v != "resumed" {
		t.Errorf("Receive = (%q, %v), want resumed", v, err)
	}
}

func TestConn_SendClosed(t *testing.T) {
	conn, _ := newStringConnPair(t)
	conn.Close()

	if _, err := conn.Send(context.Background(), "x"); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
}

func TestConn_SendOversizeKeepsConnection(t *testing.T) {
	conn, _ := newStringConnPair(t, MessageMaxSize(8))

	n, err := conn.Send(context.Background(), "much longer than eight bytes")
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
	if n != 0 {
		t.Errorf("Send wrote %d bytes", n)
	}
	if conn.IsClosed() {
		t.Error("connection closed by encode failure")
	}

	if _, err := conn.Send(context.Background(), "ok"); err != nil {
		t.Errorf("Send after encode failure: %v", err)
	}
}

func TestConn_SendSerializationError(t *testing.T) {
	raw := &scriptedConn{}
	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	_, err = conn.Send(context.Background(), string([]byte{0xff}))
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if raw.out.Len() != 0 {
		t.Errorf("%d bytes written for a failed encode", raw.out.Len())
	}
	if conn.IsClosed() {
		t.Error("connection closed by serialization failure")
	}
}

func TestConn_SendWriteError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn[string](serverConn, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	// Close the transport underneath the Conn.
	serverConn.Close()

	_, err = conn.Send(context.Background(), "lost")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if !errors.Is(err, net.ErrClosed) {
		t.Errorf("cause not preserved: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after write error")
	}
}

func TestConn_SendContextCanceled(t *testing.T) {
	raw := &scriptedConn{}
	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := conn.Send(ctx, "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if raw.out.Len() != 0 {
		t.Error("bytes written after cancellation")
	}
}

func TestConn_Run(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	var stream []byte
	for _, v := range []string{"a", "b", "bye", "after bye"} {
		stream = append(stream, mustEncode(t, v)...)
	}
	if _, err := clientConn.Write(stream); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	var got []string
	err := conn.Run(context.Background(), func(v string) error {
		got = append(got, v)
		if v == "bye" {
			return ErrCloseRequested
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "bye"}, got); diff != "" {
		t.Errorf("handled frames mismatch (-want +got):\n%s", diff)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after Run")
	}
}

func TestConn_Run_EndOfStream(t *testing.T) {
	conn, clientConn := newStringConnPair(t)

	if _, err := clientConn.Write(mustEncode(t, "only")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	clientConn.Close()

	count := 0
	err := conn.Run(context.Background(), func(string) error {
		count++
		return nil
	})
	if err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestConn_Run_HandlerError(t *testing.T) {
	logger := &mockLogger{}
	conn, clientConn := newStringConnPair(t, LoggerOption(logger))

	if _, err := clientConn.Write(mustEncode(t, "boom")); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	handlerErr := errors.New("handler error")
	err := conn.Run(context.Background(), func(string) error {
		return handlerErr
	})
	if err != handlerErr {
		t.Errorf("expected handler error, got %v", err)
	}
	entry, ok := logger.find("warn", "connection closed with error")
	if !ok {
		t.Fatal("error close not logged as warning")
	}
	if kind, _ := entry.field("kind"); kind != "other" {
		t.Errorf("kind = %v, want other", kind)
	}
	if _, ok := entry.field("addr"); !ok {
		t.Error("addr not logged")
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	conn, _ := newStringConnPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx, func(string) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConn_Close(t *testing.T) {
	conn, _ := newStringConnPair(t)

	if conn.IsClosed() {
		t.Error("connection should not be closed initially")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed")
	}
	// Close is idempotent
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestConn_Stats(t *testing.T) {
	raw := &scriptedConn{steps: []readStep{{data: mustEncode(t, "in")}}}
	conn, err := NewConn[string](raw, StringSerializer{})
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if _, err := conn.Send(context.Background(), "out"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if _, err := conn.Receive(context.Background()); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	want := Stats{FramesIn: 1, FramesOut: 1, BytesIn: 10, BytesOut: 11}
	if diff := cmp.Diff(want, conn.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}
