package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Zereker/framing"
)

// echoServer sends every string frame back to the connection it came from.
type echoServer struct {
	connID int64

	sync.RWMutex
	connections map[int64]*framing.Conn[string]
}

func newEchoServer(connID int64) *echoServer {
	return &echoServer{connID: connID, connections: make(map[int64]*framing.Conn[string])}
}

func (s *echoServer) Handle(ctx context.Context, conn *net.TCPConn) error {
	connID := atomic.AddInt64(&s.connID, 1)

	newConn, err := framing.NewConn[string](conn, framing.StringSerializer{},
		framing.StallTimeoutOption(5*time.Second),
		framing.IdleTimeoutOption(time.Minute),
	)
	if err != nil {
		return err
	}

	s.addConn(connID, newConn)
	defer s.deleteConn(connID)

	// Echo
	return newConn.Run(ctx, func(m string) error {
		_, err := newConn.Send(ctx, m)
		return err
	})
}

func (s *echoServer) addConn(connID int64, conn *framing.Conn[string]) {
	s.Lock()
	defer s.Unlock()

	slog.Info("add new conn", "connID", connID, "addr", conn.Addr())
	s.connections[connID] = conn
}

func (s *echoServer) deleteConn(connID int64) {
	s.Lock()
	defer s.Unlock()

	delete(s.connections, connID)
	slog.Info("delete conn", "connID", connID, "active", len(s.connections))
}

func (s *echoServer) activeConns() int {
	s.RLock()
	defer s.RUnlock()

	return len(s.connections)
}

func main() {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := framing.New(addr, framing.ServerShutdownTimeoutOption(3*time.Second))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("server start", "addr", addr.String())
	if err := server.Serve(ctx, newEchoServer(time.Now().Unix())); err != nil && err != context.Canceled {
		slog.Error("server error", "error", err)
	}
}
