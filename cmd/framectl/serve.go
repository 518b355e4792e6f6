package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/framing"
	"github.com/Zereker/framing/internal/config"
	"github.com/Zereker/framing/internal/logging"
	"github.com/Zereker/framing/internal/message"
)

var statsInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and print received frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runServe(ctx, cfg, logging.Adapt(logger), cmd.OutOrStdout(), statsInterval)
	},
}

// frameHandler prints the frames of every connection it is given.
type frameHandler struct {
	cfg        config.Config
	serializer framing.Serializer[message.Frame]
	logger     framing.Logger

	mu  sync.Mutex // guards out
	out io.Writer

	frames atomic.Int64
}

func (h *frameHandler) Handle(ctx context.Context, raw *net.TCPConn) error {
	conn, err := framing.NewConn(raw, h.serializer, h.cfg.ConnOptions(h.logger)...)
	if err != nil {
		return err
	}

	return conn.Run(ctx, func(f message.Frame) error {
		if err := f.Validate(); err != nil {
			return err
		}
		h.frames.Add(1)
		h.print(conn.Addr(), f)

		if f.Kind == message.KindBye {
			return framing.ErrCloseRequested
		}
		return nil
	})
}

func (h *frameHandler) print(from net.Addr, f message.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch f.Kind {
	case message.KindVersion:
		fmt.Fprintf(h.out, "%s: got version: %d\n", from, f.Version)
	case message.KindMessage:
		fmt.Fprintf(h.out, "%s: got message: %s\n", from, f.Text)
	case message.KindBye:
		fmt.Fprintf(h.out, "%s: client closed connection\n", from)
	}
}

func runServe(ctx context.Context, c config.Config, log framing.Logger, out io.Writer, interval time.Duration) error {
	addr, err := net.ResolveTCPAddr("tcp", c.Addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", c.Addr)
	}
	serializer, err := message.NewSerializer(c.Serializer)
	if err != nil {
		return err
	}

	server, err := framing.New(addr, c.ServerOptions(log)...)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", c.Addr)
	}
	defer server.Close()

	handler := &frameHandler{cfg: c, serializer: serializer, logger: log, out: out}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(gctx, handler)
	})
	if interval > 0 {
		group.Go(func() error {
			reportStats(gctx, log, server, handler, interval)
			return nil
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reportStats logs server activity every interval until ctx is done.
func reportStats(ctx context.Context, log framing.Logger, server *framing.Server, h *frameHandler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			log.Info("server stats",
				"active_conns", server.ActiveConns(),
				"frames", h.frames.Load(),
				"goroutines", runtime.NumGoroutine(),
				"heap_alloc_mb", m.HeapAlloc/1024/1024)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().DurationVar(&statsInterval, "stats-interval", 0, "Log server stats at this interval (0 disables)")
}
