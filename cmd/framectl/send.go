package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/framing"
	"github.com/Zereker/framing/internal/config"
	"github.com/Zereker/framing/internal/logging"
	"github.com/Zereker/framing/internal/message"
)

const dialTimeout = 5 * time.Second

var (
	sendVersion     uint32
	sendInteractive bool
)

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Connect and send a version, messages and a bye",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		conn, err := dial(ctx, cfg, logging.Adapt(logger))
		if err != nil {
			return err
		}
		defer conn.Close()

		if sendInteractive {
			return runPrompt(ctx, conn, cmd.OutOrStdout())
		}
		return sendAll(ctx, conn, scriptFrames(sendVersion, args))
	},
}

func dial(ctx context.Context, c config.Config, log framing.Logger) (*framing.Conn[message.Frame], error) {
	serializer, err := message.NewSerializer(c.Serializer)
	if err != nil {
		return nil, err
	}

	d := net.Dialer{Timeout: dialTimeout}
	raw, err := d.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", c.Addr)
	}
	log.Info("connected", "addr", raw.RemoteAddr())

	return framing.NewConn(raw, serializer, c.ConnOptions(log)...)
}

// scriptFrames returns the frames sent by a non-interactive run.
func scriptFrames(version uint32, texts []string) []message.Frame {
	if len(texts) == 0 {
		texts = []string{"hello"}
	}
	frames := make([]message.Frame, 0, len(texts)+2)
	frames = append(frames, message.Version(version))
	for _, t := range texts {
		frames = append(frames, message.Text(t))
	}
	return append(frames, message.Bye())
}

func sendAll(ctx context.Context, conn *framing.Conn[message.Frame], frames []message.Frame) error {
	for _, f := range frames {
		if _, err := conn.Send(ctx, f); err != nil {
			return errors.Wrapf(err, "send %s", f)
		}
	}
	return nil
}

// parseLine turns a line typed at the prompt into a frame.
// "/version N" sends a version, "/bye" (or bye, exit, quit) sends a bye,
// anything else is sent as a message.
func parseLine(in string) (message.Frame, error) {
	in = strings.TrimSpace(in)
	switch {
	case isBye(in):
		return message.Bye(), nil
	case strings.HasPrefix(in, "/version"):
		arg := strings.TrimSpace(strings.TrimPrefix(in, "/version"))
		v, err := strconv.ParseUint(arg, 10, 32)
		if err != nil {
			return message.Frame{}, errors.Errorf("usage: /version <number>")
		}
		return message.Version(uint32(v)), nil
	default:
		return message.Text(in), nil
	}
}

func isBye(in string) bool {
	switch strings.TrimSpace(in) {
	case "/bye", "bye", "exit", "quit":
		return true
	}
	return false
}

func runPrompt(ctx context.Context, conn *framing.Conn[message.Frame], out io.Writer) error {
	fmt.Fprintln(out, "framectl interactive client")
	fmt.Fprintln(out, "Type a message, /version <n>, or /bye to quit.")

	var (
		sendErr error
		byeSent bool
	)
	executor := func(in string) {
		if strings.TrimSpace(in) == "" {
			return
		}
		f, err := parseLine(in)
		if err != nil {
			fmt.Fprintln(out, err)
			return
		}
		n, err := conn.Send(ctx, f)
		if err != nil {
			sendErr = err
			fmt.Fprintf(out, "could not send frame: %v\n", err)
			return
		}
		byeSent = f.Kind == message.KindBye
		fmt.Fprintf(out, "sent %s (%d bytes)\n", f, n)
	}

	prompt.New(
		executor,
		completer,
		prompt.OptionPrefix("framectl> "),
		prompt.OptionTitle("framectl"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && (byeSent || sendErr != nil)
		}),
	).Run()

	if sendErr == nil && !byeSent {
		_, sendErr = conn.Send(ctx, message.Bye())
	}
	return sendErr
}

func completer(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "/version", Description: "Send a version frame"},
		{Text: "/bye", Description: "Send bye and exit"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint32VarP(&sendVersion, "version", "v", 64, "Protocol version announced first")
	sendCmd.Flags().BoolVarP(&sendInteractive, "interactive", "i", false, "Read messages from an interactive prompt")
}
