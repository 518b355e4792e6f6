package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Zereker/framing/internal/config"
	"github.com/Zereker/framing/internal/logging"
)

var (
	configPath     string
	flagAddr       string
	flagSerializer string
	flagLogLevel   string

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "framectl",
	Short: "Exchange length-prefixed frames over TCP",
	Long: `framectl runs either side of a length-prefixed framing connection:
"serve" accepts connections and prints every frame it receives,
"send" connects once and sends a version, some messages and a bye.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup(cmd.Flags())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// setup resolves the configuration (defaults, file, environment, flags in
// that order) and builds the logger.
func setup(flags *pflag.FlagSet) error {
	c := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		c = loaded
	}

	c.LogLevel = logging.LevelFromEnv(c.LogLevel)
	if flags.Changed("addr") {
		c.Addr = flagAddr
	}
	if flags.Changed("serializer") {
		c.Serializer = flagSerializer
	}
	if flags.Changed("log-level") {
		c.LogLevel = flagLogLevel
	}
	if err := c.Validate(); err != nil {
		return err
	}

	l, err := logging.New(c.LogLevel)
	if err != nil {
		return errors.Wrap(err, "build logger")
	}

	cfg, logger = c, l
	return nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Sugar().Error(err)
			_ = logger.Sync()
		}
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	flags.StringVarP(&flagAddr, "addr", "a", config.Default().Addr, "Address to listen on or connect to")
	flags.StringVarP(&flagSerializer, "serializer", "s", config.Default().Serializer, "Payload serializer: cbor or gob")
	flags.StringVarP(&flagLogLevel, "log-level", "l", config.Default().LogLevel, "Log level: debug, info, warn, error")
}
