package kroute

import (
	"fmt"
	"os"

	"github.com/edgeflare/kroute/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	// Register built-in connectors and dedup drivers
	_ "github.com/edgeflare/kroute/pkg/dedup/postgres"
	_ "github.com/edgeflare/kroute/pkg/dedup/redis"
	_ "github.com/edgeflare/kroute/pkg/transport/kafka"
	_ "github.com/edgeflare/kroute/pkg/transport/memory"
	_ "github.com/edgeflare/kroute/pkg/transport/nats"
)

var (
	cfgFile  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kroute",
	Short: "kroute routes entity messages through a partitioned log",
	Long: `kroute publishes commands, events and rejections to one log topic per
entity type and tails those topics, keyed by entity id.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgFile); err != nil {
			return err
		}
		logger, err = newLogger(logLevel)
		return err
	},
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kroute.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info", "log at this level (debug, info, warn, error, none)")
	rootCmd.Flags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(topicsCmd, publishCmd, tailCmd)
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "none" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
