// Command ghostmap runs index map scenarios on an in-process group or as one
// rank of a TCP group.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/notargets/ghostmap/config"
	"github.com/notargets/ghostmap/logging"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "ghostmap",
		Short:         "Distributed index maps and ghost exchanges",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "scenario.toml", "scenario file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the scenario and "+logging.EnvLogLevel)
	rootCmd.AddCommand(runCmd, graphCmd, exampleCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "ghostmap:", err)
		os.Exit(1)
	}
}

// loadScenario reads the scenario named by --config and builds the logger it
// asks for.
func loadScenario() (config.Scenario, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Scenario{}, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

// newLogger layers the scenario level under the environment and the flag.
func newLogger(cfg config.Scenario) zerolog.Logger {
	lc := logging.LoadConfig(logging.ProfileRuntime)
	if os.Getenv(logging.EnvLogLevel) == "" {
		if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
			lc.Level = lvl
		}
	}
	if lvl, ok := logging.ParseLevel(logLevel); ok {
		lc.Level = lvl
	}
	return logging.New(os.Stderr, lc).With().Str("scenario", cfg.Name).Logger()
}
