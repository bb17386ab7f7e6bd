package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	nodes   int
	timeout time.Duration
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "eval",
	Short: "Tool for evaluating the botnet gossip protocol",
	Run:   func(cmd *cobra.Command, args []string) {},
}

func init() {
	rootCmd.PersistentFlags().IntVar(&nodes, "nodes", 32, "number of bots in the cluster")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "time to wait for the cluster to converge")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "log bot activity")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to execute root command: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
