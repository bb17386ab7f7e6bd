package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	botnet "github.com/strongloop-forks/node-botnet"
	"github.com/strongloop-forks/node-botnet/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	rootCmd := &cobra.Command{Use: "botnet"}

	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Start a bot",
		RunE:  runNode,
	}
	nodeCmd.Flags().String("config", ".", "Directory containing key.pem, cert.pem, ca-cert.pem and known-bots.txt")
	nodeCmd.Flags().String("listen", "", "Listen address (defaults to port 8123, or any free port if in use)")
	nodeCmd.Flags().StringSlice("connect", nil, "Addresses of bots to connect to, in addition to known-bots.txt")
	nodeCmd.Flags().String("transport", "", "Transport to use: tls or quic (defaults to tls)")
	nodeCmd.Flags().String("log-level", "", "Log level (defaults to info)")

	rootCmd.AddCommand(nodeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	settings := cfg.Settings

	// Flags override the settings file.
	if cmd.Flags().Changed("listen") {
		settings.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("transport") {
		settings.Transport, _ = cmd.Flags().GetString("transport")
	}
	if cmd.Flags().Changed("log-level") {
		settings.LogLevel, _ = cmd.Flags().GetString("log-level")
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(settings.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	connect, _ := cmd.Flags().GetStringSlice("connect")
	seeds := append(append([]string(nil), cfg.KnownBots...), connect...)

	var transport botnet.Transport
	switch settings.Transport {
	case config.TransportQUIC:
		transport = botnet.NewQUICTransport(cfg.Certificate, cfg.Roots, logger)
	default:
		transport = botnet.NewTLSTransport(cfg.Certificate, cfg.Roots, logger)
	}

	opts := []botnet.Option{
		botnet.WithTransport(transport),
		botnet.WithLogger(logger),
		botnet.WithSeeds(seeds...),
		botnet.WithMaxReconnectAttempts(settings.MaxReconnectAttempts),
		botnet.WithOnListening(func(addr net.Addr) {
			logger.Info("ready", zap.String("addr", addr.String()))
		}),
		botnet.WithOnMessage(func(msg json.RawMessage, peer *botnet.Peer) {
			logger.Info("message", zap.Uint64("peer", peer.SessionID()), zap.ByteString("msg", msg))
		}),
		botnet.WithOnUpgrade(func(u *botnet.Upgrade) {
			// Shell sessions need a terminal host which this daemon doesn't
			// provide.
			logger.Warn(
				"rejecting upgrade",
				zap.Uint64("peer", u.Peer.SessionID()),
				zap.String("type", u.Type),
			)
			u.Close()
		}),
	}
	if settings.GossipInterval > 0 {
		opts = append(opts, botnet.WithGossipInterval(settings.GossipInterval))
	}
	if settings.HeartbeatInterval > 0 {
		opts = append(opts, botnet.WithHeartbeatInterval(settings.HeartbeatInterval))
	}
	if settings.PeerTimeout > 0 {
		opts = append(opts, botnet.WithPeerTimeout(settings.PeerTimeout))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot, err := botnet.Create(opts...)
	if err != nil {
		return fmt.Errorf("failed to create bot: %w", err)
	}
	if err := bot.Listen(settings.Listen); err != nil {
		bot.Close()
		return err
	}

	logger.Info(
		"bot started",
		zap.Uint64("session", bot.SessionID()),
		zap.Strings("seeds", seeds),
		zap.String("transport", transportName(settings.Transport)),
	)

	<-ctx.Done()

	logger.Info("shutting down")

	done := make(chan error, 1)
	go func() {
		done <- bot.Close()
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out closing bot")
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func transportName(transport string) string {
	if transport == "" {
		return config.TransportTLS
	}
	return transport
}
