// Command epnode runs a standalone EnergyNet Protocol node.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	ep "github.com/energynet-proto/epnode"
	"github.com/energynet-proto/epnode/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "epnode",
		Short:         "EnergyNet Protocol node",
		Long:          "epnode runs a peer-to-peer EnergyNet Protocol session endpoint.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "epnode.yaml", "path to configuration file (YAML)")
	return root
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)

	reg := prometheus.NewRegistry()
	metrics := ep.NewPrometheusMetrics(reg)

	identity := identityFromConfig(cfg.Identity)

	opts := []ep.Option{
		ep.WithLogger(logger),
		ep.WithMetrics(metrics),
		ep.WithDefaultTickRate(cfg.Transfer.DefaultTickRate),
	}
	if cfg.Listen.Enabled {
		opts = append(opts, ep.WithListenPort(cfg.Listen.Port))
	}

	node := ep.NewNode(identity, opts...)

	for _, pc := range cfg.Peers {
		peerCfg, err := peerConfigFromConfig(pc)
		if err != nil {
			return fmt.Errorf("peer %q: %w", pc.PeerID, err)
		}
		if err := node.AddPeer(peerCfg); err != nil {
			return fmt.Errorf("add peer %q: %w", pc.PeerID, err)
		}
	}

	if err := node.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = newMetricsServer(cfg.Metrics, reg)
		go func() {
			logger.Info().Str("addr", cfg.Metrics.Addr).Str("path", cfg.Metrics.Path).Msg("metrics server listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	logger.Info().Str("identity", identity.Identity).Msg("epnode started")

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info().Msg("shutting down")
	node.Close()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("epnode stopped")
	return nil
}

func newLogger(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writer = os.Stdout
	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func identityFromConfig(c config.IdentityConfig) ep.SessionParameters {
	return ep.SessionParameters{
		Identity: c.Identity,
		Type:     c.Type,
		Version:  c.Version,
		Name:     c.Name,
		Tenant:   c.Tenant,
		Provider: c.Provider,
	}
}

func peerConfigFromConfig(c config.PeerConfig) (ep.PeerConfig, error) {
	var dir ep.Direction
	switch c.Direction {
	case "", "inbound":
		dir = ep.Inbound
	case "outbound":
		dir = ep.Outbound
	case "bidirectional":
		dir = ep.Bidirectional
	default:
		return ep.PeerConfig{}, fmt.Errorf("unrecognized direction %q", c.Direction)
	}
	return ep.PeerConfig{
		PeerID:           c.PeerID,
		Host:             c.Host,
		Port:             c.Port,
		Direction:        dir,
		ExpectedIdentity: c.ExpectedIdentity,
	}, nil
}
