package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	cacheworker "github.com/always-cache/cache-worker"
	"github.com/always-cache/cache-worker/cache"
	"github.com/always-cache/cache-worker/control"
	"github.com/always-cache/cache-worker/host"
	"github.com/always-cache/cache-worker/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker in front of the origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.origin, "origin", "", "Origin URL to proxy to")
	cmd.Flags().IntVar(&opts.port, "port", 8080, "Port to listen on")
	cmd.Flags().IntVar(&opts.controlPort, "control-port", 9090, "Port of the control plane (0 disables it)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	storage, err := cache.New(cfg.Storage.Provider, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open cache storage: %w", err)
	}
	defer storage.Close()

	logger := log.Logger
	m := metrics.New()
	rt := host.New(host.Config{
		Origin:  cfg.OriginURL(),
		Logger:  &logger,
		Metrics: m,
	})
	cacheworker.New(cacheworker.Config{
		Generation:   cfg.Worker.Generation,
		StaticAssets: cfg.Worker.StaticAssets,
		Rules:        cfg.Worker.Rules,
		Caches:       storage,
		Logger:       &logger,
		Metrics:      m,
	}).Register(rt)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.Server.ControlPort > 0 {
		servers = append(servers, &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Server.ControlPort),
			Handler: control.NewHandler(control.Config{
				Lifecycle:  rt,
				Caches:     storage,
				Generation: cfg.Worker.Generation,
				Metrics:    m,
				Logger:     &logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		})
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			log.Info().Msgf("Listening on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", srv.Addr).Msg("Server failed")
				stop()
			}
		}(srv)
	}

	log.Info().Msgf("Proxying port %d to %s", cfg.Server.Port, cfg.Server.Origin)
	// requests are proxied unmodified until the worker is active
	if err := rt.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Worker could not be started")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := rt.Drain(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Pending cache writes abandoned")
	}
	return nil
}
