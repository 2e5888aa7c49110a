package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mux-rpc/config"
	"mux-rpc/middleware"
	"mux-rpc/server"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var (
		listen    string
		wsPath    string
		tcpListen string
		advertise string
		service   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the reference echo responder",
		Long: `Run a responder that answers every request frame with its own payload.
It listens for WebSocket upgrades and, optionally, raw TCP streams, and can
register itself in etcd.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("ws-path") {
				cfg.Server.WSPath = wsPath
			}
			if tcpListen != "" {
				cfg.Server.TCPListen = tcpListen
			}
			if advertise != "" {
				cfg.Server.Advertise = advertise
			}
			if service != "" {
				cfg.Client.Service = service
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:9000", "HTTP address for WebSocket upgrades")
	cmd.Flags().StringVar(&wsPath, "ws-path", "/rpc", "WebSocket endpoint path")
	cmd.Flags().StringVar(&tcpListen, "tcp-listen", "", "also accept raw TCP streams on this address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "endpoint to register in etcd, e.g. ws://10.0.0.5:9000/rpc")
	cmd.Flags().StringVar(&service, "service", "", "service name to register under")

	return cmd
}

// runServer serves until ctx ends, then shuts down gracefully.
func runServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	m := startMetrics(cfg.Metrics, logger)
	opts := []server.Option{server.WithLogger(logger), server.WithMetrics(m)}

	if cfg.Registry.Type == "etcd" && cfg.Server.Advertise != "" {
		reg, closeReg, err := buildRegistry(cfg, logger)
		if err != nil {
			return err
		}
		defer closeReg()
		opts = append(opts, server.WithRegistry(reg, cfg.Client.Service, cfg.Registry.Etcd.LeaseTTL))
	}

	s := server.New(opts...)
	s.Use(middleware.LoggingMiddleware(logger.Named("serve")))

	mux := http.NewServeMux()
	mux.Handle(cfg.Server.WSPath, s)
	httpSrv := &http.Server{Addr: cfg.Server.Listen, Handler: mux}

	errc := make(chan error, 2)
	go func() {
		logger.Info("serving websocket", zap.String("addr", cfg.Server.Listen), zap.String("path", cfg.Server.WSPath))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("websocket listener: %w", err)
		}
	}()
	if cfg.Server.TCPListen != "" {
		go func() {
			if err := s.ServeTCP(cfg.Server.TCPListen); !errors.Is(err, server.ErrServerClosed) {
				errc <- fmt.Errorf("tcp listener: %w", err)
			}
		}()
	}

	if cfg.Server.Advertise != "" {
		if err := s.Advertise(ctx, cfg.Server.Advertise, cfg.Server.Weight); err != nil {
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
	}

	timeout := cfg.Server.ShutdownTimeout.Duration
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := s.Shutdown(timeout); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return runErr
}
