package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mux-rpc/client"
	"mux-rpc/config"
	"mux-rpc/loadbalance"
	"mux-rpc/metrics"
	"mux-rpc/middleware"
	"mux-rpc/protocol"
	"mux-rpc/registry"
	"mux-rpc/transport"
)

func invokeCmd(g *globalFlags) *cobra.Command {
	var (
		endpoint   string
		service    string
		code       string
		id         string
		payloadHex string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "invoke",
		Short: "Send one command and print the response payload as hex",
		Example: `  muxrpc invoke --endpoint ws://127.0.0.1:9000/rpc --code 7 --id 42 --payload-hex 0a0b
  muxrpc invoke --config muxrpc.yaml --service echo --code 0x10 --id 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if endpoint != "" {
				cfg.Client.Mode = "fixed"
				cfg.Client.Endpoint = endpoint
			}
			if service != "" {
				cfg.Client.Mode = "discovery"
				cfg.Client.Service = service
			}
			if timeout > 0 {
				cfg.Client.Timeout = config.Duration{Duration: timeout}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			c, err := protocol.ParseCommandCode(code)
			if err != nil {
				return fmt.Errorf("--code: %w", err)
			}
			i, err := protocol.ParseInvocationID(id)
			if err != nil {
				return fmt.Errorf("--id: %w", err)
			}
			payload, err := hex.DecodeString(payloadHex)
			if err != nil {
				return fmt.Errorf("--payload-hex: %w", err)
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.DialTimeout.Duration+cfg.Client.Timeout.Duration)
			defer cancel()

			cl, err := dialClient(ctx, cfg, logger, startMetrics(cfg.Metrics, logger))
			if err != nil {
				return err
			}
			defer cl.Close()

			invokeCtx, cancelInvoke := context.WithTimeout(ctx, cfg.Client.Timeout.Duration)
			defer cancelInvoke()
			reply, err := cl.Invoke(invokeCtx, c, i, payload)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(reply))
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "endpoint to dial (ws://, wss:// or tcp://)")
	cmd.Flags().StringVar(&service, "service", "", "discover the endpoint of this service through the registry")
	cmd.Flags().StringVar(&code, "code", "0", "command code (unsigned 32-bit, decimal or 0x hex)")
	cmd.Flags().StringVar(&id, "id", "1", "invocation ID (unsigned 32-bit, decimal or 0x hex)")
	cmd.Flags().StringVarP(&payloadHex, "payload-hex", "p", "", "request payload as hex")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "invocation timeout (overrides config)")

	return cmd
}

// dialClient opens a client according to cfg.Client, discovering the endpoint
// first in discovery mode.
func dialClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (*client.Client, error) {
	mgrOpts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithHeartbeat(cfg.Client.Heartbeat.Duration),
		transport.WithWriteTimeout(cfg.Client.WriteTimeout.Duration),
		transport.WithDialer(&transport.SchemeDialer{
			HandshakeTimeout: cfg.Client.DialTimeout.Duration,
			MaxMessageSize:   protocol.MaxPayload + protocol.ResponseHeaderSize,
		}),
		transport.WithHooks(transport.Hooks{
			OnError: func(err error) { logger.Warn("connection failed", zap.Error(err)) },
		}),
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if m != nil {
		mws = append(mws, middleware.MetricsMiddleware(m))
	}
	if cfg.Client.RateLimit > 0 {
		mws = append(mws, middleware.RateWaitMiddleware(cfg.Client.RateLimit, max(cfg.Client.RateBurst, 1)))
	}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithTimeout(cfg.Client.Timeout.Duration),
		client.WithMaxPending(cfg.Client.MaxPending),
		client.WithErrorBuffer(cfg.Client.ErrorBuffer),
		client.WithMetrics(m),
		client.WithMiddleware(mws...),
	}

	if cfg.Client.Mode != "discovery" {
		return client.Dial(ctx, cfg.Client.Endpoint, mgrOpts, opts...)
	}

	reg, closeReg, err := buildRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeReg()
	bal, err := loadbalance.New(cfg.Client.LoadBalancer, cfg.Client.HashKey)
	if err != nil {
		return nil, err
	}
	return client.DialService(ctx, reg, cfg.Client.Service, bal, mgrOpts, opts...)
}

// buildRegistry returns the configured registry and a function releasing it.
func buildRegistry(cfg *config.Config, logger *zap.Logger) (registry.Registry, func(), error) {
	switch cfg.Registry.Type {
	case "static":
		instances := make([]registry.ServiceInstance, 0, len(cfg.Registry.Static))
		for _, addr := range cfg.Registry.Static {
			instances = append(instances, registry.ServiceInstance{Addr: addr, Weight: 1})
		}
		return registry.NewStatic(cfg.Client.Service, instances...), func() {}, nil
	case "etcd":
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Etcd.Endpoints,
			registry.WithPrefix(cfg.Registry.Etcd.KeyPrefix),
			registry.WithDialTimeout(cfg.Registry.Etcd.DialTimeout.Duration),
			registry.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return reg, func() { reg.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: no registry configured", config.ErrInvalid)
	}
}
