package main

import (
	"fmt"
	"time"

	"github.com/gftdcojp/tiered-block-worker/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// connectNATS opens the connection shared by the master client and the cache
// responder.
func connectNATS(cfg config.NATSConfig, hostname string, logger *zap.Logger) (*nats.Conn, error) {
	name := cfg.ConnectionName
	if name == "" {
		name = "block-worker-" + hostname
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait.Duration()),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			logger.Error("NATS async error", fields...)
		}),
	}
	authOpts, err := natsAuthOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, authOpts...)

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS",
		zap.String("url", nc.ConnectedUrl()),
		zap.String("server_id", nc.ConnectedServerId()),
	)
	return nc, nil
}

func natsAuthOptions(cfg config.NATSConfig) ([]nats.Option, error) {
	var opts []nats.Option
	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}
	if cfg.NKeySeedFile != "" {
		opt, err := nats.NkeyOptionFromSeed(cfg.NKeySeedFile)
		if err != nil {
			return nil, fmt.Errorf("loading nkey seed: %w", err)
		}
		opts = append(opts, opt)
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	}
	if cfg.TLS.CAFile != "" {
		opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
	}
	return opts, nil
}
