package client

import (
	"go.uber.org/zap"

	"lwf/codec"
	"lwf/config"
	"lwf/loadbalance"
	"lwf/middleware"
	"lwf/protocol"
	"lwf/registry"
	"lwf/transport"
)

// NewFromConfig connects to the etcd registry in cfg and builds a client
// with the configured balancer, transport and retries. Close releases
// the registry connection too.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	codecType, err := codec.ParseCodecType(cfg.Client.Codec)
	if err != nil {
		return nil, err
	}
	compression, err := protocol.ParseCompression(cfg.Client.Compression)
	if err != nil {
		return nil, err
	}
	balancer, err := loadbalance.New(cfg.Client.Balancer)
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewFromConfig(cfg.Registry, logger)
	if err != nil {
		return nil, err
	}

	heartbeat := cfg.Client.Heartbeat
	if heartbeat == 0 {
		heartbeat = -1
	}
	opts := []Option{
		WithLogger(logger),
		WithBalancer(balancer),
		WithTransport(transport.Options{
			Codec:       codecType,
			Compression: compression,
			Heartbeat:   heartbeat,
			Logger:      logger,
		}, cfg.Client.PoolSize),
		WithSchemaOptions(cfg.SchemaOptions()...),
		WithCallTimeout(cfg.Client.CallTimeout),
	}
	if cfg.Client.Retries > 0 {
		opts = append(opts, WithMiddleware(middleware.Retry(cfg.Client.Retries, cfg.Client.RetryBackoff, logger)))
	}

	c := NewClient(reg, opts...)
	c.closeFunc = reg.Close
	return c, nil
}
