package server

import (
	"io"

	"go.uber.org/zap"

	"lwf/config"
	"lwf/middleware"
	"lwf/registry"
)

// NewFromConfig builds a server from cfg: logging and panic recovery
// always, rate limiting and a request timeout when configured, and the
// etcd registry when cfg.Server.Advertise or PublishSchemas is set. Serve it with
// cfg.Server.Network and cfg.Server.Listen.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option{
		WithLogger(logger),
		WithSchemaOptions(cfg.SchemaOptions()...),
	}

	var closer io.Closer
	if cfg.Server.Advertise != "" || cfg.Server.PublishSchemas {
		reg, err := registry.NewFromConfig(cfg.Registry, logger)
		if err != nil {
			return nil, err
		}
		closer = reg
		if cfg.Server.Advertise != "" {
			opts = append(opts, WithRegistry(reg, registry.ServiceInstance{
				Addr:   cfg.Server.Advertise,
				Weight: cfg.Server.Weight,
			}, cfg.Registry.TTL))
		}
		if cfg.Server.PublishSchemas {
			opts = append(opts, WithSchemaStore(reg))
		}
	}

	s := NewServer(opts...)
	if closer != nil {
		s.closeFunc = closer.Close
	}

	s.Use(middleware.Logging(logger))
	if cfg.Server.RateLimit > 0 {
		s.Use(middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		s.Use(middleware.Timeout(cfg.Server.RequestTimeout))
	}
	// Timeout runs the rest of the chain on its own goroutine, so Recover
	// has to come after it to see the handler's panics.
	s.Use(middleware.Recover(logger))
	return s, nil
}
