package registry

import (
	"errors"

	"go.uber.org/zap"

	"lwf/config"
)

// NewFromConfig connects the etcd registry described by cfg.
func NewFromConfig(cfg config.RegistryConfig, logger *zap.Logger) (*EtcdRegistry, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("registry: no etcd endpoints configured")
	}
	return NewEtcdRegistry(EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Prefix:      cfg.Prefix,
		Logger:      logger,
	})
}
