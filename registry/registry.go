// Package registry keeps track of two things that clients and servers
// share: which addresses serve a given service, and which schema
// definitions exist.
//
// Both are available in two flavours: EtcdRegistry for real deployments
// and Memory for tests and single-process setups.
package registry

import (
	"context"
	"errors"

	"lwf/schema"
)

// ErrNotFound is returned when a schema lookup matches nothing.
var ErrNotFound = errors.New("registry: not found")

// ServiceInstance describes one address serving a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight,omitempty"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Registry is service discovery.
type Registry interface {
	// Register announces instance under serviceName. The entry expires
	// after ttl seconds unless it is kept alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list, then the full list after
	// every change, until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// SchemaStore versions schema definitions by name.
type SchemaStore interface {
	// Publish stores def under the next version of def.Name and returns
	// it with Version set. Publishing a layout that already exists under
	// def.Name returns the newest version with that layout instead of
	// creating a new one.
	Publish(ctx context.Context, def schema.Definition) (schema.Definition, error)
	Get(ctx context.Context, name string, version int) (schema.Definition, error)
	Latest(ctx context.Context, name string) (schema.Definition, error)
	// ByFingerprint returns the first definition published with that layout.
	ByFingerprint(ctx context.Context, fp schema.Fingerprint) (schema.Definition, error)
	// WatchSchema emits every newly published version of name until ctx is done.
	WatchSchema(ctx context.Context, name string) <-chan schema.Definition
}

// fingerprint compiles def and returns its layout fingerprint.
func fingerprint(def schema.Definition) (schema.Fingerprint, error) {
	s, err := def.Compile()
	if err != nil {
		return schema.Fingerprint{}, err
	}
	return s.Fingerprint(), nil
}
