package registry

// etcd layout, all under a configurable prefix (default /lwf):
//
//	{prefix}/services/{service}/{addr}      JSON ServiceInstance, attached to a TTL lease
//	{prefix}/schemas/{name}/{version:010d}  JSON schema.Definition
//	{prefix}/fingerprints/{hex}             key of the first schema with that layout
//
// Versions are zero padded so a descending key sort yields the latest one.

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"lwf/schema"
)

// DefaultPrefix is the key prefix used when EtcdConfig.Prefix is empty.
const DefaultPrefix = "/lwf"

// publishAttempts bounds retries when concurrent publishers race for
// the same version number.
const publishAttempts = 8

// EtcdConfig configures an EtcdRegistry.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	Logger      *zap.Logger
}

// EtcdRegistry implements Registry and SchemaStore on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	logger *zap.Logger

	// Keep-alives outlive the Register call, so they run on a context
	// owned by the registry and stop in Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // service key → lease
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(cfg EtcdConfig) (*EtcdRegistry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd %v: %w", cfg.Endpoints, err)
	}
	return newEtcdRegistry(c, cfg.Prefix, logger), nil
}

func newEtcdRegistry(c *clientv3.Client, prefix string, logger *zap.Logger) *EtcdRegistry {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{
		client: c,
		prefix: prefix,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		leases: make(map[string]clientv3.LeaseID),
	}
}

// Close stops all keep-alives and closes the etcd client. Leases that
// are no longer renewed expire on their own.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}

func (r *EtcdRegistry) serviceKey(serviceName, addr string) string {
	return r.servicePrefix(serviceName) + addr
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + "/services/" + serviceName + "/"
}

func (r *EtcdRegistry) schemaPrefix(name string) string {
	return r.prefix + "/schemas/" + name + "/"
}

func (r *EtcdRegistry) schemaKey(name string, version int) string {
	return fmt.Sprintf("%s%010d", r.schemaPrefix(name), version)
}

func (r *EtcdRegistry) fingerprintKey(fp schema.Fingerprint) string {
	return r.prefix + "/fingerprints/" + fp.String()
}

// Register adds a service instance with a TTL lease and keeps the lease
// alive until Deregister or Close.
//
// The lease ID lives in a mutex-guarded map rather than a single field so
// one EtcdRegistry can register several services.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := r.serviceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keeping lease alive: %w", err)
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Drain keep-alive responses so the channel never fills up.
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes a service instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := r.serviceKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("deregistering %s: %w", key, err)
	}

	r.mu.Lock()
	leaseID, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			r.logger.Warn("revoking lease", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Watch emits the current instance list, then the full list again on
// every change. The channel is closed when ctx is done.
//
// The first list is read before Watch returns and the etcd watch resumes
// from the revision after it, so no change in between is missed.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := r.servicePrefix(serviceName)

	instances, rev, err := r.discover(ctx, serviceName)
	if err != nil {
		r.logger.Warn("initial discover", zap.String("service", serviceName), zap.Error(err))
	} else {
		ch <- instances
	}

	go func() {
		defer close(ch)
		opts := []clientv3.OpOption{clientv3.WithPrefix()}
		if rev > 0 {
			opts = append(opts, clientv3.WithRev(rev+1))
		}
		for range r.client.Watch(ctx, prefix, opts...) {
			// Re-fetching the list is simpler than applying events one by one.
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.logger.Warn("discover after watch event", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	instances, _, err := r.discover(ctx, serviceName)
	return instances, err
}

// discover also returns the store revision the list was read at.
func (r *EtcdRegistry) discover(ctx context.Context, serviceName string) ([]ServiceInstance, int64, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, resp.Header.Revision, nil
}

// Publish stores def under the next free version of its name.
func (r *EtcdRegistry) Publish(ctx context.Context, def schema.Definition) (schema.Definition, error) {
	fp, err := fingerprint(def)
	if err != nil {
		return schema.Definition{}, err
	}

	for attempt := 0; attempt < publishAttempts; attempt++ {
		existing, next, err := r.findLayout(ctx, def.Name, fp)
		switch {
		case err != nil:
			return schema.Definition{}, err
		case existing != nil:
			return *existing, nil
		}
		def.Version = next

		val, err := json.Marshal(def)
		if err != nil {
			return schema.Definition{}, err
		}
		key := r.schemaKey(def.Name, def.Version)
		fpKey := r.fingerprintKey(fp)

		resp, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(
				clientv3.OpPut(key, string(val)),
				clientv3.OpTxn(
					[]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(fpKey), "=", 0)},
					[]clientv3.Op{clientv3.OpPut(fpKey, key)},
					nil,
				),
			).
			Commit()
		if err != nil {
			return schema.Definition{}, fmt.Errorf("publishing %s: %w", key, err)
		}
		if resp.Succeeded {
			r.logger.Info("schema published",
				zap.String("name", def.Name),
				zap.Int("version", def.Version),
				zap.String("fingerprint", fp.Short()))
			return def, nil
		}
		r.logger.Debug("schema version taken, retrying", zap.String("key", key))
	}
	return schema.Definition{}, fmt.Errorf("publishing schema %q: gave up after %d concurrent updates", def.Name, publishAttempts)
}

// findLayout looks through every version of name for one with layout fp.
// When there is none it returns the next free version number instead.
func (r *EtcdRegistry) findLayout(ctx context.Context, name string, fp schema.Fingerprint) (*schema.Definition, int, error) {
	prefix := r.schemaPrefix(name)
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("listing schema %q: %w", name, err)
	}

	next := 1
	var found *schema.Definition
	for _, kv := range resp.Kvs {
		if v, err := strconv.Atoi(strings.TrimPrefix(string(kv.Key), prefix)); err == nil && v >= next {
			next = v + 1
		}
		def, err := decodeDefinition(kv.Value)
		if err != nil {
			r.logger.Warn("skipping malformed schema", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		if dfp, err := fingerprint(def); err == nil && dfp == fp && (found == nil || def.Version > found.Version) {
			found = &def
		}
	}
	return found, next, nil
}

// Get returns one version of a definition.
func (r *EtcdRegistry) Get(ctx context.Context, name string, version int) (schema.Definition, error) {
	return r.getKey(ctx, r.schemaKey(name, version))
}

// Latest returns the highest version of a definition.
func (r *EtcdRegistry) Latest(ctx context.Context, name string) (schema.Definition, error) {
	resp, err := r.client.Get(ctx, r.schemaPrefix(name),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(1))
	if err != nil {
		return schema.Definition{}, err
	}
	if len(resp.Kvs) == 0 {
		return schema.Definition{}, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	return decodeDefinition(resp.Kvs[0].Value)
}

// ByFingerprint follows the fingerprint index to a definition.
func (r *EtcdRegistry) ByFingerprint(ctx context.Context, fp schema.Fingerprint) (schema.Definition, error) {
	resp, err := r.client.Get(ctx, r.fingerprintKey(fp))
	if err != nil {
		return schema.Definition{}, err
	}
	if len(resp.Kvs) == 0 {
		return schema.Definition{}, fmt.Errorf("fingerprint %s: %w", fp.Short(), ErrNotFound)
	}
	return r.getKey(ctx, string(resp.Kvs[0].Value))
}

// WatchSchema emits definitions as new versions of name are published.
// Versions that exist when it is called are not emitted.
func (r *EtcdRegistry) WatchSchema(ctx context.Context, name string) <-chan schema.Definition {
	ch := make(chan schema.Definition, 1)
	prefix := r.schemaPrefix(name)

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err == nil {
		opts = append(opts, clientv3.WithRev(resp.Header.Revision+1))
	} else {
		r.logger.Warn("reading schema revision", zap.String("schema", name), zap.Error(err))
	}

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, prefix, opts...) {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				def, err := decodeDefinition(ev.Kv.Value)
				if err != nil {
					r.logger.Warn("skipping malformed schema", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
					continue
				}
				select {
				case ch <- def:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) getKey(ctx context.Context, key string) (schema.Definition, error) {
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return schema.Definition{}, err
	}
	if len(resp.Kvs) == 0 {
		return schema.Definition{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return decodeDefinition(resp.Kvs[0].Value)
}

func decodeDefinition(data []byte) (schema.Definition, error) {
	var def schema.Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return schema.Definition{}, fmt.Errorf("decoding schema definition: %w", err)
	}
	return def, nil
}
