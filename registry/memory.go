package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lwf/schema"
)

// Memory is an in-process Registry and SchemaStore. TTLs are ignored:
// instances stay until deregistered.
type Memory struct {
	mu        sync.Mutex
	services  map[string]map[string]ServiceInstance // service → addr → instance
	schemas   map[string][]schema.Definition         // name → versions, index = version-1
	byFP      map[schema.Fingerprint]schema.Definition
	watchers  map[string][]chan []ServiceInstance
	schemaSub map[string][]chan schema.Definition
}

// NewMemory returns an empty Memory registry.
func NewMemory() *Memory {
	return &Memory{
		services:  make(map[string]map[string]ServiceInstance),
		schemas:   make(map[string][]schema.Definition),
		byFP:      make(map[schema.Fingerprint]schema.Definition),
		watchers:  make(map[string][]chan []ServiceInstance),
		schemaSub: make(map[string][]chan schema.Definition),
	}
}

func (m *Memory) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services[serviceName] == nil {
		m.services[serviceName] = make(map[string]ServiceInstance)
	}
	m.services[serviceName][instance.Addr] = instance
	m.notifyLocked(serviceName)
	return nil
}

func (m *Memory) Deregister(_ context.Context, serviceName string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[serviceName], addr)
	m.notifyLocked(serviceName)
	return nil
}

func (m *Memory) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(serviceName), nil
}

// listLocked returns instances sorted by address so results are stable.
func (m *Memory) listLocked(serviceName string) []ServiceInstance {
	instances := make([]ServiceInstance, 0, len(m.services[serviceName]))
	for _, inst := range m.services[serviceName] {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Addr < instances[j].Addr })
	return instances
}

// notifyLocked hands the current list to every watcher. A watcher that has
// not consumed the previous list gets it replaced by the newer one.
func (m *Memory) notifyLocked(serviceName string) {
	for _, ch := range m.watchers[serviceName] {
		list := m.listLocked(serviceName)
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}

// Watch emits the current list first, then the list after each change.
func (m *Memory) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	m.mu.Lock()
	ch <- m.listLocked(serviceName)
	m.watchers[serviceName] = append(m.watchers[serviceName], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.watchers[serviceName] = removeChan(m.watchers[serviceName], ch)
		close(ch)
	}()
	return ch
}

func (m *Memory) Publish(_ context.Context, def schema.Definition) (schema.Definition, error) {
	fp, err := fingerprint(def)
	if err != nil {
		return schema.Definition{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	versions := m.schemas[def.Name]
	for i := len(versions) - 1; i >= 0; i-- {
		if vfp, err := fingerprint(versions[i]); err == nil && vfp == fp {
			return versions[i], nil
		}
	}
	def.Version = len(versions) + 1
	def.Fields = append(schema.FieldDefs(nil), def.Fields...)
	m.schemas[def.Name] = append(versions, def)
	if _, ok := m.byFP[fp]; !ok {
		m.byFP[fp] = def
	}

	// A schema watcher more than its buffer behind misses versions.
	for _, ch := range m.schemaSub[def.Name] {
		select {
		case ch <- def:
		default:
		}
	}
	return def, nil
}

func (m *Memory) Get(_ context.Context, name string, version int) (schema.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.schemas[name]
	if version < 1 || version > len(versions) {
		return schema.Definition{}, fmt.Errorf("schema %q version %d: %w", name, version, ErrNotFound)
	}
	return versions[version-1], nil
}

func (m *Memory) Latest(_ context.Context, name string) (schema.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.schemas[name]
	if len(versions) == 0 {
		return schema.Definition{}, fmt.Errorf("schema %q: %w", name, ErrNotFound)
	}
	return versions[len(versions)-1], nil
}

func (m *Memory) ByFingerprint(_ context.Context, fp schema.Fingerprint) (schema.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.byFP[fp]
	if !ok {
		return schema.Definition{}, fmt.Errorf("fingerprint %s: %w", fp.Short(), ErrNotFound)
	}
	return def, nil
}

func (m *Memory) WatchSchema(ctx context.Context, name string) <-chan schema.Definition {
	ch := make(chan schema.Definition, 16)
	m.mu.Lock()
	m.schemaSub[name] = append(m.schemaSub[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.schemaSub[name] = removeChan(m.schemaSub[name], ch)
		close(ch)
	}()
	return ch
}

func removeChan[T any](chans []chan T, ch chan T) []chan T {
	for i, c := range chans {
		if c == ch {
			return append(chans[:i], chans[i+1:]...)
		}
	}
	return chans
}

var (
	_ Registry    = (*Memory)(nil)
	_ SchemaStore = (*Memory)(nil)
	_ Registry    = (*EtcdRegistry)(nil)
	_ SchemaStore = (*EtcdRegistry)(nil)
)
