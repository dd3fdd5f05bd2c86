package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lwf/schema"
)

// The same behaviour is expected of every implementation; the etcd tests
// and the memory tests both run these.

func testRegisterAndDiscover(t *testing.T, reg Registry) {
	ctx := context.Background()

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	require.NoError(t, reg.Register(ctx, "Users", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Users", inst2, 10))

	instances, err := reg.Discover(ctx, "Users")
	require.NoError(t, err)
	require.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	// Deregister one
	require.NoError(t, reg.Deregister(ctx, "Users", inst1.Addr))

	instances, err = reg.Discover(ctx, "Users")
	require.NoError(t, err)
	require.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Users", inst2.Addr))
}

func testWatch(t *testing.T, reg Registry) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := reg.Watch(ctx, "Orders")
	require.Empty(t, <-ch)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	require.NoError(t, reg.Register(context.Background(), "Orders", inst, 10))

	select {
	case got := <-ch:
		require.Equal(t, []ServiceInstance{inst}, got)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not report the new instance")
	}

	require.NoError(t, reg.Deregister(context.Background(), "Orders", inst.Addr))
	cancel()

	// The channel closes once the context is done.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("watch channel not closed after cancel")
		}
	}
}

var userV1 = schema.Definition{
	Name: "user",
	Fields: schema.FieldDefs{
		{Name: "id", Type: "int64"},
		{Name: "name", Type: "str"},
	},
}

var userV2 = schema.Definition{
	Name: "user",
	Fields: schema.FieldDefs{
		{Name: "id", Type: "int64"},
		{Name: "name", Type: "str"},
		{Name: "tags", Type: "str", IsArray: true},
	},
}

func testSchemaStore(t *testing.T, store SchemaStore) {
	ctx := context.Background()

	_, err := store.Latest(ctx, "user")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	v1, err := store.Publish(ctx, userV1)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	// Publishing the same layout again is a no-op.
	again, err := store.Publish(ctx, userV1)
	require.NoError(t, err)
	require.Equal(t, 1, again.Version)

	v2, err := store.Publish(ctx, userV2)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	latest, err := store.Latest(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, v2, latest)

	got, err := store.Get(ctx, "user", 1)
	require.NoError(t, err)
	require.Equal(t, v1, got)

	_, err = store.Get(ctx, "user", 7)
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	s1, err := userV1.Compile()
	require.NoError(t, err)
	byFP, err := store.ByFingerprint(ctx, s1.Fingerprint())
	require.NoError(t, err)
	require.Equal(t, v1, byFP)

	_, err = store.ByFingerprint(ctx, schema.Fingerprint{1})
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func testPublishInvalid(t *testing.T, store SchemaStore) {
	_, err := store.Publish(context.Background(), schema.Definition{
		Name:   "broken",
		Fields: schema.FieldDefs{{Name: "x", Type: "float"}},
	})
	require.True(t, errors.Is(err, schema.ErrInvalidSchema), "got %v", err)
}

func testWatchSchema(t *testing.T, store SchemaStore) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := store.WatchSchema(ctx, "order")
	def := schema.Definition{Name: "order", Fields: schema.FieldDefs{{Name: "total", Type: "int64"}}}
	published, err := store.Publish(context.Background(), def)
	require.NoError(t, err)

	select {
	case got := <-ch:
		require.Equal(t, published, got)
	case <-time.After(5 * time.Second):
		t.Fatal("schema watch did not report the new version")
	}
}

// Publishing a layout that an older version already has returns that
// version, even when a newer layout was published in between.
func testRepublishOlderLayout(t *testing.T, store SchemaStore) {
	ctx := context.Background()

	v1, err := store.Publish(ctx, userV1)
	require.NoError(t, err)
	v2, err := store.Publish(ctx, userV2)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)

	again, err := store.Publish(ctx, userV1)
	require.NoError(t, err)
	require.Equal(t, v1, again)

	latest, err := store.Latest(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, v2, latest)
}
