package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"lwf/config"
	"lwf/schema"
)

func TestMemoryRegisterAndDiscover(t *testing.T)  { testRegisterAndDiscover(t, NewMemory()) }
func TestMemoryWatch(t *testing.T)                { testWatch(t, NewMemory()) }
func TestMemorySchemaStore(t *testing.T)          { testSchemaStore(t, NewMemory()) }
func TestMemoryPublishInvalid(t *testing.T)       { testPublishInvalid(t, NewMemory()) }
func TestMemoryWatchSchema(t *testing.T)          { testWatchSchema(t, NewMemory()) }
func TestMemoryRepublishOlderLayout(t *testing.T) { testRepublishOlderLayout(t, NewMemory()) }

func TestMemoryConcurrentPublish(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Publish(ctx, userV1)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	latest, err := m.Latest(ctx, "user")
	require.NoError(t, err)
	require.Equal(t, 1, latest.Version)
}

func TestMemoryPublishDoesNotAlias(t *testing.T) {
	m := NewMemory()
	def := schema.Definition{Name: "point", Fields: schema.FieldDefs{{Name: "x", Type: "int64"}}}
	_, err := m.Publish(context.Background(), def)
	require.NoError(t, err)

	def.Fields[0].Name = "changed"
	got, err := m.Get(context.Background(), "point", 1)
	require.NoError(t, err)
	require.Equal(t, "x", got.Fields[0].Name)
}

func TestNewFromConfigRequiresEndpoints(t *testing.T) {
	_, err := NewFromConfig(config.RegistryConfig{}, nil)
	require.Error(t, err)
}
