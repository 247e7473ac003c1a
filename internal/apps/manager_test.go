package apps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManagerSeedsDemoAppWhenEmpty(t *testing.T) {
	m := NewMemoryManager(nil)

	app, err := m.FindByKey(context.Background(), "demo-key")
	require.NoError(t, err)
	assert.Equal(t, "demo-app", app.ID)
	assert.True(t, app.Enabled)
	// Defaults were applied to the seed.
	assert.Equal(t, 100, app.MaxChannelsPerConnection)
}

func TestMemoryManagerLookups(t *testing.T) {
	m := NewMemoryManager([]App{{ID: "a1", Key: "k1", Secret: "s1", Enabled: true}})
	ctx := context.Background()

	app, err := m.FindByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "k1", app.Key)

	_, err = m.FindByID(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.FindByKey(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryManagerReturnsClones(t *testing.T) {
	m := NewMemoryManager([]App{{ID: "a1", Key: "k1", Secret: "s1", Enabled: true}})
	ctx := context.Background()

	app, _ := m.FindByID(ctx, "a1")
	app.Secret = "mutated"

	again, _ := m.FindByID(ctx, "a1")
	assert.Equal(t, "s1", again.Secret)
}

func TestApplyDefaults(t *testing.T) {
	app := &App{ID: "a1"}
	app.ApplyDefaults()
	assert.Equal(t, 10000, app.MaxConnections)
	assert.Equal(t, 100, app.MaxClientEventsPerSecond)
	assert.Equal(t, 100, app.MaxPresenceMembersPerChannel)
	assert.Equal(t, 2, app.MaxPresenceMemberSizeKB)

	// Explicit values survive.
	app = &App{ID: "a2", MaxConnections: 5}
	app.ApplyDefaults()
	assert.Equal(t, 5, app.MaxConnections)
}

func TestWebhookWantsEvent(t *testing.T) {
	hook := Webhook{EventTypes: []string{"channel_occupied", "member_added"}}
	assert.True(t, hook.WantsEvent("member_added"))
	assert.False(t, hook.WantsEvent("client_event"))
}

// countingManager counts backend hits so cache behavior is observable.
type countingManager struct {
	MemoryManager
	mu   sync.Mutex
	hits int
}

func newCountingManager() *countingManager {
	return &countingManager{MemoryManager: *NewMemoryManager([]App{{ID: "a1", Key: "k1", Secret: "s1", Enabled: true}})}
}

func (c *countingManager) FindByID(ctx context.Context, id string) (*App, error) {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return c.MemoryManager.FindByID(ctx, id)
}

func (c *countingManager) backendHits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits
}

func TestCachedManagerServesFromCache(t *testing.T) {
	backend := newCountingManager()
	cached := NewCachedManager(backend, time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cached.FindByID(ctx, "a1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, backend.backendHits())
}

func TestCachedManagerExpires(t *testing.T) {
	backend := newCountingManager()
	cached := NewCachedManager(backend, 10*time.Millisecond)
	ctx := context.Background()

	_, _ = cached.FindByID(ctx, "a1")
	time.Sleep(20 * time.Millisecond)
	_, _ = cached.FindByID(ctx, "a1")
	assert.Equal(t, 2, backend.backendHits())
}
