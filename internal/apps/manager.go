package apps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no app matches the given id or key.
var ErrNotFound = errors.New("app not found")

// Manager is the registry contract the core consumes. Backends may be a
// config-fed array, a document store, or anything else that answers lookups.
type Manager interface {
	FindByID(ctx context.Context, id string) (*App, error)
	FindByKey(ctx context.Context, key string) (*App, error)
	GetApps(ctx context.Context) ([]*App, error)
	CreateApp(ctx context.Context, app *App) error
	UpdateApp(ctx context.Context, app *App) error
	Disconnect(ctx context.Context) error
}

// Config selects and parameterizes a registry backend.
type Config struct {
	Driver   string `json:"driver"`
	Apps     []App  `json:"apps"`
	MongoURI string `json:"mongo_uri"`
	MongoDB  string `json:"mongo_db"`
	CacheTTL time.Duration
}

// New builds the registry for the configured driver, wrapped in a TTL read
// cache. The registry is read-mostly; stale entries are acceptable.
func New(ctx context.Context, cfg Config) (Manager, error) {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryManager(cfg.Apps), nil
	case "mongodb":
		m, err := NewMongoManager(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		return NewCachedManager(m, ttl), nil
	case "mysql", "pgsql", "dynamodb":
		return nil, fmt.Errorf("app manager driver %q not built in", cfg.Driver)
	default:
		return nil, fmt.Errorf("unknown app manager driver %q", cfg.Driver)
	}
}

type cacheEntry struct {
	app     *App
	expires time.Time
}

// CachedManager fronts a slower backend with a TTL map keyed by id and key.
// Misses fall through; hits never touch the backend.
type CachedManager struct {
	backend Manager
	ttl     time.Duration

	mu    sync.RWMutex
	byID  map[string]cacheEntry
	byKey map[string]cacheEntry
}

// NewCachedManager wraps backend with a read cache of the given TTL.
func NewCachedManager(backend Manager, ttl time.Duration) *CachedManager {
	return &CachedManager{
		backend: backend,
		ttl:     ttl,
		byID:    make(map[string]cacheEntry),
		byKey:   make(map[string]cacheEntry),
	}
}

func (c *CachedManager) lookup(m map[string]cacheEntry, k string) (*App, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := m[k]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.app.Clone(), true
}

func (c *CachedManager) store(app *App) {
	e := cacheEntry{app: app.Clone(), expires: time.Now().Add(c.ttl)}
	c.mu.Lock()
	c.byID[app.ID] = e
	c.byKey[app.Key] = e
	c.mu.Unlock()
}

func (c *CachedManager) FindByID(ctx context.Context, id string) (*App, error) {
	if app, ok := c.lookup(c.byID, id); ok {
		return app, nil
	}
	app, err := c.backend.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.store(app)
	return app, nil
}

func (c *CachedManager) FindByKey(ctx context.Context, key string) (*App, error) {
	if app, ok := c.lookup(c.byKey, key); ok {
		return app, nil
	}
	app, err := c.backend.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	c.store(app)
	return app, nil
}

func (c *CachedManager) GetApps(ctx context.Context) ([]*App, error) {
	return c.backend.GetApps(ctx)
}

func (c *CachedManager) CreateApp(ctx context.Context, app *App) error {
	if err := c.backend.CreateApp(ctx, app); err != nil {
		return err
	}
	c.store(app)
	return nil
}

func (c *CachedManager) UpdateApp(ctx context.Context, app *App) error {
	if err := c.backend.UpdateApp(ctx, app); err != nil {
		return err
	}
	c.store(app)
	return nil
}

func (c *CachedManager) Disconnect(ctx context.Context) error {
	return c.backend.Disconnect(ctx)
}
