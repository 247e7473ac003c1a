package apps

import (
	"context"
	"sync"
)

// MemoryManager serves apps from an in-process array, usually fed from the
// config file. It is the default backend.
type MemoryManager struct {
	mu   sync.RWMutex
	byID map[string]*App
}

// NewMemoryManager seeds the registry from the given apps. An empty seed gets
// the demo app so a bare server is immediately usable.
func NewMemoryManager(seed []App) *MemoryManager {
	m := &MemoryManager{byID: make(map[string]*App, len(seed))}
	for i := range seed {
		app := seed[i]
		app.ApplyDefaults()
		m.byID[app.ID] = &app
	}
	if len(m.byID) == 0 {
		demo := &App{
			ID:                       "demo-app",
			Key:                      "demo-key",
			Secret:                   "demo-secret",
			Enabled:                  true,
			EnableClientMessages:     true,
			EnableUserAuthentication: true,
		}
		demo.ApplyDefaults()
		m.byID[demo.ID] = demo
	}
	return m
}

func (m *MemoryManager) FindByID(ctx context.Context, id string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if app, ok := m.byID[id]; ok {
		return app.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryManager) FindByKey(ctx context.Context, key string) (*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, app := range m.byID {
		if app.Key == key {
			return app.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryManager) GetApps(ctx context.Context) ([]*App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*App, 0, len(m.byID))
	for _, app := range m.byID {
		out = append(out, app.Clone())
	}
	return out, nil
}

func (m *MemoryManager) CreateApp(ctx context.Context, app *App) error {
	cp := app.Clone()
	cp.ApplyDefaults()
	m.mu.Lock()
	m.byID[cp.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryManager) UpdateApp(ctx context.Context, app *App) error {
	return m.CreateApp(ctx, app)
}

func (m *MemoryManager) Disconnect(ctx context.Context) error { return nil }
