// Package app holds the explicit application context: configuration, logger,
// stores, models, the route assembler, and the cron manager, constructed once
// at process start and passed by reference to every component. There is no
// hidden global state; re-initialization happens only through Reload, guarded
// by a generation counter so readers can detect a swap.
package app

import (
	"context"
	"sync"

	"github.com/apiforge/apiforge/internal/apperr"
	"github.com/apiforge/apiforge/internal/cache"
	"github.com/apiforge/apiforge/internal/config"
	"github.com/apiforge/apiforge/internal/cron"
	"github.com/apiforge/apiforge/internal/logging"
	"github.com/apiforge/apiforge/internal/model"
	"github.com/apiforge/apiforge/internal/router"
	"github.com/apiforge/apiforge/internal/storage"
)

// App is the application context.
type App struct {
	cfg *config.Config
	log *logging.Logger
	db  storage.Database

	mu          sync.RWMutex
	generation  uint64
	cacheStore  cache.Store
	models      map[string]*model.Model
	assembler   *router.Assembler
	cronManager *cron.Manager
}

// New creates the context. Config, logger, and database are mandatory.
func New(cfg *config.Config, log *logging.Logger, db storage.Database) (*App, error) {
	if cfg == nil || log == nil || db == nil {
		return nil, apperr.Configf("application context requires config, logger, and database")
	}
	return &App{
		cfg:    cfg,
		log:    log,
		db:     db,
		models: make(map[string]*model.Model),
	}, nil
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *logging.Logger { return a.log }

// DB returns the document database.
func (a *App) DB() storage.Database { return a.db }

// Generation returns the reload generation. It starts at 0 and increments on
// every successful Reload.
func (a *App) Generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generation
}

// SetCache installs the cache store.
func (a *App) SetCache(store cache.Store) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cacheStore = store
}

// Cache returns the cache store, nil when none is configured.
func (a *App) Cache() cache.Store {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cacheStore
}

// RegisterModel builds and registers a model from its definition. Registering
// the same name twice is a configuration fault.
func (a *App) RegisterModel(def model.Definition) (*model.Model, error) {
	m, err := model.New(def, a.db, a.log)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.models[def.Name]; exists {
		return nil, apperr.Configf("model %s registered twice", def.Name)
	}
	a.models[def.Name] = m
	return m, nil
}

// Model returns a registered model by name.
func (a *App) Model(name string) (*model.Model, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	m, ok := a.models[name]
	return m, ok
}

// EnsureAllIndexes creates every registered model's indexes.
func (a *App) EnsureAllIndexes(ctx context.Context, background bool) error {
	a.mu.RLock()
	models := make([]*model.Model, 0, len(a.models))
	for _, m := range a.models {
		models = append(models, m)
	}
	a.mu.RUnlock()
	for _, m := range models {
		if err := m.EnsureAllIndexes(ctx, background); err != nil {
			return err
		}
	}
	return nil
}

// SetAssembler installs the route assembler.
func (a *App) SetAssembler(asm *router.Assembler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.assembler = asm
}

// Assembler returns the route assembler.
func (a *App) Assembler() *router.Assembler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.assembler
}

// SetCronManager installs the cron manager.
func (a *App) SetCronManager(m *cron.Manager) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cronManager = m
}

// CronManager returns the cron manager, nil when cron is disabled.
func (a *App) CronManager() *cron.Manager {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cronManager
}

// Reload is the single re-initialization entry point. apply runs under the
// context lock; on success the generation counter advances, on failure the
// generation is unchanged and the error is returned. apply must swap whole
// values (single assignments), never partially mutate shared structures.
func (a *App) Reload(ctx context.Context, apply func(ctx context.Context, a *App) error) (uint64, error) {
	if err := apply(ctx, a); err != nil {
		return a.Generation(), err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generation++
	return a.generation, nil
}
