package plugins

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/EchoPBX/echopbx-kernel/internal/events"
	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle events published by the manager.
const (
	EventRegistered   = "plugin:registered"
	EventUnregistered = "plugin:unregistered"
	EventReloaded     = "plugins:reloaded"
)

var (
	ErrNotFound    = errors.New("plugin not registered")
	ErrInvalidName = errors.New("plugin name must not be empty")
	ErrNilPlugin   = errors.New("plugin must not be nil")
)

// Result is what Execute reports back to callers. Err is kept for
// errors.Is checks and is not serialized.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Info describes one registered plugin.
type Info struct {
	Name         string    `json:"name"`
	InstanceID   string    `json:"instance_id"`
	Bindable     bool      `json:"bindable"`
	Source       string    `json:"source,omitempty"`
	Entry        string    `json:"entry,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

type entry struct {
	plugin sdk.Plugin
	info   Info
}

// Manager es el kernel: registro de plugins y dueño del bus compartido.
type Manager struct {
	cfg    *config.Config
	log    *zap.Logger
	bus    *events.Bus
	loader *loader.Loader

	mu      sync.RWMutex
	plugins map[string]*entry
}

func NewManager(cfg *config.Config, log *zap.Logger, bus *events.Bus, ld *loader.Loader) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.NewBus(events.WithLogger(log))
	}
	if ld == nil {
		ld = loader.New(log, cfg.Plugins.Dir)
	}
	return &Manager{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		loader:  ld,
		plugins: make(map[string]*entry),
	}
}

// Bus returns the kernel's own handle on the shared bus.
func (m *Manager) Bus() *events.Bus { return m.bus }

// Register initializes p, binds it to the bus when it is sdk.Bindable and
// stores it under name, replacing any previous instance. On error the
// registry is left as it was.
func (m *Manager) Register(name string, p sdk.Plugin) error {
	return m.register(name, p, "", "")
}

func (m *Manager) register(name string, p sdk.Plugin, source, entryName string) error {
	if name == "" {
		return ErrInvalidName
	}
	if p == nil {
		return ErrNilPlugin
	}

	id := uuid.NewString()
	log := m.log.With(zap.String("plugin", name), zap.String("instance", id))

	pctx := newPluginContext(name, log, m.cfg.PluginConfig(name))
	if err := safely(func() error { return p.Initialize(pctx) }); err != nil {
		return fmt.Errorf("initialize %q: %w", name, err)
	}
	b, bindable := p.(sdk.Bindable)
	if bindable {
		scoped := m.bus.Scoped(id)
		if err := safely(func() error { return b.OnReady(scoped) }); err != nil {
			m.bus.PurgeOwner(id)
			return fmt.Errorf("bind %q: %w", name, err)
		}
	}

	e := &entry{plugin: p, info: Info{
		Name:         name,
		InstanceID:   id,
		Bindable:     bindable,
		Source:       source,
		Entry:        entryName,
		RegisteredAt: time.Now().UTC(),
	}}

	m.mu.Lock()
	old := m.plugins[name]
	m.plugins[name] = e
	m.mu.Unlock()

	if old != nil {
		n := m.bus.PurgeOwner(old.info.InstanceID)
		m.log.Warn("plugin replaced",
			zap.String("name", name),
			zap.String("previous", old.info.InstanceID),
			zap.Int("dropped_subscriptions", n))
	}
	m.log.Info("plugin registered",
		zap.String("name", name),
		zap.String("instance", id),
		zap.Bool("bindable", bindable))

	m.lifecycle(EventRegistered, e.info)
	return nil
}

// Unregister drops name from the registry together with every bus
// subscription the instance made. It reports false when name is unknown.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	e, ok := m.plugins[name]
	if ok {
		delete(m.plugins, name)
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("unregister: plugin not found", zap.String("name", name))
		return false
	}

	n := m.bus.PurgeOwner(e.info.InstanceID)
	if s, ok := e.plugin.(sdk.Stopper); ok {
		if err := safely(s.Stop); err != nil {
			m.log.Warn("plugin stop failed", zap.String("name", name), zap.Error(err))
		}
	}
	m.log.Info("plugin unregistered", zap.String("name", name), zap.Int("dropped_subscriptions", n))
	m.lifecycle(EventUnregistered, e.info)
	return true
}

// Execute forwards data to the named plugin's Process.
func (m *Manager) Execute(ctx context.Context, name string, data any) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.RLock()
	e, ok := m.plugins[name]
	m.mu.RUnlock()

	if !ok {
		err := fmt.Errorf("%q: %w", name, ErrNotFound)
		m.log.Error("execute failed", zap.String("name", name), zap.Error(err))
		return Result{Success: false, Message: fmt.Sprintf("plugin '%s' is not registered", name), Err: err}
	}

	m.log.Debug("execute", zap.String("name", name))
	if err := safely(func() error { return e.plugin.Process(ctx, data) }); err != nil {
		m.log.Warn("plugin process failed", zap.String("name", name), zap.Error(err))
		return Result{Success: false, Message: fmt.Sprintf("plugin '%s' failed: %v", name, err), Err: err}
	}
	return Result{Success: true, Message: fmt.Sprintf("plugin '%s' executed", name)}
}

// safely runs a plugin hook, reporting a panic as an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// RegisteredPlugins returns the sorted names currently registered.
func (m *Manager) RegisteredPlugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for n := range m.plugins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) Plugins() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.plugins))
	for _, e := range m.plugins {
		out = append(out, e.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Plugin(name string) (sdk.Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Lookup returns the named plugin as T, for callers needing operations beyond
// the generic contract.
func Lookup[T any](m *Manager, name string) (T, bool) {
	var zero T
	p, ok := m.Plugin(name)
	if !ok {
		return zero, false
	}
	t, ok := p.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Shutdown stops every plugin that implements sdk.Stopper.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.plugins))
	for _, e := range m.plugins {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		s, ok := e.plugin.(sdk.Stopper)
		if !ok {
			continue
		}
		if err := safely(s.Stop); err != nil {
			m.log.Warn("plugin stop failed", zap.String("name", e.info.Name), zap.Error(err))
		}
	}
}

func (m *Manager) lifecycle(event string, info Info) {
	if err := m.bus.Publish(context.Background(), event, info); err != nil {
		m.log.Warn("lifecycle handlers failed", zap.String("event", event), zap.Error(err))
	}
}
