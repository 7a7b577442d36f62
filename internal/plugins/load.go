package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Descriptor names a module to load and the registry name to give it.
type Descriptor struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Entry string `json:"entry,omitempty"`
}

// PluginManifest describe el archivo plugins.json
type PluginManifest struct {
	Plugins []PluginEntry `json:"plugins"`
}

type PluginEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Entry   string `json:"entry,omitempty"`
}

// LoadAndRegister loads the module at d.Path, discarding any cached copy, and
// registers a fresh instance as d.Name. Any failure leaves the registry
// untouched.
func (m *Manager) LoadAndRegister(ctx context.Context, d Descriptor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if d.Name == "" {
		return fmt.Errorf("%w: %w", loader.ErrLoad, ErrInvalidName)
	}

	p, path, err := m.loader.Instantiate(ctx, d.Path, d.Entry)
	if err != nil {
		m.log.Error("plugin load failed",
			zap.String("name", d.Name),
			zap.String("path", d.Path),
			zap.Error(err))
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", loader.ErrLoad, path, err)
	}
	if err := m.register(d.Name, p, path, d.Entry); err != nil {
		m.log.Error("plugin register failed", zap.String("name", d.Name), zap.Error(err))
		return fmt.Errorf("%w: %w", loader.ErrLoad, err)
	}
	return nil
}

// LoadManifest carga plugins.json y registra sus entradas en paralelo.
// Entries that fail are logged and skipped; the count of loaded plugins is
// returned.
func (m *Manager) LoadManifest(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var manifest PluginManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return 0, fmt.Errorf("manifest %s: %w", path, err)
	}

	var loaded atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(m.cfg.Plugins.Concurrency, 1))
	for _, p := range manifest.Plugins {
		g.Go(func() error {
			err := m.LoadAndRegister(ctx, Descriptor{Name: p.Name, Path: p.Path, Entry: p.Entry})
			if err != nil {
				m.log.Error("failed to load plugin",
					zap.String("name", p.Name),
					zap.String("version", p.Version),
					zap.Error(err))
				return nil
			}
			loaded.Add(1)
			m.log.Info("plugin loaded",
				zap.String("name", p.Name),
				zap.String("version", p.Version))
			return nil
		})
	}
	_ = g.Wait()
	return int(loaded.Load()), nil
}

func (m *Manager) Reload(ctx context.Context, path string) {
	n, err := m.LoadManifest(ctx, path)
	if err != nil {
		m.log.Warn("plugin reload failed", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, EventReloaded, map[string]any{
		"loaded": n,
		"time":   time.Now().Unix(),
	}); err != nil {
		m.log.Warn("lifecycle handlers failed", zap.String("event", EventReloaded), zap.Error(err))
	}
}

// ReloadSource reloads every registered plugin loaded from the module at
// path and returns how many were replaced.
func (m *Manager) ReloadSource(ctx context.Context, path string) int {
	var targets []Descriptor
	for _, info := range m.Plugins() {
		if info.Source == path {
			targets = append(targets, Descriptor{Name: info.Name, Path: info.Source, Entry: info.Entry})
		}
	}

	n := 0
	for _, d := range targets {
		if err := m.LoadAndRegister(ctx, d); err != nil {
			m.log.Warn("hot reload failed, keeping previous instance", zap.String("name", d.Name), zap.Error(err))
			continue
		}
		n++
	}
	return n
}
