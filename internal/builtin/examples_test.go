package builtin

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/EchoPBX/echopbx-kernel/internal/events"
	"github.com/EchoPBX/echopbx-kernel/internal/loader"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recorder struct {
	mu  sync.Mutex
	got map[string][]any
}

func (r *recorder) on(bus *events.Bus, event string) {
	bus.Subscribe(event, func(_ context.Context, payload any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.got[event] = append(r.got[event], payload)
		return nil
	})
}

// The shipped manifest mixes script plugins with a native one that is not
// built in tests; the scripts must still load and cooperate with the builtins.
func TestShippedExamplePlugins(t *testing.T) {
	dir, err := filepath.Abs(filepath.Join("..", "..", "examples"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Plugins.Dir = dir
	cfg.Plugins.Config = map[string]map[string]any{"trending": {"report_event": "trending:report"}}
	log := zaptest.NewLogger(t)
	bus := events.NewBus(events.WithLogger(log))
	m := plugins.NewManager(cfg, log, bus, loader.New(log, dir))
	t.Cleanup(m.Shutdown)
	require.NoError(t, RegisterAll(m, []string{NameArticles}))

	rec := &recorder{got: map[string][]any{}}
	rec.on(bus, "content:wordcount")
	rec.on(bus, "trending:report")

	n, err := m.LoadManifest(context.Background(), filepath.Join(dir, "plugins.json"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{NameArticles, "trending", "wordcount"}, m.RegisteredPlugins())

	ctx := context.Background()
	for _, a := range []map[string]any{
		{"id": "1", "title": "A", "category": "tech", "content": "one two three"},
		{"id": "2", "title": "B", "category": "tech", "content": "four"},
		{"id": "3", "title": "C", "category": "news", "content": ""},
	} {
		res := m.Execute(ctx, NameArticles, a)
		require.True(t, res.Success, res.Message)
	}

	require.True(t, m.Execute(ctx, "trending", nil).Success)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	counts := rec.got["content:wordcount"]
	require.Len(t, counts, 3)
	assert.Equal(t, map[string]any{"id": "1", "words": float64(3)}, counts[0])

	reports := rec.got["trending:report"]
	require.Len(t, reports, 1)
	assert.Equal(t, map[string]any{"category": "tech", "count": int64(2)}, reports[0])
}
