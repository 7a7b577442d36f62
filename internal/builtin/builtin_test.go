package builtin

import (
	"context"
	"testing"

	"github.com/EchoPBX/echopbx-kernel/internal/config"
	"github.com/EchoPBX/echopbx-kernel/internal/events"
	"github.com/EchoPBX/echopbx-kernel/internal/plugins"
	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newKernel(t *testing.T, names ...string) *plugins.Manager {
	t.Helper()
	log := zaptest.NewLogger(t)
	bus := events.NewBus(events.WithLogger(log))
	m := plugins.NewManager(config.Default(), log, bus, nil)
	require.NoError(t, RegisterAll(m, names))
	return m
}

func TestRegisterAllUnknownName(t *testing.T) {
	m := plugins.NewManager(nil, nil, nil, nil)
	err := RegisterAll(m, []string{NameValidator, "nope"})
	require.Error(t, err)
	assert.Equal(t, []string{NameValidator}, m.RegisteredPlugins())
}

func TestFactoriesReturnFreshInstances(t *testing.T) {
	f := Factories()
	require.Len(t, f, 5)
	assert.NotSame(t, f[NameArticles](), f[NameArticles]())
}

func TestPublishedArticleReachesSubscribersOnce(t *testing.T) {
	m := newKernel(t, NameArticles)
	bus := m.Bus()

	var titles []string
	ContentPublished.Subscribe(bus, func(_ context.Context, a Article) error {
		titles = append(titles, a.Title)
		return nil
	})

	before := bus.Total()
	res := m.Execute(context.Background(), NameArticles, map[string]any{
		"id": "1", "title": "T", "category": "news",
	})
	require.True(t, res.Success, res.Message)
	assert.Equal(t, []string{"T"}, titles)
	assert.Equal(t, before+1, bus.Total())

	log := bus.Log()
	assert.Equal(t, ContentPublished.Name(), log[len(log)-1].Event)
}

func TestArticlesRequireIDAndTitle(t *testing.T) {
	m := newKernel(t, NameArticles)
	before := m.Bus().Total()

	res := m.Execute(context.Background(), NameArticles, map[string]any{"title": "no id"})
	assert.False(t, res.Success)
	res = m.Execute(context.Background(), NameArticles, map[string]any{"id": "2"})
	assert.False(t, res.Success)

	assert.Equal(t, before, m.Bus().Total())
	a, ok := plugins.Lookup[*Articles](m, NameArticles)
	require.True(t, ok)
	assert.Empty(t, a.All())
}

func TestArticlesByCategoryAndViews(t *testing.T) {
	m := newKernel(t, NameArticles, NameMetrics)
	ctx := context.Background()

	for _, in := range []map[string]any{
		{"id": "1", "title": "Chips", "category": "tech"},
		{"id": "2", "title": "Derby", "category": "sports"},
		{"id": "3", "title": "Compilers", "category": "tech"},
	} {
		require.True(t, m.Execute(ctx, NameArticles, in).Success)
	}
	require.NoError(t, ContentViewed.Publish(ctx, m.Bus(), View{ID: "3", Category: "tech"}))
	require.NoError(t, ContentViewed.Publish(ctx, m.Bus(), View{ID: "3"}))
	require.NoError(t, ContentViewed.Publish(ctx, m.Bus(), View{ID: "missing"}))

	a, _ := plugins.Lookup[*Articles](m, NameArticles)
	tech := a.ByCategory("tech")
	require.Len(t, tech, 2)
	assert.Equal(t, "1", tech[0].ID)
	assert.Equal(t, "3", tech[1].ID)
	assert.Equal(t, 2, tech[1].Views)
	assert.False(t, tech[0].PublishedAt.IsZero())
	assert.Len(t, a.All(), 3)

	metrics, _ := plugins.Lookup[*Metrics](m, NameMetrics)
	s := metrics.Summary()
	assert.Equal(t, 6, s.TotalEvents)
	assert.Equal(t, 3, s.ByEvent[ContentPublished.Name()])
	assert.Equal(t, 3, s.ByEvent[ContentViewed.Name()])
	assert.Equal(t, map[string]int{"tech": 2, "sports": 1}, s.ByCategory)
	assert.Len(t, s.LastRecords, recentRecords)
}

func TestPushNotifiesInterestedSubscribers(t *testing.T) {
	m := newKernel(t, NameArticles, NamePush)
	ctx := context.Background()

	require.True(t, m.Execute(ctx, NameArticles, map[string]any{"id": "1", "title": "Elections", "category": "news"}).Success)
	require.True(t, m.Execute(ctx, NameArticles, map[string]any{"id": "2", "title": "Weather", "category": "weather"}).Success)

	p, ok := plugins.Lookup[*PushNotifier](m, NamePush)
	require.True(t, ok)
	sent := p.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "1", sent[0].SubscriberID)
	assert.Equal(t, "3", sent[1].SubscriberID)
	for _, n := range sent {
		assert.Equal(t, "Elections", n.Title)
		assert.Equal(t, "news", n.Category)
	}
}

func TestPushAddSubscriberAndManualSend(t *testing.T) {
	m := newKernel(t, NameArticles, NamePush)
	ctx := context.Background()
	p, _ := plugins.Lookup[*PushNotifier](m, NamePush)

	p.AddSubscriber(Subscriber{ID: "4", Name: "Lucía", Categories: []string{"weather"}})
	assert.Len(t, p.Subscribers(), 4)

	require.True(t, m.Execute(ctx, NameArticles, map[string]any{"id": "9", "title": "Storm", "category": "weather"}).Success)
	require.True(t, m.Execute(ctx, NamePush, map[string]any{"title": "Hi", "message": "manual"}).Success)

	sent := p.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "4", sent[0].SubscriberID)
	assert.Equal(t, "manual", sent[1].Message)
}

func TestPushOutlivesArticlesReplacement(t *testing.T) {
	m := newKernel(t, NameArticles, NamePush)
	require.NoError(t, m.Register(NameArticles, NewArticles()))

	require.True(t, m.Execute(context.Background(), NameArticles, map[string]any{"id": "1", "title": "X", "category": "sports"}).Success)
	p, _ := plugins.Lookup[*PushNotifier](m, NamePush)
	assert.Len(t, p.Sent(), 1)
}

func TestUnregisteredPushStopsListening(t *testing.T) {
	m := newKernel(t, NameArticles, NamePush)
	p, _ := plugins.Lookup[*PushNotifier](m, NamePush)
	require.True(t, m.Unregister(NamePush))

	require.True(t, m.Execute(context.Background(), NameArticles, map[string]any{"id": "1", "title": "X", "category": "news"}).Success)
	assert.Empty(t, p.Sent())
}

func TestMetricsProcess(t *testing.T) {
	m := newKernel(t, NameMetrics)
	ctx := context.Background()

	assert.False(t, m.Execute(ctx, NameMetrics, map[string]any{"category": "x"}).Success)
	require.True(t, m.Execute(ctx, NameMetrics, map[string]any{"event": "share", "category": "tech"}).Success)

	metrics, _ := plugins.Lookup[*Metrics](m, NameMetrics)
	recs := metrics.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "share", recs[0].Event)
	assert.Equal(t, map[string]any{}, recs[0].Details)
	assert.Empty(t, metrics.Summary().ByCategory)
}

func TestValidatorAndNotifier(t *testing.T) {
	m := newKernel(t, NameValidator, NameNotifier)
	ctx := context.Background()

	res := m.Execute(ctx, NameValidator, nil)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrEmptyData)
	assert.True(t, m.Execute(ctx, NameValidator, "x").Success)

	assert.True(t, m.Execute(ctx, NameNotifier, map[string]any{"a": 1}).Success)
	assert.False(t, m.Execute(ctx, NameNotifier, make(chan int)).Success)
}

func TestArticlesWithoutBus(t *testing.T) {
	a := NewArticles()
	require.NoError(t, a.Process(context.Background(), Article{ID: "1", Title: "offline"}))
	assert.Len(t, a.All(), 1)

	var _ sdk.Bindable = a
}
