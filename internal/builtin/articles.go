package builtin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	PublishedAt time.Time `json:"published_at"`
	Views       int       `json:"views"`
}

type View struct {
	ID       string `json:"id"`
	Category string `json:"category,omitempty"`
}

// Articles stores published articles and announces them on ContentPublished.
type Articles struct {
	log *zap.Logger
	bus sdk.Bus
	now func() time.Time

	mu       sync.RWMutex
	articles []*Article
}

func NewArticles() *Articles {
	return &Articles{log: zap.NewNop(), now: time.Now}
}

func (a *Articles) Initialize(c sdk.Context) error {
	a.log = c.Log()
	a.log.Info("articles plugin initialized")
	return nil
}

func (a *Articles) OnReady(bus sdk.Bus) error {
	a.bus = bus
	ContentViewed.Subscribe(bus, a.onViewed)
	return nil
}

// Process publishes one article. data is an Article or any JSON-like value
// with the same fields.
func (a *Articles) Process(ctx context.Context, data any) error {
	var art Article
	if v, ok := data.(Article); ok {
		art = v
	} else if err := decode(data, &art); err != nil {
		return err
	}
	if art.ID == "" || art.Title == "" {
		return errors.New("article requires id and title")
	}
	art.PublishedAt = a.now().UTC()
	art.Views = 0

	a.mu.Lock()
	stored := art
	a.articles = append(a.articles, &stored)
	a.mu.Unlock()

	a.log.Info("article published",
		zap.String("id", art.ID),
		zap.String("title", art.Title),
		zap.String("category", art.Category))

	if a.bus == nil {
		return nil
	}
	return ContentPublished.Publish(ctx, a.bus, art)
}

func (a *Articles) onViewed(_ context.Context, v View) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, art := range a.articles {
		if art.ID == v.ID {
			art.Views++
			a.log.Debug("article viewed", zap.String("id", art.ID), zap.Int("views", art.Views))
			return nil
		}
	}
	return nil
}

func (a *Articles) All() []Article {
	return a.filter(func(*Article) bool { return true })
}

func (a *Articles) ByCategory(category string) []Article {
	return a.filter(func(art *Article) bool { return art.Category == category })
}

func (a *Articles) filter(keep func(*Article) bool) []Article {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Article, 0, len(a.articles))
	for _, art := range a.articles {
		if keep(art) {
			out = append(out, *art)
		}
	}
	return out
}
