package builtin

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

type Subscriber struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Categories []string `json:"categories"`
}

type Notification struct {
	SubscriberID string    `json:"subscriber_id,omitempty"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Category     string    `json:"category,omitempty"`
	SentAt       time.Time `json:"sent_at"`
}

// PushNotifier reacts to ContentPublished without knowing which plugin
// publishes articles.
type PushNotifier struct {
	log *zap.Logger

	mu          sync.RWMutex
	subscribers []Subscriber
	sent        []Notification
}

func NewPushNotifier() *PushNotifier {
	return &PushNotifier{
		log: zap.NewNop(),
		subscribers: []Subscriber{
			{ID: "1", Name: "Ana García", Categories: []string{"tech", "news"}},
			{ID: "2", Name: "Carlos López", Categories: []string{"sports"}},
			{ID: "3", Name: "María Ruiz", Categories: []string{"news", "culture", "tech"}},
		},
	}
}

func (p *PushNotifier) Initialize(c sdk.Context) error {
	p.log = c.Log()
	p.mu.RLock()
	n := len(p.subscribers)
	p.mu.RUnlock()
	p.log.Info("push notifications initialized", zap.Int("subscribers", n))
	return nil
}

func (p *PushNotifier) OnReady(bus sdk.Bus) error {
	ContentPublished.Subscribe(bus, p.notify)
	return nil
}

// Process sends a manual notification: {"title": ..., "message": ...}.
func (p *PushNotifier) Process(_ context.Context, data any) error {
	var n Notification
	if err := decode(data, &n); err != nil {
		return err
	}
	n.SentAt = time.Now().UTC()
	p.mu.Lock()
	p.sent = append(p.sent, n)
	p.mu.Unlock()
	p.log.Info("manual notification", zap.String("message", n.Message))
	return nil
}

func (p *PushNotifier) notify(_ context.Context, a Article) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delivered := 0
	for _, s := range p.subscribers {
		if !slices.Contains(s.Categories, a.Category) {
			continue
		}
		// delivery to FCM or APNs goes here
		p.sent = append(p.sent, Notification{
			SubscriberID: s.ID,
			Title:        a.Title,
			Message:      "New article: " + a.Title,
			Category:     a.Category,
			SentAt:       time.Now().UTC(),
		})
		p.log.Info("push sent", zap.String("subscriber", s.Name), zap.String("title", a.Title))
		delivered++
	}
	if delivered == 0 {
		p.log.Info("no subscribers for category", zap.String("category", a.Category))
	}
	return nil
}

func (p *PushNotifier) AddSubscriber(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, s)
	p.log.Info("subscriber added", zap.String("name", s.Name))
}

func (p *PushNotifier) Subscribers() []Subscriber {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.subscribers)
}

func (p *PushNotifier) Sent() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.sent)
}
