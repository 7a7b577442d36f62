package builtin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

const recentRecords = 5

type Record struct {
	Event     string    `json:"event"`
	Category  string    `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   any       `json:"details,omitempty"`
}

type Summary struct {
	TotalEvents int            `json:"total_events"`
	ByEvent     map[string]int `json:"by_event"`
	ByCategory  map[string]int `json:"by_category"`
	LastRecords []Record       `json:"last_records"`
}

// Metrics records every content event it hears about.
type Metrics struct {
	log *zap.Logger

	mu         sync.RWMutex
	records    []Record
	byCategory map[string]int
}

func NewMetrics() *Metrics {
	return &Metrics{log: zap.NewNop(), byCategory: make(map[string]int)}
}

func (m *Metrics) Initialize(c sdk.Context) error {
	m.log = c.Log()
	return nil
}

func (m *Metrics) OnReady(bus sdk.Bus) error {
	ContentPublished.Subscribe(bus, func(_ context.Context, a Article) error {
		m.mu.Lock()
		m.byCategory[a.Category]++
		m.mu.Unlock()
		m.record(ContentPublished.Name(), a.Category, a)
		return nil
	})
	ContentViewed.Subscribe(bus, func(_ context.Context, v View) error {
		m.record(ContentViewed.Name(), v.Category, v)
		return nil
	})
	return nil
}

// Process records a custom metric: {"event": ..., "category": ..., "details": ...}.
func (m *Metrics) Process(_ context.Context, data any) error {
	var in struct {
		Event    string `json:"event"`
		Category string `json:"category"`
		Details  any    `json:"details"`
	}
	if err := decode(data, &in); err != nil {
		return err
	}
	if in.Event == "" {
		return errors.New("metric requires event")
	}
	if in.Details == nil {
		in.Details = map[string]any{}
	}
	m.record(in.Event, in.Category, in.Details)
	return nil
}

func (m *Metrics) record(event, category string, details any) {
	m.mu.Lock()
	m.records = append(m.records, Record{
		Event:     event,
		Category:  category,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
	m.mu.Unlock()
	m.log.Debug("metric recorded", zap.String("event", event), zap.String("category", category))
}

func (m *Metrics) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{
		TotalEvents: len(m.records),
		ByEvent:     make(map[string]int),
		ByCategory:  make(map[string]int, len(m.byCategory)),
	}
	for _, r := range m.records {
		s.ByEvent[r.Event]++
	}
	for k, v := range m.byCategory {
		s.ByCategory[k] = v
	}
	start := max(len(m.records)-recentRecords, 0)
	s.LastRecords = append([]Record(nil), m.records[start:]...)
	return s
}

func (m *Metrics) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}
