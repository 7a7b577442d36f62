package sdk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus dispatches straight to the handlers of each event.
type fakeBus struct {
	handlers map[string][]Handler
}

func (b *fakeBus) Publish(ctx context.Context, event string, payload any) error {
	var errs []error
	for _, h := range b.handlers[event] {
		if err := h(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *fakeBus) Subscribe(event string, h Handler) SubscriptionID {
	if b.handlers == nil {
		b.handlers = map[string][]Handler{}
	}
	b.handlers[event] = append(b.handlers[event], h)
	return SubscriptionID(len(b.handlers[event]))
}

func (b *fakeBus) Unsubscribe(string, SubscriptionID) bool { return false }

type greeting struct{ Text string }

func TestTopicDeliversTypedPayload(t *testing.T) {
	bus := &fakeBus{}
	topic := NewTopic[greeting]("greet")

	var got []string
	topic.Subscribe(bus, func(_ context.Context, g greeting) error {
		got = append(got, g.Text)
		return nil
	})

	require.NoError(t, topic.Publish(context.Background(), bus, greeting{Text: "hola"}))
	require.NoError(t, bus.Publish(context.Background(), "greet", &greeting{Text: "ptr"}))
	assert.Equal(t, []string{"hola", "ptr"}, got)
	assert.Equal(t, "greet", topic.Name())
}

func TestTopicRejectsForeignPayload(t *testing.T) {
	bus := &fakeBus{}
	topic := NewTopic[greeting]("greet")

	called := false
	topic.Subscribe(bus, func(context.Context, greeting) error {
		called = true
		return nil
	})

	err := bus.Publish(context.Background(), "greet", map[string]any{"Text": "x"})
	require.ErrorIs(t, err, ErrPayloadType)
	assert.False(t, called)

	err = bus.Publish(context.Background(), "greet", (*greeting)(nil))
	require.ErrorIs(t, err, ErrPayloadType)
}
