package sdk

import (
	"context"
	"errors"
	"fmt"
)

// ErrPayloadType is reported when a subscriber of a Topic receives a payload
// of another type.
var ErrPayloadType = errors.New("unexpected payload type")

// Topic binds an event name to the payload type carried on it.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

func (t Topic[T]) Publish(ctx context.Context, bus Bus, payload T) error {
	return bus.Publish(ctx, t.name, payload)
}

// Subscribe registers fn for the topic. Payloads that are neither T nor *T are
// rejected with ErrPayloadType and fn is not called.
func (t Topic[T]) Subscribe(bus Bus, fn func(ctx context.Context, payload T) error) SubscriptionID {
	return bus.Subscribe(t.name, func(ctx context.Context, payload any) error {
		switch v := payload.(type) {
		case T:
			return fn(ctx, v)
		case *T:
			if v != nil {
				return fn(ctx, *v)
			}
		}
		var want T
		return fmt.Errorf("%s: want %T, got %T: %w", t.name, want, payload, ErrPayloadType)
	})
}
