package sdk

import "context"

// Handler receives the payload of a published event. The context carries the
// dispatch depth, so nested publishes must reuse it.
type Handler func(ctx context.Context, payload any) error

// SubscriptionID identifies one occurrence of a handler on one event.
type SubscriptionID uint64

// Bus es la interfaz pública del event bus
type Bus interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(event string, h Handler) SubscriptionID
	Unsubscribe(event string, id SubscriptionID) bool
}
