// Package builtin holds the newsroom plugins shipped with the kernel. They
// talk to each other only through the bus.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
)

const (
	NameValidator = "validator"
	NameNotifier  = "notifier"
	NameArticles  = "articles"
	NamePush      = "push-notifications"
	NameMetrics   = "metrics"
)

var (
	ContentPublished = sdk.NewTopic[Article]("content:published")
	ContentViewed    = sdk.NewTopic[View]("content:viewed")
)

// Factories maps each builtin name to its constructor.
func Factories() map[string]sdk.Factory {
	return map[string]sdk.Factory{
		NameValidator: func() sdk.Plugin { return NewValidator() },
		NameNotifier:  func() sdk.Plugin { return NewNotifier() },
		NameArticles:  func() sdk.Plugin { return NewArticles() },
		NamePush:      func() sdk.Plugin { return NewPushNotifier() },
		NameMetrics:   func() sdk.Plugin { return NewMetrics() },
	}
}

type Registrar interface {
	Register(name string, p sdk.Plugin) error
}

// RegisterAll registers the named builtins in order.
func RegisterAll(r Registrar, names []string) error {
	factories := Factories()
	for _, name := range names {
		f, ok := factories[name]
		if !ok {
			return fmt.Errorf("unknown builtin plugin %q", name)
		}
		if err := r.Register(name, f()); err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
	}
	return nil
}

// decode converts an opaque payload (typed value or generic JSON-like data)
// into out.
func decode(data any, out any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
