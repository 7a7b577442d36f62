package sdk

import "context"

// Plugin es el contrato mínimo que todo componente alojado debe cumplir.
type Plugin interface {
	Initialize(c Context) error
	Process(ctx context.Context, data any) error
}

// Bindable plugins receive the kernel bus once, right after Initialize.
type Bindable interface {
	OnReady(bus Bus) error
}

// Stopper is implemented by plugins holding resources that must be released
// when they are unregistered or the kernel shuts down.
type Stopper interface {
	Stop() error
}

// Factory builds a fresh, uninitialized plugin instance.
type Factory func() Plugin
