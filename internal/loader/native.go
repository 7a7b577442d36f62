package loader

import (
	"context"
	"fmt"
	"plugin"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
)

const defaultEntry = "New"

// nativeBackend opens Go plugins built with -buildmode=plugin. The runtime
// never unmaps a plugin, so reopening a path yields the code loaded first.
type nativeBackend struct{}

func (nativeBackend) Open(_ context.Context, path, entry string) (Constructor, error) {
	if entry == "" {
		entry = defaultEntry
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(entry)
	if err != nil {
		return nil, err
	}

	var f func() sdk.Plugin
	switch s := sym.(type) {
	case func() sdk.Plugin:
		f = s
	case *sdk.Factory:
		f = *s
	case *func() sdk.Plugin:
		f = *s
	}
	if f == nil {
		return nil, fmt.Errorf("symbol %s is %T, want func() sdk.Plugin", entry, sym)
	}
	return func() (sdk.Plugin, error) { return f(), nil }, nil
}
