package loader

import (
	"context"
	"sync"
)

// reentrant serializes calls into the interpreter runtimes while letting a
// call re-enter on the same dispatch chain (process -> publish -> handler of
// this or another script). Re-entry is detected through the context. One
// reentrant is shared by every script instance of a Loader, so a chain that
// holds it never waits for a second interpreter lock.
type reentrant struct {
	mu sync.Mutex
}

type heldKey struct{ r *reentrant }

func guardOrNew(r *reentrant) *reentrant {
	if r == nil {
		return new(reentrant)
	}
	return r
}

func (r *reentrant) enter(ctx context.Context) (context.Context, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Value(heldKey{r}) != nil {
		return ctx, func() {}
	}
	r.mu.Lock()
	return context.WithValue(ctx, heldKey{r}, true), r.mu.Unlock
}
