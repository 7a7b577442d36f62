// Package reloader triggers plugin reloads from signals and file changes.
package reloader

import (
	"context"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc is called once per changed module file after the debounce
// window has passed without further writes.
type ReloadFunc func(ctx context.Context, path string)

type WatchOption func(*Watcher)

func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithExtensions limits the watcher to files with these extensions.
func WithExtensions(exts ...string) WatchOption {
	return func(w *Watcher) { w.exts = exts }
}

// Watcher watches a plugin directory and reports rewritten module files.
type Watcher struct {
	log      *zap.Logger
	dir      string
	fn       ReloadFunc
	debounce time.Duration
	exts     []string
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]time.Time
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewWatcher(log *zap.Logger, dir string, fn ReloadFunc, opts ...WatchOption) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		log:      log,
		dir:      abs,
		fn:       fn,
		debounce: DefaultDebounce,
		exts:     []string{".so", ".lua", ".go"},
		fsw:      fsw,
		pending:  make(map[string]time.Time),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start begins watching in the background. It returns an error when the
// directory cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(ctx, w.stopCh, w.doneCh)
	w.log.Info("watching plugin directory", zap.String("dir", w.dir))
	return nil
}

// Stop ends the watch loop and releases the underlying watcher. The
// Watcher cannot be restarted afterwards.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	w.mu.Unlock()

	if running {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.fsw.Close(); err != nil {
		w.log.Warn("closing watcher", zap.Error(err))
	}
}

func (w *Watcher) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	tick := time.NewTicker(max(w.debounce/4, 10*time.Millisecond))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", zap.Error(err))
		case now := <-tick.C:
			for _, path := range w.due(now) {
				w.log.Info("plugin file changed", zap.String("path", path))
				w.fn(ctx, path)
			}
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	if !slices.Contains(w.exts, filepath.Ext(ev.Name)) {
		return
	}
	path := filepath.Clean(ev.Name)
	w.mu.Lock()
	w.pending[path] = time.Now()
	w.mu.Unlock()
}

// due pops the paths whose last write is older than the debounce window.
func (w *Watcher) due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.debounce {
			out = append(out, path)
			delete(w.pending, path)
		}
	}
	slices.Sort(out)
	return out
}
