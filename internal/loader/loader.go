package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

var (
	// ErrLoad wraps every failure to resolve, load or instantiate a module.
	ErrLoad = errors.New("plugin load failed")

	ErrUnsupported = errors.New("unsupported plugin format")
)

// Constructor builds one plugin instance from a loaded module.
type Constructor func() (sdk.Plugin, error)

// Backend opens the modules of one file format.
type Backend interface {
	Open(ctx context.Context, path, entry string) (Constructor, error)
}

// Loader resolves module locators, caches loaded definitions and
// instantiates plugins from them.
type Loader struct {
	log     *zap.Logger
	baseDir string

	guard *reentrant

	mu       sync.Mutex
	backends map[string]Backend
	cache    map[string]map[string]Constructor // path -> entry -> ctor
}

// New returns a loader resolving relative locators against baseDir, with the
// native (.so), Lua (.lua) and Go source (.go) backends installed.
func New(log *zap.Logger, baseDir string) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	l := &Loader{
		log:      log,
		baseDir:  baseDir,
		guard:    new(reentrant),
		backends: make(map[string]Backend),
		cache:    make(map[string]map[string]Constructor),
	}
	l.Register(".so", nativeBackend{})
	l.Register(".lua", luaBackend{log: log, guard: l.guard})
	l.Register(".go", scriptBackend{log: log, guard: l.guard})
	return l
}

// Register installs b for files with extension ext (".lua").
func (l *Loader) Register(ext string, b Backend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[strings.ToLower(ext)] = b
}

func (l *Loader) backend(path string) (Backend, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.backends[strings.ToLower(filepath.Ext(path))]
	return b, ok
}

// Resolve turns a locator into the absolute path of an existing module file.
func (l *Loader) Resolve(locator string) (string, error) {
	if strings.TrimSpace(locator) == "" {
		return "", fmt.Errorf("%w: empty path", ErrLoad)
	}
	p := locator
	if !filepath.IsAbs(p) {
		p = filepath.Join(l.baseDir, p)
	}
	p, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrLoad, locator, err)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %w", ErrLoad, locator, err)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrLoad, p)
	}
	if _, ok := l.backend(p); !ok {
		return "", fmt.Errorf("%w: %s: %w", ErrLoad, p, ErrUnsupported)
	}
	return p, nil
}

// Load returns the constructor for locator, reusing a cached definition.
func (l *Loader) Load(ctx context.Context, locator, entry string) (Constructor, error) {
	path, err := l.Resolve(locator)
	if err != nil {
		return nil, err
	}
	return l.load(ctx, path, entry)
}

func (l *Loader) load(ctx context.Context, path, entry string) (Constructor, error) {
	l.mu.Lock()
	if ctor, ok := l.cache[path][entry]; ok {
		l.mu.Unlock()
		return ctor, nil
	}
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}
	b, _ := l.backend(path)
	ctor, err := b.Open(ctx, path, entry)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoad, path, err)
	}

	l.mu.Lock()
	if l.cache[path] == nil {
		l.cache[path] = make(map[string]Constructor)
	}
	l.cache[path][entry] = ctor
	l.mu.Unlock()

	l.log.Debug("module loaded", zap.String("path", path), zap.String("entry", entry))
	return ctor, nil
}

// Invalidate forgets every cached definition of path.
func (l *Loader) Invalidate(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.cache, path)
}

func (l *Loader) Cached(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cache[path]) > 0
}

// Instantiate resolves locator, drops any cached definition so updated code
// is picked up, loads it and builds a new instance. It returns the resolved
// path along with the plugin.
func (l *Loader) Instantiate(ctx context.Context, locator, entry string) (sdk.Plugin, string, error) {
	path, err := l.Resolve(locator)
	if err != nil {
		return nil, "", err
	}
	l.Invalidate(path)
	ctor, err := l.load(ctx, path, entry)
	if err != nil {
		return nil, path, err
	}
	p, err := construct(ctor)
	if err != nil {
		return nil, path, fmt.Errorf("%w: instantiate %s: %w", ErrLoad, path, err)
	}
	return p, path, nil
}

func construct(ctor Constructor) (p sdk.Plugin, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructor panic: %v", r)
		}
	}()
	p, err = ctor()
	if err == nil && p == nil {
		err = errors.New("constructor returned nil plugin")
	}
	return p, err
}
