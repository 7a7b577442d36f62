package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"os"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"
)

// Go source plugins exchange payloads as JSON text across the interpreter
// boundary. The file defines:
//
//	func Initialize() error
//	func Process(data string) error
//	func OnReady(
//		publish func(event, payload string) error,
//		subscribe func(event string, h func(payload string) error) uint64,
//		unsubscribe func(event string, id uint64) bool,
//	) error // optional
//	func Stop() error // optional
type (
	scriptPublish     = func(event, payload string) error
	scriptSubscribe   = func(event string, h func(payload string) error) uint64
	scriptUnsubscribe = func(event string, id uint64) bool
)

type scriptBackend struct {
	log   *zap.Logger
	guard *reentrant
}

func (b scriptBackend) Open(_ context.Context, path, _ string) (Constructor, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := parser.ParseFile(token.NewFileSet(), path, src, parser.AllErrors)
	if err != nil {
		return nil, err
	}
	pkg := f.Name.Name
	code := string(src)
	return func() (sdk.Plugin, error) {
		return newScriptPlugin(pkg, code, guardOrNew(b.guard), b.log.With(zap.String("module", path)))
	}, nil
}

type scriptPlugin struct {
	guard *reentrant
	log   *zap.Logger
	cur   context.Context

	initialize func() error
	process    func(string) error
	stop       func() error
	onReady    func(scriptPublish, scriptSubscribe, scriptUnsubscribe) error
}

type boundScriptPlugin struct {
	*scriptPlugin
}

func newScriptPlugin(pkg, code string, guard *reentrant, log *zap.Logger) (sdk.Plugin, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if _, err := i.Eval(code); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	p := &scriptPlugin{guard: guard, log: log, cur: context.Background()}
	var err error
	if p.initialize, err = lookup[func() error](i, pkg, "Initialize"); err != nil {
		return nil, err
	}
	if p.process, err = lookup[func(string) error](i, pkg, "Process"); err != nil {
		return nil, err
	}
	if p.initialize == nil || p.process == nil {
		return nil, errors.New("source must define Initialize and Process")
	}
	if p.stop, err = lookup[func() error](i, pkg, "Stop"); err != nil {
		return nil, err
	}
	if p.onReady, err = lookup[func(scriptPublish, scriptSubscribe, scriptUnsubscribe) error](i, pkg, "OnReady"); err != nil {
		return nil, err
	}
	if p.onReady != nil {
		return &boundScriptPlugin{p}, nil
	}
	return p, nil
}

// lookup returns (nil, nil) when the symbol is absent and an error when it
// exists with another signature.
func lookup[F any](i *interp.Interpreter, pkg, name string) (F, error) {
	var zero F
	v, err := i.Eval(pkg + "." + name)
	if err != nil || !v.IsValid() {
		return zero, nil
	}
	fn, ok := v.Interface().(F)
	if !ok {
		return zero, fmt.Errorf("%s has type %s, want %T", name, v.Type(), zero)
	}
	return fn, nil
}

func (p *scriptPlugin) enter(ctx context.Context) func() {
	ctx, release := p.guard.enter(ctx)
	prev := p.cur
	p.cur = ctx
	return func() {
		p.cur = prev
		release()
	}
}

func (p *scriptPlugin) Initialize(c sdk.Context) error {
	p.log = c.Log()
	defer p.enter(context.Background())()
	return p.protect(p.initialize)
}

func (p *scriptPlugin) Process(ctx context.Context, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	defer p.enter(ctx)()
	return p.protect(func() error { return p.process(string(b)) })
}

func (p *scriptPlugin) Stop() error {
	if p.stop == nil {
		return nil
	}
	defer p.enter(context.Background())()
	return p.protect(p.stop)
}

func (p *scriptPlugin) protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script panic: %v", r)
		}
	}()
	return fn()
}

func (p *boundScriptPlugin) OnReady(bus sdk.Bus) error {
	publish := func(event, payload string) error {
		var v any
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &v); err != nil {
				return fmt.Errorf("publish %q: %w", event, err)
			}
		}
		return bus.Publish(p.cur, event, v)
	}
	subscribe := func(event string, h func(string) error) uint64 {
		id := bus.Subscribe(event, func(ctx context.Context, payload any) error {
			b, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			defer p.enter(ctx)()
			return p.protect(func() error { return h(string(b)) })
		})
		return uint64(id)
	}
	unsubscribe := func(event string, id uint64) bool {
		return bus.Unsubscribe(event, sdk.SubscriptionID(id))
	}
	defer p.enter(context.Background())()
	return p.protect(func() error { return p.onReady(publish, subscribe, unsubscribe) })
}
