package loader

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"
)

var errClosed = errors.New("lua state closed")

// luaBackend compiles a script once per load; every instance then runs the
// compiled chunk in its own LState.
type luaBackend struct {
	log   *zap.Logger
	guard *reentrant
}

func (b luaBackend) Open(_ context.Context, path, entry string) (Constructor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	chunk, err := parse.Parse(f, path)
	if err != nil {
		return nil, err
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, err
	}
	return func() (sdk.Plugin, error) {
		return newLuaPlugin(proto, entry, guardOrNew(b.guard), b.log.With(zap.String("module", path)))
	}, nil
}

type luaPlugin struct {
	guard *reentrant
	L     *lua.LState
	self  *lua.LTable
	log   *zap.Logger
	cur   context.Context

	closed bool
}

// boundLuaPlugin is returned for modules defining on_ready, so the kernel
// sees the binding capability through the type.
type boundLuaPlugin struct {
	*luaPlugin
}

func newLuaPlugin(proto *lua.FunctionProto, entry string, guard *reentrant, log *zap.Logger) (sdk.Plugin, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.fn), NRet: 0, Protect: true}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}

	p := &luaPlugin{guard: guard, L: L, log: log, cur: context.Background()}
	p.installKernel()

	self, err := p.instantiate(proto, entry)
	if err != nil {
		L.Close()
		return nil, err
	}
	p.self = self

	if _, ok := self.RawGetString("process").(*lua.LFunction); !ok {
		L.Close()
		return nil, errors.New("module does not define process")
	}
	if _, ok := self.RawGetString("on_ready").(*lua.LFunction); ok {
		return &boundLuaPlugin{p}, nil
	}
	return p, nil
}

func (p *luaPlugin) installKernel() {
	mod := p.L.NewTable()
	p.L.SetField(mod, "log", p.L.NewFunction(func(L *lua.LState) int {
		p.log.Info(L.CheckString(1))
		return 0
	}))
	p.L.SetField(mod, "warn", p.L.NewFunction(func(L *lua.LState) int {
		p.log.Warn(L.CheckString(1))
		return 0
	}))
	p.L.SetGlobal("kernel", mod)
}

// instantiate runs the chunk. It may return the instance table directly, a
// constructor function, or a table whose entry field is the constructor.
func (p *luaPlugin) instantiate(proto *lua.FunctionProto, entry string) (*lua.LTable, error) {
	L := p.L
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, 1, nil); err != nil {
		return nil, err
	}
	mod := L.Get(-1)
	L.Pop(1)

	ctor := mod
	if entry != "" {
		t, ok := mod.(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("module returned %s, want table with %q", mod.Type(), entry)
		}
		ctor = t.RawGetString(entry)
		if ctor.Type() != lua.LTFunction {
			return nil, fmt.Errorf("entry %q is %s, want function", entry, ctor.Type())
		}
	}

	if fn, ok := ctor.(*lua.LFunction); ok {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return nil, err
		}
		ctor = L.Get(-1)
		L.Pop(1)
	}

	t, ok := ctor.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("module returned %s, want table", ctor.Type())
	}
	return t, nil
}

// call runs self[method](self, args...) if the method exists.
func (p *luaPlugin) call(ctx context.Context, method string, args func(L *lua.LState) []lua.LValue) error {
	ctx, release := p.guard.enter(ctx)
	defer release()
	if p.closed {
		return errClosed
	}
	fn, ok := p.self.RawGetString(method).(*lua.LFunction)
	if !ok {
		return nil
	}
	return p.invoke(ctx, fn, append([]lua.LValue{p.self}, args(p.L)...)...)
}

// invoke must be called with the guard held.
func (p *luaPlugin) invoke(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) error {
	prev := p.cur
	p.cur = ctx
	defer func() { p.cur = prev }()
	return p.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

func noArgs(*lua.LState) []lua.LValue { return nil }

func (p *luaPlugin) Initialize(c sdk.Context) error {
	p.log = c.Log()
	cfg := c.Config()
	return p.call(context.Background(), "initialize", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{toLua(L, cfg)}
	})
}

func (p *luaPlugin) Process(ctx context.Context, data any) error {
	return p.call(ctx, "process", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{toLua(L, data)}
	})
}

func (p *luaPlugin) Stop() error {
	err := p.call(context.Background(), "stop", noArgs)
	_, release := p.guard.enter(context.Background())
	defer release()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

func (p *boundLuaPlugin) OnReady(bus sdk.Bus) error {
	return p.call(context.Background(), "on_ready", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{p.busTable(bus)}
	})
}

// busTable exposes publish, subscribe and unsubscribe to the script, called
// with dot syntax: bus.publish("event", payload).
func (p *luaPlugin) busTable(bus sdk.Bus) *lua.LTable {
	L := p.L
	t := L.NewTable()
	L.SetField(t, "publish", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		payload := fromLua(L.Get(2))
		if err := bus.Publish(p.cur, event, payload); err != nil {
			L.Push(lua.LString(err.Error()))
			return 1
		}
		return 0
	}))
	L.SetField(t, "subscribe", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		fn := L.CheckFunction(2)
		id := bus.Subscribe(event, func(ctx context.Context, payload any) error {
			ctx, release := p.guard.enter(ctx)
			defer release()
			if p.closed {
				return errClosed
			}
			return p.invoke(ctx, fn, toLua(p.L, payload))
		})
		L.Push(lua.LNumber(id))
		return 1
	}))
	L.SetField(t, "unsubscribe", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		id := L.CheckInt64(2)
		L.Push(lua.LBool(bus.Unsubscribe(event, sdk.SubscriptionID(id))))
		return 1
	}))
	return t
}
