package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pingLua publishes `out` from process and counts deliveries of `in`.
const pingLua = `
local M = {}
function M:on_ready(bus)
  self.bus = bus
  self.seen = 0
  bus.subscribe(%q, function(p) self.seen = self.seen + 1 end)
end
function M:process(data) self.bus.publish(%q, { from = %q }) end
return M
`

const pingGo = `package ping

var publish func(event, payload string) error

func Initialize() error { return nil }

func OnReady(pub func(event, payload string) error, subscribe func(event string, h func(payload string) error) uint64, _ func(event string, id uint64) bool) error {
	publish = pub
	subscribe(%q, func(string) error { return nil })
	return nil
}

func Process(string) error { return publish(%q, "{\"from\":\"go\"}") }
`

func writePing(t *testing.T, dir, file, in, out string) {
	t.Helper()
	var body string
	if filepath.Ext(file) == ".go" {
		body = fmt.Sprintf(pingGo, in, out)
	} else {
		body = fmt.Sprintf(pingLua, in, out, file)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644))
}

func TestConcurrentExecuteOfMutuallySubscribedScripts(t *testing.T) {
	for name, files := range map[string][2]string{
		"lua and lua": {"x.lua", "y.lua"},
		"lua and go":  {"x.lua", "y.go"},
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writePing(t, dir, files[0], "b", "a")
			writePing(t, dir, files[1], "a", "b")

			m := newTestManager(t, dir)
			t.Cleanup(m.Shutdown)
			ctx := context.Background()
			require.NoError(t, m.LoadAndRegister(ctx, Descriptor{Name: "x", Path: files[0]}))
			require.NoError(t, m.LoadAndRegister(ctx, Descriptor{Name: "y", Path: files[1]}))

			var a, b atomic.Int64
			m.Bus().Subscribe("a", func(context.Context, any) error { a.Add(1); return nil })
			m.Bus().Subscribe("b", func(context.Context, any) error { b.Add(1); return nil })

			const rounds = 50
			var failed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < rounds; i++ {
				wg.Add(2)
				for _, target := range []string{"x", "y"} {
					go func() {
						defer wg.Done()
						if !m.Execute(ctx, target, nil).Success {
							failed.Add(1)
						}
					}()
				}
			}

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Fatal("concurrent Execute of mutually subscribed scripts did not return")
			}

			assert.Zero(t, failed.Load())
			assert.EqualValues(t, rounds, a.Load())
			assert.EqualValues(t, rounds, b.Load())
		})
	}
}
