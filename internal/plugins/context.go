package plugins

import (
	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

type pluginContext struct {
	name   string
	log    *zap.Logger
	config map[string]any
}

func newPluginContext(name string, log *zap.Logger, cfg map[string]any) sdk.Context {
	return &pluginContext{name: name, log: log, config: cfg}
}

func (c *pluginContext) Name() string           { return c.name }
func (c *pluginContext) Log() *zap.Logger       { return c.log }
func (c *pluginContext) Config() map[string]any { return c.config }
