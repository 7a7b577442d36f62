package sdk

import "go.uber.org/zap"

type Context interface {
	Name() string
	Log() *zap.Logger
	Config() map[string]any
}
