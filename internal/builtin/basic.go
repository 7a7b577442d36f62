package builtin

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/EchoPBX/echopbx-kernel/pkg/sdk"
	"go.uber.org/zap"
)

var ErrEmptyData = errors.New("data must not be empty")

// Validator rejects empty payloads.
type Validator struct {
	log *zap.Logger
}

func NewValidator() *Validator { return &Validator{log: zap.NewNop()} }

func (v *Validator) Initialize(c sdk.Context) error {
	v.log = c.Log()
	return nil
}

func (v *Validator) Process(_ context.Context, data any) error {
	if data == nil {
		v.log.Warn("validation failed: empty data")
		return ErrEmptyData
	}
	v.log.Info("validation ok")
	return nil
}

// Notifier logs whatever it is asked to process.
type Notifier struct {
	log *zap.Logger
}

func NewNotifier() *Notifier { return &Notifier{log: zap.NewNop()} }

func (n *Notifier) Initialize(c sdk.Context) error {
	n.log = c.Log()
	return nil
}

func (n *Notifier) Process(_ context.Context, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	n.log.Info("notifying", zap.ByteString("data", b))
	return nil
}
