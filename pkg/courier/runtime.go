package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/kroute/pkg/transport"
	"go.uber.org/zap"
)

// Lifecycle is what a Runtime drives. *Registration[K] implements it for
// every K.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
	Topic() string
}

// Runtime owns the registrations of a process. A registration starts as soon
// as it is registered and stops when the runtime closes.
type Runtime struct {
	ctx    context.Context
	logger *zap.Logger

	mu     sync.Mutex
	regs   []Lifecycle
	closed bool
}

func NewRuntime(ctx context.Context, logger *zap.Logger) *Runtime {
	return &Runtime{ctx: ctx, logger: transport.DefaultLogger(logger)}
}

// Register starts reg and keeps it until Close. A registration that fails to
// start is not kept.
func (rt *Runtime) Register(reg Lifecycle) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return ErrStopped
	}
	for _, r := range rt.regs {
		if r.Topic() == reg.Topic() {
			return fmt.Errorf("%w: topic %s is already registered", ErrConfig, reg.Topic())
		}
	}

	if err := reg.Start(rt.ctx); err != nil {
		_ = reg.Stop()
		return err
	}
	rt.regs = append(rt.regs, reg)
	rt.logger.Info("Registered", zap.String("topic", reg.Topic()))
	return nil
}

// Close stops every registration, last registered first.
func (rt *Runtime) Close() error {
	rt.mu.Lock()
	if rt.closed {
		rt.mu.Unlock()
		return nil
	}
	rt.closed = true
	regs := rt.regs
	rt.regs = nil
	rt.mu.Unlock()

	var errs []error
	for i := len(regs) - 1; i >= 0; i-- {
		if err := regs[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", regs[i].Topic(), err))
		}
	}
	return errors.Join(errs...)
}
