package transport

import (
	"context"
	"errors"
	"sync"
)

// Loop runs the goroutines behind a Subscription. The first error returned
// by any of them cancels the rest and becomes the subscription's error.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// NewLoop returns a loop whose workers stop when parent is canceled.
func NewLoop(parent context.Context) *Loop {
	ctx, cancel := context.WithCancel(parent)
	return &Loop{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Start launches workers; it must be called exactly once.
func (l *Loop) Start(workers ...func(ctx context.Context) error) {
	for _, w := range workers {
		l.wg.Add(1)
		go func(w func(context.Context) error) {
			defer l.wg.Done()
			if err := w(l.ctx); err != nil {
				l.Fail(err)
			}
		}(w)
	}
	go func() {
		l.wg.Wait()
		l.cancel()
		close(l.done)
	}()
}

// Fail records err (unless it is the result of stopping) and cancels every
// worker.
func (l *Loop) Fail(err error) {
	if err == nil || (errors.Is(err, context.Canceled) && l.ctx.Err() != nil) {
		return
	}
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.cancel()
}

func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) Stop() error {
	l.cancel()
	<-l.done
	return l.Err()
}
