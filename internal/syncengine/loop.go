package syncengine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Start on a running engine.
var ErrAlreadyRunning = errors.New("sync engine already running")

// Start runs cycles in the background: once at start, every Interval, and
// whenever Trigger is called. After a retryable failure the next cycle waits
// for the backoff delay instead.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.Trigger()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()
	return nil
}

// Trigger requests a cycle. A request made while one is already pending is
// coalesced with it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) runLoop() {
	timer := time.NewTimer(e.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-e.ctx.Done():
			e.logger.Info(context.Background(), "sync: shutdown requested")
			return
		case <-e.trigger:
		case <-timer.C:
		}

		if wait := e.backoffRemaining(); wait > 0 {
			timer.Reset(wait)
			continue
		}
		if _, err := e.SyncOnce(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Debug(e.ctx, "sync: cycle returned error", zap.Error(err))
		}
		timer.Reset(e.nextDelay())
	}
}

// backoffRemaining is how long the engine still has to wait before retrying.
func (e *Engine) backoffRemaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil || e.dev.state != StateErrorBackoff {
		return 0
	}
	return e.dev.retryAt.Sub(e.opts.Now())
}

func (e *Engine) nextDelay() time.Duration {
	if wait := e.backoffRemaining(); wait > 0 {
		return wait
	}
	return e.opts.Interval
}

// Stop ends the loop and waits for a running cycle to return.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	e.wg.Wait()
	e.logger.Info(context.Background(), "sync: stopped")
	return nil
}
