package vectorindex

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DriftMonitor runs Heal on an interval and whenever Trigger is called. It
// is the only place automatic rebuilds start from; their start and finish
// are observable through Manager.OnRebuild.
type DriftMonitor struct {
	m        *Manager
	interval time.Duration
	logger   *zap.Logger

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	last   Report
	lastAt time.Time
	err    error
}

// NewDriftMonitor creates a monitor for m. interval <= 0 disables the
// periodic check; triggered checks still run.
func NewDriftMonitor(m *Manager, interval time.Duration, logger *zap.Logger) *DriftMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DriftMonitor{
		m:        m,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start runs the monitor loop until Stop. An initial check is queued.
func (d *DriftMonitor) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.Trigger()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run()
	}()
}

func (d *DriftMonitor) run() {
	var tick <-chan time.Time
	if d.interval > 0 {
		t := time.NewTicker(d.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-tick:
			d.Check(d.ctx)
		case <-d.trigger:
			d.Check(d.ctx)
		}
	}
}

// Trigger requests a check. Triggers arriving while one is pending coalesce.
func (d *DriftMonitor) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Check verifies the index and heals drift synchronously.
func (d *DriftMonitor) Check(ctx context.Context) (Report, error) {
	r, err := d.m.Heal(ctx)
	if err != nil {
		d.logger.Warn("index drift check failed", zap.Error(err))
	}
	d.mu.Lock()
	d.last, d.lastAt, d.err = r, time.Now(), err
	d.mu.Unlock()
	return r, err
}

// Last returns the most recent check result and when it ran.
func (d *DriftMonitor) Last() (Report, time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.lastAt, d.err
}

// Stop ends the loop and waits for a running check to return.
func (d *DriftMonitor) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}
