// Package syncengine reconciles the local store with the remote store.
//
// A cycle pulls remote changes per kind, reconciles them record by record
// under the local store's record lock, pushes local edits, then purges
// tombstones every relevant device has seen. At most one cycle runs at a
// time; triggers arriving meanwhile coalesce into one pending cycle.
//
// Cursors only move after the records of a page are committed locally, and
// remote calls never run while a record lock is held, so a cycle cancelled
// or failed at any point is safe to repeat.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/access"
	"github.com/fyrsmithlabs/memsync/internal/config"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
)

// State is the engine's position in the sync state machine.
type State string

const (
	StateIdle         State = "idle"
	StatePulling      State = "pulling"
	StateReconciling  State = "reconciling"
	StatePushing      State = "pushing"
	StateErrorBackoff State = "error_backoff"
)

var allStates = []State{StateIdle, StatePulling, StateReconciling, StatePushing, StateErrorBackoff}

// Index receives every record the engine changes locally.
type Index interface {
	Upsert(ctx context.Context, rec *record.Record) error
	Remove(ctx context.Context, id string) error
}

// DriftChecker is asked to verify the index after a cycle that changed it.
type DriftChecker interface {
	Trigger()
}

// Options tunes an Engine.
type Options struct {
	Kinds     []record.Kind
	PageSize  int
	BatchSize int
	Interval  time.Duration

	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64

	// PurgeGrace is how old a pushed tombstone must be before it is purged
	// when the remote cannot tell whether every device has seen it.
	PurgeGrace   time.Duration
	CycleTimeout time.Duration

	Device record.DeviceInfo
	Tiers  map[record.Tier]record.TierLimits

	Index  Index
	Drift  DriftChecker
	Logger *logging.Logger
	Now    func() time.Time
}

// OptionsFromConfig maps the sync and device config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PageSize:          cfg.Sync.PageSize,
		BatchSize:         cfg.Sync.BatchSize,
		Interval:          cfg.Sync.Interval.Duration(),
		BackoffInitial:    cfg.Sync.BackoffInitial.Duration(),
		BackoffMax:        cfg.Sync.BackoffMax.Duration(),
		BackoffMultiplier: cfg.Sync.BackoffMultiplier,
		BackoffJitter:     cfg.Sync.BackoffJitter,
		PurgeGrace:        cfg.Sync.PurgeGrace.Duration(),
		CycleTimeout:      cfg.Sync.CycleTimeout.Duration(),
		Device: record.DeviceInfo{
			Name:     cfg.Device.Name,
			Platform: cfg.Device.Platform,
		},
		Tiers: cfg.TierTable(),
	}
}

func (o *Options) applyDefaults() {
	if len(o.Kinds) == 0 {
		o.Kinds = record.Kinds
	}
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = 5 * time.Minute
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 2
	}
	if o.PurgeGrace <= 0 {
		o.PurgeGrace = 30 * 24 * time.Hour
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// deviceContext holds all sync state of the registered device. It is
// created on registration and dropped on deregistration.
type deviceContext struct {
	device    *record.Device
	principal *record.Principal

	state       State
	lastError   error
	lastErrorAt time.Time
	lastSuccess time.Time
	retryAt     time.Time
	backoff     *backoff.ExponentialBackOff
	cycles      int64
}

// Engine is the sync engine of one device.
type Engine struct {
	store  *localstore.Store
	remote remote.Protocol
	opts   Options
	logger *logging.Logger

	cycleMu sync.Mutex // one cycle in flight

	mu  sync.Mutex // guards dev
	dev *deviceContext

	trigger chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine for store talking to proto.
func New(store *localstore.Store, proto remote.Protocol, opts Options) (*Engine, error) {
	if store == nil || proto == nil {
		return nil, errors.New("syncengine: store and remote are required")
	}
	opts.applyDefaults()
	e := &Engine{
		store:   store,
		remote:  proto,
		opts:    opts,
		logger:  opts.Logger,
		trigger: make(chan struct{}, 1),
	}
	e.setGauge(StateIdle)
	return e, nil
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.BackoffInitial
	b.MaxInterval = e.opts.BackoffMax
	b.Multiplier = e.opts.BackoffMultiplier
	b.RandomizationFactor = e.opts.BackoffJitter
	b.Reset()
	return b
}

func (e *Engine) newDeviceContext(d *record.Device) *deviceContext {
	return &deviceContext{device: d, state: StateIdle, backoff: e.newBackoff()}
}

// device returns the current device context, loading a stored
// registration if needed. It returns nil before registration.
func (e *Engine) device(ctx context.Context) (*deviceContext, error) {
	e.mu.Lock()
	dc := e.dev
	e.mu.Unlock()
	if dc != nil {
		return dc, nil
	}
	d, err := e.store.Device(ctx)
	if err != nil || d == nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		e.dev = e.newDeviceContext(d)
	}
	return e.dev, nil
}

// Register registers this installation with the remote unless it already
// is. Transient remote failures are retried a few times; a quota error is
// returned at once and no device is created.
func (e *Engine) Register(ctx context.Context) (*record.Device, error) {
	if dc, err := e.device(ctx); err != nil || dc != nil {
		if dc != nil {
			return dc.device, nil
		}
		return nil, err
	}
	b := e.newBackoff()
	d, err := backoff.Retry(ctx, func() (*record.Device, error) {
		d, err := e.registerOnce(ctx)
		if err != nil && !record.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return d, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(3))
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (e *Engine) registerOnce(ctx context.Context) (*record.Device, error) {
	info := e.opts.Device
	installID, err := e.store.InstallID(ctx)
	if err != nil {
		return nil, err
	}
	info.InstallID = installID

	d, err := e.remote.RegisterDevice(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	if err := e.store.SaveDevice(ctx, d); err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.dev = e.newDeviceContext(d)
	e.mu.Unlock()
	e.logger.Info(ctx, "device registered",
		zap.String("device_id", d.ID),
		zap.Bool("install_id_kept", d.ID == installID))
	return d, nil
}

// Deregister removes the device from the remote and tears down its local
// sync state. Records stay in the local store.
func (e *Engine) Deregister(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	dc, err := e.device(ctx)
	if err != nil {
		return err
	}
	if dc == nil {
		return nil
	}
	if err := e.remote.DeregisterDevice(ctx, dc.device.ID); err != nil && !errors.Is(err, record.ErrUnknownDevice) {
		return fmt.Errorf("deregister device: %w", err)
	}
	return e.forget(ctx, dc)
}

// forget drops dc locally. The next cycle registers again.
func (e *Engine) forget(ctx context.Context, dc *deviceContext) error {
	if err := e.store.ForgetDevice(ctx, dc.device.ID); err != nil {
		return err
	}
	e.mu.Lock()
	if e.dev == dc {
		e.dev = nil
	}
	e.mu.Unlock()
	e.setGauge(StateIdle)
	e.logger.Info(ctx, "device state torn down", zap.String("device_id", dc.device.ID))
	return nil
}

func (e *Engine) setState(dc *deviceContext, s State) {
	e.mu.Lock()
	dc.state = s
	e.mu.Unlock()
	e.setGauge(s)
}

func (e *Engine) setGauge(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		stateGauge.WithLabelValues(string(st)).Set(v)
	}
}

// State returns the current state, StateIdle before registration.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dev == nil {
		return StateIdle
	}
	return e.dev.state
}

// Status is the sync status of the device.
type Status struct {
	DeviceID      string                `json:"device_id,omitempty"`
	Registered    bool                  `json:"registered"`
	State         State                 `json:"state"`
	Cursors       map[record.Kind]int64 `json:"cursors"`
	PushWatermark int64                 `json:"push_watermark"`
	PendingPush   int                   `json:"pending_push"`
	LastError     string                `json:"last_error,omitempty"`
	LastErrorAt   *time.Time            `json:"last_error_at,omitempty"`
	LastSuccess   *time.Time            `json:"last_success,omitempty"`
	NextRetry     *time.Time            `json:"next_retry,omitempty"`
	Cycles        int64                 `json:"cycles"`
}

// Status reports cursors, pending pushes and the last error.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	st := Status{State: StateIdle, Cursors: map[record.Kind]int64{}}
	dc, err := e.device(ctx)
	if err != nil {
		return st, err
	}
	if dc == nil {
		pending, err := e.store.Pending(ctx, 0, 0)
		if err != nil {
			return st, err
		}
		st.PendingPush = len(pending)
		return st, nil
	}

	st.DeviceID = dc.device.ID
	st.Registered = true
	if st.Cursors, err = e.store.Cursors(ctx, dc.device.ID); err != nil {
		return st, err
	}
	if st.PushWatermark, err = e.store.PushWatermark(ctx, dc.device.ID); err != nil {
		return st, err
	}
	pending, err := e.store.Pending(ctx, st.PushWatermark, 0)
	if err != nil {
		return st, err
	}
	st.PendingPush = len(pending)

	e.mu.Lock()
	defer e.mu.Unlock()
	st.State = dc.state
	st.Cycles = dc.cycles
	if dc.lastError != nil {
		st.LastError = dc.lastError.Error()
		at := dc.lastErrorAt
		st.LastErrorAt = &at
	}
	if !dc.lastSuccess.IsZero() {
		at := dc.lastSuccess
		st.LastSuccess = &at
	}
	if dc.state == StateErrorBackoff {
		at := dc.retryAt
		st.NextRetry = &at
	}
	return st, nil
}

// resolver builds the gate for pushes. Record quota counts only what the
// remote already holds plus the creates admitted so far in this cycle.
func (e *Engine) resolver(admitted *int) *access.Resolver {
	return access.NewResolver(e.opts.Tiers, syncedCounter{store: e.store, admitted: admitted})
}

type syncedCounter struct {
	store    *localstore.Store
	admitted *int
}

func (c syncedCounter) CountDevices(context.Context, string) (int, error) {
	// device quota is enforced by the remote at registration
	return 0, nil
}

func (c syncedCounter) CountRecords(ctx context.Context, userID string) (int, error) {
	n, err := c.store.CountSynced(ctx, userID)
	if err != nil {
		return 0, err
	}
	return n + *c.admitted, nil
}
