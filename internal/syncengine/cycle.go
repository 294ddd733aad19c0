package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/access"
	"github.com/fyrsmithlabs/memsync/internal/localstore"
	"github.com/fyrsmithlabs/memsync/internal/logging"
	"github.com/fyrsmithlabs/memsync/internal/record"
	"github.com/fyrsmithlabs/memsync/internal/remote"
)

var tracer = otel.Tracer("memsync.syncengine")

// History reasons recorded with losing edits.
const (
	ReasonLocalLost  = "local edit lost to remote"
	ReasonRemoteLost = "remote edit lost to local"
)

// Rejection is a pending record the cycle could not push.
type Rejection struct {
	ID      string              `json:"id"`
	Reason  record.RejectReason `json:"reason"`
	Message string              `json:"message,omitempty"`
}

// Result summarizes one cycle.
type Result struct {
	CycleID    string        `json:"cycle_id"`
	DeviceID   string        `json:"device_id"`
	Pulled     int           `json:"pulled"`
	Applied    int           `json:"applied"`
	Unchanged  int           `json:"unchanged"`
	Conflicts  int           `json:"conflicts"`
	KeptLocal  int           `json:"kept_local"`
	Skipped    int           `json:"skipped"`
	HeldBack   int           `json:"held_back"`
	Repaired   int           `json:"repaired"`
	Pushed     int           `json:"pushed"`
	Superseded int           `json:"superseded"`
	Rejected   []Rejection   `json:"rejected,omitempty"`
	Purged     int           `json:"purged"`
	Duration   time.Duration `json:"duration"`
}

func (r *Result) indexChanged() bool {
	return r.Applied > 0 || r.Conflicts > 0 || r.Purged > 0
}

// SyncOnce runs one cycle now, waiting for a cycle in flight to finish
// first. Registration happens on the first cycle.
//
// A cycle whose pushes were held back by quota completes and returns an
// error wrapping record.ErrQuotaExceeded together with its result.
func (e *Engine) SyncOnce(ctx context.Context) (*Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	return e.cycle(ctx)
}

func (e *Engine) cycle(ctx context.Context) (res *Result, err error) {
	start := e.opts.Now()
	res = &Result{CycleID: uuid.NewString()}
	defer func() {
		res.Duration = time.Since(start)
		cycleDuration.Observe(res.Duration.Seconds())
		outcome := "ok"
		if err != nil {
			outcome = errorClass(err)
		}
		cyclesTotal.WithLabelValues(outcome).Inc()
	}()

	dc, err := e.device(ctx)
	if err != nil {
		return res, err
	}
	if dc == nil {
		if _, err := e.registerOnce(ctx); err != nil {
			return res, err
		}
		if dc, err = e.device(ctx); err != nil {
			return res, err
		}
	}
	res.DeviceID = dc.device.ID

	ctx = logging.WithCycleID(logging.WithDeviceID(ctx, dc.device.ID), res.CycleID)
	if e.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.CycleTimeout)
		defer cancel()
	}
	ctx, span := tracer.Start(ctx, "syncengine.Cycle")
	span.SetAttributes(attribute.String("device.id", dc.device.ID))
	defer span.End()

	err = e.runPhases(ctx, dc, res)
	e.finish(ctx, dc, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (e *Engine) runPhases(ctx context.Context, dc *deviceContext, res *Result) error {
	if err := e.refreshPrincipal(ctx, dc); err != nil {
		return err
	}
	for _, kind := range e.opts.Kinds {
		if err := e.pull(ctx, dc, kind, res); err != nil {
			return err
		}
	}
	e.setState(dc, StatePushing)
	quotaErr, err := e.push(ctx, dc, res)
	if err != nil {
		return err
	}
	if quotaErr == nil && res.HeldBack > 0 {
		quotaErr = fmt.Errorf("%w: %d pulled record(s) held back", record.ErrQuotaExceeded, res.HeldBack)
	}
	if err := e.purge(ctx, dc, res); err != nil {
		return err
	}
	if err := e.store.TouchDevice(ctx, dc.device.ID); err != nil {
		return err
	}
	return quotaErr
}

// finish moves the state machine out of the cycle and records the outcome.
func (e *Engine) finish(ctx context.Context, dc *deviceContext, res *Result, err error) {
	if res.indexChanged() && e.opts.Drift != nil {
		e.opts.Drift.Trigger()
	}

	now := e.opts.Now()
	switch {
	case err == nil:
		e.mu.Lock()
		dc.state = StateIdle
		dc.lastError = nil
		dc.lastSuccess = now
		dc.cycles++
		dc.backoff.Reset()
		e.mu.Unlock()
		e.setGauge(StateIdle)
		e.logger.Debug(ctx, "sync cycle completed",
			zap.Int("pulled", res.Pulled),
			zap.Int("applied", res.Applied),
			zap.Int("conflicts", res.Conflicts),
			zap.Int("pushed", res.Pushed),
			zap.Int("purged", res.Purged))

	case errors.Is(err, record.ErrUnknownDevice):
		e.logger.Warn(ctx, "remote no longer knows this device; registering again", zap.Error(err))
		if ferr := e.forget(ctx, dc); ferr != nil {
			e.logger.Error(ctx, "forgetting device failed", zap.Error(ferr))
		}
		e.Trigger()

	case record.IsRetryable(err):
		e.mu.Lock()
		wait := dc.backoff.NextBackOff()
		dc.state = StateErrorBackoff
		dc.lastError = err
		dc.lastErrorAt = now
		dc.retryAt = now.Add(wait)
		dc.cycles++
		e.mu.Unlock()
		e.setGauge(StateErrorBackoff)
		e.logger.Warn(ctx, "sync cycle failed; backing off",
			zap.Duration("retry_in", wait), zap.Error(err))

	case errors.Is(err, context.Canceled):
		e.setState(dc, StateIdle)

	default:
		e.mu.Lock()
		dc.state = StateIdle
		dc.lastError = err
		dc.lastErrorAt = now
		dc.cycles++
		e.mu.Unlock()
		e.setGauge(StateIdle)
		e.logger.Error(ctx, "sync cycle failed", zap.Error(err))
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, record.ErrQuotaExceeded):
		return "quota"
	case record.IsRetryable(err):
		return "retryable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// refreshPrincipal caches the principal and team rosters so pushes and
// offline writes are checked against current memberships.
func (e *Engine) refreshPrincipal(ctx context.Context, dc *deviceContext) error {
	roster, err := e.remote.Principal(ctx)
	if err != nil {
		return fmt.Errorf("refresh principal: %w", err)
	}
	p := roster.Principal
	if err := e.store.SavePrincipal(ctx, &p, roster.Teams, roster.Memberships); err != nil {
		return err
	}
	e.mu.Lock()
	dc.principal = &p
	e.mu.Unlock()
	return nil
}

func (e *Engine) principal(dc *deviceContext) *record.Principal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return dc.principal
}

// pull fetches pages of kind after the stored cursor and reconciles them.
// The cursor advances after each fully applied page, but never past a
// create held back by the record quota: that record is offered again by
// every later pull until the quota admits it.
func (e *Engine) pull(ctx context.Context, dc *deviceContext, kind record.Kind, res *Result) error {
	ctx, span := tracer.Start(ctx, "syncengine.Pull")
	span.SetAttributes(attribute.String("kind", string(kind)))
	defer span.End()

	cursor, err := e.store.Cursor(ctx, dc.device.ID, kind)
	if err != nil {
		return err
	}
	p := e.principal(dc)
	resolver := access.NewResolver(e.opts.Tiers, nil)
	admitted := 0
	quota := e.resolver(&admitted)
	since, heldAt := cursor, int64(0)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.setState(dc, StatePulling)
		page, err := e.remote.Pull(ctx, remote.PullRequest{
			DeviceID: dc.device.ID,
			Kind:     kind,
			Since:    since,
			Limit:    e.opts.PageSize,
		})
		if err != nil {
			return fmt.Errorf("pull %s: %w", kind, err)
		}

		e.setState(dc, StateReconciling)
		next := page.Cursor
		for _, r := range page.Records {
			res.Pulled++
			if r.Version > next {
				next = r.Version
			}
			if r.Kind != kind || !resolver.CanRead(p, r) {
				res.Skipped++
				continue
			}
			ok, err := e.admitPulled(ctx, quota, p, r)
			if err != nil {
				return err
			}
			if !ok {
				res.HeldBack++
				if heldAt == 0 || r.Version < heldAt {
					heldAt = r.Version
				}
				continue
			}
			if err := e.reconcile(ctx, r, res); err != nil {
				return err
			}
		}

		if next > since {
			since = next
		} else if page.HasMore {
			return fmt.Errorf("%w: pull %s made no progress past %d", record.ErrRemoteUnavailable, kind, since)
		}
		target := since
		if heldAt > 0 && heldAt-1 < target {
			target = heldAt - 1
		}
		if target > cursor {
			if err := e.store.AdvanceCursor(ctx, dc.device.ID, kind, target); err != nil {
				return err
			}
			cursor = target
		}
		if !page.HasMore {
			return nil
		}
	}
}

// admitPulled applies the record quota to a pulled record. Only creates of
// live records owned by the principal count; updates, tombstones and
// records shared by other users are always admitted.
func (e *Engine) admitPulled(ctx context.Context, quota *access.Resolver, p *record.Principal, r *record.Record) (bool, error) {
	if r.Tombstoned || p == nil || r.OwnerID != p.UserID {
		return true, nil
	}
	_, err := e.store.GetEntry(ctx, r.ID)
	switch {
	case err == nil, errors.Is(err, record.ErrCorruptRecord):
		return true, nil
	case !errors.Is(err, record.ErrNotFound):
		return false, err
	}
	err = quota.CheckQuota(ctx, p, access.QuotaRecords)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, record.ErrQuotaExceeded):
		e.logger.Warn(ctx, "pulled record held back by quota",
			zap.String("record_id", r.ID), zap.Int64("version", r.Version), zap.Error(err))
		return false, nil
	}
	return false, err
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeApplied
	outcomeRemoteWon
	outcomeLocalWon
)

// reconcile applies one pulled record under its record lock, then brings
// the index in line once the transaction has committed.
func (e *Engine) reconcile(ctx context.Context, r *record.Record, res *Result) error {
	var (
		out   outcome
		local *record.Record
	)
	err := e.store.WithLock(ctx, r.ID, func(tx *localstore.Tx) error {
		out, local = outcomeUnchanged, nil
		l, err := tx.Entry(r.ID)
		if errors.Is(err, record.ErrCorruptRecord) {
			// the remote copy replaces the unreadable row
			res.Repaired++
			l, err = nil, nil
		}
		if err != nil {
			return err
		}

		switch {
		case l == nil:
			out = outcomeApplied
		case r.Version <= l.BaseVersion:
			return nil
		case !l.Dirty:
			out = outcomeApplied
		case record.SameContent(l.Record, r):
			out = outcomeApplied
		case record.Wins(r, l.Record):
			local = l.Record
			if err := tx.AddHistory(l.Record, ReasonLocalLost, r.ContentHash()); err != nil {
				return err
			}
			out = outcomeRemoteWon
		default:
			local = l.Record
			if err := tx.AddHistory(r, ReasonRemoteLost, l.Record.ContentHash()); err != nil {
				return err
			}
			if err := tx.KeepLocal(l, r.Version); err != nil {
				return err
			}
			out = outcomeLocalWon
			return nil
		}
		return tx.ApplyRemote(r)
	})
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", r.ID, err)
	}

	switch out {
	case outcomeUnchanged:
		res.Unchanged++
		return nil
	case outcomeLocalWon:
		res.KeptLocal++
		res.Conflicts++
		conflictsTotal.WithLabelValues("local").Inc()
		e.logConflict(ctx, "local", local, r)
		return nil
	case outcomeRemoteWon:
		res.Conflicts++
		conflictsTotal.WithLabelValues("remote").Inc()
		e.logConflict(ctx, "remote", local, r)
	}
	res.Applied++
	recordsApplied.Inc()
	e.updateIndex(ctx, r)
	return nil
}

func (e *Engine) logConflict(ctx context.Context, winner string, local, remoteRec *record.Record) {
	e.logger.Info(ctx, "conflict resolved",
		zap.String("record_id", remoteRec.ID),
		zap.String("winner", winner),
		zap.String("local_hash", local.ContentHash()),
		zap.String("remote_hash", remoteRec.ContentHash()),
		zap.String("local_updated_by", local.UpdatedBy),
		zap.String("remote_updated_by", remoteRec.UpdatedBy),
		zap.Time("local_updated_at", local.UpdatedAt),
		zap.Time("remote_updated_at", remoteRec.UpdatedAt),
		zap.Bool("remote_tombstoned", remoteRec.Tombstoned),
		zap.Int64("remote_version", remoteRec.Version))
}

// updateIndex mirrors an applied record into the index. Failures leave
// drift behind for the drift check to heal; they do not fail the cycle.
func (e *Engine) updateIndex(ctx context.Context, r *record.Record) {
	if e.opts.Index == nil {
		return
	}
	var err error
	if r.Tombstoned {
		err = e.opts.Index.Remove(ctx, r.ID)
	} else {
		err = e.opts.Index.Upsert(ctx, r)
	}
	if err != nil {
		e.logger.Warn(ctx, "index update failed", zap.String("record_id", r.ID), zap.Error(err))
		if e.opts.Drift != nil {
			e.opts.Drift.Trigger()
		}
	}
}

// push sends pending local edits in local order. The push watermark only
// moves over a prefix of entries that were accepted or superseded, so
// held-back and rejected entries are offered again next cycle. quotaErr
// reports entries held back by quota; err aborts the cycle.
func (e *Engine) push(ctx context.Context, dc *deviceContext, res *Result) (quotaErr error, err error) {
	ctx, span := tracer.Start(ctx, "syncengine.Push")
	defer span.End()

	watermark, err := e.store.PushWatermark(ctx, dc.device.ID)
	if err != nil {
		return nil, err
	}
	p := e.principal(dc)
	admitted := 0
	resolver := e.resolver(&admitted)
	quotaHeld := 0

	after, held := watermark, false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := e.store.Pending(ctx, after, e.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		verdicts := make([]*Rejection, len(batch))
		var send []*record.Record
		var sent []int
		for i, en := range batch {
			if rej := e.gate(ctx, resolver, p, en, &admitted); rej != nil {
				verdicts[i] = rej
				if rej.Reason == record.ReasonQuotaExceeded {
					quotaHeld++
				}
				continue
			}
			send = append(send, en.Record)
			sent = append(sent, i)
		}

		var results []remote.PushResult
		if len(send) > 0 {
			results, err = e.remote.Push(ctx, dc.device.ID, send)
			if err != nil {
				return nil, fmt.Errorf("push: %w", err)
			}
		}

		for j, pr := range results {
			i := sent[j]
			en := batch[i]
			switch {
			case pr.Accepted:
				if err := e.store.MarkPushed(ctx, en.Record.ID, en.LocalSeq, pr.Version); err != nil {
					return nil, err
				}
				res.Pushed++
				pushedTotal.WithLabelValues("accepted").Inc()
			case pr.Reason == record.ReasonSuperseded:
				// the winning copy arrives with the next pull
				res.Superseded++
				pushedTotal.WithLabelValues(string(pr.Reason)).Inc()
			default:
				verdicts[i] = &Rejection{ID: pr.ID, Reason: pr.Reason, Message: pr.Message}
				if pr.Reason == record.ReasonQuotaExceeded {
					quotaHeld++
				}
				pushedTotal.WithLabelValues(string(pr.Reason)).Inc()
			}
		}

		newMark := int64(0)
		for i, en := range batch {
			if v := verdicts[i]; v != nil {
				held = true
				res.Rejected = append(res.Rejected, *v)
				e.logger.Warn(ctx, "push rejected",
					zap.String("record_id", v.ID),
					zap.String("reason", string(v.Reason)),
					zap.String("message", v.Message))
				continue
			}
			if !held {
				newMark = en.LocalSeq
			}
		}
		if newMark > 0 {
			if err := e.store.SetPushWatermark(ctx, dc.device.ID, newMark); err != nil {
				return nil, err
			}
		}

		after = batch[len(batch)-1].LocalSeq
		if len(batch) < e.opts.BatchSize {
			break
		}
	}

	if quotaHeld > 0 {
		return fmt.Errorf("%w: %d record(s) held back", record.ErrQuotaExceeded, quotaHeld), nil
	}
	return nil, nil
}

// gate applies the local write checks before a record is sent.
func (e *Engine) gate(ctx context.Context, resolver *access.Resolver, p *record.Principal, en *localstore.Entry, admitted *int) *Rejection {
	rec := en.Record
	if !resolver.CanWrite(p, rec) {
		return &Rejection{ID: rec.ID, Reason: record.ReasonPermissionDenied, Message: "not writable by the current principal"}
	}
	create := en.BaseVersion == 0 && !rec.Tombstoned
	if !create {
		return nil
	}
	if err := resolver.CheckQuota(ctx, p, access.QuotaRecords); err != nil {
		return &Rejection{ID: rec.ID, Reason: record.ReasonFor(err), Message: err.Error()}
	}
	*admitted++
	return nil
}

// purge removes pushed tombstones once every other device that can see
// them has pulled past them, or after the grace period when the remote
// cannot tell.
func (e *Engine) purge(ctx context.Context, dc *deviceContext, res *Result) error {
	now := e.opts.Now()
	for _, kind := range e.opts.Kinds {
		candidates, err := e.store.PurgeCandidates(ctx, kind)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			continue
		}
		wm, err := e.remote.Watermark(ctx, dc.device.ID, kind)
		if err != nil {
			return fmt.Errorf("watermark %s: %w", kind, err)
		}
		for _, c := range candidates {
			ok := wm.Known && c.Record.Version <= wm.Version
			if !wm.Known {
				ok = now.Sub(c.Record.UpdatedAt) >= e.opts.PurgeGrace
			}
			if !ok {
				continue
			}
			if err := e.store.Purge(ctx, c.Record.ID); err != nil {
				if errors.Is(err, record.ErrPurgeNotAllowed) || errors.Is(err, record.ErrNotFound) {
					// edited or purged since it was listed
					continue
				}
				return err
			}
			res.Purged++
			purgedTotal.Inc()
			if e.opts.Index != nil {
				_ = e.opts.Index.Remove(ctx, c.Record.ID)
			}
		}
	}
	return nil
}
