// Package access resolves effective read/write capability for records and
// enforces tier quotas.
//
// Every decision fails closed: an unknown principal, tier or team grants
// nothing.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// QuotaKind selects which tier limit CheckQuota evaluates.
type QuotaKind string

const (
	QuotaDevices QuotaKind = "devices"
	QuotaRecords QuotaKind = "records"
)

// Counter reports current usage for a user account.
type Counter interface {
	CountDevices(ctx context.Context, userID string) (int, error)
	CountRecords(ctx context.Context, userID string) (int, error)
}

// Resolver is the Visibility & Quota Resolver.
type Resolver struct {
	tiers   map[record.Tier]record.TierLimits
	counter Counter
}

// NewResolver creates a resolver. counter may be nil for callers that only
// need visibility checks; CheckQuota then fails closed.
func NewResolver(tiers map[record.Tier]record.TierLimits, counter Counter) *Resolver {
	if tiers == nil {
		tiers = record.DefaultTiers()
	}
	return &Resolver{tiers: tiers, counter: counter}
}

// Limits returns the limits for tier. Unknown tiers get the free limits.
func (r *Resolver) Limits(tier record.Tier) record.TierLimits {
	if l, ok := r.tiers[tier]; ok {
		return l
	}
	return r.tiers[record.TierFree]
}

// CanRead reports whether p may read rec.
//
//	private     owner only
//	team_read   owner and any member of rec's team
//	team_write  owner and any member of rec's team
func (r *Resolver) CanRead(p *record.Principal, rec *record.Record) bool {
	if p == nil || rec == nil || p.UserID == "" {
		return false
	}
	if rec.OwnerID == p.UserID {
		return true
	}
	switch rec.Visibility {
	case record.VisibilityTeamRead, record.VisibilityTeamWrite:
		_, member := p.RoleIn(rec.TeamID)
		return member
	}
	return false
}

// CanWrite reports whether p may write rec as it currently stands.
// team_write admits every role; team_read and private admit only the owner.
func (r *Resolver) CanWrite(p *record.Principal, rec *record.Record) bool {
	if p == nil || rec == nil || p.UserID == "" {
		return false
	}
	if rec.OwnerID == p.UserID {
		return true
	}
	if rec.Visibility != record.VisibilityTeamWrite {
		return false
	}
	role, member := p.RoleIn(rec.TeamID)
	return member && role.Valid()
}

// CanModify checks a write that replaces existing (nil for a create) with
// next. Non-owners may edit team_write content but not move the record:
// owner, team and visibility stay with the owner.
func (r *Resolver) CanModify(p *record.Principal, existing, next *record.Record) bool {
	if existing == nil {
		return p != nil && next != nil && next.OwnerID == p.UserID && r.CanWrite(p, next)
	}
	if !r.CanWrite(p, existing) {
		return false
	}
	if existing.OwnerID == p.UserID {
		return next.OwnerID == p.UserID
	}
	return next.OwnerID == existing.OwnerID &&
		next.TeamID == existing.TeamID &&
		next.Visibility == existing.Visibility
}

// CheckQuota fails with record.ErrQuotaExceeded when adding one more item of
// kind would meet or exceed the principal's tier limit. Callers check
// record quota only for creates; updates do not grow usage.
func (r *Resolver) CheckQuota(ctx context.Context, p *record.Principal, kind QuotaKind) error {
	if p == nil || p.UserID == "" {
		return fmt.Errorf("%w: no principal", record.ErrPermissionDenied)
	}
	limits := r.Limits(p.Tier)

	var limit int
	switch kind {
	case QuotaDevices:
		limit = limits.DeviceLimit
	case QuotaRecords:
		limit = limits.RecordLimit
	default:
		return fmt.Errorf("unknown quota kind %q", kind)
	}
	if limit == record.Unlimited {
		return nil
	}
	if r.counter == nil {
		return fmt.Errorf("%w: %s usage unknown", record.ErrQuotaExceeded, kind)
	}

	var (
		count int
		err   error
	)
	if kind == QuotaDevices {
		count, err = r.counter.CountDevices(ctx, p.UserID)
	} else {
		count, err = r.counter.CountRecords(ctx, p.UserID)
	}
	if err != nil {
		return fmt.Errorf("counting %s for %s: %w", kind, p.UserID, err)
	}
	if count >= limit {
		return &QuotaError{Kind: kind, Tier: p.Tier, Limit: limit, Count: count}
	}
	return nil
}

// QuotaError carries the numbers behind a quota rejection.
type QuotaError struct {
	Kind  QuotaKind
	Tier  record.Tier
	Limit int
	Count int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %s tier allows %d %s, account has %d",
		record.ErrQuotaExceeded, e.Tier, e.Limit, e.Kind, e.Count)
}

func (e *QuotaError) Unwrap() error { return record.ErrQuotaExceeded }

// IsQuota reports whether err is a quota rejection.
func IsQuota(err error) bool {
	return errors.Is(err, record.ErrQuotaExceeded)
}
