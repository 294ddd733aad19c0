// Package remote implements the remote store protocol the sync engine talks
// to: the authoritative multi-tenant Hub, an HTTP client for it, and change
// notifications over NATS.
//
// Remote versions are global and strictly increasing: every write the Hub
// accepts gets the next version, so one cursor per (device, kind) is enough
// to pull incrementally.
package remote

import (
	"context"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// Protocol is the remote store as seen by one authenticated user.
type Protocol interface {
	// RegisterDevice creates a device for the user, or fails with
	// record.ErrQuotaExceeded without creating one.
	RegisterDevice(ctx context.Context, info record.DeviceInfo) (*record.Device, error)

	// DeregisterDevice removes a device of the user.
	DeregisterDevice(ctx context.Context, deviceID string) error

	// Principal returns the user's tier and memberships together with the
	// rosters of the user's teams.
	Principal(ctx context.Context) (*Roster, error)

	// Pull returns changes of one kind with version > req.Since, oldest
	// first. Pulling acknowledges that the device applied everything up
	// to req.Since.
	Pull(ctx context.Context, req PullRequest) (*PullResult, error)

	// Push offers local changes. Each record is accepted or rejected on its
	// own; a rejection never fails the call.
	Push(ctx context.Context, deviceID string, recs []*record.Record) ([]PushResult, error)

	// Watermark reports how far the other devices that can see the user's
	// records have pulled.
	Watermark(ctx context.Context, deviceID string, kind record.Kind) (Watermark, error)
}

// Roster is a principal plus what a device needs to validate team writes
// offline.
type Roster struct {
	Principal   record.Principal    `json:"principal"`
	Teams       []record.Team       `json:"teams"`
	Memberships []record.Membership `json:"memberships"`
}

// PullRequest asks for one page of changes.
type PullRequest struct {
	DeviceID string      `json:"device_id"`
	Kind     record.Kind `json:"kind"`
	Since    int64       `json:"since"`
	Limit    int         `json:"limit"`
}

// PullResult is one page of changes. Record.Version carries the remote
// version. Cursor is the highest version examined, which may be past the
// last returned record when records the user cannot read were skipped.
type PullResult struct {
	Records []*record.Record `json:"records"`
	Cursor  int64            `json:"cursor"`
	HasMore bool             `json:"has_more"`
}

// PushResult is the verdict on one pushed record.
type PushResult struct {
	ID       string              `json:"id"`
	Accepted bool                `json:"accepted"`
	Version  int64               `json:"version"`
	Reason   record.RejectReason `json:"reason,omitempty"`
	Message  string              `json:"message,omitempty"`
}

// Err returns the sentinel for a rejection, nil for an accepted push or a
// superseded one.
func (r PushResult) Err() error {
	if r.Accepted {
		return nil
	}
	return r.Reason.Err()
}

// Watermark is the lowest cursor among the relevant devices. Known is
// false when some device never pulled that kind or has not been seen for
// too long to rely on.
type Watermark struct {
	Version int64 `json:"version"`
	Known   bool  `json:"known"`
}
