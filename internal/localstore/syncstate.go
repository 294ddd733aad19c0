package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/memsync/internal/record"
)

// Cursor returns the highest remote version applied for (deviceID, kind).
func (s *Store) Cursor(ctx context.Context, deviceID string, kind record.Kind) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM cursors WHERE device_id = ? AND kind = ?`, deviceID, string(kind)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s/%s: %w", deviceID, kind, err)
	}
	return v, nil
}

// Cursors returns every cursor of deviceID keyed by kind.
func (s *Store) Cursors(ctx context.Context, deviceID string) (map[record.Kind]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, version FROM cursors WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("read cursors: %w", err)
	}
	defer rows.Close()
	out := make(map[record.Kind]int64)
	for rows.Next() {
		var (
			kind string
			v    int64
		)
		if err := rows.Scan(&kind, &v); err != nil {
			return nil, err
		}
		out[record.Kind(kind)] = v
	}
	return out, rows.Err()
}

// AdvanceCursor moves the cursor forward to version. It never moves back.
func (s *Store) AdvanceCursor(ctx context.Context, deviceID string, kind record.Kind, version int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (device_id, kind, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, kind) DO UPDATE SET
			version = MAX(cursors.version, excluded.version),
			updated_at = excluded.updated_at`,
		deviceID, string(kind), version, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("advance cursor %s/%s: %w", deviceID, kind, err)
	}
	return nil
}

// PushWatermark returns the local_seq up to which every change of deviceID
// has been pushed or resolved.
func (s *Store) PushWatermark(ctx context.Context, deviceID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM push_watermark WHERE device_id = ?`, deviceID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read push watermark: %w", err)
	}
	return seq, nil
}

// SetPushWatermark stores seq for deviceID. Like cursors it only moves forward.
func (s *Store) SetPushWatermark(ctx context.Context, deviceID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_watermark (device_id, seq) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET seq = MAX(push_watermark.seq, excluded.seq)`,
		deviceID, seq)
	if err != nil {
		return fmt.Errorf("write push watermark: %w", err)
	}
	return nil
}

// Device returns this installation's registration, or nil before registration.
func (s *Store) Device(ctx context.Context) (*record.Device, error) {
	var (
		d            record.Device
		registered   int64
		lastSeenNano int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, platform, client_version, registered_at, last_seen
		FROM device LIMIT 1`).Scan(&d.ID, &d.OwnerID, &d.Name, &d.Platform, &d.ClientVersion, &registered, &lastSeenNano)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read device: %w", err)
	}
	d.RegisteredAt = fromNanos(registered)
	d.LastSeen = fromNanos(lastSeenNano)
	return &d, nil
}

// SaveDevice stores the registration returned by the remote. Local writes
// from now on carry d.ID as their writer.
func (s *Store) SaveDevice(ctx context.Context, d *record.Device) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO device (id, owner_id, name, platform, client_version, registered_at, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.OwnerID, d.Name, d.Platform, d.ClientVersion, toNanos(d.RegisteredAt), toNanos(d.LastSeen))
		return err
	})
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	s.setWriter(d.ID)
	return nil
}

// TouchDevice updates last_seen after a completed sync cycle.
func (s *Store) TouchDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE device SET last_seen = ? WHERE id = ?`, toNanos(s.now()), deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

// ForgetDevice tears down deregistered device state: the registration, its
// cursors and its push watermark. Records stay; a re-registered device
// re-pulls from zero and re-pushes what is still dirty.
func (s *Store) ForgetDevice(ctx context.Context, deviceID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM device WHERE id = ?`,
			`DELETE FROM cursors WHERE device_id = ?`,
			`DELETE FROM push_watermark WHERE device_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget device %s: %w", deviceID, err)
	}
	id, err := s.InstallID(ctx)
	if err != nil {
		return err
	}
	s.setWriter(id)
	return nil
}

// SavePrincipal caches the principal and the rosters of its teams, used to
// validate writes while offline.
func (s *Store) SavePrincipal(ctx context.Context, p *record.Principal, teams []record.Team, members []record.Membership) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode principal: %w", err)
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := setMeta(ctx, tx, "principal", string(body)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM teams`); err != nil {
			return err
		}
		for _, t := range teams {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO teams (id, name, owner_id) VALUES (?, ?, ?)`, t.ID, t.Name, t.OwnerID); err != nil {
				return err
			}
		}
		for _, m := range members {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO memberships (team_id, user_id, role) VALUES (?, ?, ?)`,
				m.TeamID, m.UserID, string(m.Role)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save principal: %w", err)
	}
	return nil
}

// Principal returns the cached principal, or nil if none was saved.
func (s *Store) Principal(ctx context.Context) (*record.Principal, error) {
	v, ok, err := getMeta(ctx, s.db, "principal")
	if err != nil || !ok {
		return nil, err
	}
	var p record.Principal
	if err := json.Unmarshal([]byte(v), &p); err != nil {
		return nil, fmt.Errorf("decode cached principal: %w", err)
	}
	return &p, nil
}

// Teams returns the cached teams.
func (s *Store) Teams(ctx context.Context) ([]record.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owner_id FROM teams ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()
	var out []record.Team
	for rows.Next() {
		var t record.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.OwnerID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
