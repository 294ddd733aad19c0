package record

import (
	"time"
)

// Device is one registered installation of the engine.
type Device struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name,omitempty"`
	Platform      string    `json:"platform,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// DeviceInfo is what a device reports about itself when registering.
// InstallID, when unused, becomes the device id so that writes made before
// registration keep their writer.
type DeviceInfo struct {
	InstallID     string `json:"install_id,omitempty"`
	Name          string `json:"name"`
	Platform      string `json:"platform"`
	ClientVersion string `json:"client_version,omitempty"`
}

// Role is a team membership role.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// Team groups users that share records.
type Team struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	OwnerID string `json:"owner_id"`
}

// Membership links a user to a team.
type Membership struct {
	TeamID string `json:"team_id"`
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// Tier names a subscription class.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
	TierTeam Tier = "team"
)

// Unlimited disables a tier limit.
const Unlimited = -1

// TierLimits are the quotas attached to a tier.
type TierLimits struct {
	DeviceLimit int `json:"device_limit" koanf:"device_limit"`
	RecordLimit int `json:"record_limit" koanf:"record_limit"`
}

// DefaultTiers returns the built-in tier table.
func DefaultTiers() map[Tier]TierLimits {
	return map[Tier]TierLimits{
		TierFree: {DeviceLimit: 2, RecordLimit: 5000},
		TierPro:  {DeviceLimit: 5, RecordLimit: Unlimited},
		TierTeam: {DeviceLimit: Unlimited, RecordLimit: Unlimited},
	}
}

// Principal is an authenticated user as seen by the engine. Identity and
// token issuance happen elsewhere.
type Principal struct {
	UserID string          `json:"user_id"`
	Tier   Tier            `json:"tier"`
	Teams  map[string]Role `json:"teams,omitempty"`
}

// RoleIn returns the principal's role in team, if any.
func (p *Principal) RoleIn(teamID string) (Role, bool) {
	if p == nil || teamID == "" {
		return "", false
	}
	r, ok := p.Teams[teamID]
	return r, ok
}

// Memberships flattens the principal's teams.
func (p *Principal) Memberships() []Membership {
	out := make([]Membership, 0, len(p.Teams))
	for team, role := range p.Teams {
		out = append(out, Membership{TeamID: team, UserID: p.UserID, Role: role})
	}
	return out
}
