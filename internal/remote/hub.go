package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memsync/internal/access"
	"github.com/fyrsmithlabs/memsync/internal/record"
)

const (
	defaultPullLimit = 200
	maxPullLimit     = 1000
	defaultStale     = 7 * 24 * time.Hour
)

// HubOptions configures a Hub.
type HubOptions struct {
	Tiers map[record.Tier]record.TierLimits

	// StaleAfter is how long a device may stay unseen before its cursor no
	// longer counts towards watermarks.
	StaleAfter time.Duration

	Notifier Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

type deviceState struct {
	Device  record.Device
	Cursors map[record.Kind]int64
}

type logEntry struct {
	version int64
	id      string
}

// Hub is the authoritative remote store. It holds every user's records,
// devices, teams and memberships, assigns remote versions, and resolves
// concurrent pushes with record.Wins, the rule every device applies too.
//
// A Hub is safe for concurrent use. Calls never block on I/O while holding
// the lock; notifications are sent after it is released.
type Hub struct {
	mu       sync.Mutex
	resolver *access.Resolver
	users    map[string]record.Tier
	teams    map[string]record.Team
	members  map[string]map[string]record.Role // team -> user -> role
	devices  map[string]*deviceState
	records  map[string]*record.Record
	log      []logEntry // ascending version
	version  int64
	rev      uint64 // bumped on every mutation, for snapshots

	staleAfter time.Duration
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaultStale
	}
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Hub{
		users:      make(map[string]record.Tier),
		teams:      make(map[string]record.Team),
		members:    make(map[string]map[string]record.Role),
		devices:    make(map[string]*deviceState),
		records:    make(map[string]*record.Record),
		staleAfter: opts.StaleAfter,
		notifier:   opts.Notifier,
		logger:     opts.Logger,
		now:        opts.Now,
	}
	h.resolver = access.NewResolver(opts.Tiers, lockedCounter{h})
	return h
}

// lockedCounter feeds usage to the resolver. Callers hold h.mu.
type lockedCounter struct{ h *Hub }

func (c lockedCounter) CountDevices(_ context.Context, userID string) (int, error) {
	n := 0
	for _, d := range c.h.devices {
		if d.Device.OwnerID == userID {
			n++
		}
	}
	return n, nil
}

func (c lockedCounter) CountRecords(_ context.Context, userID string) (int, error) {
	n := 0
	for _, r := range c.h.records {
		if r.OwnerID == userID && !r.Tombstoned {
			n++
		}
	}
	return n, nil
}

// Client returns the protocol view of the hub for an authenticated user.
func (h *Hub) Client(userID string) Protocol {
	return &hubClient{h: h, userID: userID}
}

// EnsureUser creates userID on tier if it does not exist yet. Unknown users
// are otherwise signed up on the free tier by their first call.
func (h *Hub) EnsureUser(userID string, tier record.Tier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.users[userID]; !ok {
		h.users[userID] = tier
		h.rev++
	}
}

// SetTier changes a user's tier. When the new device limit is lower than
// the number of registered devices, the least recently seen devices are
// evicted; their ids are returned.
func (h *Hub) SetTier(userID string, tier record.Tier) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.users[userID] = tier
	h.rev++

	limit := h.resolver.Limits(tier).DeviceLimit
	if limit == record.Unlimited {
		return nil
	}
	var owned []*deviceState
	for _, d := range h.devices {
		if d.Device.OwnerID == userID {
			owned = append(owned, d)
		}
	}
	if len(owned) <= limit {
		return nil
	}
	sort.Slice(owned, func(i, j int) bool {
		a, b := owned[i].Device, owned[j].Device
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.Before(b.LastSeen)
		}
		return a.ID < b.ID
	})
	var evicted []string
	for _, d := range owned[:len(owned)-limit] {
		delete(h.devices, d.Device.ID)
		evicted = append(evicted, d.Device.ID)
	}
	HubEvictions.Add(float64(len(evicted)))
	h.logger.Info("devices evicted after tier change",
		zap.String("user_id", userID),
		zap.String("tier", string(tier)),
		zap.Strings("devices", evicted))
	return evicted
}

// CreateTeam registers a team. Its owner becomes a member with the owner role.
func (h *Hub) CreateTeam(team record.Team) error {
	if team.ID == "" || team.OwnerID == "" {
		return fmt.Errorf("%w: team needs an id and an owner", record.ErrInvalidReference)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.teams[team.ID]; ok {
		return fmt.Errorf("%w: team %s already exists", record.ErrInvalidReference, team.ID)
	}
	h.userLocked(team.OwnerID)
	h.teams[team.ID] = team
	h.members[team.ID] = map[string]record.Role{team.OwnerID: record.RoleOwner}
	h.rev++
	return nil
}

// HasTeam reports whether teamID exists.
func (h *Hub) HasTeam(teamID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.teams[teamID]
	return ok
}

// AddMember adds or updates a membership.
func (h *Hub) AddMember(teamID, userID string, role record.Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", record.ErrInvalidReference, role)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.teams[teamID]; !ok {
		return fmt.Errorf("%w: unknown team %s", record.ErrInvalidReference, teamID)
	}
	h.userLocked(userID)
	h.members[teamID][userID] = role
	h.rev++
	return nil
}

// RemoveMember drops a membership. The team owner cannot be removed.
func (h *Hub) RemoveMember(teamID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	team, ok := h.teams[teamID]
	if !ok {
		return fmt.Errorf("%w: unknown team %s", record.ErrInvalidReference, teamID)
	}
	if team.OwnerID == userID {
		return fmt.Errorf("%w: cannot remove the owner of team %s", record.ErrPermissionDenied, teamID)
	}
	delete(h.members[teamID], userID)
	h.rev++
	return nil
}

// userLocked returns the tier of userID, signing the user up on the free
// tier if unknown.
func (h *Hub) userLocked(userID string) record.Tier {
	tier, ok := h.users[userID]
	if !ok {
		tier = record.TierFree
		h.users[userID] = tier
		h.rev++
	}
	return tier
}

func (h *Hub) principalLocked(userID string) *record.Principal {
	p := &record.Principal{UserID: userID, Tier: h.userLocked(userID)}
	for teamID, roster := range h.members {
		if role, ok := roster[userID]; ok {
			if p.Teams == nil {
				p.Teams = make(map[string]record.Role)
			}
			p.Teams[teamID] = role
		}
	}
	return p
}

func (h *Hub) deviceLocked(userID, deviceID string) (*deviceState, error) {
	d, ok := h.devices[deviceID]
	if !ok || d.Device.OwnerID != userID {
		return nil, fmt.Errorf("%w: %s", record.ErrUnknownDevice, deviceID)
	}
	return d, nil
}

// RegisterDevice implements Protocol.RegisterDevice for userID. An unused
// info.InstallID becomes the device id. Registering an install id the user
// already registered returns that device again.
func (h *Hub) RegisterDevice(ctx context.Context, userID string, info record.DeviceInfo) (*record.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now().UTC()
	if existing, ok := h.devices[info.InstallID]; ok && existing.Device.OwnerID == userID {
		existing.Device.LastSeen = now
		d := existing.Device
		return &d, nil
	}

	p := h.principalLocked(userID)
	if err := h.resolver.CheckQuota(ctx, p, access.QuotaDevices); err != nil {
		return nil, err
	}

	id := info.InstallID
	if _, taken := h.devices[id]; id == "" || taken {
		id = uuid.NewString()
	}
	d := record.Device{
		ID:            id,
		OwnerID:       userID,
		Name:          info.Name,
		Platform:      info.Platform,
		ClientVersion: info.ClientVersion,
		RegisteredAt:  now,
		LastSeen:      now,
	}
	h.devices[id] = &deviceState{Device: d, Cursors: make(map[record.Kind]int64)}
	h.rev++
	h.logger.Info("device registered",
		zap.String("user_id", userID),
		zap.String("device_id", id),
		zap.String("platform", info.Platform))
	return &d, nil
}

// DeregisterDevice implements Protocol.DeregisterDevice for userID.
func (h *Hub) DeregisterDevice(ctx context.Context, userID, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.deviceLocked(userID, deviceID); err != nil {
		return err
	}
	delete(h.devices, deviceID)
	h.rev++
	return nil
}

// Principal implements Protocol.Principal for userID.
func (h *Hub) Principal(ctx context.Context, userID string) (*Roster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.principalLocked(userID)
	r := &Roster{Principal: *p}
	teamIDs := make([]string, 0, len(p.Teams))
	for id := range p.Teams {
		teamIDs = append(teamIDs, id)
	}
	sort.Strings(teamIDs)
	for _, id := range teamIDs {
		r.Teams = append(r.Teams, h.teams[id])
		users := make([]string, 0, len(h.members[id]))
		for u := range h.members[id] {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			r.Memberships = append(r.Memberships, record.Membership{TeamID: id, UserID: u, Role: h.members[id][u]})
		}
	}
	return r, nil
}

// Pull implements Protocol.Pull for userID.
func (h *Hub) Pull(ctx context.Context, userID string, req PullRequest) (*PullResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", record.ErrInvalidRecord, req.Kind)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPullLimit
	}
	if limit > maxPullLimit {
		limit = maxPullLimit
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	dev, err := h.deviceLocked(userID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	if cur, ok := dev.Cursors[req.Kind]; !ok || req.Since > cur {
		dev.Cursors[req.Kind] = req.Since
	}
	dev.Device.LastSeen = h.now().UTC()
	h.rev++

	p := h.principalLocked(userID)
	res := &PullResult{Records: []*record.Record{}, Cursor: req.Since}
	start := sort.Search(len(h.log), func(i int) bool { return h.log[i].version > req.Since })
	for i := start; i < len(h.log); i++ {
		if len(res.Records) == limit {
			res.HasMore = true
			break
		}
		e := h.log[i]
		res.Cursor = e.version
		rec := h.records[e.id]
		if rec == nil || rec.Version != e.version || rec.Kind != req.Kind || !h.resolver.CanRead(p, rec) {
			continue
		}
		res.Records = append(res.Records, rec.Redacted())
	}
	HubPulled.Add(float64(len(res.Records)))
	return res, nil
}

type notification struct {
	users   []string
	version int64
}

// Push implements Protocol.Push for userID.
func (h *Hub) Push(ctx context.Context, userID, deviceID string, recs []*record.Record) ([]PushResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var notes []notification
	h.mu.Lock()
	dev, err := h.deviceLocked(userID, deviceID)
	if err != nil {
		h.mu.Unlock()
		return nil, err
	}
	dev.Device.LastSeen = h.now().UTC()
	p := h.principalLocked(userID)

	results := make([]PushResult, 0, len(recs))
	for _, in := range recs {
		res, readers := h.pushLocked(ctx, p, in)
		results = append(results, res)
		label := "accepted"
		if !res.Accepted {
			label = string(res.Reason)
		}
		HubPushes.WithLabelValues(label).Inc()
		if len(readers) > 0 {
			notes = append(notes, notification{users: readers, version: res.Version})
		}
	}
	h.rev++
	h.mu.Unlock()

	for _, n := range notes {
		h.notifier.Notify(ctx, n.users, n.version)
	}
	return results, nil
}

// pushLocked decides one record. readers is non-empty when the record
// changed and lists the users to notify.
func (h *Hub) pushLocked(ctx context.Context, p *record.Principal, in *record.Record) (PushResult, []string) {
	if in == nil {
		return reject(PushResult{}, fmt.Errorf("%w: nil record", record.ErrInvalidRecord)), nil
	}
	rec := in.Clone()
	rec.Normalize()
	res := PushResult{ID: rec.ID}
	if err := rec.Validate(); err != nil {
		return reject(res, err), nil
	}

	cur := h.records[rec.ID]
	// Permission comes first so the verdict never reveals content the
	// principal cannot read.
	if !h.resolver.CanModify(p, cur, rec) {
		return reject(res, fmt.Errorf("%w: %s may not write %s", record.ErrPermissionDenied, p.UserID, rec.ID)), nil
	}
	if cur != nil && rec.OwnerID == cur.OwnerID && record.SameContent(rec, cur) {
		// a retried push, or an edit that converged on its own
		res.Accepted = true
		res.Version = cur.Version
		return res, nil
	}
	if err := h.checkTeamLocked(rec); err != nil {
		return reject(res, err), nil
	}
	if cur == nil && !rec.Tombstoned {
		if err := h.resolver.CheckQuota(ctx, p, access.QuotaRecords); err != nil {
			return reject(res, err), nil
		}
	}
	if cur != nil && !record.Wins(rec, cur) {
		res.Reason = record.ReasonSuperseded
		res.Version = cur.Version
		res.Message = fmt.Sprintf("version %d from %s wins", cur.Version, cur.UpdatedBy)
		return res, nil
	}

	h.version++
	rec.Version = h.version
	if rec.Tombstoned {
		rec = rec.Redacted()
	}
	h.records[rec.ID] = rec
	h.log = append(h.log, logEntry{version: rec.Version, id: rec.ID})

	readers := h.readersLocked(rec)
	if cur != nil {
		readers = mergeUsers(readers, h.readersLocked(cur))
	}
	if cur != nil {
		h.logger.Debug("conflict resolved on push",
			zap.String("record_id", rec.ID),
			zap.String("winner", rec.UpdatedBy),
			zap.String("loser", cur.UpdatedBy),
			zap.Int64("version", rec.Version))
	}
	res.Accepted = true
	res.Version = rec.Version
	return res, readers
}

func reject(res PushResult, err error) PushResult {
	res.Accepted = false
	res.Reason = record.ReasonFor(err)
	res.Message = err.Error()
	return res
}

// checkTeamLocked verifies rec's team exists and its owner belongs to it.
func (h *Hub) checkTeamLocked(rec *record.Record) error {
	if rec.TeamID == "" {
		return nil
	}
	roster, ok := h.members[rec.TeamID]
	if !ok {
		return fmt.Errorf("%w: unknown team %s", record.ErrInvalidReference, rec.TeamID)
	}
	if _, member := roster[rec.OwnerID]; !member {
		return fmt.Errorf("%w: owner %s is not a member of team %s", record.ErrInvalidReference, rec.OwnerID, rec.TeamID)
	}
	return nil
}

// readersLocked lists the users who can read rec.
func (h *Hub) readersLocked(rec *record.Record) []string {
	users := []string{rec.OwnerID}
	if rec.Visibility != record.VisibilityPrivate {
		for u := range h.members[rec.TeamID] {
			users = append(users, u)
		}
	}
	return mergeUsers(nil, users)
}

func mergeUsers(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, u := range append(append([]string(nil), a...), b...) {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}

// Watermark implements Protocol.Watermark for userID. The relevant devices
// are those of the user and of every member of the user's teams, except
// the calling device.
func (h *Hub) Watermark(ctx context.Context, userID, deviceID string, kind record.Kind) (Watermark, error) {
	if err := ctx.Err(); err != nil {
		return Watermark{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.deviceLocked(userID, deviceID); err != nil {
		return Watermark{}, err
	}

	related := map[string]bool{userID: true}
	for _, roster := range h.members {
		if _, ok := roster[userID]; !ok {
			continue
		}
		for u := range roster {
			related[u] = true
		}
	}

	now := h.now()
	wm := Watermark{Version: h.version, Known: true}
	for id, d := range h.devices {
		if id == deviceID || !related[d.Device.OwnerID] {
			continue
		}
		c, pulled := d.Cursors[kind]
		if !pulled || now.Sub(d.Device.LastSeen) > h.staleAfter {
			return Watermark{}, nil
		}
		if c < wm.Version {
			wm.Version = c
		}
	}
	return wm, nil
}

// Record returns the authoritative copy of id.
func (h *Hub) Record(id string) (*record.Record, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.records[id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// HubStats summarizes the hub for health reporting.
type HubStats struct {
	Users   int   `json:"users"`
	Teams   int   `json:"teams"`
	Devices int   `json:"devices"`
	Records int   `json:"records"`
	Version int64 `json:"version"`
}

// Stats returns current counts.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubStats{
		Users:   len(h.users),
		Teams:   len(h.teams),
		Devices: len(h.devices),
		Records: len(h.records),
		Version: h.version,
	}
}

// hubClient binds the hub to one user.
type hubClient struct {
	h      *Hub
	userID string
}

var _ Protocol = (*hubClient)(nil)

func (c *hubClient) RegisterDevice(ctx context.Context, info record.DeviceInfo) (*record.Device, error) {
	return c.h.RegisterDevice(ctx, c.userID, info)
}

func (c *hubClient) DeregisterDevice(ctx context.Context, deviceID string) error {
	return c.h.DeregisterDevice(ctx, c.userID, deviceID)
}

func (c *hubClient) Principal(ctx context.Context) (*Roster, error) {
	return c.h.Principal(ctx, c.userID)
}

func (c *hubClient) Pull(ctx context.Context, req PullRequest) (*PullResult, error) {
	return c.h.Pull(ctx, c.userID, req)
}

func (c *hubClient) Push(ctx context.Context, deviceID string, recs []*record.Record) ([]PushResult, error) {
	return c.h.Push(ctx, c.userID, deviceID, recs)
}

func (c *hubClient) Watermark(ctx context.Context, deviceID string, kind record.Kind) (Watermark, error) {
	return c.h.Watermark(ctx, c.userID, deviceID, kind)
}

// IsUnknownDevice reports whether err means the device registration is gone.
func IsUnknownDevice(err error) bool {
	return errors.Is(err, record.ErrUnknownDevice)
}
