package session

import (
	"log/slog"
	"sort"
	"sync"

	"smcp/pkg/types"
)

// UnassignedPolicy decides whether two connections that registered the same
// role and name, but have not joined an office yet, collide.
type UnassignedPolicy int

const (
	// UnassignedExclusive rejects a second unassigned registration of the
	// same (role, name). The check runs at registration only; leaving an
	// office never fails.
	UnassignedExclusive UnassignedPolicy = iota
	// UnassignedShared leaves unassigned identities unconstrained until a
	// join happens.
	UnassignedShared
)

func (p UnassignedPolicy) String() string {
	if p == UnassignedShared {
		return "shared"
	}
	return "exclusive"
}

// ParseUnassignedPolicy maps a configuration value to a policy.
func ParseUnassignedPolicy(s string) (UnassignedPolicy, bool) {
	switch s {
	case "", "exclusive":
		return UnassignedExclusive, true
	case "shared":
		return UnassignedShared, true
	}
	return UnassignedExclusive, false
}

type identityKey struct {
	role   types.Role
	name   string
	office string
}

type roleName struct {
	role types.Role
	name string
}

// Registry is the in-memory table of connected identities and their office
// memberships. Every method takes the same lock, so all operations are
// linearizable with respect to each other.
type Registry struct {
	mu          sync.RWMutex
	policy      UnassignedPolicy
	singleAgent bool
	logger      *slog.Logger

	entries map[string]*types.SessionEntry
	// identities indexes assigned entries; it doubles as the FindComputer index.
	identities map[identityKey]string
	unassigned map[roleName]map[string]struct{}
	offices    map[string]map[string]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

func WithUnassignedPolicy(p UnassignedPolicy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithSingleAgentPerOffice refuses a join by a second Agent into an office
// that already has one.
func WithSingleAgentPerOffice(enabled bool) Option {
	return func(r *Registry) { r.singleAgent = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:     slog.Default(),
		entries:    make(map[string]*types.SessionEntry),
		identities: make(map[identityKey]string),
		unassigned: make(map[roleName]map[string]struct{}),
		offices:    make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured unassigned identity policy.
func (r *Registry) Policy() UnassignedPolicy {
	return r.policy
}

// Register pins role and name to connID. Repeating the same role and name
// is a no-op; changing either is a conflict.
func (r *Registry) Register(connID string, role types.Role, name string) error {
	if err := checkIdentity(connID, role, name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.registerLocked(connID, role, name, r.policy == UnassignedExclusive)
	return err
}

func (r *Registry) registerLocked(connID string, role types.Role, name string, exclusive bool) (bool, error) {
	if e, ok := r.entries[connID]; ok {
		return false, pinCheck(e, role, name)
	}

	rn := roleName{role, name}
	if exclusive {
		for holder := range r.unassigned[rn] {
			return false, &ConflictError{Kind: IdentityClaimed, ConnectionID: connID, Role: role, Name: name, Holder: holder}
		}
	}

	r.entries[connID] = &types.SessionEntry{ConnectionID: connID, Role: role, Name: name}
	r.addUnassigned(rn, connID)
	r.logger.Debug("session registered", "sid", connID, "role", role, "name", name)
	return true, nil
}

// JoinOffice moves a registered connection into officeID and returns the
// office it was in before. Joining the current office again is a no-op.
func (r *Registry) JoinOffice(connID, officeID string) (string, error) {
	if !types.IsValidName(officeID) {
		return "", types.ErrInvalidOfficeID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok {
		return "", ErrNotRegistered
	}
	return r.joinLocked(e, officeID)
}

func (r *Registry) joinLocked(e *types.SessionEntry, officeID string) (string, error) {
	prev := e.OfficeID
	if prev == officeID {
		return prev, nil
	}

	key := identityKey{e.Role, e.Name, officeID}
	if holder, taken := r.identities[key]; taken && holder != e.ConnectionID {
		return prev, &ConflictError{
			Kind: IdentityClaimed, ConnectionID: e.ConnectionID,
			Role: e.Role, Name: e.Name, OfficeID: officeID, Holder: holder,
		}
	}
	if r.singleAgent && e.Role == types.RoleAgent && r.hasRoleLocked(officeID, types.RoleAgent) {
		return prev, &ConflictError{
			Kind: AgentPresent, ConnectionID: e.ConnectionID,
			Role: e.Role, Name: e.Name, OfficeID: officeID,
		}
	}

	r.detachLocked(e)
	e.OfficeID = officeID
	r.identities[key] = e.ConnectionID
	members, ok := r.offices[officeID]
	if !ok {
		members = make(map[string]struct{})
		r.offices[officeID] = members
	}
	members[e.ConnectionID] = struct{}{}

	r.logger.Debug("session joined office", "sid", e.ConnectionID, "office_id", officeID, "previous", prev)
	return prev, nil
}

// Enter registers connID (if it is not already) and joins officeID under
// one lock. A fresh registration is rolled back if the join fails.
//
// FUNCTIONAL DISCOVERY: A fresh Enter goes straight to its office, so it
// never passes through the unassigned state and the unassigned policy does
// not apply to it.
func (r *Registry) Enter(connID string, role types.Role, name, officeID string) (string, error) {
	if err := checkIdentity(connID, role, name); err != nil {
		return "", err
	}
	if !types.IsValidName(officeID) {
		return "", types.ErrInvalidOfficeID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fresh, err := r.registerLocked(connID, role, name, false)
	if err != nil {
		return "", err
	}
	e := r.entries[connID]
	prev, err := r.joinLocked(e, officeID)
	if err != nil && fresh {
		r.removeLocked(connID)
	}
	return prev, err
}

// LeaveOffice clears the connection's office and returns it. It reports
// false when the connection was unknown or not in an office.
func (r *Registry) LeaveOffice(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[connID]
	if !ok || e.OfficeID == "" {
		return "", false
	}
	office := e.OfficeID
	r.detachLocked(e)
	r.addUnassigned(roleName{e.Role, e.Name}, connID)
	return office, true
}

// Remove forgets connID and returns its last known entry.
func (r *Registry) Remove(connID string) (types.SessionEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(connID)
}

func (r *Registry) removeLocked(connID string) (types.SessionEntry, bool) {
	e, ok := r.entries[connID]
	if !ok {
		return types.SessionEntry{}, false
	}
	last := *e
	r.detachLocked(e)
	delete(r.entries, connID)
	r.logger.Debug("session removed", "sid", connID, "role", last.Role, "name", last.Name, "office_id", last.OfficeID)
	return last, true
}

// detachLocked takes e out of its office (or the unassigned set) without
// deleting the entry.
func (r *Registry) detachLocked(e *types.SessionEntry) {
	if e.OfficeID == "" {
		rn := roleName{e.Role, e.Name}
		if set, ok := r.unassigned[rn]; ok {
			delete(set, e.ConnectionID)
			if len(set) == 0 {
				delete(r.unassigned, rn)
			}
		}
		return
	}

	key := identityKey{e.Role, e.Name, e.OfficeID}
	if r.identities[key] == e.ConnectionID {
		delete(r.identities, key)
	}
	if members, ok := r.offices[e.OfficeID]; ok {
		delete(members, e.ConnectionID)
		if len(members) == 0 {
			delete(r.offices, e.OfficeID)
		}
	}
	e.OfficeID = ""
}

func (r *Registry) addUnassigned(rn roleName, connID string) {
	set, ok := r.unassigned[rn]
	if !ok {
		set = make(map[string]struct{})
		r.unassigned[rn] = set
	}
	set[connID] = struct{}{}
}

// Get returns a copy of the entry for connID.
func (r *Registry) Get(connID string) (types.SessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[connID]
	if !ok {
		return types.SessionEntry{}, false
	}
	return *e, true
}

// FindComputer returns the connection holding Computer name in officeID.
func (r *Registry) FindComputer(officeID, name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.identities[identityKey{types.RoleComputer, name, officeID}]
	return connID, ok
}

// Members returns the entries of officeID ordered by role, then name.
func (r *Registry) Members(officeID string) []types.SessionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.offices[officeID]
	out := make([]types.SessionEntry, 0, len(members))
	for connID := range members {
		out = append(out, *r.entries[connID])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

func (r *Registry) HasRoleInOffice(officeID string, role types.Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasRoleLocked(officeID, role)
}

func (r *Registry) hasRoleLocked(officeID string, role types.Role) bool {
	for connID := range r.offices[officeID] {
		if r.entries[connID].Role == role {
			return true
		}
	}
	return false
}

// Offices summarizes every non-empty office, ordered by id.
func (r *Registry) Offices() []types.OfficeSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.OfficeSummary, 0, len(r.offices))
	for officeID, members := range r.offices {
		s := types.OfficeSummary{OfficeID: officeID}
		for connID := range members {
			if r.entries[connID].Role == types.RoleComputer {
				s.Computers++
			} else {
				s.Agents++
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OfficeID < out[j].OfficeID })
	return out
}

// Stats returns registry counters.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	unassigned := 0
	for _, set := range r.unassigned {
		unassigned += len(set)
	}
	return map[string]interface{}{
		"sessions":          len(r.entries),
		"offices":           len(r.offices),
		"unassigned":        unassigned,
		"unassigned_policy": r.policy.String(),
	}
}

func checkIdentity(connID string, role types.Role, name string) error {
	if connID == "" {
		return ErrEmptyConnection
	}
	if !role.Valid() {
		return types.ErrInvalidRole
	}
	if !types.IsValidName(name) {
		return types.ErrInvalidName
	}
	return nil
}

func pinCheck(e *types.SessionEntry, role types.Role, name string) error {
	if e.Role != role {
		return &ConflictError{Kind: RoleMismatch, ConnectionID: e.ConnectionID, Role: e.Role, Name: e.Name, OfficeID: e.OfficeID}
	}
	if e.Name != name {
		return &ConflictError{Kind: NameMismatch, ConnectionID: e.ConnectionID, Role: e.Role, Name: e.Name, OfficeID: e.OfficeID}
	}
	return nil
}
