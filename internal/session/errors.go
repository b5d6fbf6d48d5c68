package session

import (
	"errors"
	"fmt"

	"smcp/pkg/types"
)

var (
	ErrIdentityConflict = errors.New("identity conflict")
	ErrRoleMismatch     = errors.New("role differs from the one registered on this connection")
	ErrNameMismatch     = errors.New("name differs from the one registered on this connection")
	ErrIdentityClaimed  = errors.New("identity already held by another connection")
	ErrNotRegistered    = errors.New("connection is not registered")
	ErrOfficeHasAgent   = errors.New("office already has an agent")
	ErrEmptyConnection  = errors.New("connection id must not be empty")
)

// ConflictKind says which registry invariant a request violated.
type ConflictKind int

const (
	RoleMismatch ConflictKind = iota + 1
	NameMismatch
	IdentityClaimed
	AgentPresent
)

func (k ConflictKind) String() string {
	switch k {
	case RoleMismatch:
		return "role_mismatch"
	case NameMismatch:
		return "name_mismatch"
	case IdentityClaimed:
		return "identity_claimed"
	case AgentPresent:
		return "agent_present"
	}
	return "unknown"
}

func (k ConflictKind) sentinel() error {
	switch k {
	case RoleMismatch:
		return ErrRoleMismatch
	case NameMismatch:
		return ErrNameMismatch
	case IdentityClaimed:
		return ErrIdentityClaimed
	case AgentPresent:
		return ErrOfficeHasAgent
	}
	return nil
}

// ConflictError reports a rejected registration or join. It matches both
// ErrIdentityConflict and the sentinel of its Kind under errors.Is.
type ConflictError struct {
	Kind         ConflictKind
	ConnectionID string
	Role         types.Role
	Name         string
	OfficeID     string
	// Holder is the connection that already owns the identity, if any.
	Holder string
}

func (e *ConflictError) Error() string {
	switch e.Kind {
	case RoleMismatch, NameMismatch:
		return fmt.Sprintf("%s: connection %s is pinned to %s %q", e.Kind, e.ConnectionID, e.Role, e.Name)
	case AgentPresent:
		return fmt.Sprintf("%s: office %q already has an agent", e.Kind, e.OfficeID)
	}
	if e.OfficeID == "" {
		return fmt.Sprintf("%s: %s %q is already registered", e.Kind, e.Role, e.Name)
	}
	return fmt.Sprintf("%s: %s %q is already in office %q", e.Kind, e.Role, e.Name, e.OfficeID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrIdentityConflict || target == e.Kind.sentinel()
}
