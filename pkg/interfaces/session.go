package interfaces

import "smcp/pkg/types"

// SessionDirectory is the read-only view of the session registry used by
// the broadcaster and the admin API.
type SessionDirectory interface {
	Get(connID string) (types.SessionEntry, bool)
	Members(officeID string) []types.SessionEntry
	Offices() []types.OfficeSummary
}
