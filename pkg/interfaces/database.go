package interfaces

import (
	"context"

	"smcp/pkg/types"
)

// Journal records office notifications for audit and inspection.
// FUNCTIONAL DISCOVERY: Nothing is replayed from the journal on restart;
// registry state lives in memory only.
type Journal interface {
	// Record appends one event. Implementations may queue the write.
	Record(ctx context.Context, event *types.OfficeEvent) error

	// History returns the newest events of an office, oldest first.
	History(ctx context.Context, officeID string, limit int) ([]*types.OfficeEvent, error)

	HealthCheck(ctx context.Context) error

	Close() error
}
