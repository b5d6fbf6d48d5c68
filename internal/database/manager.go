package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "smcp/pkg/database"
	"smcp/pkg/interfaces"
	"smcp/pkg/types"
)

// DefaultHistoryLimit applies when History is asked for a non-positive limit.
const DefaultHistoryLimit = 100

// Manager is the sqlite-backed office event journal.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex // TECHNICAL: Protect closed status

	written atomic.Uint64
	failed  atomic.Uint64
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the journal, applies migrations and starts the writer.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	m.wg.Add(1)
	go m.writeLoop()

	logger.Info("event journal opened", "path", config.DatabasePath)
	return m, nil
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once.
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("journal write failed, retrying", "delay", m.config.RetryDelay, "error", err)
				time.Sleep(m.config.RetryDelay)
				err = op.operation(m.db)
				if err != nil {
					m.logger.Error("journal write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return interfaces.ErrJournalUnavailable
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timer.C:
		return fmt.Errorf("%w: write queue full", interfaces.ErrJournalUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return interfaces.ErrJournalUnavailable
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return interfaces.ErrJournalUnavailable
	}
}

// Record appends ev and fills in its ID.
func (m *Manager) Record(ctx context.Context, ev *types.OfficeEvent) error {
	if ev == nil || ev.OfficeID == "" || ev.Event == "" {
		return errors.New("office event requires office_id and event")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		var payload sql.NullString
		if len(ev.Payload) > 0 {
			payload = sql.NullString{String: string(ev.Payload), Valid: true}
		}
		// The write itself is not tied to ctx: once queued it completes.
		res, err := db.Exec(
			`INSERT INTO office_events (office_id, event, actor, payload, timestamp) VALUES (?, ?, ?, ?, ?)`,
			ev.OfficeID, ev.Event, ev.Actor, payload, ev.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert office event: %w", err)
		}
		ev.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		m.failed.Add(1)
		return err
	}
	m.written.Add(1)
	return nil
}

// History returns up to limit of the newest events of officeID, oldest first.
func (m *Manager) History(ctx context.Context, officeID string, limit int) ([]*types.OfficeEvent, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	// ARCHITECTURAL DISCOVERY: Read operations can be concurrent - no need for writeChannel
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, office_id, event, actor, payload, timestamp FROM (
			SELECT id, office_id, event, actor, payload, timestamp
			FROM office_events
			WHERE office_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, officeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query office history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]*types.OfficeEvent, 0)
	for rows.Next() {
		var ev types.OfficeEvent
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OfficeID, &ev.Event, &ev.Actor, &payload, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan office event: %w", err)
		}
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating office events: %w", err)
	}
	return events, nil
}

// HealthCheck validates connectivity and that the journal table is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM office_events").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Stats returns write counters.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"written": m.written.Load(),
		"failed":  m.failed.Load(),
		"queued":  len(m.writeChannel),
	}
}

// Close stops the writer and closes the database. Writes still queued are
// abandoned.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.logger.Info("event journal closed")
	return nil
}
