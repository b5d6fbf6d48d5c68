package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"smcp/pkg/interfaces"
	"smcp/pkg/types"
)

// Connections resolves a connection id to its live connection.
type Connections interface {
	Get(connID string) (interfaces.Connection, bool)
}

// Notification is one queued broadcast. Recipients are fixed when the
// notification is enqueued.
type Notification struct {
	OfficeID   string
	Event      string
	Actor      string
	Payload    any
	Recipients []string
	Timestamp  time.Time
}

// Hub fans notifications out to office members.
// ARCHITECTURAL DISCOVERY: Broadcast only enqueues; a single goroutine does
// the delivery, so the operation that triggered a notification never waits
// on a slow member, and per-recipient order matches enqueue order. The
// journal has its own queue and writer so disk latency never reaches
// delivery.
type Hub struct {
	notifyChannel   chan *Notification
	journalChannel  chan *Notification
	shutdownChannel chan struct{}
	stopped         chan struct{}

	directory interfaces.SessionDirectory
	conns     Connections
	journal   interfaces.Journal
	logger    *slog.Logger

	running bool
	mu      sync.RWMutex

	delivered      atomic.Uint64
	dropped        atomic.Uint64
	recorded       atomic.Uint64
	journalDropped atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithJournal records every processed notification.
func WithJournal(j interfaces.Journal) Option {
	return func(h *Hub) { h.journal = j }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithQueueSize overrides the notify and journal channel capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.notifyChannel = make(chan *Notification, n)
			h.journalChannel = make(chan *Notification, n)
		}
	}
}

// NewHub creates a hub reading membership from directory.
func NewHub(directory interfaces.SessionDirectory, conns Connections, opts ...Option) *Hub {
	h := &Hub{
		notifyChannel:  make(chan *Notification, 1000),
		journalChannel: make(chan *Notification, 1000),
		directory:      directory,
		conns:          conns,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start begins delivery.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	h.stopped = make(chan struct{})

	h.logger.Info("starting notification hub")
	shutdown, stopped := h.shutdownChannel, h.stopped
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		h.run(ctx, shutdown)
	}()
	go func() {
		defer workers.Done()
		h.runJournal(ctx, shutdown)
	}()
	go func() {
		workers.Wait()
		close(stopped)
	}()
	return nil
}

// Stop ends delivery and waits for both loops to exit. Queued notifications
// that were not delivered yet are discarded; delivered ones still waiting
// for the journal are written first.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	stopped := h.stopped
	h.mu.Unlock()

	<-stopped
	h.logger.Info("notification hub stopped")
	return nil
}

// Broadcast queues event for every member of officeID except exclude.
func (h *Hub) Broadcast(officeID, event string, payload any, exclude string) error {
	if officeID == "" || event == "" {
		return ErrInvalidBroadcast
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}

	members := h.directory.Members(officeID)
	recipients := make([]string, 0, len(members))
	for _, m := range members {
		if m.ConnectionID != exclude {
			recipients = append(recipients, m.ConnectionID)
		}
	}

	n := &Notification{
		OfficeID:   officeID,
		Event:      event,
		Actor:      exclude,
		Payload:    payload,
		Recipients: recipients,
		Timestamp:  time.Now().UTC(),
	}

	select {
	case h.notifyChannel <- n:
		return nil
	default:
		h.dropped.Add(uint64(len(recipients)))
		return ErrNotifyChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}) {
	for {
		select {
		case n := <-h.notifyChannel:
			h.deliver(n)
			h.queueRecord(n)
		case <-shutdown:
			return
		case <-ctx.Done():
			h.logger.Info("notification hub context cancelled")
			return
		}
	}
}

// deliver sends n to each recipient independently; one failure never
// blocks the others.
func (h *Hub) deliver(n *Notification) {
	for _, id := range n.Recipients {
		conn, ok := h.conns.Get(id)
		if !ok {
			h.dropped.Add(1)
			h.logger.Debug("notification recipient gone", "event", n.Event, "office_id", n.OfficeID, "sid", id)
			continue
		}
		if err := conn.TryEmit(n.Event, n.Payload); err != nil {
			h.dropped.Add(1)
			h.logger.Warn("notification dropped", "event", n.Event, "office_id", n.OfficeID, "sid", id, "error", err)
			continue
		}
		h.delivered.Add(1)
	}
}

// queueRecord hands n to the journal writer without waiting on it.
func (h *Hub) queueRecord(n *Notification) {
	if h.journal == nil {
		return
	}
	select {
	case h.journalChannel <- n:
	default:
		h.journalDropped.Add(1)
		h.logger.Warn("journal queue full, event not recorded", "event", n.Event, "office_id", n.OfficeID)
	}
}

func (h *Hub) runJournal(ctx context.Context, shutdown <-chan struct{}) {
	if h.journal == nil {
		return
	}
	for {
		select {
		case n := <-h.journalChannel:
			h.record(ctx, n)
		case <-shutdown:
			for {
				select {
				case n := <-h.journalChannel:
					h.record(ctx, n)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) record(ctx context.Context, n *Notification) {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		h.logger.Warn("notification payload not journaled", "event", n.Event, "error", err)
		payload = nil
	}
	ev := &types.OfficeEvent{
		OfficeID:  n.OfficeID,
		Event:     n.Event,
		Actor:     n.Actor,
		Payload:   payload,
		Timestamp: n.Timestamp,
	}
	if err := h.journal.Record(ctx, ev); err != nil {
		if !errors.Is(err, context.Canceled) {
			h.logger.Warn("journal write failed", "event", n.Event, "office_id", n.OfficeID, "error", err)
		}
		return
	}
	h.recorded.Add(1)
}

// Stats returns delivery counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()

	return map[string]interface{}{
		"running":         running,
		"queued":          len(h.notifyChannel),
		"delivered":       h.delivered.Load(),
		"dropped":         h.dropped.Load(),
		"recorded":        h.recorded.Load(),
		"journal_queued":  len(h.journalChannel),
		"journal_dropped": h.journalDropped.Load(),
	}
}
