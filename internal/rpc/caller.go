// Package rpc correlates an emitted event with the answer that completes
// it. The same Caller type serves Agents, Computers and the server's
// bridge legs.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"smcp/pkg/types"
)

// DefaultTimeout applies when neither the Caller nor the call sets one.
const DefaultTimeout = 30 * time.Second

// Sender is the outbound half of a connection.
type Sender interface {
	ID() string
	EmitWithAck(event string, payload any, ack func(args []json.RawMessage)) error
}

// CallOptions tunes a single Call.
type CallOptions struct {
	// ReqID is the logical request id echoed by the peer. When empty the
	// call is keyed anonymously and the answer is not checked for an echo.
	ReqID   string
	Timeout time.Duration
}

type pendingKey struct {
	peer  string
	reqID string
}

type outcome struct {
	args []json.RawMessage
	err  error
}

type pendingCall struct {
	once sync.Once
	done chan outcome
}

// Caller owns one pending table. Entries are keyed by (peer, req_id) and
// resolve exactly once: by the peer's answer, the deadline, the caller's
// context, or a forced cancellation.
type Caller struct {
	defaultTimeout time.Duration

	mu       sync.Mutex
	pending  map[pendingKey]*pendingCall
	closed   bool
	closeErr error

	anon atomic.Uint64
}

// NewCaller creates a Caller whose calls default to timeout.
func NewCaller(timeout time.Duration) *Caller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Caller{
		defaultTimeout: timeout,
		pending:        make(map[pendingKey]*pendingCall),
	}
}

// Call emits event to the peer and blocks until the call resolves. On
// success it returns the peer's ack arguments untouched.
func (c *Caller) Call(ctx context.Context, to Sender, event string, payload any, opts CallOptions) ([]json.RawMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	key := pendingKey{peer: to.ID(), reqID: opts.ReqID}
	if key.reqID == "" {
		key.reqID = fmt.Sprintf("~%d", c.anon.Add(1))
	}
	p := &pendingCall{done: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, opts.ReqID)
	}
	c.pending[key] = p
	c.mu.Unlock()

	err := to.EmitWithAck(event, payload, func(args []json.RawMessage) {
		c.complete(key, p, decodeAck(args, opts.ReqID))
	})
	if err != nil {
		c.complete(key, p, outcome{err: errors.Join(ErrConnectionClosed, err)})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.done:
		return res.args, res.err
	case <-timer.C:
		c.complete(key, p, outcome{err: fmt.Errorf("%w: %s after %s", ErrTimeout, event, timeout)})
	case <-ctx.Done():
		c.complete(key, p, outcome{err: contextError(ctx.Err())})
	}

	// Whichever completion won the once is the only result.
	res := <-p.done
	return res.args, res.err
}

func (c *Caller) complete(key pendingKey, p *pendingCall, res outcome) {
	p.once.Do(func() {
		c.mu.Lock()
		if c.pending[key] == p {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		p.done <- res
	})
}

// CancelPeer force-resolves every call pending on peer with err and
// returns how many it resolved.
func (c *Caller) CancelPeer(peer string, err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}

	c.mu.Lock()
	victims := make(map[pendingKey]*pendingCall)
	for key, p := range c.pending {
		if key.peer == peer {
			victims[key] = p
		}
	}
	c.mu.Unlock()

	for key, p := range victims {
		c.complete(key, p, outcome{err: err})
	}
	return len(victims)
}

// Close resolves everything still pending with err and refuses new calls.
func (c *Caller) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[pendingKey]*pendingCall)
	c.mu.Unlock()

	for key, p := range pending {
		c.complete(key, p, outcome{err: err})
	}
}

// Pending returns the number of unresolved calls.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrTimeout, err)
	}
	return errors.Join(ErrCanceled, err)
}

// ackEnvelope captures the fields every answer may carry.
type ackEnvelope struct {
	ReqID *string `json:"req_id"`
	Error *struct {
		Code    types.ErrorCode `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// TECHNICAL DISCOVERY: Only object answers carry an echo. Plain values such
// as the boolean join ack pass through unchecked.
func decodeAck(args []json.RawMessage, reqID string) outcome {
	if len(args) == 0 {
		return outcome{err: ErrEmptyResponse}
	}

	first := bytes.TrimSpace(args[0])
	if len(first) == 0 || first[0] != '{' {
		return outcome{args: args}
	}

	var env ackEnvelope
	if err := json.Unmarshal(first, &env); err != nil {
		return outcome{args: args}
	}
	if reqID != "" && env.ReqID != nil && *env.ReqID != "" && *env.ReqID != reqID {
		return outcome{err: fmt.Errorf("%w: sent %s, got %s", ErrReqIDMismatch, reqID, *env.ReqID)}
	}
	if env.Error != nil {
		remote := &RemoteError{Code: env.Error.Code, Message: env.Error.Message}
		if env.ReqID != nil {
			remote.ReqID = *env.ReqID
		}
		return outcome{args: args, err: remote}
	}
	return outcome{args: args}
}
