package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smcp/internal/rpc"
	"smcp/pkg/interfaces"
	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

// bridgedRequest is a decoded Agent request ready to be re-issued.
type bridgedRequest struct {
	call    *types.ComputerCallData
	payload any
	timeout time.Duration
}

func decodeBridged(event string, args []json.RawMessage) (*bridgedRequest, error) {
	b := &bridgedRequest{}
	var err error

	switch event {
	case types.EventGetTools:
		req := &types.GetToolsReq{}
		err = decode(args, req)
		b.call, b.payload = req.Call(), req
	case types.EventGetConfig:
		req := &types.GetComputerConfigReq{}
		err = decode(args, req)
		b.call, b.payload = req.Call(), req
	case types.EventGetDesktop:
		req := &types.GetDesktopReq{}
		err = decode(args, req)
		b.call, b.payload = req.Call(), req
	case types.EventToolCall:
		req := &types.ToolCallReq{}
		if err = decode(args, req); err == nil {
			err = req.Validate()
		}
		b.call, b.payload = req.Call(), req
		b.timeout = time.Duration(req.Timeout) * time.Second
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	if err != nil {
		return b, err
	}
	return b, b.call.Validate()
}

// bridgeRequest runs the two-leg exchange for an Agent request. Everything
// up to locating the target is synchronous; the second leg runs on its own
// goroutine so the Agent's connection keeps reading.
// ARCHITECTURAL DISCOVERY: The second leg is owned by the first. Its context
// is cancelled when the Agent disconnects or the router closes, and the only
// success path relays the Computer's answer verbatim.
func (r *Router) bridgeRequest(conn interfaces.Connection, event string, args []json.RawMessage, ack socketio.Ack) {
	req, err := decodeBridged(event, args)
	if err != nil {
		var reqID string
		if req != nil && req.call != nil {
			reqID = req.call.ReqID
		}
		reply(ack, types.NewErrorRet(codeFor(err), err.Error(), reqID))
		return
	}
	reqID := req.call.ReqID

	entry, err := r.authorizeAgent(conn, &req.call.AgentCallData)
	if err != nil {
		reply(ack, types.NewErrorRet(codeFor(err), err.Error(), reqID))
		return
	}

	// FUNCTIONAL DISCOVERY: A missing Computer is answered at once; no
	// second leg is started and no timeout is waited out.
	targetID, ok := r.sessions.FindComputer(entry.OfficeID, req.call.Computer)
	var target interfaces.Connection
	if ok {
		target, ok = r.conns.Get(targetID)
	}
	if !ok {
		msg := fmt.Sprintf("computer %q is not in office %q", req.call.Computer, entry.OfficeID)
		reply(ack, types.NewErrorRet(types.CodeTargetNotFound, msg, reqID))
		return
	}

	timeout := r.legTimeout(req.timeout)
	ctx, err := r.track(conn.ID(), reqID, timeout+r.cfg.BridgeGrace)
	if err != nil {
		reply(ack, types.NewErrorRet(codeFor(err), err.Error(), reqID))
		return
	}

	r.logger.Debug("bridging request", "event", event, "req_id", reqID, "agent", entry.Name, "computer", req.call.Computer, "office_id", entry.OfficeID, "timeout", timeout)

	go func() {
		defer r.wg.Done()
		defer r.untrack(conn.ID(), reqID)

		answer, err := r.bridge.Call(ctx, target, event, req.payload, rpc.CallOptions{ReqID: reqID, Timeout: timeout})
		if err == nil {
			err = checkAnswer(answer)
		}
		if err != nil {
			select {
			case <-conn.Done():
				// The Agent is gone; there is nobody to answer.
				return
			default:
			}
			r.logger.Info("bridged request failed", "event", event, "req_id", reqID, "computer", req.call.Computer, "error", err)
			r.relay(ack, event, reqID, types.NewErrorRet(rpc.CodeOf(err), err.Error(), reqID))
			return
		}
		r.relay(ack, event, reqID, answer[0])
	}()
}

// checkAnswer accepts only a JSON object as a Computer's answer; null,
// scalars and arrays would reach the Agent as an empty success.
func checkAnswer(answer []json.RawMessage) error {
	if len(answer) == 0 {
		return rpc.ErrEmptyResponse
	}
	first := bytes.TrimSpace(answer[0])
	if len(first) == 0 || first[0] != '{' {
		return fmt.Errorf("%w: answer is %s", rpc.ErrEmptyResponse, first)
	}
	return nil
}

// relay sends the first-leg answer. A failed write leaves the Agent to its
// own deadline, so it is logged and counted.
func (r *Router) relay(ack socketio.Ack, event, reqID string, answer any) {
	if err := reply(ack, answer); err != nil {
		r.lostReplies.Add(1)
		r.logger.Warn("bridged reply not delivered", "event", event, "req_id", reqID, "error", err)
	}
}

// legTimeout picks the second-leg deadline for a requested timeout.
func (r *Router) legTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return r.cfg.DefaultCallTimeout
	}
	if requested > r.cfg.MaxCallTimeout {
		return r.cfg.MaxCallTimeout
	}
	return requested
}

// track registers an in-flight bridge for agentID and returns its first-leg
// context. The caller must start a goroutine that calls untrack.
func (r *Router) track(agentID, reqID string, deadline time.Duration) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRouterClosed
	}
	calls := r.inflight[agentID]
	if calls == nil {
		calls = make(map[string]context.CancelFunc)
		r.inflight[agentID] = calls
	}
	if _, dup := calls[reqID]; dup {
		return nil, fmt.Errorf("%w: %s", rpc.ErrDuplicateRequest, reqID)
	}

	ctx, cancel := context.WithTimeout(r.ctx, deadline)
	calls[reqID] = cancel
	r.wg.Add(1)
	return ctx, nil
}

func (r *Router) untrack(agentID, reqID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := r.inflight[agentID]
	if cancel, ok := calls[reqID]; ok {
		cancel()
		delete(calls, reqID)
	}
	if len(calls) == 0 {
		delete(r.inflight, agentID)
	}
}
