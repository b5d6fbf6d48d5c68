package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

type (
	ToolsHandler    func(ctx context.Context, req *types.GetToolsReq) (*types.GetToolsRet, error)
	ConfigHandler   func(ctx context.Context, req *types.GetComputerConfigReq) (*types.GetComputerConfigRet, error)
	DesktopHandler  func(ctx context.Context, req *types.GetDesktopReq) (*types.GetDesktopRet, error)
	ToolCallHandler func(ctx context.Context, req *types.ToolCallReq) (*types.CallToolResult, error)
)

// Handlers answer the requests Agents send through the server. A nil
// handler answers invalid_request.
type Handlers struct {
	Tools    ToolsHandler
	Config   ConfigHandler
	Desktop  DesktopHandler
	ToolCall ToolCallHandler
}

// Computer serves tool requests for the Agents of its office.
type Computer struct {
	*session
	handlers Handlers

	runMu   sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// DialComputer connects to the server at url as the Computer name.
func DialComputer(ctx context.Context, url, name string, handlers Handlers, opts Options) (*Computer, error) {
	c := &Computer{
		handlers: handlers,
		running:  make(map[string]context.CancelFunc),
	}
	s, err := dial(ctx, url, types.RoleComputer, name, opts, c.handleRequest)
	if err != nil {
		return nil, err
	}
	c.session = s
	s.OnNotify(types.NotifyToolCallCancel, c.cancelFromNotification)
	return c, nil
}

// UpdateConfig announces a configuration change to the office.
func (c *Computer) UpdateConfig(ctx context.Context) error {
	return c.announce(ctx, types.EventUpdateConfig)
}

// UpdateToolList announces a tool list change to the office.
func (c *Computer) UpdateToolList(ctx context.Context) error {
	return c.announce(ctx, types.EventUpdateToolList)
}

// UpdateDesktop announces a desktop change to the office.
func (c *Computer) UpdateDesktop(ctx context.Context) error {
	return c.announce(ctx, types.EventUpdateDesktop)
}

func (c *Computer) announce(ctx context.Context, event string) error {
	if c.Office() == "" {
		return ErrNotInOffice
	}
	if err := c.status(ctx, event, types.UpdateComputerReq{Computer: c.name}); err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return nil
}

// Close disconnects and waits for running handlers to return.
func (c *Computer) Close() error {
	err := c.session.Close()
	c.runMu.Lock()
	for _, cancel := range c.running {
		cancel()
	}
	c.runMu.Unlock()
	c.wg.Wait()
	return err
}

// handleRequest runs on the read loop; handlers run on their own goroutine.
// Requests only reach Computers that joined an office, which happens after
// DialComputer returns.
func (c *Computer) handleRequest(event string, args []json.RawMessage, ack socketio.Ack) {
	if ack == nil {
		return
	}
	if len(args) == 0 {
		_ = ack(types.NewErrorRet(types.CodeInvalidRequest, types.ErrMissingPayload.Error(), ""))
		return
	}
	payload := args[0]

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ret := c.answer(event, payload)
		if err := ack(ret); err != nil {
			c.logger.Debug("answer not delivered", "event", event, "error", err)
		}
	}()
}

func (c *Computer) answer(event string, payload json.RawMessage) any {
	var header types.ComputerCallData
	if err := json.Unmarshal(payload, &header); err != nil {
		return types.NewErrorRet(types.CodeInvalidRequest, err.Error(), "")
	}
	reqID := header.ReqID

	fail := func(err error) any {
		code := types.CodeRemoteError
		if errors.Is(err, ErrUnsupported) {
			code = types.CodeInvalidRequest
		}
		return types.NewErrorRet(code, err.Error(), reqID)
	}

	switch event {
	case types.EventGetTools:
		if c.handlers.Tools == nil {
			return fail(fmt.Errorf("%w: %s", ErrUnsupported, event))
		}
		var req types.GetToolsReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		ret, err := c.handlers.Tools(ctx, &req)
		if err != nil {
			return fail(err)
		}
		if ret == nil {
			ret = &types.GetToolsRet{}
		}
		if ret.ReqID == "" {
			ret.ReqID = reqID
		}
		if ret.Tools == nil {
			ret.Tools = []types.Tool{}
		}
		return ret

	case types.EventGetConfig:
		if c.handlers.Config == nil {
			return fail(fmt.Errorf("%w: %s", ErrUnsupported, event))
		}
		var req types.GetComputerConfigReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		ret, err := c.handlers.Config(ctx, &req)
		if err != nil {
			return fail(err)
		}
		if ret == nil {
			ret = &types.GetComputerConfigRet{}
		}
		if ret.ReqID == "" {
			ret.ReqID = reqID
		}
		if ret.Servers == nil {
			ret.Servers = map[string]json.RawMessage{}
		}
		return ret

	case types.EventGetDesktop:
		if c.handlers.Desktop == nil {
			return fail(fmt.Errorf("%w: %s", ErrUnsupported, event))
		}
		var req types.GetDesktopReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Timeout)
		defer cancel()
		ret, err := c.handlers.Desktop(ctx, &req)
		if err != nil {
			return fail(err)
		}
		if ret == nil {
			ret = &types.GetDesktopRet{}
		}
		if ret.ReqID == "" {
			ret.ReqID = reqID
		}
		return ret

	case types.EventToolCall:
		if c.handlers.ToolCall == nil {
			return fail(fmt.Errorf("%w: %s", ErrUnsupported, event))
		}
		var req types.ToolCallReq
		if err := json.Unmarshal(payload, &req); err != nil {
			return fail(err)
		}
		timeout := c.opts.Timeout
		if req.Timeout > 0 {
			timeout = time.Duration(req.Timeout) * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		c.track(reqID, cancel)
		defer c.untrack(reqID)

		ret, err := c.handlers.ToolCall(ctx, &req)
		if err != nil {
			return fail(err)
		}
		if ret == nil {
			ret = &types.CallToolResult{}
		}
		if ret.ReqID == "" {
			ret.ReqID = reqID
		}
		return ret
	}

	return fail(fmt.Errorf("%w: %s", ErrUnsupported, event))
}

func (c *Computer) track(reqID string, cancel context.CancelFunc) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.running[reqID] = cancel
}

func (c *Computer) untrack(reqID string) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	delete(c.running, reqID)
}

// Running reports how many tool calls are executing.
func (c *Computer) Running() int {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return len(c.running)
}

// cancelFromNotification cancels the context of the tool call named by a
// notify:tool_call_cancel.
func (c *Computer) cancelFromNotification(payload json.RawMessage) {
	var data types.AgentCallData
	if err := json.Unmarshal(payload, &data); err != nil {
		c.logger.Warn("malformed cancel notification", "error", err)
		return
	}
	c.runMu.Lock()
	cancel, ok := c.running[data.ReqID]
	c.runMu.Unlock()
	if ok {
		c.logger.Info("tool call canceled by agent", "agent", data.Agent, "req_id", data.ReqID)
		cancel()
	}
}
