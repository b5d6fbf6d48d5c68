package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"smcp/internal/rpc"
	"smcp/pkg/types"
)

// callGrace is added to a tool call's own timeout so the server's timeout
// answer arrives before the local deadline.
const callGrace = 5 * time.Second

// Agent issues requests to the Computers of its office.
type Agent struct {
	*session
}

// DialAgent connects to the server at url as the Agent name.
func DialAgent(ctx context.Context, url, name string, opts Options) (*Agent, error) {
	s, err := dial(ctx, url, types.RoleAgent, name, opts, nil)
	if err != nil {
		return nil, err
	}
	return &Agent{session: s}, nil
}

// OnEnterOffice registers fn for presence arrivals.
func (a *Agent) OnEnterOffice(fn func(types.OfficeNotification)) {
	a.OnNotify(types.NotifyEnterOffice, presence(a.logger, fn))
}

// OnLeaveOffice registers fn for presence departures.
func (a *Agent) OnLeaveOffice(fn func(types.OfficeNotification)) {
	a.OnNotify(types.NotifyLeaveOffice, presence(a.logger, fn))
}

// OnComputerUpdate registers fn for the three Computer update
// notifications. event is the notify:* name.
func (a *Agent) OnComputerUpdate(fn func(event string, n types.UpdateComputerNotification)) {
	for _, event := range []string{types.NotifyUpdateConfig, types.NotifyUpdateToolList, types.NotifyUpdateDesktop} {
		a.OnNotify(event, func(payload json.RawMessage) {
			var n types.UpdateComputerNotification
			if err := json.Unmarshal(payload, &n); err != nil {
				a.logger.Warn("malformed update notification", "event", event, "error", err)
				return
			}
			fn(event, n)
		})
	}
}

func (a *Agent) header() types.AgentCallData {
	return types.AgentCallData{Agent: a.name, ReqID: types.NewRequestID(), OfficeID: a.Office()}
}

func (a *Agent) target(computer string) types.ComputerCallData {
	return types.ComputerCallData{AgentCallData: a.header(), Computer: computer}
}

// ListRoom returns the members of the Agent's office.
func (a *Agent) ListRoom(ctx context.Context) ([]types.SessionEntry, error) {
	officeID := a.Office()
	if officeID == "" {
		return nil, ErrNotInOffice
	}
	req := types.ListRoomReq{AgentCallData: a.header()}

	args, err := a.caller.Call(ctx, a.conn, types.EventListRoom, req, rpc.CallOptions{ReqID: req.ReqID})
	if err != nil {
		return nil, err
	}
	var ret types.ListRoomRet
	if err := decodeResult(args, &ret); err != nil {
		return nil, err
	}
	return ret.Sessions, nil
}

// GetTools asks computer for its tool list.
func (a *Agent) GetTools(ctx context.Context, computer string) ([]types.Tool, error) {
	req := types.GetToolsReq{ComputerCallData: a.target(computer)}
	var ret types.GetToolsRet
	if err := a.bridge(ctx, types.EventGetTools, req.ReqID, req, &ret, 0); err != nil {
		return nil, err
	}
	return ret.Tools, nil
}

// GetConfig asks computer for its server configuration.
func (a *Agent) GetConfig(ctx context.Context, computer string) (*types.GetComputerConfigRet, error) {
	req := types.GetComputerConfigReq{ComputerCallData: a.target(computer)}
	var ret types.GetComputerConfigRet
	if err := a.bridge(ctx, types.EventGetConfig, req.ReqID, req, &ret, 0); err != nil {
		return nil, err
	}
	return &ret, nil
}

// GetDesktop asks computer for its desktop snapshot. size and window are
// optional filters.
func (a *Agent) GetDesktop(ctx context.Context, computer string, size *int, window string) ([]string, error) {
	req := types.GetDesktopReq{ComputerCallData: a.target(computer), DesktopSize: size, Window: window}
	var ret types.GetDesktopRet
	if err := a.bridge(ctx, types.EventGetDesktop, req.ReqID, req, &ret, 0); err != nil {
		return nil, err
	}
	return ret.Desktops, nil
}

// ToolCall runs tool on computer. A positive timeout is forwarded to the
// server in whole seconds; zero uses the server default. When the call
// times out or ctx ends first, a tool_call_cancel is sent for it.
func (a *Agent) ToolCall(ctx context.Context, computer, tool string, params map[string]any, timeout time.Duration) (*types.CallToolResult, error) {
	req := types.ToolCallReq{
		ComputerCallData: a.target(computer),
		ToolName:         tool,
		Params:           params,
	}
	if timeout > 0 {
		req.Timeout = int((timeout + time.Second - 1) / time.Second)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	local := a.opts.Timeout + callGrace
	if timeout > 0 {
		local = time.Duration(req.Timeout)*time.Second + callGrace
	}

	var ret types.CallToolResult
	err := a.bridge(ctx, types.EventToolCall, req.ReqID, req, &ret, local)
	if err != nil {
		if errors.Is(err, rpc.ErrTimeout) || errors.Is(err, rpc.ErrCanceled) {
			a.cancelQuietly(req.ReqID)
		}
		return nil, err
	}
	return &ret, nil
}

// CancelToolCall tells the office that the tool call reqID is abandoned.
func (a *Agent) CancelToolCall(ctx context.Context, reqID string) error {
	if a.Office() == "" {
		return ErrNotInOffice
	}
	data := types.AgentCallData{Agent: a.name, ReqID: reqID, OfficeID: a.Office()}
	return a.status(ctx, types.EventToolCallCancel, data)
}

func (a *Agent) cancelQuietly(reqID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.CancelToolCall(ctx, reqID); err != nil {
		a.logger.Debug("tool call cancel not delivered", "req_id", reqID, "error", err)
	}
}

// bridge sends a request that the server forwards to a Computer.
func (a *Agent) bridge(ctx context.Context, event, reqID string, payload, ret any, timeout time.Duration) error {
	if a.Office() == "" {
		return ErrNotInOffice
	}
	args, err := a.caller.Call(ctx, a.conn, event, payload, rpc.CallOptions{ReqID: reqID, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("%s: %w", event, err)
	}
	return decodeResult(args, ret)
}

func presence(logger *slog.Logger, fn func(types.OfficeNotification)) NotifyFunc {
	return func(payload json.RawMessage) {
		var n types.OfficeNotification
		if err := json.Unmarshal(payload, &n); err != nil {
			logger.Warn("malformed presence notification", "error", err)
			return
		}
		fn(n)
	}
}
