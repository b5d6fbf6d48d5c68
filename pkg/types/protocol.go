package types

import "encoding/json"

// EnterOfficeReq is the payload of server:join_office.
type EnterOfficeReq struct {
	Role     Role   `json:"role"`
	Name     string `json:"name"`
	OfficeID string `json:"office_id"`
}

// LeaveOfficeReq is the payload of server:leave_office.
type LeaveOfficeReq struct {
	OfficeID string `json:"office_id"`
}

// AgentCallData identifies an Agent-originated request. OfficeID is
// optional; when present it must match the sender's office.
type AgentCallData struct {
	Agent    string `json:"agent"`
	ReqID    string `json:"req_id"`
	OfficeID string `json:"office_id,omitempty"`
}

// ListRoomReq is the payload of server:list_room.
type ListRoomReq struct {
	AgentCallData
}

// ListRoomRet answers server:list_room.
type ListRoomRet struct {
	Sessions []SessionEntry `json:"sessions"`
	ReqID    string         `json:"req_id"`
}

// ComputerCallData addresses a bridged request to a named Computer.
type ComputerCallData struct {
	AgentCallData
	Computer string `json:"computer"`
}

// Call returns the routing header shared by every bridged request.
func (c *ComputerCallData) Call() *ComputerCallData { return c }

type GetToolsReq struct {
	ComputerCallData
}

// Tool describes one tool exposed by a Computer.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

type GetToolsRet struct {
	Tools []Tool `json:"tools"`
	ReqID string `json:"req_id"`
}

type GetComputerConfigReq struct {
	ComputerCallData
}

type GetComputerConfigRet struct {
	Inputs  []json.RawMessage          `json:"inputs,omitempty"`
	Servers map[string]json.RawMessage `json:"servers"`
	ReqID   string                     `json:"req_id,omitempty"`
}

type GetDesktopReq struct {
	ComputerCallData
	DesktopSize *int   `json:"desktop_size,omitempty"`
	Window      string `json:"window,omitempty"`
}

type GetDesktopRet struct {
	Desktops []string `json:"desktops,omitempty"`
	ReqID    string   `json:"req_id"`
}

// ToolCallReq asks a Computer to run a tool. Timeout is in seconds; zero
// selects the server default.
type ToolCallReq struct {
	ComputerCallData
	ToolName string         `json:"tool_name"`
	Params   map[string]any `json:"params"`
	Timeout  int            `json:"timeout,omitempty"`
}

// CallToolResult is the Computer's answer to client:tool_call. Absent
// fields are omitted rather than null-serialized.
type CallToolResult struct {
	Content []json.RawMessage `json:"content,omitempty"`
	IsError *bool             `json:"isError,omitempty"`
	ReqID   string            `json:"req_id,omitempty"`
	Meta    json.RawMessage   `json:"meta,omitempty"`
}

// UpdateComputerReq is the payload of server:update_config,
// server:update_tool_list and server:update_desktop.
type UpdateComputerReq struct {
	Computer string `json:"computer"`
}

// UpdateComputerNotification is fanned out for the three update events.
type UpdateComputerNotification struct {
	Computer string `json:"computer"`
	OfficeID string `json:"office_id,omitempty"`
}

// OfficeNotification is the payload of notify:enter_office and
// notify:leave_office. Exactly one of Agent and Computer is set.
type OfficeNotification struct {
	OfficeID string `json:"office_id"`
	Agent    string `json:"agent,omitempty"`
	Computer string `json:"computer,omitempty"`
}

// NewOfficeNotification builds the presence payload for entry.
func NewOfficeNotification(officeID string, role Role, name string) OfficeNotification {
	n := OfficeNotification{OfficeID: officeID}
	if role == RoleComputer {
		n.Computer = name
	} else {
		n.Agent = name
	}
	return n
}

// ErrorBody is the typed error carried in place of a success payload.
type ErrorBody struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// ErrorRet is returned through the ack channel when a request fails.
type ErrorRet struct {
	Error ErrorBody `json:"error"`
	ReqID string    `json:"req_id,omitempty"`
}

// NewErrorRet builds an error envelope for reqID.
func NewErrorRet(code ErrorCode, message, reqID string) ErrorRet {
	return ErrorRet{Error: ErrorBody{Code: code, Message: message}, ReqID: reqID}
}
