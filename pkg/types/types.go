package types

import (
	"encoding/json"
	"time"
)

// Namespace is the Socket.IO namespace every SMCP party connects to.
const Namespace = "/smcp"

// Role identifies which side of the protocol a connection speaks for.
type Role string

const (
	RoleAgent    Role = "agent"
	RoleComputer Role = "computer"
)

// Valid reports whether r is one of the two protocol roles.
func (r Role) Valid() bool {
	return r == RoleAgent || r == RoleComputer
}

// ARCHITECTURAL DISCOVERY: Event names are a closed set; anything outside
// this catalogue is rejected at the router boundary before touching state.
const (
	// client -> server, single leg
	EventJoinOffice     = "server:join_office"
	EventLeaveOffice    = "server:leave_office"
	EventListRoom       = "server:list_room"
	EventUpdateConfig   = "server:update_config"
	EventUpdateToolList = "server:update_tool_list"
	EventUpdateDesktop  = "server:update_desktop"
	EventToolCallCancel = "server:tool_call_cancel"

	// agent -> server -> computer, bridged
	EventGetTools   = "client:get_tools"
	EventGetConfig  = "client:get_config"
	EventGetDesktop = "client:get_desktop"
	EventToolCall   = "client:tool_call"

	// server -> office members, broadcast only
	NotifyEnterOffice    = "notify:enter_office"
	NotifyLeaveOffice    = "notify:leave_office"
	NotifyUpdateConfig   = "notify:update_config"
	NotifyUpdateToolList = "notify:update_tool_list"
	NotifyUpdateDesktop  = "notify:update_desktop"
	NotifyToolCallCancel = "notify:tool_call_cancel"
)

// IsBridgedEvent reports whether event is forwarded to a Computer.
func IsBridgedEvent(event string) bool {
	switch event {
	case EventGetTools, EventGetConfig, EventGetDesktop, EventToolCall:
		return true
	}
	return false
}

// NotificationFor maps an upstream state-change event to the notification
// fanned out to the office.
func NotificationFor(event string) (string, bool) {
	switch event {
	case EventUpdateConfig:
		return NotifyUpdateConfig, true
	case EventUpdateToolList:
		return NotifyUpdateToolList, true
	case EventUpdateDesktop:
		return NotifyUpdateDesktop, true
	case EventToolCallCancel:
		return NotifyToolCallCancel, true
	}
	return "", false
}

// SessionEntry is the registry's view of one connection.
// FUNCTIONAL DISCOVERY: Role and Name are pinned at first registration;
// only OfficeID moves, and only through join/leave on the same connection.
type SessionEntry struct {
	ConnectionID string `json:"sid"`
	Role         Role   `json:"role"`
	Name         string `json:"name"`
	OfficeID     string `json:"office_id,omitempty"`
}

// InOffice reports whether the entry currently belongs to an office.
func (e SessionEntry) InOffice() bool {
	return e.OfficeID != ""
}

// OfficeSummary is a point-in-time count of an office's members.
type OfficeSummary struct {
	OfficeID  string `json:"office_id"`
	Agents    int    `json:"agents"`
	Computers int    `json:"computers"`
}

// OfficeEvent is one journaled notification.
type OfficeEvent struct {
	ID        int64           `json:"id"`
	OfficeID  string          `json:"office_id"`
	Event     string          `json:"event"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
