package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

// Functional Validation Tests - Identifiers

func TestIsValidName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"simple", "computer-1", true},
		{"unicode", "办公室", true},
		{"empty", "", false},
		{"max length", strings.Repeat("a", 128), true},
		{"too long", strings.Repeat("a", 129), false},
		{"inner space", "my computer", false},
		{"tab", "a\tb", false},
		{"control char", "a\x01b", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidName(tt.input); got != tt.want {
				t.Errorf("IsValidName(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRequestID()
		if !IsValidRequestID(id) {
			t.Fatalf("NewRequestID() = %q, not a valid request id", id)
		}
		if seen[id] {
			t.Fatalf("NewRequestID() produced duplicate %q", id)
		}
		seen[id] = true
	}

	if IsValidRequestID(strings.ToUpper(NewRequestID())) {
		t.Error("uppercase hex should be rejected")
	}
	if IsValidRequestID("550e8400-e29b-41d4-a716-446655440000") {
		t.Error("hyphenated uuid should be rejected")
	}
}

// Functional Validation Tests - Requests

func TestEnterOfficeReq_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     EnterOfficeReq
		wantErr error
	}{
		{
			name:    "valid computer",
			req:     EnterOfficeReq{Role: RoleComputer, Name: "c1", OfficeID: "office-a"},
			wantErr: nil,
		},
		{
			name:    "valid agent",
			req:     EnterOfficeReq{Role: RoleAgent, Name: "a1", OfficeID: "office-a"},
			wantErr: nil,
		},
		{
			name:    "unknown role",
			req:     EnterOfficeReq{Role: "observer", Name: "x", OfficeID: "o"},
			wantErr: ErrInvalidRole,
		},
		{
			name:    "empty name",
			req:     EnterOfficeReq{Role: RoleAgent, Name: "", OfficeID: "o"},
			wantErr: ErrInvalidName,
		},
		{
			name:    "office with whitespace",
			req:     EnterOfficeReq{Role: RoleAgent, Name: "a", OfficeID: "office a"},
			wantErr: ErrInvalidOfficeID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestToolCallReq_Validate(t *testing.T) {
	base := func() ToolCallReq {
		return ToolCallReq{
			ComputerCallData: ComputerCallData{
				AgentCallData: AgentCallData{Agent: "a1", ReqID: NewRequestID()},
				Computer:      "c1",
			},
			ToolName: "echo",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*ToolCallReq)
		wantErr error
	}{
		{"valid", func(*ToolCallReq) {}, nil},
		{"missing agent", func(r *ToolCallReq) { r.Agent = "" }, ErrMissingAgent},
		{"bad req_id", func(r *ToolCallReq) { r.ReqID = "abc" }, ErrInvalidRequestID},
		{"missing computer", func(r *ToolCallReq) { r.Computer = "" }, ErrMissingComputer},
		{"missing tool", func(r *ToolCallReq) { r.ToolName = "" }, ErrMissingToolName},
		{"negative timeout", func(r *ToolCallReq) { r.Timeout = -1 }, ErrInvalidTimeout},
		{"bad office", func(r *ToolCallReq) { r.OfficeID = "has space" }, ErrInvalidOfficeID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			if err := req.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// Technical Validation Tests - Wire shape

func TestToolCallReq_FlatWireShape(t *testing.T) {
	raw := `{"agent":"a1","req_id":"0123456789abcdef0123456789abcdef","computer":"c1","tool_name":"echo","params":{"x":1},"timeout":5}`

	var req ToolCallReq
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Agent != "a1" || req.Computer != "c1" || req.ToolName != "echo" || req.Timeout != 5 {
		t.Errorf("embedded headers not flattened: %+v", req)
	}
	if req.Params["x"] != float64(1) {
		t.Errorf("params = %v", req.Params)
	}
}

func TestCallToolResult_OmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(CallToolResult{ReqID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"req_id":"r"}` {
		t.Errorf("Marshal() = %s", got)
	}
}

func TestNewOfficeNotification(t *testing.T) {
	c := NewOfficeNotification("o", RoleComputer, "c1")
	if c.Computer != "c1" || c.Agent != "" {
		t.Errorf("computer notification = %+v", c)
	}
	a := NewOfficeNotification("o", RoleAgent, "a1")
	if a.Agent != "a1" || a.Computer != "" {
		t.Errorf("agent notification = %+v", a)
	}
}

func TestNotificationFor(t *testing.T) {
	for event, want := range map[string]string{
		EventUpdateConfig:   NotifyUpdateConfig,
		EventUpdateToolList: NotifyUpdateToolList,
		EventUpdateDesktop:  NotifyUpdateDesktop,
		EventToolCallCancel: NotifyToolCallCancel,
	} {
		got, ok := NotificationFor(event)
		if !ok || got != want {
			t.Errorf("NotificationFor(%q) = %q, %v", event, got, ok)
		}
	}
	if _, ok := NotificationFor(EventToolCall); ok {
		t.Error("bridged events have no notification")
	}
}
