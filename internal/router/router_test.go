package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"smcp/internal/hub"
	"smcp/internal/session"
	"smcp/internal/websocket"
	"smcp/pkg/interfaces"
	"smcp/pkg/types"
)

type emitted struct {
	event   string
	payload any
}

type outgoingCall struct {
	event   string
	payload any
	ack     func([]json.RawMessage)
}

// fakeConn captures notifications and plays the far side of second legs.
type fakeConn struct {
	id     string
	events chan emitted
	calls  chan outgoingCall
	done   chan struct{}
	once   sync.Once
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{
		id:     id,
		events: make(chan emitted, 32),
		calls:  make(chan outgoingCall, 8),
		done:   make(chan struct{}),
	}
}

func (f *fakeConn) ID() string { return f.id }
func (f *fakeConn) Emit(event string, args ...any) error {
	return f.TryEmit(event, args...)
}
func (f *fakeConn) TryEmit(event string, args ...any) error {
	var payload any
	if len(args) > 0 {
		payload = args[0]
	}
	f.events <- emitted{event, payload}
	return nil
}
func (f *fakeConn) EmitWithAck(event string, payload any, ack func([]json.RawMessage)) error {
	f.calls <- outgoingCall{event, payload, ack}
	return nil
}
func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}
func (f *fakeConn) Done() <-chan struct{} { return f.done }

type testRig struct {
	router   *Router
	sessions *session.Registry
	conns    *websocket.Registry
}

func newRig(t *testing.T, cfg Config, opts ...session.Option) *testRig {
	t.Helper()
	sessions := session.NewRegistry(opts...)
	conns := websocket.NewRegistry()
	h := hub.NewHub(sessions, conns)
	if err := h.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := NewRouter(sessions, conns, h, cfg, nil)
	t.Cleanup(func() {
		r.Close()
		_ = h.Stop()
	})
	return &testRig{router: r, sessions: sessions, conns: conns}
}

func (rig *testRig) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id)
	if err := rig.conns.Add(c); err != nil {
		t.Fatal(err)
	}
	rig.router.Attach(c)
	return c
}

func (rig *testRig) disconnect(c *fakeConn) {
	_ = c.Close()
	rig.conns.Remove(c)
	rig.router.Disconnect(c)
}

// send delivers event from c and returns the channel its ack arrives on.
func (rig *testRig) send(t *testing.T, c interfaces.Connection, event string, payload any) <-chan []any {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	acks := make(chan []any, 1)
	rig.router.HandleEvent(c, event, []json.RawMessage{raw}, func(args ...any) error {
		acks <- args
		return nil
	})
	return acks
}

func (rig *testRig) join(t *testing.T, c *fakeConn, role types.Role, name, office string) {
	t.Helper()
	ok, msg := status(t, rig.send(t, c, types.EventJoinOffice, types.EnterOfficeReq{Role: role, Name: name, OfficeID: office}))
	if !ok {
		t.Fatalf("join %s/%s into %s failed: %s", role, name, office, msg)
	}
}

func waitAck(t *testing.T, acks <-chan []any) []any {
	t.Helper()
	select {
	case args := <-acks:
		return args
	case <-time.After(2 * time.Second):
		t.Fatal("ack not received")
		return nil
	}
}

func status(t *testing.T, acks <-chan []any) (bool, string) {
	t.Helper()
	args := waitAck(t, acks)
	if len(args) != 2 {
		t.Fatalf("status ack has %d args", len(args))
	}
	ok, _ := args[0].(bool)
	msg, _ := args[1].(string)
	return ok, msg
}

func errorRet(t *testing.T, acks <-chan []any) types.ErrorRet {
	t.Helper()
	args := waitAck(t, acks)
	ret, ok := args[0].(types.ErrorRet)
	if !ok {
		t.Fatalf("ack = %#v, want ErrorRet", args[0])
	}
	return ret
}

func expectEvent(t *testing.T, c *fakeConn, want string) emitted {
	t.Helper()
	select {
	case got := <-c.events:
		if got.event != want {
			t.Fatalf("%s received %q, want %q", c.id, got.event, want)
		}
		return got
	case <-time.After(time.Second):
		t.Fatalf("%s did not receive %q", c.id, want)
		return emitted{}
	}
}

func expectQuiet(t *testing.T, c *fakeConn) {
	t.Helper()
	select {
	case got := <-c.events:
		t.Errorf("%s unexpectedly received %q", c.id, got.event)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectCall(t *testing.T, c *fakeConn, want string) outgoingCall {
	t.Helper()
	select {
	case call := <-c.calls:
		if call.event != want {
			t.Fatalf("%s was asked %q, want %q", c.id, call.event, want)
		}
		return call
	case <-time.After(time.Second):
		t.Fatalf("%s never received %q", c.id, want)
		return outgoingCall{}
	}
}

func answer(t *testing.T, call outgoingCall, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	call.ack([]json.RawMessage{raw})
}

// office sets up Agent a1 and Computer c1 in o1.
func office(t *testing.T, rig *testRig) (agent, computer *fakeConn) {
	t.Helper()
	agent, computer = rig.connect(t, "sa"), rig.connect(t, "sc")
	rig.join(t, computer, types.RoleComputer, "c1", "o1")
	rig.join(t, agent, types.RoleAgent, "a1", "o1")
	expectEvent(t, computer, types.NotifyEnterOffice)
	return agent, computer
}

func toolsReq(computer string) types.GetToolsReq {
	var req types.GetToolsReq
	req.Agent, req.ReqID, req.Computer = "a1", types.NewRequestID(), computer
	return req
}

func TestRouter_JoinBroadcastsPresence(t *testing.T) {
	rig := newRig(t, Config{})
	computer := rig.connect(t, "sc")
	rig.join(t, computer, types.RoleComputer, "c1", "o1")

	agent := rig.connect(t, "sa")
	rig.join(t, agent, types.RoleAgent, "a1", "o1")

	got := expectEvent(t, computer, types.NotifyEnterOffice)
	n := got.payload.(types.OfficeNotification)
	if n.OfficeID != "o1" || n.Agent != "a1" || n.Computer != "" {
		t.Errorf("notification = %+v", n)
	}
	expectQuiet(t, agent)

	// Rejoining the same office is idempotent and silent.
	rig.join(t, agent, types.RoleAgent, "a1", "o1")
	expectQuiet(t, computer)
}

func TestRouter_JoinRejections(t *testing.T) {
	rig := newRig(t, Config{})
	first := rig.connect(t, "s1")
	rig.join(t, first, types.RoleComputer, "c1", "o1")

	tests := []struct {
		name    string
		connID  string
		req     types.EnterOfficeReq
		wantMsg string
	}{
		{"duplicate computer name", "s2", types.EnterOfficeReq{Role: types.RoleComputer, Name: "c1", OfficeID: "o1"}, "identity"},
		{"role change on same connection", "s1", types.EnterOfficeReq{Role: types.RoleAgent, Name: "c1", OfficeID: "o1"}, "role"},
		{"name change on same connection", "s1", types.EnterOfficeReq{Role: types.RoleComputer, Name: "c9", OfficeID: "o1"}, "name"},
		{"invalid role", "s3", types.EnterOfficeReq{Role: "admin", Name: "x", OfficeID: "o1"}, "role"},
		{"empty office", "s4", types.EnterOfficeReq{Role: types.RoleAgent, Name: "a1"}, "office_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c interfaces.Connection = first
			if tt.connID != first.id {
				c = rig.connect(t, tt.connID)
			}
			ok, msg := status(t, rig.send(t, c, types.EventJoinOffice, tt.req))
			if ok {
				t.Fatal("join succeeded")
			}
			if !strings.Contains(msg, tt.wantMsg) {
				t.Errorf("message %q does not mention %q", msg, tt.wantMsg)
			}
		})
	}

	// The first c1 is untouched.
	if id, ok := rig.sessions.FindComputer("o1", "c1"); !ok || id != first.id {
		t.Errorf("FindComputer() = %q, %v", id, ok)
	}
}

func TestRouter_MalformedPayload(t *testing.T) {
	rig := newRig(t, Config{})
	c := rig.connect(t, "s1")

	acks := make(chan []any, 1)
	rig.router.HandleEvent(c, types.EventJoinOffice, []json.RawMessage{json.RawMessage(`"nope"`)}, func(args ...any) error {
		acks <- args
		return nil
	})
	if ok, _ := status(t, acks); ok {
		t.Error("join with a string payload succeeded")
	}

	rig.router.HandleEvent(c, types.EventJoinOffice, nil, func(args ...any) error {
		acks <- args
		return nil
	})
	if ok, _ := status(t, acks); ok {
		t.Error("join without payload succeeded")
	}
}

func TestRouter_SwitchOfficeLeavesPrevious(t *testing.T) {
	rig := newRig(t, Config{})
	watcherA, watcherB := rig.connect(t, "w1"), rig.connect(t, "w2")
	rig.join(t, watcherA, types.RoleAgent, "a1", "o1")
	rig.join(t, watcherB, types.RoleAgent, "a2", "o2")

	mover := rig.connect(t, "m")
	rig.join(t, mover, types.RoleComputer, "c1", "o1")
	expectEvent(t, watcherA, types.NotifyEnterOffice)

	rig.join(t, mover, types.RoleComputer, "c1", "o2")
	left := expectEvent(t, watcherA, types.NotifyLeaveOffice)
	if n := left.payload.(types.OfficeNotification); n.OfficeID != "o1" || n.Computer != "c1" {
		t.Errorf("leave notification = %+v", n)
	}
	expectEvent(t, watcherB, types.NotifyEnterOffice)

	if _, ok := rig.sessions.FindComputer("o1", "c1"); ok {
		t.Error("c1 still routable in o1")
	}
}

func TestRouter_LeaveOffice(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	if ok, _ := status(t, rig.send(t, computer, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: "o2"})); ok {
		t.Error("leave of a different office succeeded")
	}

	if ok, msg := status(t, rig.send(t, computer, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: "o1"})); !ok {
		t.Fatalf("leave failed: %s", msg)
	}
	expectEvent(t, agent, types.NotifyLeaveOffice)

	// Already out: idempotent and silent.
	if ok, _ := status(t, rig.send(t, computer, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: "o1"})); !ok {
		t.Error("second leave failed")
	}
	expectQuiet(t, agent)

	stranger := rig.connect(t, "sx")
	if ok, _ := status(t, rig.send(t, stranger, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: "o1"})); ok {
		t.Error("unregistered leave succeeded")
	}
}

func TestRouter_ListRoom(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)
	other := rig.connect(t, "so")
	rig.join(t, other, types.RoleComputer, "c2", "o2")

	req := types.ListRoomReq{AgentCallData: types.AgentCallData{Agent: "a1", ReqID: types.NewRequestID()}}
	args := waitAck(t, rig.send(t, agent, types.EventListRoom, req))
	ret, ok := args[0].(*types.ListRoomRet)
	if !ok {
		t.Fatalf("ack = %#v", args)
	}
	if ret.ReqID != req.ReqID || len(ret.Sessions) != 2 {
		t.Fatalf("ListRoomRet = %+v", ret)
	}
	if ret.Sessions[0].Name != "a1" || ret.Sessions[1].Name != "c1" {
		t.Errorf("sessions = %+v", ret.Sessions)
	}

	req.OfficeID = "o2"
	if ok, _ := status(t, rig.send(t, agent, types.EventListRoom, req)); ok {
		t.Error("list_room across offices succeeded")
	}

	req.OfficeID = ""
	req.Agent = "c1"
	if ok, _ := status(t, rig.send(t, computer, types.EventListRoom, req)); ok {
		t.Error("list_room from a computer succeeded")
	}
}

func TestRouter_UpdateNotifications(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	events := map[string]string{
		types.EventUpdateConfig:   types.NotifyUpdateConfig,
		types.EventUpdateToolList: types.NotifyUpdateToolList,
		types.EventUpdateDesktop:  types.NotifyUpdateDesktop,
	}
	for event, notification := range events {
		if ok, msg := status(t, rig.send(t, computer, event, types.UpdateComputerReq{Computer: "c1"})); !ok {
			t.Fatalf("%s failed: %s", event, msg)
		}
		got := expectEvent(t, agent, notification)
		if n := got.payload.(types.UpdateComputerNotification); n.Computer != "c1" || n.OfficeID != "o1" {
			t.Errorf("%s payload = %+v", notification, n)
		}
		expectQuiet(t, computer)
	}

	if ok, _ := status(t, rig.send(t, computer, types.EventUpdateConfig, types.UpdateComputerReq{Computer: "c2"})); ok {
		t.Error("update for another computer's name succeeded")
	}
	if ok, _ := status(t, rig.send(t, agent, types.EventUpdateConfig, types.UpdateComputerReq{Computer: "a1"})); ok {
		t.Error("update from an agent succeeded")
	}
}

func TestRouter_ToolCallCancelBroadcast(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	reqID := types.NewRequestID()
	if ok, msg := status(t, rig.send(t, agent, types.EventToolCallCancel, types.AgentCallData{Agent: "a1", ReqID: reqID})); !ok {
		t.Fatalf("cancel failed: %s", msg)
	}
	got := expectEvent(t, computer, types.NotifyToolCallCancel)
	if d := got.payload.(types.AgentCallData); d.ReqID != reqID || d.OfficeID != "o1" {
		t.Errorf("cancel payload = %+v", d)
	}
}

func TestRouter_BridgeRelaysAnswerVerbatim(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	req := toolsReq("c1")
	acks := rig.send(t, agent, types.EventGetTools, req)

	call := expectCall(t, computer, types.EventGetTools)
	forwarded := call.payload.(*types.GetToolsReq)
	if forwarded.ReqID != req.ReqID || forwarded.Computer != "c1" {
		t.Errorf("forwarded = %+v", forwarded)
	}
	answer(t, call, types.GetToolsRet{
		Tools: []types.Tool{{Name: "tool1"}, {Name: "tool2"}},
		ReqID: req.ReqID,
	})

	args := waitAck(t, acks)
	raw, ok := args[0].(json.RawMessage)
	if !ok {
		t.Fatalf("ack = %#v", args[0])
	}
	var ret types.GetToolsRet
	if err := json.Unmarshal(raw, &ret); err != nil {
		t.Fatal(err)
	}
	if len(ret.Tools) != 2 || ret.Tools[0].Name != "tool1" || ret.ReqID != req.ReqID {
		t.Errorf("relayed = %+v", ret)
	}
}

func TestRouter_BridgeTargetNotFoundIsImmediate(t *testing.T) {
	rig := newRig(t, Config{DefaultCallTimeout: time.Hour})
	agent, computer := office(t, rig)

	start := time.Now()
	ret := errorRet(t, rig.send(t, agent, types.EventGetTools, toolsReq("missing")))
	if ret.Error.Code != types.CodeTargetNotFound {
		t.Errorf("code = %s", ret.Error.Code)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("target_not_found waited on a deadline")
	}
	select {
	case call := <-computer.calls:
		t.Errorf("second leg started: %s", call.event)
	default:
	}
}

func TestRouter_BridgeFailures(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		computer func(t *testing.T, rig *testRig, c *fakeConn, call outgoingCall)
		want     types.ErrorCode
	}{
		{
			name:     "computer silent",
			cfg:      Config{DefaultCallTimeout: 100 * time.Millisecond, BridgeGrace: time.Second},
			computer: func(*testing.T, *testRig, *fakeConn, outgoingCall) {},
			want:     types.CodeTimeout,
		},
		{
			name: "computer disconnects mid-call",
			computer: func(_ *testing.T, rig *testRig, c *fakeConn, _ outgoingCall) {
				rig.disconnect(c)
			},
			want: types.CodeConnectionClosed,
		},
		{
			name: "computer echoes another req_id",
			computer: func(t *testing.T, _ *testRig, _ *fakeConn, call outgoingCall) {
				answer(t, call, types.GetToolsRet{ReqID: types.NewRequestID()})
			},
			want: types.CodeReqIDMismatch,
		},
		{
			name: "computer answers null",
			computer: func(t *testing.T, _ *testRig, _ *fakeConn, call outgoingCall) {
				answer(t, call, nil)
			},
			want: types.CodeRemoteError,
		},
		{
			name: "computer answers a bare list",
			computer: func(t *testing.T, _ *testRig, _ *fakeConn, call outgoingCall) {
				answer(t, call, []types.Tool{{Name: "tool1"}})
			},
			want: types.CodeRemoteError,
		},
		{
			name: "computer reports failure",
			computer: func(t *testing.T, _ *testRig, _ *fakeConn, call outgoingCall) {
				forwarded := call.payload.(*types.GetToolsReq)
				answer(t, call, types.NewErrorRet(types.CodeInternal, "mcp server down", forwarded.ReqID))
			},
			want: types.CodeRemoteError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t, tt.cfg)
			agent, computer := office(t, rig)

			req := toolsReq("c1")
			acks := rig.send(t, agent, types.EventGetTools, req)
			tt.computer(t, rig, computer, expectCall(t, computer, types.EventGetTools))

			ret := errorRet(t, acks)
			if ret.Error.Code != tt.want || ret.ReqID != req.ReqID {
				t.Errorf("ErrorRet = %+v, want code %s", ret, tt.want)
			}
			// Exactly one answer.
			select {
			case extra := <-acks:
				t.Errorf("second ack: %#v", extra)
			case <-time.After(50 * time.Millisecond):
			}
		})
	}
}

func TestRouter_ToolCallTimeoutIsCapped(t *testing.T) {
	rig := newRig(t, Config{DefaultCallTimeout: 50 * time.Millisecond, MaxCallTimeout: 100 * time.Millisecond})
	agent, computer := office(t, rig)

	var req types.ToolCallReq
	req.Agent, req.ReqID, req.Computer = "a1", types.NewRequestID(), "c1"
	req.ToolName, req.Timeout = "sleep", 3600

	start := time.Now()
	acks := rig.send(t, agent, types.EventToolCall, req)
	expectCall(t, computer, types.EventToolCall)

	ret := errorRet(t, acks)
	if ret.Error.Code != types.CodeTimeout {
		t.Errorf("code = %s", ret.Error.Code)
	}
	if time.Since(start) > time.Second {
		t.Error("requested timeout was not capped")
	}
}

func TestRouter_BridgeDuplicateRequestID(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	req := toolsReq("c1")
	first := rig.send(t, agent, types.EventGetTools, req)
	call := expectCall(t, computer, types.EventGetTools)

	ret := errorRet(t, rig.send(t, agent, types.EventGetTools, req))
	if ret.Error.Code != types.CodeDuplicateRequest {
		t.Errorf("code = %s", ret.Error.Code)
	}

	answer(t, call, types.GetToolsRet{ReqID: req.ReqID})
	waitAck(t, first)
}

func TestRouter_BridgeAuthorization(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	tests := []struct {
		name string
		from *fakeConn
		mut  func(*types.GetToolsReq)
		want types.ErrorCode
	}{
		{"computer as sender", computer, func(r *types.GetToolsReq) { r.Agent = "c1" }, types.CodeUnauthorized},
		{"wrong agent name", agent, func(r *types.GetToolsReq) { r.Agent = "a9" }, types.CodeUnauthorized},
		{"other office", agent, func(r *types.GetToolsReq) { r.OfficeID = "o2" }, types.CodeInvalidRequest},
		{"bad req_id", agent, func(r *types.GetToolsReq) { r.ReqID = "not-hex" }, types.CodeInvalidRequest},
		{"missing computer", agent, func(r *types.GetToolsReq) { r.Computer = "" }, types.CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := toolsReq("c1")
			tt.mut(&req)
			ret := errorRet(t, rig.send(t, tt.from, types.EventGetTools, req))
			if ret.Error.Code != tt.want {
				t.Errorf("code = %s (%s), want %s", ret.Error.Code, ret.Error.Message, tt.want)
			}
		})
	}
}

func TestRouter_AgentDisconnectCancelsBridge(t *testing.T) {
	rig := newRig(t, Config{DefaultCallTimeout: time.Hour})
	agent, computer := office(t, rig)

	acks := rig.send(t, agent, types.EventGetTools, toolsReq("c1"))
	call := expectCall(t, computer, types.EventGetTools)

	rig.disconnect(agent)
	expectEvent(t, computer, types.NotifyLeaveOffice)

	deadline := time.Now().Add(time.Second)
	for rig.router.Stats()["inflight_bridges"].(int) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rig.router.Stats()["inflight_bridges"].(int); n != 0 {
		t.Fatalf("inflight bridges = %d", n)
	}

	// A straggler answer goes nowhere.
	answer(t, call, types.GetToolsRet{})
	select {
	case args := <-acks:
		t.Errorf("departed agent was answered: %#v", args)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_CloseResolvesInflight(t *testing.T) {
	sessions := session.NewRegistry()
	conns := websocket.NewRegistry()
	r := NewRouter(sessions, conns, nil, Config{DefaultCallTimeout: time.Hour}, nil)
	rig := &testRig{router: r, sessions: sessions, conns: conns}

	agent, computer := rig.connect(t, "sa"), rig.connect(t, "sc")
	rig.join(t, computer, types.RoleComputer, "c1", "o1")
	rig.join(t, agent, types.RoleAgent, "a1", "o1")

	acks := rig.send(t, agent, types.EventGetTools, toolsReq("c1"))
	expectCall(t, computer, types.EventGetTools)

	r.Close()
	if ret := errorRet(t, acks); ret.Error.Code != types.CodeConnectionClosed {
		t.Errorf("code = %s", ret.Error.Code)
	}
}

func TestRouter_RateLimited(t *testing.T) {
	rig := newRig(t, Config{RatePerSecond: 0.001, RateBurst: 1})
	c := rig.connect(t, "s1")
	rig.join(t, c, types.RoleAgent, "a1", "o1")

	ok, msg := status(t, rig.send(t, c, types.EventLeaveOffice, types.LeaveOfficeReq{OfficeID: "o1"}))
	if ok || !strings.Contains(msg, "rate limit") {
		t.Errorf("ack = %v %q, want rate limit refusal", ok, msg)
	}

	req := toolsReq("c1")
	if ret := errorRet(t, rig.send(t, c, types.EventGetTools, req)); ret.Error.Code != types.CodeRateLimited || ret.ReqID != req.ReqID {
		t.Errorf("bridged refusal = %+v", ret)
	}
}

func TestRouter_UnknownEvent(t *testing.T) {
	rig := newRig(t, Config{})
	c := rig.connect(t, "s1")

	ok, msg := status(t, rig.send(t, c, "server:reboot", map[string]string{}))
	if ok || !strings.Contains(msg, "unknown event") {
		t.Errorf("ack = %v %q", ok, msg)
	}
}

func TestRouter_DisconnectNotifiesOffice(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	rig.disconnect(computer)
	got := expectEvent(t, agent, types.NotifyLeaveOffice)
	if n := got.payload.(types.OfficeNotification); n.Computer != "c1" || n.OfficeID != "o1" {
		t.Errorf("leave notification = %+v", n)
	}
	if _, ok := rig.sessions.Get(computer.id); ok {
		t.Error("session survived disconnect")
	}

	// The name is free again.
	replacement := rig.connect(t, "sc2")
	rig.join(t, replacement, types.RoleComputer, "c1", "o1")
}

var _ interfaces.EventRouter = (*Router)(nil)

func TestRouter_UndeliveredBridgedReplyIsCounted(t *testing.T) {
	rig := newRig(t, Config{})
	agent, computer := office(t, rig)

	raw, err := json.Marshal(toolsReq("c1"))
	if err != nil {
		t.Fatal(err)
	}
	attempts := make(chan struct{}, 1)
	rig.router.HandleEvent(agent, types.EventGetTools, []json.RawMessage{raw}, func(...any) error {
		attempts <- struct{}{}
		return errors.New("write queue timed out")
	})

	call := expectCall(t, computer, types.EventGetTools)
	forwarded := call.payload.(*types.GetToolsReq)
	answer(t, call, types.GetToolsRet{Tools: []types.Tool{{Name: "tool1"}}, ReqID: forwarded.ReqID})

	select {
	case <-attempts:
	case <-time.After(time.Second):
		t.Fatal("reply was never attempted")
	}
	deadline := time.Now().Add(time.Second)
	for rig.router.Stats()["lost_replies"].(uint64) != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := rig.router.Stats()["lost_replies"].(uint64); n != 1 {
		t.Errorf("lost_replies = %d, want 1", n)
	}
}
