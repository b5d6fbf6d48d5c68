package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"smcp/pkg/types"
)

// fakePeer records emitted calls and lets the test answer them.
type fakePeer struct {
	id      string
	emitErr error

	mu    sync.Mutex
	calls []fakeCall
	sent  chan fakeCall
}

type fakeCall struct {
	event   string
	payload any
	ack     func([]json.RawMessage)
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id, sent: make(chan fakeCall, 64)}
}

func (f *fakePeer) ID() string { return f.id }

func (f *fakePeer) EmitWithAck(event string, payload any, ack func(args []json.RawMessage)) error {
	if f.emitErr != nil {
		return f.emitErr
	}
	c := fakeCall{event: event, payload: payload, ack: ack}
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	f.sent <- c
	return nil
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

type callResult struct {
	args []json.RawMessage
	err  error
}

func goCall(ctx context.Context, c *Caller, peer Sender, opts CallOptions) <-chan callResult {
	out := make(chan callResult, 1)
	go func() {
		args, err := c.Call(ctx, peer, types.EventGetTools, map[string]string{"req_id": opts.ReqID}, opts)
		out <- callResult{args, err}
	}()
	return out
}

func TestCaller_ResolvesWithMatchingAnswer(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")
	reqID := types.NewRequestID()

	done := goCall(context.Background(), c, peer, CallOptions{ReqID: reqID})
	call := <-peer.sent
	call.ack([]json.RawMessage{raw(t, types.GetToolsRet{ReqID: reqID, Tools: []types.Tool{{Name: "t1"}, {Name: "t2"}}})})

	res := <-done
	if res.err != nil {
		t.Fatalf("Call() error = %v", res.err)
	}
	var ret types.GetToolsRet
	if err := json.Unmarshal(res.args[0], &ret); err != nil {
		t.Fatal(err)
	}
	if len(ret.Tools) != 2 {
		t.Errorf("tools = %+v", ret.Tools)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after resolution", c.Pending())
	}
}

func TestCaller_ReqIDMismatchIsAFault(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")

	done := goCall(context.Background(), c, peer, CallOptions{ReqID: types.NewRequestID()})
	call := <-peer.sent
	call.ack([]json.RawMessage{raw(t, map[string]string{"req_id": types.NewRequestID()})})

	if res := <-done; !errors.Is(res.err, ErrReqIDMismatch) {
		t.Fatalf("Call() error = %v, want ErrReqIDMismatch", res.err)
	}
	if CodeOf(ErrReqIDMismatch) != types.CodeReqIDMismatch {
		t.Error("mismatch should classify as req_id_mismatch")
	}
}

func TestCaller_Timeout(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")

	start := time.Now()
	_, err := c.Call(context.Background(), peer, types.EventToolCall, nil, CallOptions{ReqID: types.NewRequestID(), Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Call() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %v", elapsed)
	}

	// A straggler after the deadline is discarded.
	call := <-peer.sent
	call.ack([]json.RawMessage{raw(t, map[string]string{})})
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d", c.Pending())
	}
}

func TestCaller_ContextDeadlineMapsToTimeout(t *testing.T) {
	c := NewCaller(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, newFakePeer("p1"), types.EventToolCall, nil, CallOptions{})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Call() error = %v, want ErrTimeout", err)
	}
}

func TestCaller_ContextCancel(t *testing.T) {
	c := NewCaller(time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	peer := newFakePeer("p1")

	done := goCall(ctx, c, peer, CallOptions{ReqID: types.NewRequestID()})
	<-peer.sent
	cancel()

	if res := <-done; !errors.Is(res.err, ErrCanceled) {
		t.Errorf("Call() error = %v, want ErrCanceled", res.err)
	}
}

func TestCaller_CancelPeerForceResolves(t *testing.T) {
	c := NewCaller(10 * time.Second)
	p1, p2 := newFakePeer("p1"), newFakePeer("p2")

	d1 := goCall(context.Background(), c, p1, CallOptions{ReqID: types.NewRequestID()})
	d2 := goCall(context.Background(), c, p2, CallOptions{ReqID: types.NewRequestID()})
	<-p1.sent
	other := <-p2.sent

	if n := c.CancelPeer("p1", nil); n != 1 {
		t.Fatalf("CancelPeer() = %d, want 1", n)
	}
	if res := <-d1; !errors.Is(res.err, ErrConnectionClosed) {
		t.Errorf("p1 call error = %v, want ErrConnectionClosed", res.err)
	}

	// Unrelated peer is untouched.
	other.ack([]json.RawMessage{raw(t, map[string]any{})})
	if res := <-d2; res.err != nil {
		t.Errorf("p2 call error = %v", res.err)
	}
}

func TestCaller_EmitFailure(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")
	peer.emitErr = errors.New("queue closed")

	_, err := c.Call(context.Background(), peer, types.EventToolCall, nil, CallOptions{})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call() error = %v, want ErrConnectionClosed", err)
	}
}

func TestCaller_DuplicateRequestID(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")
	reqID := types.NewRequestID()

	done := goCall(context.Background(), c, peer, CallOptions{ReqID: reqID})
	call := <-peer.sent

	_, err := c.Call(context.Background(), peer, types.EventToolCall, nil, CallOptions{ReqID: reqID})
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second Call() error = %v, want ErrDuplicateRequest", err)
	}

	call.ack([]json.RawMessage{raw(t, map[string]string{"req_id": reqID})})
	if res := <-done; res.err != nil {
		t.Errorf("first call error = %v", res.err)
	}
}

func TestCaller_RemoteErrorBody(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")
	reqID := types.NewRequestID()

	done := goCall(context.Background(), c, peer, CallOptions{ReqID: reqID})
	call := <-peer.sent
	call.ack([]json.RawMessage{raw(t, types.NewErrorRet(types.CodeTargetNotFound, "no such computer", reqID))})

	res := <-done
	var remote *RemoteError
	if !errors.As(res.err, &remote) || remote.Message != "no such computer" {
		t.Fatalf("Call() error = %v, want RemoteError", res.err)
	}
	if !errors.Is(res.err, ErrTargetNotFound) {
		t.Error("relayed target_not_found should match ErrTargetNotFound")
	}
	if errors.Is(res.err, ErrRemote) {
		t.Error("target_not_found must stay distinct from remote failure")
	}
}

func TestCaller_EmptyAndScalarAnswers(t *testing.T) {
	c := NewCaller(time.Second)
	peer := newFakePeer("p1")

	done := goCall(context.Background(), c, peer, CallOptions{})
	(<-peer.sent).ack(nil)
	if res := <-done; !errors.Is(res.err, ErrEmptyResponse) {
		t.Errorf("empty ack error = %v", res.err)
	}

	done = goCall(context.Background(), c, peer, CallOptions{})
	(<-peer.sent).ack([]json.RawMessage{json.RawMessage(`true`), json.RawMessage(`null`)})
	if res := <-done; res.err != nil || string(res.args[0]) != "true" {
		t.Errorf("scalar ack = %v, %v", res.args, res.err)
	}
}

func TestCaller_CloseRejectsNewCalls(t *testing.T) {
	c := NewCaller(10 * time.Second)
	peer := newFakePeer("p1")

	done := goCall(context.Background(), c, peer, CallOptions{})
	<-peer.sent
	c.Close(nil)

	if res := <-done; !errors.Is(res.err, ErrConnectionClosed) {
		t.Errorf("pending call error = %v", res.err)
	}
	if _, err := c.Call(context.Background(), peer, types.EventToolCall, nil, CallOptions{}); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Call() after Close error = %v", err)
	}
}

func TestCaller_ExactlyOneCompletionUnderRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := NewCaller(time.Second)
		peer := newFakePeer("p1")
		reqID := types.NewRequestID()

		done := goCall(context.Background(), c, peer, CallOptions{ReqID: reqID, Timeout: time.Millisecond})
		call := <-peer.sent

		answer := []json.RawMessage{raw(t, map[string]string{"req_id": reqID})}
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); call.ack(answer) }()
		go func() { defer wg.Done(); c.CancelPeer("p1", nil) }()
		go func() { defer wg.Done(); call.ack(answer) }()
		wg.Wait()

		res := <-done
		if res.err != nil && !errors.Is(res.err, ErrTimeout) && !errors.Is(res.err, ErrConnectionClosed) {
			t.Fatalf("unexpected outcome: %v", res.err)
		}
		select {
		case extra := <-done:
			t.Fatalf("second completion observed: %+v", extra)
		default:
		}
		if c.Pending() != 0 {
			t.Fatalf("Pending() = %d", c.Pending())
		}
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want types.ErrorCode
	}{
		{ErrTargetNotFound, types.CodeTargetNotFound},
		{errors.Join(ErrTimeout, context.DeadlineExceeded), types.CodeTimeout},
		{ErrConnectionClosed, types.CodeConnectionClosed},
		{&RemoteError{Code: types.CodeTimeout}, types.CodeRemoteError},
		{ErrDuplicateRequest, types.CodeDuplicateRequest},
		{errors.New("boom"), types.CodeInternal},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
