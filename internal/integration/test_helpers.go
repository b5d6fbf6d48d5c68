// Package integration exercises a complete server over real sockets.
package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"smcp/internal/app"
	"smcp/internal/config"
	"smcp/pkg/client"
	"smcp/pkg/socketio"
	"smcp/pkg/types"
)

// StartTestServer runs a server on a free local port with a journal in a
// temporary directory.
func StartTestServer(t *testing.T, mutate func(*config.Config)) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HTTP.Host = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Database.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Log.Level = "error"
	cfg.Router.DefaultCallTimeout = config.Duration(3 * time.Second)
	if mutate != nil {
		mutate(cfg)
	}

	server, err := app.NewApplication(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			t.Logf("Failed to stop application: %v", err)
		}
	})
	return server
}

// NewTestContext is cancelled when the test ends or after 15 seconds.
func NewTestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// JoinAgent dials an Agent and joins it to officeID.
func JoinAgent(t *testing.T, server *app.Application, name, officeID string) *client.Agent {
	t.Helper()
	agent, err := client.DialAgent(NewTestContext(t), server.URL(), name, client.Options{})
	if err != nil {
		t.Fatalf("Failed to dial agent %s: %v", name, err)
	}
	t.Cleanup(func() { _ = agent.Close() })
	if err := agent.JoinOffice(NewTestContext(t), officeID); err != nil {
		t.Fatalf("Agent %s failed to join %s: %v", name, officeID, err)
	}
	return agent
}

// JoinComputer dials a Computer and joins it to officeID.
func JoinComputer(t *testing.T, server *app.Application, name, officeID string, h client.Handlers) *client.Computer {
	t.Helper()
	computer, err := client.DialComputer(NewTestContext(t), server.URL(), name, h, client.Options{})
	if err != nil {
		t.Fatalf("Failed to dial computer %s: %v", name, err)
	}
	t.Cleanup(func() { _ = computer.Close() })
	if err := computer.JoinOffice(NewTestContext(t), officeID); err != nil {
		t.Fatalf("Computer %s failed to join %s: %v", name, officeID, err)
	}
	return computer
}

// RawComputer is a Computer driven frame by frame, for peers that misbehave.
type RawComputer struct {
	Conn     *socketio.Conn
	Requests chan RawRequest
}

// RawRequest is one inbound event held for the test to answer.
type RawRequest struct {
	Event string
	Args  []json.RawMessage
	Ack   socketio.Ack
}

// JoinRawComputer connects a RawComputer and joins it to officeID.
func JoinRawComputer(t *testing.T, server *app.Application, name, officeID string) *RawComputer {
	t.Helper()
	conn, err := socketio.Dial(NewTestContext(t), server.URL(), types.Namespace, nil, nil, socketio.Options{})
	if err != nil {
		t.Fatalf("Failed to dial raw computer: %v", err)
	}
	rc := &RawComputer{Conn: conn, Requests: make(chan RawRequest, 16)}
	go func() {
		_ = conn.Serve(func(event string, args []json.RawMessage, ack socketio.Ack) {
			if ack != nil {
				rc.Requests <- RawRequest{Event: event, Args: args, Ack: ack}
			}
		})
	}()
	t.Cleanup(func() { _ = conn.Close() })

	joined := make(chan []json.RawMessage, 1)
	req := types.EnterOfficeReq{Role: types.RoleComputer, Name: name, OfficeID: officeID}
	if err := conn.EmitWithAck(types.EventJoinOffice, req, func(args []json.RawMessage) { joined <- args }); err != nil {
		t.Fatalf("Failed to send join: %v", err)
	}
	select {
	case args := <-joined:
		if len(args) == 0 || string(args[0]) != "true" {
			t.Fatalf("Raw computer join refused: %s", args)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Raw computer join was never acknowledged")
	}
	return rc
}

// NextRequest waits for the next request routed to the RawComputer.
func (rc *RawComputer) NextRequest(t *testing.T) RawRequest {
	t.Helper()
	select {
	case req := <-rc.Requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("No request reached the raw computer")
		return RawRequest{}
	}
}

// GetJSON decodes the JSON body of a GET against the server.
func GetJSON(t *testing.T, server *app.Application, path string, v any) int {
	t.Helper()
	resp, err := http.Get(server.URL() + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

// Eventually polls cond until it holds or five seconds pass.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}
