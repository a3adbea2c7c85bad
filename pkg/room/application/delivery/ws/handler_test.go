package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/lightlink/signaling-service/pkg/room/application/roommanager"
	"github.com/lightlink/signaling-service/pkg/room/domain/dto"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/auth"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/repository/inmemory"
	"github.com/lightlink/signaling-service/pkg/room/infrastructure/rpc"
)

type element string

func (e element) ID() string { return string(e) }

type noopSubscription struct{}

func (noopSubscription) Cancel() {}

// stubEngine answers every media call successfully.
type stubEngine struct {
	mu sync.Mutex
	n  int
}

func (e *stubEngine) next(kind string) element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return element(fmt.Sprintf("%s-%d", kind, e.n))
}

func (e *stubEngine) CreatePipeline(context.Context, string) (rpc.Pipeline, error) {
	return e.next("pipeline"), nil
}
func (e *stubEngine) ReleasePipeline(context.Context, rpc.Pipeline) error { return nil }
func (e *stubEngine) CreateEndpoint(context.Context, rpc.Pipeline) (rpc.Endpoint, error) {
	return e.next("endpoint"), nil
}
func (e *stubEngine) ProcessOffer(_ context.Context, ep rpc.Endpoint, _ string) (string, error) {
	return "answer-" + ep.ID(), nil
}
func (e *stubEngine) AddIceCandidate(context.Context, rpc.Endpoint, dto.IceCandidate) error {
	return nil
}
func (e *stubEngine) GatherCandidates(context.Context, rpc.Endpoint) error      { return nil }
func (e *stubEngine) Connect(context.Context, rpc.Endpoint, rpc.Endpoint) error { return nil }
func (e *stubEngine) Release(context.Context, rpc.Endpoint) error               { return nil }
func (e *stubEngine) OnIceCandidate(context.Context, rpc.Endpoint, func(dto.IceCandidate)) (rpc.Subscription, error) {
	return noopSubscription{}, nil
}
func (e *stubEngine) OnIceStateChanged(context.Context, rpc.Endpoint, func(rpc.IceState)) (rpc.Subscription, error) {
	return noopSubscription{}, nil
}

type envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *dto.RPCError   `json:"error"`
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) call(method string, params interface{}) int {
	c.t.Helper()
	c.next++
	msg := map[string]interface{}{"jsonrpc": "2.0", "id": c.next, "method": method}
	if params != nil {
		msg["params"] = params
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return c.next
}

// read returns the next envelope matching match, skipping the others.
func (c *client) read(what string, match func(envelope) bool) envelope {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(env) {
			return env
		}
	}
}

func (c *client) response(id int) envelope {
	c.t.Helper()
	want := fmt.Sprint(id)
	return c.read("response "+want, func(env envelope) bool {
		return env.Method == "" && string(env.ID) == want
	})
}

func (c *client) notification(method string) envelope {
	c.t.Helper()
	return c.read(method, func(env envelope) bool { return env.Method == method })
}

func newServer(t *testing.T, opts HandlerOptions) (*httptest.Server, *roommanager.Registry) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	registry := roommanager.NewRegistry(&stubEngine{}, inmemory.NewInMemoryRoomRepository(), roommanager.Options{Logger: logger})
	opts.Logger = logger
	handler := NewHandler(registry, opts)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		handler.Shutdown()
		registry.Close()
	})
	return server, registry
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHandler_SignalingOverWebsocket(t *testing.T) {
	server, registry := newServer(t, HandlerOptions{})

	a := dial(t, wsURL(server))
	id := a.call("ping", nil)
	if resp := a.response(id); string(resp.Result) != `{"value":"pong"}` {
		t.Fatalf("ping = %s", resp.Result)
	}

	id = a.call("joinRoom", dto.JoinRoomParams{Room: "R", User: "A"})
	if resp := a.response(id); resp.Error != nil || string(resp.Result) != `{"value":[]}` {
		t.Fatalf("join A = %+v %s", resp.Error, resp.Result)
	}

	b := dial(t, wsURL(server))
	id = b.call("joinRoom", dto.JoinRoomParams{Room: "R", User: "B"})
	if resp := b.response(id); string(resp.Result) != `{"value":[{"id":"A","streams":[]}]}` {
		t.Fatalf("join B = %s", resp.Result)
	}
	if joined := a.notification("participantJoined"); string(joined.Params) != `{"id":"B"}` {
		t.Fatalf("participantJoined = %s", joined.Params)
	}

	// Garbage and unknown methods keep the connection open.
	if err := b.conn.WriteMessage(websocket.TextMessage, []byte("{{{")); err != nil {
		t.Fatal(err)
	}
	b.call("teleport", nil)
	id = b.call("ping", nil)
	b.response(id)

	id = b.call("leaveRoom", nil)
	var ack dto.SessionResult
	if err := json.Unmarshal(b.response(id).Result, &ack); err != nil || ack.SessionID == "" {
		t.Fatalf("leaveRoom ack = %+v, %v", ack, err)
	}
	if left := a.notification("participantLeft"); string(left.Params) != `{"name":"B"}` {
		t.Fatalf("participantLeft = %s", left.Params)
	}

	deadline := time.Now().Add(2 * time.Second)
	for registry.FindParticipant("B") != nil {
		if time.Now().After(deadline) {
			t.Fatal("B still registered after leaveRoom")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_SocketCloseTearsDown(t *testing.T) {
	server, registry := newServer(t, HandlerOptions{})

	a := dial(t, wsURL(server))
	a.response(a.call("joinRoom", dto.JoinRoomParams{Room: "R", User: "A"}))
	b := dial(t, wsURL(server))
	b.response(b.call("joinRoom", dto.JoinRoomParams{Room: "R", User: "B"}))

	_ = a.conn.Close()
	if left := b.notification("participantLeft"); string(left.Params) != `{"name":"A"}` {
		t.Fatalf("participantLeft = %s", left.Params)
	}
	if members := registry.MembersOf("R"); len(members) != 1 || members[0].ID() != "B" {
		t.Fatalf("members = %v", members)
	}
}

func TestHandler_TokenRequired(t *testing.T) {
	tokens := auth.NewTokenManager("secret", time.Hour)
	server, _ := newServer(t, HandlerOptions{Tokens: tokens})

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	if err == nil {
		t.Fatal("upgrade without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("response = %v", resp)
	}

	token, err := tokens.Issue("A", "R")
	if err != nil {
		t.Fatal(err)
	}
	c := dial(t, wsURL(server)+"?token="+token)

	resp2 := c.response(c.call("joinRoom", dto.JoinRoomParams{Room: "other", User: "A"}))
	if resp2.Error == nil || resp2.Error.Code != 108 {
		t.Fatalf("join outside grant = %+v", resp2)
	}
	resp2 = c.response(c.call("joinRoom", dto.JoinRoomParams{Room: "R", User: "A"}))
	if resp2.Error != nil {
		t.Fatalf("granted join failed: %+v", resp2.Error)
	}
}
