package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwirehq/syncwire/internal/config"
	"github.com/syncwirehq/syncwire/internal/identity"
	"github.com/syncwirehq/syncwire/internal/protocol"
	"github.com/syncwirehq/syncwire/internal/store"
	memstore "github.com/syncwirehq/syncwire/internal/store/memory"
	"github.com/syncwirehq/syncwire/pkg/model"
)

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              0,
		HeartbeatInterval: time.Minute,
		HeartbeatTimeout:  time.Minute,
	}
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.ServeWs))
	t.Cleanup(hs.Close)

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

// read returns the next frame, skipping server heartbeat pings.
func (c *testClient) read() map[string]interface{} {
	c.t.Helper()
	for {
		c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err)

		var m map[string]interface{}
		require.NoError(c.t, json.Unmarshal(data, &m))
		if m["msg"] == "ping" {
			continue
		}
		return m
	}
}

// readUntil skips frames until one of the given type arrives, failing the
// test if something unexpected shows up first.
func (c *testClient) connect() string {
	c.t.Helper()
	c.send(map[string]interface{}{"msg": "connect", "version": "2", "support": []string{"2", "1"}})
	m := c.read()
	require.Equal(c.t, "connected", m["msg"])
	return m["session"].(string)
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		var m map[string]interface{}
		json.Unmarshal(data, &m)
		if m["msg"] == "ping" {
			return
		}
		c.t.Fatalf("expected no frame, got %s", data)
	}
}

// staticPublish publishes fixed documents through the manual callback path.
func staticPublish(collection string, docs map[string]model.Document) PublishHandler {
	return func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
		for id, fields := range docs {
			sub.Added(collection, id, fields)
		}
		sub.Ready()
		return nil, nil
	}
}

func TestHandshake(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)

	sessionID := c.connect()
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestHandshake_VersionMismatchFails(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)

	c.send(map[string]interface{}{"msg": "connect", "version": "99", "support": []string{"99"}})
	m := c.read()
	assert.Equal(t, "failed", m["msg"])
	assert.Equal(t, "2", m["version"])
}

func TestHandshake_MustConnectFirst(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)

	c.send(map[string]interface{}{"msg": "sub", "id": "s1", "name": "tasks"})
	m := c.read()
	assert.Equal(t, "error", m["msg"])
	assert.Equal(t, "Must connect first", m["reason"])
}

func TestSub_CursorDeliversInitialThenReady(t *testing.T) {
	st := memstore.New()
	tasks := st.Collection("tasks")
	require.NoError(t, tasks.Insert(context.Background(), "1", model.Document{"x": float64(1)}))

	srv := NewServer(testServerConfig(), nil)
	srv.Publish("allTasks", func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
		return []store.Cursor{tasks.Find(model.Query{Collection: "tasks"})}, nil
	})

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "sub1", "name": "allTasks"})

	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, "tasks", m["collection"])
	assert.Equal(t, "1", m["id"])
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, m["fields"])

	m = c.read()
	require.Equal(t, "ready", m["msg"])
	assert.Equal(t, []interface{}{"sub1"}, m["subs"])
}

func TestSub_UnknownNameRepliesNosub(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "sub1", "name": "nope"})
	m := c.read()
	require.Equal(t, "nosub", m["msg"])
	assert.Equal(t, "sub1", m["id"])
	errPayload := m["error"].(map[string]interface{})
	assert.Equal(t, float64(404), errPayload["error"])
}

func TestSub_DuplicateIDSilentlyIgnored(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.Publish("things", staticPublish("things", map[string]model.Document{
		"1": {"x": float64(1)},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "dup", "name": "things"})
	require.Equal(t, "added", c.read()["msg"])
	require.Equal(t, "ready", c.read()["msg"])

	// Reused id while the first is active: no frames at all.
	c.send(map[string]interface{}{"msg": "sub", "id": "dup", "name": "things"})
	c.expectNothing()
}

func TestUnsub_RemovesDocumentsThenNosub(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.Publish("things", staticPublish("things", map[string]model.Document{
		"1": {"x": float64(1)},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "s1", "name": "things"})
	require.Equal(t, "added", c.read()["msg"])
	require.Equal(t, "ready", c.read()["msg"])

	c.send(map[string]interface{}{"msg": "unsub", "id": "s1"})
	m := c.read()
	require.Equal(t, "removed", m["msg"])
	assert.Equal(t, "1", m["id"])
	m = c.read()
	require.Equal(t, "nosub", m["msg"])
	assert.Nil(t, m["error"])
}

func TestUnsub_UnknownIDStillRepliesNosub(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "unsub", "id": "ghost"})
	m := c.read()
	assert.Equal(t, "nosub", m["msg"])
	assert.Equal(t, "ghost", m["id"])
}

func TestOverlappingPublications_PrecedenceAndHandoff(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.Publish("one", staticPublish("c", map[string]model.Document{"1": {"x": float64(1)}}))
	srv.Publish("two", staticPublish("c", map[string]model.Document{"1": {"x": float64(2)}}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "a", "name": "one"})
	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, m["fields"])
	require.Equal(t, "ready", c.read()["msg"])

	// The second publication loses the precedence race: only ready goes out.
	c.send(map[string]interface{}{"msg": "sub", "id": "b", "name": "two"})
	m = c.read()
	require.Equal(t, "ready", m["msg"])

	// Stopping the first subscription surfaces the second one's value.
	c.send(map[string]interface{}{"msg": "unsub", "id": "a"})
	m = c.read()
	require.Equal(t, "changed", m["msg"])
	assert.Equal(t, map[string]interface{}{"x": float64(2)}, m["fields"])
	require.Equal(t, "nosub", c.read()["msg"])
}

func TestMethod_ResultAfterUpdated(t *testing.T) {
	st := memstore.New()
	tasks := st.Collection("tasks")

	srv := NewServer(testServerConfig(), nil)
	srv.Publish("allTasks", func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
		return []store.Cursor{tasks.Find(model.Query{Collection: "tasks"})}, nil
	})
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"addTask": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			if err := tasks.Insert(ctx, "t1", model.Document{"x": float64(7)}); err != nil {
				return nil, err
			}
			return "ok", nil
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "s1", "name": "allTasks"})
	require.Equal(t, "ready", c.read()["msg"])

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "addTask"})

	// The write must be visible before updated, and updated before result.
	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, "t1", m["id"])

	m = c.read()
	require.Equal(t, "updated", m["msg"])
	assert.Equal(t, []interface{}{"m1"}, m["methods"])

	m = c.read()
	require.Equal(t, "result", m["msg"])
	assert.Equal(t, "ok", m["result"])
}

func TestMethod_UnknownName(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "nope"})
	require.Equal(t, "updated", c.read()["msg"])
	m := c.read()
	require.Equal(t, "result", m["msg"])
	errPayload := m["error"].(map[string]interface{})
	assert.Equal(t, float64(404), errPayload["error"])
}

func TestMethod_ErrorSanitization(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"safe": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return nil, &protocol.Error{Code: 409, Reason: "Already exists"}
		},
		"unsafe": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return nil, errors.New("database password is hunter2")
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "safe"})
	require.Equal(t, "updated", c.read()["msg"])
	m := c.read()
	errPayload := m["error"].(map[string]interface{})
	assert.Equal(t, float64(409), errPayload["error"])
	assert.Equal(t, "Already exists", errPayload["reason"])

	c.send(map[string]interface{}{"msg": "method", "id": "m2", "method": "unsafe"})
	require.Equal(t, "updated", c.read()["msg"])
	m = c.read()
	errPayload = m["error"].(map[string]interface{})
	assert.Equal(t, float64(500), errPayload["error"])
	assert.Equal(t, "Internal server error", errPayload["reason"])
	assert.NotContains(t, errPayload["reason"], "hunter2")
}

func TestMethod_StrictOrderingWithoutUnblock(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"slow": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return "slow", nil
		},
		"fast": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return "fast", nil
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "slow"})
	c.send(map[string]interface{}{"msg": "method", "id": "m2", "method": "fast"})

	var resultOrder []string
	for len(resultOrder) < 2 {
		m := c.read()
		if m["msg"] == "result" {
			resultOrder = append(resultOrder, m["id"].(string))
		}
	}
	assert.Equal(t, []string{"m1", "m2"}, resultOrder)
}

func TestMethod_UnblockAllowsOvertaking(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	release := make(chan struct{})
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"blocked": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			inv.Unblock()
			<-release
			return "blocked", nil
		},
		"fast": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return "fast", nil
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "blocked"})
	c.send(map[string]interface{}{"msg": "method", "id": "m2", "method": "fast"})

	var resultOrder []string
	for len(resultOrder) < 1 {
		m := c.read()
		if m["msg"] == "result" {
			resultOrder = append(resultOrder, m["id"].(string))
		}
	}
	close(release)
	for len(resultOrder) < 2 {
		m := c.read()
		if m["msg"] == "result" {
			resultOrder = append(resultOrder, m["id"].(string))
		}
	}
	assert.Equal(t, []string{"m2", "m1"}, resultOrder)
}

func TestPingPongBypassesQueue(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	release := make(chan struct{})
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"stall": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			<-release
			return nil, nil
		},
	}))
	defer close(release)

	c := dialTestServer(t, srv)
	c.connect()

	// The stalled method holds the queue, but ping is answered immediately.
	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "stall"})
	c.send(map[string]interface{}{"msg": "ping", "id": "p1"})

	m := c.read()
	assert.Equal(t, "pong", m["msg"])
	assert.Equal(t, "p1", m["id"])
}

func TestBadMessageAnsweredAndQueueContinues(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"echo": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return "echo", nil
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "frobnicate"})
	m := c.read()
	assert.Equal(t, "error", m["msg"])

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "echo"})
	require.Equal(t, "updated", c.read()["msg"])
	require.Equal(t, "result", c.read()["msg"])
}

func TestSetUserID_RerunsSubscriptionsAsOneBurst(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.Publish("profile", func(ctx context.Context, sub *Subscription) ([]store.Cursor, error) {
		id := sub.UserID()
		if id == "" {
			id = "anon"
		}
		sub.Added("profiles", id, model.Document{"user": id})
		sub.Ready()
		return nil, nil
	})
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"become": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			name, _ := params[0].(string)
			return nil, inv.SetUserID(name)
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "s1", "name": "profile"})
	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, "anon", m["id"])
	require.Equal(t, "ready", c.read()["msg"])

	c.send(map[string]interface{}{"msg": "method", "id": "m1", "method": "become", "params": []interface{}{"alice"}})

	// One reconciling burst: anon leaves, alice arrives. No second ready for
	// the already-ready subscription.
	seen := map[string]string{}
	for len(seen) < 2 {
		m = c.read()
		switch m["msg"] {
		case "removed", "added":
			seen[m["msg"].(string)] = m["id"].(string)
		case "ready":
			t.Fatal("ready must not be resent for an already-ready subscription")
		}
	}
	assert.Equal(t, "anon", seen["removed"])
	assert.Equal(t, "alice", seen["added"])

	// The method finishes normally afterwards.
	for {
		m = c.read()
		if m["msg"] == "result" {
			break
		}
	}
}

func TestLoginLogoutWithIdentityService(t *testing.T) {
	svc, err := identity.NewService(identity.Config{Secret: "test", TokenTTL: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.AddUser("u1", "alice", "hunter2"))

	srv := NewServer(testServerConfig(), svc)
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"whoami": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return inv.UserID(), nil
		},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{
		"msg": "method", "id": "m1", "method": "login",
		"params": []interface{}{map[string]interface{}{"username": "alice", "password": "hunter2"}},
	})
	var result map[string]interface{}
	for {
		m := c.read()
		if m["msg"] == "result" {
			result = m["result"].(map[string]interface{})
			break
		}
	}
	assert.Equal(t, "u1", result["id"])
	assert.NotEmpty(t, result["token"])

	c.send(map[string]interface{}{"msg": "method", "id": "m2", "method": "whoami"})
	for {
		m := c.read()
		if m["msg"] == "result" {
			assert.Equal(t, "u1", m["result"])
			break
		}
	}

	c.send(map[string]interface{}{"msg": "method", "id": "m3", "method": "logout"})
	for {
		m := c.read()
		if m["msg"] == "result" {
			break
		}
	}
	c.send(map[string]interface{}{"msg": "method", "id": "m4", "method": "whoami"})
	for {
		m := c.read()
		if m["msg"] == "result" {
			assert.Nil(t, m["result"])
			break
		}
	}
}

func TestUniversalSubscriptionAutoStarts(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.Publish("", staticPublish("motd", map[string]model.Document{
		"today": {"text": "hello"},
	}))

	c := dialTestServer(t, srv)
	c.connect()

	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, "motd", m["collection"])
	assert.Equal(t, "today", m["id"])
}

func TestOnConnectionHookRuns(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	hooked := make(chan string, 1)
	srv.OnConnection(func(sess *Session) {
		hooked <- sess.ID()
	})

	c := dialTestServer(t, srv)
	sessionID := c.connect()

	select {
	case id := <-hooked:
		assert.Equal(t, sessionID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("connection hook did not run")
	}
}

func TestPublish_DuplicateNameIgnored(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	first := staticPublish("c", map[string]model.Document{"1": {"v": float64(1)}})
	second := staticPublish("c", map[string]model.Document{"2": {"v": float64(2)}})
	srv.Publish("dup", first)
	srv.Publish("dup", second)

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "s1", "name": "dup"})
	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, "1", m["id"])
}

func TestMethods_DuplicateNameRejected(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	h := func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
		return nil, nil
	}
	require.NoError(t, srv.Methods(map[string]MethodHandler{"m": h}))
	assert.Error(t, srv.Methods(map[string]MethodHandler{"m": h}))
}

func TestApply_InheritsInvocationAndClonesResult(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	shared := map[string]interface{}{"count": float64(1)}
	require.NoError(t, srv.Methods(map[string]MethodHandler{
		"inner": func(ctx context.Context, inv *MethodInvocation, params []interface{}) (interface{}, error) {
			return map[string]interface{}{"user": inv.UserID(), "state": shared}, nil
		},
	}))

	inv := &MethodInvocation{MethodName: "outer", userID: "u42"}
	ctx := contextWithInvocation(context.Background(), inv)

	result, err := srv.Apply(ctx, "inner", nil)
	require.NoError(t, err)

	out := result.(map[string]interface{})
	assert.Equal(t, "u42", out["user"])

	// Mutating the returned value must not leak into handler-held state.
	out["state"].(map[string]interface{})["count"] = float64(99)
	assert.Equal(t, float64(1), shared["count"])
}

func TestNoMergeStrategyForwardsRawEvents(t *testing.T) {
	srv := NewServer(testServerConfig(), nil)
	srv.SetPublicationStrategy("raw", StrategyNoMerge)
	srv.Publish("one", staticPublish("raw", map[string]model.Document{"1": {"x": float64(1)}}))
	srv.Publish("two", staticPublish("raw", map[string]model.Document{"1": {"x": float64(2)}}))

	c := dialTestServer(t, srv)
	c.connect()

	c.send(map[string]interface{}{"msg": "sub", "id": "a", "name": "one"})
	require.Equal(t, "added", c.read()["msg"])
	require.Equal(t, "ready", c.read()["msg"])

	// No merge box: the second publication's added goes out as-is.
	c.send(map[string]interface{}{"msg": "sub", "id": "b", "name": "two"})
	m := c.read()
	require.Equal(t, "added", m["msg"])
	assert.Equal(t, map[string]interface{}{"x": float64(2)}, m["fields"])
}
