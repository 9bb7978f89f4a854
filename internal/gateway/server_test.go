package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canopydb/gateway/internal/protocol"
	"github.com/canopydb/gateway/internal/registry"
	"github.com/canopydb/gateway/internal/rules"
	"github.com/canopydb/gateway/internal/store"
)

// testValidator maps fixed tokens to sessions the way an external identity
// provider would.
func testValidator(_ context.Context, token string) (*registry.Session, error) {
	switch token {
	case "writer":
		return &registry.Session{UserID: "writer-1", Roles: []string{"writer"}}, nil
	case "reader":
		return &registry.Session{UserID: "reader-1", Roles: []string{"reader"}}, nil
	}
	return nil, nil
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	st := store.NewMemory()
	require.NoError(t, st.DefineBucket("items", store.BucketConfig{}))
	st.DefineQuery("all-items", func(ctx store.QueryContext, _ map[string]interface{}) (interface{}, error) {
		b, err := ctx.Bucket("items")
		if err != nil {
			return nil, err
		}
		return b.All()
	})

	cfg := Config{
		Name:               "gateway-test",
		Store:              st,
		Rules:              rules.NewMemory(),
		ExposeErrorDetails: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := New(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop(0)
		ts.Close()
	})
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, payload, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

// call sends one request and reads frames until the matching response,
// skipping unrelated pushes.
func call(t *testing.T, ws *websocket.Conn, req string) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(req)))

	var want struct {
		ID float64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(req), &want))
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if frame["id"] == want.ID {
			return frame
		}
	}
	t.Fatalf("no response for request %s", req)
	return nil
}

func TestWelcomeFrame(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)

	welcome := readFrame(t, ws)
	assert.Equal(t, "welcome", welcome["type"])
	assert.Equal(t, float64(protocol.ProtocolVersion), welcome["version"])
	assert.Equal(t, false, welcome["requiresAuth"])
	assert.NotZero(t, welcome["serverTime"])
}

func TestInvalidJSONGetsParseError(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("this is not json")))
	frame := readFrame(t, ws)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, float64(0), frame["id"])
	assert.Equal(t, protocol.CodeParseError, frame["code"])
}

func TestBinaryFrameCloses(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, websocket.CloseUnsupportedData, closeErr.Code)
	assert.Equal(t, "binary_not_supported", closeErr.Text)
}

func TestLiveQueryPush(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	sub := call(t, ws, `{"id":1,"type":"store.subscribe","query":"all-items"}`)
	require.Equal(t, "result", sub["type"], "subscribe failed: %v", sub)
	data := sub["data"].(map[string]interface{})
	subID := data["subscriptionId"].(float64)
	assert.Empty(t, data["data"])

	ins := call(t, ws, `{"id":2,"type":"store.insert","bucket":"items","data":{"value":42}}`)
	require.Equal(t, "result", ins["type"])

	// The committed insert re-evaluates the view and pushes the new snapshot.
	var push map[string]interface{}
	for i := 0; i < 10; i++ {
		frame := readFrame(t, ws)
		if frame["type"] == "push" {
			push = frame
			break
		}
	}
	require.NotNil(t, push, "no push received")
	assert.Equal(t, "subscription", push["channel"])
	assert.Equal(t, subID, push["subscriptionId"])
	docs := push["data"].([]interface{})
	require.Len(t, docs, 1)
	doc := docs[0].(map[string]interface{})
	assert.Equal(t, float64(42), doc["value"])
	assert.Equal(t, float64(1), doc["_version"])
}

func TestTierEnforcement(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.AuthMode = AuthExternal
		cfg.AuthRequired = true
		cfg.Validator = testValidator
	})
	ws := dialWS(t, ts)
	welcome := readFrame(t, ws)
	assert.Equal(t, true, welcome["requiresAuth"])

	login := call(t, ws, `{"id":1,"type":"auth.login","token":"reader"}`)
	require.Equal(t, "result", login["type"])

	denied := call(t, ws, `{"id":2,"type":"store.insert","bucket":"items","data":{"n":1}}`)
	assert.Equal(t, protocol.CodeForbidden, denied["code"])
	assert.Contains(t, denied["message"], "requires write")

	allowed := call(t, ws, `{"id":3,"type":"store.all","bucket":"items"}`)
	assert.Equal(t, "result", allowed["type"])
}

func TestSessionRevocation(t *testing.T) {
	srv, ts := newTestServer(t, func(cfg *Config) {
		cfg.AuthMode = AuthExternal
		cfg.AuthRequired = true
		cfg.Validator = testValidator
	})
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome
	login := call(t, ws, `{"id":1,"type":"auth.login","token":"writer"}`)
	require.Equal(t, "result", login["type"])

	assert.Equal(t, 1, srv.RevokeSession("writer-1"))

	system := readFrame(t, ws)
	assert.Equal(t, "system", system["type"])
	assert.Equal(t, "session_revoked", system["event"])

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseSessionRevoked, closeErr.Code)
	assert.Equal(t, "session_revoked", closeErr.Text)

	// The blacklist rejects re-login until its TTL lapses.
	ws2 := dialWS(t, ts)
	readFrame(t, ws2) // welcome
	relogin := call(t, ws2, `{"id":1,"type":"auth.login","token":"writer"}`)
	assert.Equal(t, protocol.CodeSessionRevoked, relogin["code"])
}

func TestTransactionAtomicityOverWire(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	require.NoError(t, srv.cfg.Store.DefineBucket("users", store.BucketConfig{
		Schema: map[string]store.FieldSpec{"name": {Type: "string", Required: true}},
	}))
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	ins := call(t, ws, `{"id":1,"type":"store.insert","bucket":"items","data":{"stock":5}}`)
	require.Equal(t, "result", ins["type"])
	productID := ins["data"].(map[string]interface{})["id"].(string)

	tx := call(t, ws, fmt.Sprintf(`{"id":2,"type":"store.transaction","operations":[
		{"op":"update","bucket":"items","id":"%s","data":{"stock":4}},
		{"op":"insert","bucket":"users","data":{"credits":100}}
	]}`, productID))
	assert.Equal(t, "error", tx["type"])
	assert.Equal(t, protocol.CodeValidation, tx["code"])

	got := call(t, ws, fmt.Sprintf(`{"id":3,"type":"store.get","bucket":"items","docId":"%s"}`, productID))
	require.Equal(t, "result", got["type"])
	assert.Equal(t, float64(5), got["data"].(map[string]interface{})["stock"])
}

func TestMaxConnectionsPerIP(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *Config) {
		cfg.MaxConnectionsPerIP = 1
	})
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	ws2 := dialWS(t, ts)
	require.NoError(t, ws2.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws2.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseTooManyConnections, closeErr.Code)
}

func TestUnknownOperationOverWire(t *testing.T) {
	_, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	frame := call(t, ws, `{"id":7,"type":"orders.teleport"}`)
	assert.Equal(t, protocol.CodeUnknownOperation, frame["code"])
}

func TestServerStats(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	stats := call(t, ws, `{"id":1,"type":"server.stats"}`)
	require.Equal(t, "result", stats["type"])
	data := stats["data"].(map[string]interface{})
	assert.Equal(t, "gateway-test", data["name"])
	assert.Equal(t, true, data["rulesEnabled"])
	conns := data["connections"].(map[string]interface{})
	assert.Equal(t, float64(1), conns["active"])
	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestGracefulStopBroadcastsShutdown(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	ws := dialWS(t, ts)
	readFrame(t, ws) // welcome

	go srv.Stop(500 * time.Millisecond)

	system := readFrame(t, ws)
	assert.Equal(t, "system", system["type"])
	assert.Equal(t, "shutdown", system["event"])
	assert.Equal(t, float64(500), system["gracePeriodMs"])

	// Closing promptly lets the server drain inside the grace period.
	ws.Close()
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err, "store is required")

	_, err = New(Config{Store: store.NewMemory(), AuthMode: AuthExternal})
	assert.Error(t, err, "external mode requires a validator")

	_, err = New(Config{Store: store.NewMemory(), AuthMode: "ldap"})
	assert.Error(t, err, "unknown auth mode")
}
