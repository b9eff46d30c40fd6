package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	myMiddleware "go-social/internal/middleware"
	"go-social/internal/presence"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubTokens struct{}

func (stubTokens) ValidateToken(token string) (string, string, error) {
	if token == "token-A" {
		return "A", "alice", nil
	}
	return "", "", errors.New("invalid")
}

type wsFixture struct {
	store    *fakeStore
	registry *presence.Registry
	server   *httptest.Server
	handler  *Handler
}

func newWSFixture(t *testing.T, cfg HandlerConfig) *wsFixture {
	t.Helper()
	return newWSFixtureWithStore(t, cfg, &fakeStore{})
}

func newWSFixtureWithStore(t *testing.T, cfg HandlerConfig, store *fakeStore) *wsFixture {
	t.Helper()
	f := &wsFixture{store: store, registry: presence.NewRegistry()}
	metrics := newTestMetrics()
	relay := NewRelay(f.store, f.registry, metrics, discardLogger(), RelayOptions{})
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 16
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 4096
	}
	f.handler = NewHandler(relay, f.registry, f.store, stubTokens{}, metrics, discardLogger(), cfg)
	f.server = httptest.NewServer(http.HandlerFunc(f.handler.ServeWs))
	t.Cleanup(f.server.Close)
	return f
}

func (f *wsFixture) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *wsFixture) waitOnline(t *testing.T, userID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(userID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func sendFrame(t *testing.T, conn *websocket.Conn, senderID, receiverID, text string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": EventSendMessage,
		"data": map[string]any{
			"message":    map[string]any{"senderId": senderID, "text": text},
			"receiverId": receiverID,
		},
	}))
}

func TestServeWs_RelayBetweenTwoUsers(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})

	// Given A and B are connected
	connA := f.dial(t, "userId=A")
	connB := f.dial(t, "userId=B")
	f.waitOnline(t, "A")
	f.waitOnline(t, "B")

	// When A sends "hi" to B
	sendFrame(t, connA, "A", "B", "hi")

	// Then B receives it and A gets the same payload back
	toB := readEvent(t, connB)
	toA := readEvent(t, connA)
	req.Equal(EventReceiveMessage, toB.Event)
	req.JSONEq(string(toB.Data), string(toA.Data))

	out := decodeOutbound(toB)
	req.Equal("hi", out.Text)
	req.Equal(f.store.first().ID, out.ID)
}

func TestServeWs_DisconnectRemovesPresence(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})
	connA := f.dial(t, "userId=A")
	connB := f.dial(t, "userId=B")
	f.waitOnline(t, "A")
	f.waitOnline(t, "B")

	// When B disconnects
	connB.Close()
	req.Eventually(func() bool {
		_, ok := f.registry.Lookup("B")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// Then A's message is stored and echoed only to A
	sendFrame(t, connA, "A", "B", "later")
	echo := readEvent(t, connA)
	req.Equal(EventReceiveMessage, echo.Event)
	req.Equal(1, f.store.count())
}

func TestServeWs_WithoutUserIDIsUnreachable(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})

	conn := f.dial(t, "")
	sendFrame(t, conn, "anon", "A", "hello")

	echo := readEvent(t, conn)
	req.Equal(EventReceiveMessage, echo.Event)
	req.Zero(f.registry.Len())
}

func TestServeWs_RequireToken(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{RequireToken: true})
	base := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?"

	_, resp, err := websocket.DefaultDialer.Dial(base+"userId=A&token=bogus", nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	// A valid token for another user is also refused
	_, resp, err = websocket.DefaultDialer.Dial(base+"userId=B&token=token-A", nil)
	req.Error(err)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	f.dial(t, "userId=A&token=token-A")
	f.waitOnline(t, "A")
}

func TestGetChatHistory(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})
	for _, text := range []string{"one", "two", "three"} {
		_, err := f.store.InsertMessage(context.Background(), NewMessage{SenderID: "A", ReceiverID: "B", Content: text, Status: StatusSent})
		req.NoError(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/api/messages?peerId=B&limit=2", nil)
	r = r.WithContext(context.WithValue(r.Context(), myMiddleware.UserKey, "A"))
	w := httptest.NewRecorder()
	f.handler.GetChatHistory(w, r)

	req.Equal(http.StatusOK, w.Code)
	var out []OutboundMessage
	req.NoError(json.Unmarshal(w.Body.Bytes(), &out))
	req.Len(out, 2)
	req.Equal("two", out[0].Text)
	req.Equal("three", out[1].Text)
}

func TestGetChatHistory_BadRequests(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})

	noUser := httptest.NewRecorder()
	f.handler.GetChatHistory(noUser, httptest.NewRequest(http.MethodGet, "/api/messages?peerId=B", nil))
	req.Equal(http.StatusUnauthorized, noUser.Code)

	for _, query := range []string{"", "peerId=B&limit=0", "peerId=B&limit=x"} {
		r := httptest.NewRequest(http.MethodGet, "/api/messages?"+query, nil)
		r = r.WithContext(context.WithValue(r.Context(), myMiddleware.UserKey, "A"))
		w := httptest.NewRecorder()
		f.handler.GetChatHistory(w, r)
		req.Equal(http.StatusBadRequest, w.Code, query)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "connection was not closed")
			return
		}
	}
}

func TestShutdown_ClosesEverySession(t *testing.T) {
	req := require.New(t)
	f := newWSFixture(t, HandlerConfig{})

	// Given a registered socket, one without userId and one superseded by a reconnect
	anon := f.dial(t, "")
	stale := f.dial(t, "userId=A")
	f.waitOnline(t, "A")
	first, _ := f.registry.Lookup("A")
	fresh := f.dial(t, "userId=A")
	req.Eventually(func() bool {
		conn, ok := f.registry.Lookup("A")
		return ok && conn.ID() != first.ID()
	}, 2*time.Second, 10*time.Millisecond)

	// When the handler shuts down
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req.NoError(f.handler.Shutdown(ctx))

	// Then all three sockets are closed and presence is empty
	expectClosed(t, anon)
	expectClosed(t, stale)
	expectClosed(t, fresh)
	req.Zero(f.registry.Len())

	// And new upgrades are refused
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?userId=B"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	req.Error(err)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdown_WaitsForInFlightInsert(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newWSFixtureWithStore(t, HandlerConfig{}, store)
	conn := f.dial(t, "userId=A")
	f.waitOnline(t, "A")

	// Given an insert that has started but not finished
	sendFrame(t, conn, "A", "B", "last words")
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("insert never started")
	}

	done := make(chan error, 1)
	go func() { done <- f.handler.Shutdown(context.Background()) }()

	// Then shutdown blocks until the insert returns
	select {
	case <-done:
		t.Fatal("shutdown returned while an insert was running")
	case <-time.After(100 * time.Millisecond):
	}
	close(store.gate)

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
	req.Equal(1, store.count())
}

func TestShutdown_HonoursDeadline(t *testing.T) {
	req := require.New(t)
	store := &fakeStore{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newWSFixtureWithStore(t, HandlerConfig{}, store)
	t.Cleanup(func() { close(store.gate) })
	conn := f.dial(t, "userId=A")
	f.waitOnline(t, "A")

	sendFrame(t, conn, "A", "B", "stuck")
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req.ErrorIs(f.handler.Shutdown(ctx), context.DeadlineExceeded)
}
