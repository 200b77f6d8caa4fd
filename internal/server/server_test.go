package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/donorchat/internal/chat"
	"github.com/npezzotti/donorchat/internal/database"
	"github.com/npezzotti/donorchat/internal/stats"
	"github.com/npezzotti/donorchat/internal/testutil"
	"github.com/npezzotti/donorchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// newTestChatServer creates a running ChatServer backed by an in-memory store.
func newTestChatServer(t *testing.T, su *stats.MockStatsUpdater) *ChatServer {
	t.Helper()
	store := database.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	logger := testutil.TestLogger(t)
	engine := chat.NewEngine(store, nil, logger, su, chat.Options{PageSize: 10})

	cs, err := NewChatServer(logger, engine, su)
	require.NoError(t, err, "failed to create test ChatServer")

	go cs.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		cs.Shutdown(ctx)
	})
	return cs
}

// newTestWsServer serves WebSocket connections for the user named in the
// "user" query parameter.
func newTestWsServer(t *testing.T, cs *ChatServer) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("user")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if _, err := cs.Connect(r.Context(), types.User{Id: "u-" + name, Username: name}, conn); err != nil {
			conn.Close()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?user=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial test server")
	t.Cleanup(func() { conn.Close() })
	return conn
}

func request(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

// readUntil reads server messages until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*ServerMessage) bool) *ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "expected a matching server message")

		var msg ServerMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		if match(&msg) {
			return &msg
		}
	}
}

// expect reads server messages until every matcher has accepted one, in
// any order, and returns the accepted messages in matcher order.
func expect(t *testing.T, conn *websocket.Conn, matchers ...func(*ServerMessage) bool) []*ServerMessage {
	t.Helper()
	found := make([]*ServerMessage, len(matchers))
	remaining := len(matchers)

	readUntil(t, conn, func(m *ServerMessage) bool {
		for i, match := range matchers {
			if found[i] == nil && match(m) {
				found[i] = m
				remaining--
				break
			}
		}
		return remaining == 0
	})
	return found
}

func response(id int) func(*ServerMessage) bool {
	return func(m *ServerMessage) bool {
		return m.Response != nil && m.Id == id
	}
}

func decodeData(t *testing.T, msg *ServerMessage, v any) {
	t.Helper()
	raw, err := json.Marshal(msg.Response.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return()

	logger := testutil.TestLogger(t)
	engine := chat.NewEngine(database.NewMemoryStore(), nil, logger, su, chat.Options{})

	cs, err := NewChatServer(logger, engine, su)
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.NotNil(t, cs.registerChan, "expected registerChan to be initialized")
	assert.NotNil(t, cs.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	su.AssertCalled(t, "RegisterMetric", MetricConnectedClients)

	_, err = NewChatServer(logger, nil, su)
	assert.Error(t, err, "expected an error without an engine")
}

func TestChatServerConversation(t *testing.T) {
	cs := newTestChatServer(t, stats.NewMockStatsUpdater())
	srv := newTestWsServer(t, cs)

	aliceConn := dial(t, srv, "alice")
	bobConn := dial(t, srv, "bob")

	request(t, aliceConn, `{"id":1,"create":{"type":"direct","participants":[{"user_id":"u-bob","username":"bob"}]}}`)
	res := readUntil(t, aliceConn, response(1))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, res.Response.Error)

	var room types.Room
	decodeData(t, res, &room)
	require.NotEmpty(t, room.Id)
	assert.True(t, room.HasParticipant("u-alice"))
	assert.True(t, room.HasParticipant("u-bob"))

	readUntil(t, bobConn, func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.Rooms != nil && len(m.Notification.Rooms.Rooms) == 1
	})

	request(t, aliceConn, `{"id":2,"publish":{"room_id":"`+room.Id+`","text":"is the sofa still available?"}}`)
	res = readUntil(t, aliceConn, response(2))
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, res.Response.Error)

	push := readUntil(t, bobConn, func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.Unread != nil && m.Notification.Unread.Total == 1
	})
	assert.Equal(t, 1, push.Notification.Unread.ByRoom[room.Id])

	request(t, bobConn, `{"id":1,"open":{"room_id":"`+room.Id+`"}}`)
	got := expect(t, bobConn, response(1), func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.Messages != nil && m.Notification.Messages.Reset
	}, func(m *ServerMessage) bool {
		return m.Notification != nil && m.Notification.Unread != nil && m.Notification.Unread.Total == 0
	})
	assert.Equal(t, http.StatusOK, got[0].Response.ResponseCode, got[0].Response.Error)
	window := got[1].Notification.Messages
	require.Len(t, window.Messages, 1)
	assert.Equal(t, "is the sofa still available?", window.Messages[0].Text)
}

func TestChatServerRequestErrors(t *testing.T) {
	cs := newTestChatServer(t, stats.NewMockStatsUpdater())
	srv := newTestWsServer(t, cs)
	conn := dial(t, srv, "alice")

	tcases := []struct {
		name string
		raw  string
		id   int
		code int
	}{
		{
			name: "malformed json",
			raw:  `{"id":`,
			id:   0,
			code: http.StatusBadRequest,
		},
		{
			name: "no operation",
			raw:  `{"id":7}`,
			id:   7,
			code: http.StatusBadRequest,
		},
		{
			name: "unknown room",
			raw:  `{"id":8,"open":{"room_id":"missing"}}`,
			id:   8,
			code: http.StatusNotFound,
		},
		{
			name: "empty message",
			raw:  `{"id":9,"publish":{"room_id":"missing","text":"  "}}`,
			id:   9,
			code: http.StatusBadRequest,
		},
		{
			name: "load more without an open room",
			raw:  `{"id":10,"load_more":{}}`,
			id:   10,
			code: http.StatusBadRequest,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			request(t, conn, tc.raw)
			res := readUntil(t, conn, response(tc.id))
			assert.Equal(t, tc.code, res.Response.ResponseCode, res.Response.Error)
		})
	}
}

func TestChatServerShutdown(t *testing.T) {
	su := stats.NewMockStatsUpdater()
	cs := newTestChatServer(t, su)
	srv := newTestWsServer(t, cs)
	conn := dial(t, srv, "alice")

	assert.Eventually(t, func() bool { return cs.NumClients() == 1 }, waitFor, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx), "expected successful shutdown without error")
	assert.Equal(t, 0, cs.NumClients())

	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "expected a going away close, got %v", err)
			break
		}
	}

	su.AssertCalled(t, "Incr", MetricConnectedClients)
	su.AssertCalled(t, "Decr", MetricConnectedClients)

	err := cs.registerClient(&Client{})
	assert.ErrorIs(t, err, ErrServerStopped)
	assert.NoError(t, cs.Shutdown(ctx), "expected repeated shutdown to succeed")
}

func TestChatServerShutdownDeadline(t *testing.T) {
	cs := newTestChatServer(t, stats.NewMockStatsUpdater())

	// a client that never deregisters keeps Run draining
	cs.registerChan <- &Client{stop: make(chan struct{})}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, cs.Shutdown(ctx), context.DeadlineExceeded)

	c := cs.snapshot()[0]
	cs.deRegisterChan <- c
	select {
	case <-cs.done:
	case <-time.After(waitFor):
		t.Error("expected Run to finish once the last client left")
	}
}
