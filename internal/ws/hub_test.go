package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"messaging-service/internal/auth"
	"messaging-service/internal/feed"
	"messaging-service/internal/gate"
	"messaging-service/internal/livesync"
	"messaging-service/internal/messaging"
	"messaging-service/internal/mocks"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
	"messaging-service/internal/repositories/memstore"
)

func TestHubAddAndRemoveClient(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	client := &Client{info: ConnInfo{ConnID: "c1", Kind: "messages"}}

	hub.Add(client)
	assert.Equal(t, 1, hub.Count("messages"))
	assert.Zero(t, hub.Count("conversations"))

	hub.Remove(client)
	hub.Remove(client)
	assert.Zero(t, hub.Count("messages"))
	assert.Empty(t, hub.clients)
}

func TestHubPublishesLifecycleEvents(t *testing.T) {
	pub := new(mocks.PublisherMock)
	hub := NewHub(pub, zerolog.Nop())
	info := ConnInfo{ConnID: "c1", UserID: "u1", Kind: "conversations", ResourceID: "u1", RequestID: "req-1", TraceID: "trace-1", ConnectedAt: time.Now()}

	pub.On("PublishWithHeaders", mock.Anything, "ws_events.conversations", mock.MatchedBy(func(ev observability.EventEnvelope) bool {
		return ev.EventType == "ws_events" && ev.EventName == "ws_disconnect"
	}), map[string]string{"x-request-id": "req-1", "trace_id": "trace-1"}).Return(nil).Once()

	hub.publishEvent(context.Background(), info, "ws_disconnect", "client closed")
	pub.AssertExpectations(t)
}

type liveFixture struct {
	srv    *httptest.Server
	svc    *messaging.Service
	tokens *auth.Verifier
	hub    *Hub
}

func newLiveFixture(t *testing.T) *liveFixture {
	t.Helper()
	store := memstore.New()
	for _, id := range []string{"u1", "u2", "u3"} {
		store.Identity.Put(models.Account{ID: id, DisplayName: "User " + id})
	}
	store.Identity.Follow("u1", "u2")
	store.Identity.Follow("u2", "u1")

	bus := feed.NewBus(zerolog.Nop())
	svc := messaging.New(messaging.Deps{
		Conversations: store.Conversations,
		Messages:      store.Messages,
		Requests:      store.Requests,
		Identity:      store.Identity,
		Gate:          gate.New(store.Identity),
		Feed:          bus,
		Logger:        zerolog.Nop(),
	})
	tokens := auth.NewVerifier("test-secret", "")
	hub := NewHub(nil, zerolog.Nop())
	handler := NewLiveHandler(hub, livesync.New(bus, svc, zerolog.Nop()), svc, tokens, zerolog.Nop())

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws/conversations", handler.Conversations)
	r.GET("/ws/conversations/:conversation_id/messages", handler.Messages)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &liveFixture{srv: srv, svc: svc, tokens: tokens, hub: hub}
}

func (f *liveFixture) dial(t *testing.T, path, accountID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	if accountID != "" {
		token, err := f.tokens.Issue(accountID, time.Minute)
		require.NoError(t, err)
		url += "?token=" + token
	}
	return websocket.DefaultDialer.Dial(url, nil)
}

type serverFrame struct {
	Type     string           `json:"type"`
	Scope    string           `json:"scope"`
	Messages []models.Message `json:"messages"`
	Message  *models.Message  `json:"message"`
	Kind     string           `json:"kind"`
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f serverFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveThreadSendIsEchoedAndConfirmed(t *testing.T) {
	f := newLiveFixture(t)
	id, err := f.svc.GetOrCreateDirect(context.Background(), "u1", "u2")
	require.NoError(t, err)

	conn, _, err := f.dial(t, "/ws/conversations/"+id+"/messages", "u1")
	require.NoError(t, err)
	defer conn.Close()

	first := readFrame(t, conn)
	assert.Equal(t, "snapshot", first.Type)
	assert.Equal(t, "messages", first.Scope)
	assert.Empty(t, first.Messages)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "send",
		"message": map[string]any{"id": "m-1", "text": "hello"},
	}))

	var sent, confirmed bool
	for i := 0; i < 10 && !(sent && confirmed); i++ {
		fr := readFrame(t, conn)
		switch fr.Type {
		case "sent":
			require.NotNil(t, fr.Message)
			assert.Equal(t, "m-1", fr.Message.ID)
			sent = true
		case "snapshot":
			if len(fr.Messages) == 1 && !fr.Messages[0].Pending {
				assert.Equal(t, "hello", fr.Messages[0].Text)
				confirmed = true
			}
		}
	}
	assert.True(t, sent)
	assert.True(t, confirmed)
	assert.Equal(t, 1, f.hub.Count("messages"))
}

func TestLiveSendFailureIsReported(t *testing.T) {
	f := newLiveFixture(t)
	id, err := f.svc.GetOrCreateDirect(context.Background(), "u1", "u2")
	require.NoError(t, err)

	conn, _, err := f.dial(t, "/ws/conversations/"+id+"/messages", "u1")
	require.NoError(t, err)
	defer conn.Close()
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "send",
		"message": map[string]any{"id": "m-2", "text": ""},
	}))

	for i := 0; i < 10; i++ {
		fr := readFrame(t, conn)
		if fr.Type == "error" {
			assert.Equal(t, "invalidInput", fr.Kind)
			return
		}
	}
	t.Fatal("no error frame received")
}

func TestLiveHandshakeRejections(t *testing.T) {
	f := newLiveFixture(t)
	id, err := f.svc.GetOrCreateDirect(context.Background(), "u1", "u2")
	require.NoError(t, err)

	_, resp, err := f.dial(t, "/ws/conversations", "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = f.dial(t, "/ws/conversations/"+id+"/messages", "u3")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestLiveThreadClosesWhenParticipantRemoved(t *testing.T) {
	f := newLiveFixture(t)
	ctx := context.Background()
	id, err := f.svc.CreateGroup(ctx, "u1", []string{"u2", "u3"}, nil, "team")
	require.NoError(t, err)

	conn, _, err := f.dial(t, "/ws/conversations/"+id+"/messages", "u3")
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "snapshot", readFrame(t, conn).Type)

	_, err = f.svc.RemoveParticipant(ctx, "u1", id, "u3")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, "u1", id, messaging.Draft{Text: "after removal"})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var fr serverFrame
		err := conn.ReadJSON(&fr)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected read error: %v", err)
			break
		}
		for _, m := range fr.Messages {
			assert.NotEqual(t, "after removal", m.Text)
		}
	}
	assert.Eventually(t, func() bool { return f.hub.Count("messages") == 0 }, time.Second, 10*time.Millisecond)
}
