package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"messaging-service/internal/errs"
	"messaging-service/internal/handlers"
	"messaging-service/internal/livesync"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const maxFrameBytes = 64 << 10

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is what a client may send over a live connection.
type clientFrame struct {
	Type    string          `json:"type"`
	Message messaging.Draft `json:"message"`
	Typing  bool            `json:"typing"`
}

type snapshotFrame struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
	livesync.Snapshot
}

type sentFrame struct {
	Type    string         `json:"type"`
	Message models.Message `json:"message"`
}

type errorFrame struct {
	Type      string    `json:"type"`
	Frame     string    `json:"frame,omitempty"`
	ID        string    `json:"id,omitempty"`
	Error     string    `json:"error"`
	Kind      errs.Kind `json:"kind,omitempty"`
	Retryable bool      `json:"retryable"`
}

// LiveHandler serves websocket subscriptions. Each connection owns one live
// subscription and receives a full ordered snapshot on every change.
type LiveHandler struct {
	hub    *Hub
	live   *livesync.Synchronizer
	svc    *messaging.Service
	tokens middleware.TokenValidator
	log    zerolog.Logger
}

// NewLiveHandler constructs a LiveHandler.
func NewLiveHandler(hub *Hub, live *livesync.Synchronizer, svc *messaging.Service, tokens middleware.TokenValidator, log zerolog.Logger) *LiveHandler {
	return &LiveHandler{hub: hub, live: live, svc: svc, tokens: tokens, log: log}
}

type scopeResolver func(ctx context.Context, accountID string) (livesync.Scope, error)

// Conversations streams the caller's inbox.
func (h *LiveHandler) Conversations(c *gin.Context) {
	h.serve(c, func(_ context.Context, accountID string) (livesync.Scope, error) {
		return livesync.Conversations(accountID), nil
	})
}

// Requests streams the caller's pending message requests.
func (h *LiveHandler) Requests(c *gin.Context) {
	h.serve(c, func(_ context.Context, accountID string) (livesync.Scope, error) {
		return livesync.Requests(accountID), nil
	})
}

// Messages streams one conversation's thread. Only participants may join,
// and the socket is closed once the caller stops being one.
func (h *LiveHandler) Messages(c *gin.Context) {
	conversationID := c.Param("conversation_id")
	h.serve(c, func(ctx context.Context, accountID string) (livesync.Scope, error) {
		if _, err := h.svc.GetConversation(ctx, accountID, conversationID); err != nil {
			return livesync.Scope{}, err
		}
		return livesync.MemberMessages(accountID, conversationID), nil
	})
}

func (h *LiveHandler) serve(c *gin.Context, resolve scopeResolver) {
	ctx, span := otel.Tracer("messaging-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	accountID, err := h.authenticate(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "kind": errs.NotAuthenticated, "retryable": false})
		return
	}

	scope, err := resolve(ctx, accountID)
	if err != nil {
		c.JSON(handlers.StatusFor(err), gin.H{"error": errs.Message(err), "kind": errs.KindOf(err), "retryable": errs.Retryable(err)})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	meta := observability.ClientMetaFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      accountID,
		Kind:        string(scope.Kind),
		ResourceID:  resourceID(scope),
		DeviceID:    meta.DeviceID,
		IP:          meta.IP,
		RequestID:   meta.RequestID,
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	client := &Client{conn: conn, info: info}

	// The request context ends when this handler returns; the connection
	// outlives it.
	liveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := h.live.Subscribe(liveCtx, scope, func(snap livesync.Snapshot) {
		frame := snapshotFrame{Type: "snapshot", Scope: string(snap.Scope.Kind), Snapshot: snap}
		if err := client.writeJSON(frame); err != nil {
			cancel()
			_ = conn.Close()
		}
	})
	if err != nil {
		cancel()
		_ = client.writeJSON(errorResponse("subscribe", "", err))
		client.close(websocket.CloseInternalServerErr, "subscription failed")
		h.hub.publishEvent(ctx, info, "ws_error", err.Error())
		return
	}

	h.hub.Add(client)
	h.hub.publishEvent(ctx, info, "ws_connect", "")

	go func() {
		<-sub.Done()
		if sub.Revoked() {
			client.close(websocket.ClosePolicyViolation, "no longer a participant")
		}
	}()
	h.log.Debug().Str("conn_id", info.ConnID).Str("kind", info.Kind).Str("account_id", accountID).Msg("ws connected")

	go func() {
		var closeReason string
		defer func() {
			cancel()
			sub.Unsubscribe()
			h.hub.Remove(client)
			h.hub.publishEvent(liveCtx, info, "ws_disconnect", closeReason)
			_ = conn.Close()
		}()

		conn.SetReadLimit(maxFrameBytes)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				closeReason = err.Error()
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.hub.publishEvent(liveCtx, info, "ws_error", closeReason)
				}
				return
			}
			h.handleFrame(liveCtx, client, scope, data)
		}
	}()
}

func (h *LiveHandler) handleFrame(ctx context.Context, client *Client, scope livesync.Scope, data []byte) {
	var f clientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = client.writeJSON(errorResponse("", "", errs.E("ws.frame", errs.InvalidInput, "malformed frame")))
		return
	}
	accountID := client.info.UserID

	switch f.Type {
	case "send":
		if scope.Kind != livesync.KindMessages {
			_ = client.writeJSON(errorResponse(f.Type, f.Message.ID, errs.E("ws.send", errs.InvalidInput, "send needs a conversation connection")))
			return
		}
		draft := f.Message
		if draft.ID == "" {
			draft.ID = uuid.NewString()
		}
		pending := models.Message{
			ID:               draft.ID,
			ConversationID:   scope.ConversationID,
			SenderID:         accountID,
			Text:             draft.Text,
			Attachments:      models.Attachments(draft.Attachments),
			ReplyToMessageID: draft.ReplyToMessageID,
		}
		msg, err := h.live.SendWithEcho(ctx, pending, func(ctx context.Context) (models.Message, error) {
			return h.svc.Send(ctx, accountID, scope.ConversationID, draft)
		})
		if err != nil {
			_ = client.writeJSON(errorResponse(f.Type, draft.ID, err))
			return
		}
		_ = client.writeJSON(sentFrame{Type: "sent", Message: msg})
	case "typing":
		if scope.Kind != livesync.KindMessages {
			return
		}
		if err := h.svc.SetTyping(ctx, accountID, scope.ConversationID, f.Typing); err != nil {
			_ = client.writeJSON(errorResponse(f.Type, "", err))
		}
	case "read":
		if scope.Kind != livesync.KindMessages {
			return
		}
		if _, err := h.svc.MarkRead(ctx, accountID, scope.ConversationID); err != nil {
			_ = client.writeJSON(errorResponse(f.Type, "", err))
		}
	default:
		_ = client.writeJSON(errorResponse(f.Type, "", errs.E("ws.frame", errs.InvalidInput, "unknown frame type "+f.Type)))
	}
}

func (h *LiveHandler) authenticate(c *gin.Context) (string, error) {
	token := c.GetHeader("Authorization")
	if parts := strings.SplitN(token, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		token = parts[1]
	} else {
		token = c.Query("token")
	}
	if token == "" {
		return "", errs.ErrNotAuthenticated
	}
	return h.tokens.ValidateToken(token)
}

func errorResponse(frame, id string, err error) errorFrame {
	return errorFrame{
		Type:      "error",
		Frame:     frame,
		ID:        id,
		Error:     errs.Message(err),
		Kind:      errs.KindOf(err),
		Retryable: errs.Retryable(err),
	}
}

func resourceID(scope livesync.Scope) string {
	if scope.Kind == livesync.KindMessages {
		return scope.ConversationID
	}
	return scope.AccountID
}
