package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"
	"quizbot/internal/metrics"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// Per connection: 5 events per second with bursts of 10.
	eventRate  = 5
	eventBurst = 10
)

const defaultCommunity = "default"

// WSHandler connects websocket clients to the quiz: inbound commands and
// button clicks go to the quiz service, thread traffic comes back through the Gateway.
type WSHandler struct {
	service  *app.QuizService
	gateway  *Gateway
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, gateway *Gateway, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{
		service: service,
		gateway: gateway,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type commandPayload struct {
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
}

type interactionPayload struct {
	MessageID string `json:"messageId"`
	ControlID string `json:"controlId"`
}

type outboundMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type replyPayload struct {
	Command string        `json:"command"`
	Text    string        `json:"text"`
	Score   *domain.Score `json:"score,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS upgrades HTTP requests to websockets. userId and name identify the
// user; communityId scopes the leaderboard and defaults to "default".
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	actor := domain.Actor{
		CommunityID: r.URL.Query().Get("communityId"),
		UserID:      r.URL.Query().Get("userId"),
		DisplayName: r.URL.Query().Get("name"),
	}
	if actor.UserID == "" || actor.DisplayName == "" {
		http.Error(w, "missing userId or name", http.StatusBadRequest)
		return
	}
	if actor.CommunityID == "" {
		actor.CommunityID = defaultCommunity
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := h.gateway.register(actor.UserID)
	writerDone := make(chan struct{})
	go h.writePump(conn, c, writerDone)

	limiter := rate.NewLimiter(rate.Limit(eventRate), eventBurst)
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Quiz work outlives a single request; only the connection is request-scoped.
	ctx := context.WithoutCancel(r.Context())
	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws read failed", zap.String("user", actor.UserID), zap.Error(err))
			}
			break
		}
		if !limiter.Allow() {
			h.gateway.reply(c, errorMessage("slow down: too many events"))
			continue
		}
		metrics.InboundEvents.WithLabelValues(inbound.Type).Inc()

		switch inbound.Type {
		case "command":
			var payload commandPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				h.gateway.reply(c, errorMessage("invalid command payload"))
				continue
			}
			h.gateway.reply(c, h.runCommand(ctx, actor, payload))
		case "interaction":
			var payload interactionPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil || payload.MessageID == "" {
				h.gateway.reply(c, errorMessage("invalid interaction payload"))
				continue
			}
			err := h.service.HandleInteraction(ctx, domain.Interaction{
				UserID:    actor.UserID,
				MessageID: payload.MessageID,
				ControlID: payload.ControlID,
			})
			if err != nil {
				h.logInteractionError(actor, payload, err)
				h.gateway.reply(c, errorMessage(app.UserMessage(err)))
			}
		default:
			h.gateway.reply(c, errorMessage("unsupported message type"))
		}
	}

	h.gateway.unregister(c)
	<-writerDone
}

func (h *WSHandler) runCommand(ctx context.Context, actor domain.Actor, cmd commandPayload) outboundMessage {
	var (
		text  string
		score *domain.Score
		err   error
	)
	switch cmd.Name {
	case "quiz":
		text, err = h.service.StartQuiz(ctx, actor)
	case "score":
		var s domain.Score
		s, err = h.service.Score(ctx, actor)
		if err == nil {
			score = &s
			text = scoreText(s)
		}
	case "resetprogress":
		text, err = h.service.ResetProgress(ctx, actor, cmd.Target)
	default:
		return errorMessage("unknown command " + cmd.Name)
	}
	if err != nil {
		h.logger.Info("command failed",
			zap.String("command", cmd.Name),
			zap.String("user", actor.UserID),
			zap.Error(err))
		return errorMessage(app.UserMessage(err))
	}
	return outboundMessage{Type: "reply", Payload: replyPayload{Command: cmd.Name, Text: text, Score: score}}
}

func (h *WSHandler) logInteractionError(actor domain.Actor, payload interactionPayload, err error) {
	fields := []zap.Field{
		zap.String("user", actor.UserID),
		zap.String("message", payload.MessageID),
		zap.String("control", payload.ControlID),
		zap.Error(err),
	}
	if errors.Is(err, domain.ErrInteractionExpired) || errors.Is(err, domain.ErrNotSessionOwner) {
		h.logger.Debug("interaction rejected", fields...)
		return
	}
	h.logger.Error("interaction failed", fields...)
}

func (h *WSHandler) writePump(conn *websocket.Conn, c *client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write failed", zap.String("user", c.userID), zap.Error(err))
				abandon(conn, c)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				abandon(conn, c)
				return
			}
		}
	}
}

// abandon unblocks the reader, then drains until unregister closes the queue.
func abandon(conn *websocket.Conn, c *client) {
	_ = conn.Close()
	for range c.send {
	}
}

func errorMessage(text string) outboundMessage {
	return outboundMessage{Type: "error", Payload: errorPayload{Message: text}}
}
