package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/events"
	"call-signaling/internal/signaling"
	"call-signaling/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// Client-to-server control messages. Session descriptions and candidates use
// the same kinds in both directions.
const (
	KindJoinCall      events.Kind = "join:call"
	KindLeaveCall     events.Kind = "leave:call"
	KindJoinResponder events.Kind = "join:responder"
)

type callRef struct {
	CallID string `json:"callId"`
}

type Options struct {
	// AllowedOrigins lists browser origins allowed to connect. Empty or "*"
	// allows any.
	AllowedOrigins  []string
	SendBuffer      int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MessageRate     float64
	MessageBurst    int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MessageRate <= 0 {
		o.MessageRate = 50
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = 100
	}
	return o
}

type Handler struct {
	relay    *signaling.Relay
	opts     Options
	upgrader websocket.Upgrader
	log      *slog.Logger
	newID    func() string
}

func NewHandler(r *signaling.Relay, opts Options, l *slog.Logger) *Handler {
	h := &Handler{
		relay: r,
		opts:  opts.withDefaults(),
		log:   logger.Component(l, "realtime"),
		newID: uuid.NewString,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	h.log.Warn("websocket origin rejected", "origin", origin)
	return false
}

// ServeWS upgrades an authenticated request and serves the connection until
// it closes.
func (h *Handler) ServeWS(c *gin.Context) {
	id, err := auth.IdentityFrom(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": "unauthorized"})
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user_id", id.UserID, "err", err)
		return
	}

	connID := h.newID()
	l := h.log.With("conn_id", connID, "user_id", id.UserID, "role", id.Role)
	cn := newConn(connID, ws, h.opts.SendBuffer, l)
	ctx := logger.With(c.Request.Context(), l)

	go cn.writePump(h.opts.PingInterval, h.opts.WriteWait)
	h.relay.Attach(ctx, cn, id)
	l.Info("websocket connected")
	defer func() {
		h.relay.Detach(connID)
		cn.close()
		l.Info("websocket disconnected")
	}()

	h.readPump(ctx, cn, id)
}

func (h *Handler) readPump(ctx context.Context, cn *conn, id auth.Identity) {
	cn.ws.SetReadLimit(h.opts.MaxMessageBytes)
	_ = cn.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	cn.ws.SetPongHandler(func(string) error {
		return cn.ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})
	limiter := rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)

	for {
		_, raw, err := cn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				cn.log.Info("websocket closed unexpectedly", "err", err)
			}
			return
		}
		if !limiter.Allow() {
			h.reply(cn, events.Error{Code: "rate_limited", Message: "too many messages"})
			continue
		}
		h.dispatch(ctx, cn, id, raw)
	}
}

func (h *Handler) dispatch(ctx context.Context, cn *conn, id auth.Identity, raw []byte) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.reply(cn, signaling.ErrorEvent("", fmt.Errorf("%w: %v", signaling.ErrInvalidMessage, err)))
		return
	}

	var callID string
	var err error
	switch env.Type {
	case KindJoinCall:
		var ref callRef
		if err = decode(env.Data, &ref); err == nil {
			callID = ref.CallID
			err = h.relay.JoinCall(ctx, cn, id, ref.CallID)
		}
	case KindLeaveCall:
		var ref callRef
		if err = decode(env.Data, &ref); err == nil {
			callID = ref.CallID
			h.relay.LeaveCall(cn.ID(), ref.CallID)
		}
	case KindJoinResponder:
		err = h.relay.JoinResponder(ctx, cn, id)
	case events.KindSessionDescription:
		var msg events.SessionDescription
		if err = decode(env.Data, &msg); err == nil {
			callID = msg.CallID
			err = h.relay.SessionDescription(ctx, cn, id, msg)
		}
	case events.KindConnectivityCandidate:
		var msg events.ConnectivityCandidate
		if err = decode(env.Data, &msg); err == nil {
			callID = msg.CallID
			err = h.relay.Candidate(ctx, cn, id, msg)
		}
	default:
		err = fmt.Errorf("%w: unknown type %q", signaling.ErrInvalidMessage, env.Type)
	}
	if err == nil {
		return
	}

	if errors.Is(err, signaling.ErrInvalidMessage) || errors.Is(err, calls.ErrForbidden) || errors.Is(err, calls.ErrNotFound) {
		cn.log.Warn("message rejected", "type", env.Type, "call_id", callID, "err", err)
	} else {
		cn.log.Error("message failed", "type", env.Type, "call_id", callID, "err", err)
	}
	h.reply(cn, signaling.ErrorEvent(callID, err))
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", signaling.ErrInvalidMessage)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", signaling.ErrInvalidMessage, err)
	}
	return nil
}

func (h *Handler) reply(cn *conn, ev events.Error) {
	frame, err := events.Encode(ev)
	if err != nil {
		return
	}
	if !cn.Send(frame) {
		cn.log.Debug("error reply dropped", "code", ev.Code)
	}
}
