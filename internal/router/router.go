package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/internal/protocol"
	"github.com/a-essam23/go-relay/internal/rooms"
	"github.com/a-essam23/go-relay/pkg/config"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// presenceTTL bounds the shared presence flag; heartbeats refresh it.
const presenceTTL = 90 * time.Second

// EventRouter is the single entry point for every inbound event. Each frame
// is decoded into the tagged envelope and dispatched through one switch, so
// validation and abuse interception happen before any handler-specific logic.
type EventRouter struct {
	logger   *slog.Logger
	registry state.Manager
	engine   *rooms.Engine
	verifier auth.Verifier
	cache    *cache.TieredCache
	limits   config.ConnectionLimitConfig
}

func NewEventRouter(logger *slog.Logger, registry state.Manager, engine *rooms.Engine, verifier auth.Verifier, tc *cache.TieredCache, limits config.ConnectionLimitConfig) *EventRouter {
	return &EventRouter{
		logger:   logger.With(slog.String("component", "event_router")),
		registry: registry,
		engine:   engine,
		verifier: verifier,
		cache:    tc,
		limits:   limits,
	}
}

// HandleMessage implements transport.MessageHandler. It runs on the
// connection's read pump, so events from one connection are processed in
// arrival order.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	conn, ok := r.registry.GetConnection(connID)
	if !ok {
		r.logger.Error("Received event for unknown connection", slog.String("connID", connID.String()))
		return
	}

	var inbound protocol.Inbound
	if err := json.Unmarshal(msg, &inbound); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.sendError(conn.Transport, protocol.CodeValidation, "malformed event frame", 0)
		return
	}

	switch inbound.Event {
	case protocol.EventAuthenticate:
		r.handleAuthenticate(ctx, conn, inbound)
	case protocol.EventJoin:
		r.handleJoin(ctx, conn, inbound)
	case protocol.EventLeave:
		r.handleLeave(ctx, conn, inbound)
	case protocol.EventSend:
		r.handleSend(ctx, conn, inbound)
	case protocol.EventHeartbeat:
		r.handleHeartbeat(ctx, conn, inbound)
	default:
		r.logger.Warn("Received unknown event", slog.String("event", inbound.Event), slog.String("connID", connID.String()))
		r.sendError(conn.Transport, protocol.CodeValidation, "unknown event "+inbound.Event, 0)
	}
}

func (r *EventRouter) handleAuthenticate(ctx context.Context, conn *state.Connection, inbound protocol.Inbound) {
	token := gjson.GetBytes(inbound.Payload, "token").String()

	identity, err := r.verifier.Verify(ctx, token)
	if err != nil {
		r.logger.Warn("Authentication failed", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		r.registry.MarkRejected(conn.ID)
		r.sendError(conn.Transport, protocol.CodeAuthenticationFailed, "invalid credential", 0)
		conn.Transport.Close(err)
		return
	}

	if _, err := r.registry.AssociateUser(conn.ID, identity.UserID, identity.Permissions); err != nil {
		r.logger.Error("Failed to associate user", slog.String("connID", conn.ID.String()), slog.Any("error", err))
		r.sendError(conn.Transport, protocol.CodeValidation, "connection not registered", 0)
		return
	}
	r.enforceConnectionLimit(identity.UserID, conn.ID)

	// Shared presence flag; advisory, refreshed by heartbeats.
	r.cache.Set(ctx, "presence:"+identity.UserID, []byte("1"), presenceTTL)

	restored := r.engine.RestoreMembership(ctx, conn.ID, identity.UserID)
	r.send(conn.Transport, protocol.EventAuthenticated, "", map[string]any{
		"userId":        identity.UserID,
		"restoredRooms": restored,
	})
}

// enforceConnectionLimit applies the per-user cap after a successful
// authentication: either the oldest connection is cycled out or the new one
// is rejected, per configuration.
func (r *EventRouter) enforceConnectionLimit(userID string, newConnID uuid.UUID) {
	if r.limits.MaxPerUser <= 0 {
		return
	}
	count, err := r.registry.GetUserConnectionCount(userID)
	if err != nil || count <= r.limits.MaxPerUser {
		return
	}
	switch r.limits.Mode {
	case "reject":
		if conn, ok := r.registry.GetConnection(newConnID); ok {
			r.sendError(conn.Transport, protocol.CodeValidation, "too many active connections", 0)
			conn.Transport.Close(errors.New("connection limit reached"))
		}
	default: // "cycle"
		if oldest, ok := r.registry.FindOldestUserConnection(userID); ok && oldest.ID != newConnID {
			r.logger.Info("Cycling connection: closing oldest", slog.String("userID", userID), slog.String("connID", oldest.ID.String()))
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}
}

func (r *EventRouter) handleJoin(ctx context.Context, conn *state.Connection, inbound protocol.Inbound) {
	if inbound.Room == "" {
		r.sendError(conn.Transport, protocol.CodeValidation, "join requires a room", 0)
		return
	}
	if err := r.engine.Join(ctx, conn.ID, inbound.Room); err != nil {
		r.replyWithError(conn.Transport, err)
		return
	}
	r.send(conn.Transport, protocol.EventJoined, inbound.Room, map[string]any{"userId": conn.User.ID})
}

func (r *EventRouter) handleLeave(ctx context.Context, conn *state.Connection, inbound protocol.Inbound) {
	if inbound.Room == "" {
		r.sendError(conn.Transport, protocol.CodeValidation, "leave requires a room", 0)
		return
	}
	r.engine.Leave(ctx, conn.ID, inbound.Room)
	userID := ""
	if conn.User != nil {
		userID = conn.User.ID
	}
	r.send(conn.Transport, protocol.EventLeft, inbound.Room, map[string]any{"userId": userID})
}

func (r *EventRouter) handleSend(ctx context.Context, conn *state.Connection, inbound protocol.Inbound) {
	if inbound.Room == "" {
		r.sendError(conn.Transport, protocol.CodeValidation, "send requires a room", 0)
		return
	}
	content := gjson.GetBytes(inbound.Payload, "content").String()
	if content == "" {
		r.sendError(conn.Transport, protocol.CodeValidation, "send requires content", 0)
		return
	}
	msgType := gjson.GetBytes(inbound.Payload, "type").String()
	if msgType == "" {
		msgType = "text"
	}

	if _, err := r.engine.Broadcast(ctx, conn.ID, inbound.Room, msgType, content); err != nil {
		r.replyWithError(conn.Transport, err)
	}
}

func (r *EventRouter) handleHeartbeat(ctx context.Context, conn *state.Connection, inbound protocol.Inbound) {
	// The read pump already touched last-activity; refresh shared presence.
	if conn.User != nil {
		r.cache.Set(ctx, "presence:"+conn.User.ID, []byte("1"), presenceTTL)
	}

	// Optional client send timestamp (unix ms) feeds the rolling latency
	// sample. Implausible values are ignored.
	if sentAt := gjson.GetBytes(inbound.Payload, "sentAt").Int(); sentAt > 0 {
		sample := time.Since(time.UnixMilli(sentAt))
		if sample > 0 && sample < 10*time.Second {
			conn.Transport.RecordLatency(sample)
		}
	}
	r.send(conn.Transport, protocol.EventHeartbeatAck, "", map[string]any{
		"serverTime": time.Now().UnixMilli(),
	})
}

// replyWithError maps engine errors onto the wire taxonomy. Errors stay local
// to the offending connection; nothing here can abort another connection's
// processing.
func (r *EventRouter) replyWithError(t state.Transport, err error) {
	var rateErr *rooms.RateLimitedError
	var threatErr *rooms.ThreatError
	switch {
	case errors.As(err, &rateErr):
		r.sendError(t, protocol.CodeRateLimited, rateErr.Error(), time.Until(rateErr.ResetAt).Milliseconds())
	case errors.As(err, &threatErr):
		r.sendError(t, protocol.CodeThreatDetected, threatErr.Error(), 0)
	case errors.Is(err, rooms.ErrNotAuthenticated):
		r.sendError(t, protocol.CodeAuthenticationFailed, "authenticate first", 0)
	case errors.Is(err, rooms.ErrNotAuthorized):
		r.sendError(t, protocol.CodeNotAuthorized, "room access denied", 0)
	case errors.Is(err, rooms.ErrBackendUnavailable):
		r.sendError(t, protocol.CodeBackendUnavailable, "authorization temporarily unavailable", 0)
	default:
		r.sendError(t, protocol.CodeValidation, err.Error(), 0)
	}
}

func (r *EventRouter) send(t state.Transport, event, room string, payload any) {
	frame, err := protocol.Marshal(event, room, payload)
	if err != nil {
		r.logger.Error("Failed to marshal outbound frame", slog.String("event", event), slog.Any("error", err))
		return
	}
	t.Send(frame)
}

func (r *EventRouter) sendError(t state.Transport, code, message string, retryAfterMs int64) {
	frame, err := protocol.Marshal(protocol.EventError, "", protocol.ErrorPayload{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfterMs,
	})
	if err != nil {
		return
	}
	t.Send(frame)
}
