package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-relay/internal/bridge"
	"github.com/a-essam23/go-relay/internal/cache"
	"github.com/a-essam23/go-relay/internal/guard"
	"github.com/a-essam23/go-relay/internal/persist"
	"github.com/a-essam23/go-relay/internal/protocol"
	"github.com/a-essam23/go-relay/pkg/state"
	"github.com/google/uuid"
)

// Bridge topics relayed between server processes.
const (
	topicBroadcast = "room.broadcast"
	topicPresence  = "room.presence"
)

// messageEchoTTL bounds the short-lived per-room last-message echo entry.
const messageEchoTTL = 30 * time.Second

// clusterMessage is the broadcast relay envelope. Origin carries the
// publishing process tag so a process never re-delivers its own broadcast.
type clusterMessage struct {
	Origin  string          `json:"origin"`
	Message persist.Message `json:"message"`
}

type clusterPresence struct {
	Origin string `json:"origin"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Action string `json:"action"` // "join" or "leave"
}

type presencePayload struct {
	UserID string `json:"userId"`
}

type Config struct {
	// BatchThreshold is the local member count above which fan-out switches
	// from a direct loop to chunked delivery.
	BatchThreshold int
	ChunkSize      int
	ChunkPause     time.Duration
	EchoToSender   bool
	MembershipTTL  time.Duration
	SendLimit      guard.Limit
	JoinLimit      guard.Limit
}

// Engine orchestrates room membership and message fan-out: it validates joins
// through the authorization checker, keeps the registry's membership maps and
// the reconnect-restore cache in step, fans messages out to local members,
// and relays everything through the cluster bridge for other processes.
type Engine struct {
	registry  state.Manager
	bridge    *bridge.Bridge
	guard     *guard.Guard
	cache     *cache.TieredCache
	queue     *persist.Queue
	authz     Checker
	cfg       Config
	processID string
	logger    *slog.Logger

	// Serializes the read-modify-write on the reconnect-restore entries so
	// concurrent joins by one user cannot drop each other's rooms.
	membershipMu sync.Mutex
}

func NewEngine(logger *slog.Logger, registry state.Manager, br *bridge.Bridge, g *guard.Guard, tc *cache.TieredCache, queue *persist.Queue, authz Checker, cfg Config) *Engine {
	if cfg.BatchThreshold <= 0 {
		cfg.BatchThreshold = 64
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32
	}
	if cfg.MembershipTTL <= 0 {
		cfg.MembershipTTL = 24 * time.Hour
	}
	return &Engine{
		registry:  registry,
		bridge:    br,
		guard:     g,
		cache:     tc,
		queue:     queue,
		authz:     authz,
		cfg:       cfg,
		processID: uuid.NewString(),
		logger:    logger.With(slog.String("component", "broadcast_engine")),
	}
}

// ProcessID identifies this process on the cluster bridge.
func (e *Engine) ProcessID() string {
	return e.processID
}

// Start subscribes the engine to the cluster relay topics.
func (e *Engine) Start() error {
	if err := e.bridge.Subscribe(topicBroadcast, e.onClusterBroadcast); err != nil {
		return fmt.Errorf("subscribe broadcast relay: %w", err)
	}
	if err := e.bridge.Subscribe(topicPresence, e.onClusterPresence); err != nil {
		return fmt.Errorf("subscribe presence relay: %w", err)
	}
	return nil
}

// Join admits a connection into a room. Authorization is re-checked at join
// time and fails closed when the checker is unreachable. On success the
// membership maps, the reconnect-restore cache, local members and remote
// processes all observe the join; on any failure no partial membership is
// ever visible.
func (e *Engine) Join(ctx context.Context, connID uuid.UUID, roomID string) error {
	conn, ok := e.registry.GetConnection(connID)
	if !ok || !conn.Authenticated() {
		return ErrNotAuthenticated
	}
	userID := conn.User.ID

	rate := e.guard.CheckRate(ctx, userID, "join", e.cfg.JoinLimit)
	if !rate.Allowed {
		return &RateLimitedError{Action: "join", ResetAt: rate.ResetAt}
	}

	if err := e.admit(ctx, connID, userID, roomID); err != nil {
		return err
	}
	e.rememberMembership(ctx, userID, roomID)
	return nil
}

// admit is the rate-limit-free join path shared with reconnect restore.
func (e *Engine) admit(ctx context.Context, connID uuid.UUID, userID, roomID string) error {
	allowed, err := e.authz.CanAccess(ctx, userID, roomID)
	if err != nil {
		// Fail closed: a join must never succeed on an unverifiable identity.
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !allowed {
		e.guard.RecordEvent(guard.SecurityEvent{
			Kind:     guard.EventAuthzFailure,
			Severity: guard.SeverityMedium,
			Source:   userID,
			Detail:   fmt.Sprintf("denied access to room %q", roomID),
		})
		return ErrNotAuthorized
	}

	if err := e.registry.JoinRoom(connID, roomID); err != nil {
		return err
	}

	e.notifyMembers(roomID, protocol.EventJoined, presencePayload{UserID: userID}, connID)
	e.publishPresence(roomID, userID, "join")
	return nil
}

// Leave removes the connection from the room. Leaving a room the connection
// never joined is an idempotent no-op.
func (e *Engine) Leave(ctx context.Context, connID uuid.UUID, roomID string) {
	conn, ok := e.registry.GetConnection(connID)
	if !ok {
		return
	}
	if !e.registry.LeaveRoom(connID, roomID) {
		return
	}
	userID := ""
	if conn.User != nil {
		userID = conn.User.ID
	}
	e.forgetMembership(ctx, userID, roomID)
	e.notifyMembers(roomID, protocol.EventLeft, presencePayload{UserID: userID}, connID)
	e.publishPresence(roomID, userID, "leave")
}

// Broadcast validates, persists and fans out one message. Rejections (rate
// limit, threat pattern) surface as errors to the sender and are never
// forwarded. Delivery is best-effort to members connected right now.
func (e *Engine) Broadcast(ctx context.Context, connID uuid.UUID, roomID, msgType, content string) (*persist.Message, error) {
	conn, ok := e.registry.GetConnection(connID)
	if !ok || !conn.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	userID := conn.User.ID

	if !e.isMember(connID, roomID) {
		return nil, ErrNotMember
	}

	rate := e.guard.CheckRate(ctx, userID, "send", e.cfg.SendLimit)
	if !rate.Allowed {
		return nil, &RateLimitedError{Action: "send", ResetAt: rate.ResetAt}
	}

	if verdict := e.guard.ScanPayload(userID, content); !verdict.Clean() {
		return nil, &ThreatError{Category: verdict.Category}
	}

	msg := persist.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: userID,
		Type:     msgType,
		Content:  content,
		SentAt:   time.Now(),
	}

	// Storage is write-behind; broadcast never waits on it.
	e.queue.Enqueue(msg)

	frame, err := protocol.Marshal(protocol.EventMessageDelivered, roomID, msg)
	if err != nil {
		return nil, fmt.Errorf("marshal delivery frame: %w", err)
	}

	exclude := connID
	if e.cfg.EchoToSender {
		exclude = uuid.Nil
	}
	e.deliverLocal(roomID, frame, exclude)

	if raw, err := json.Marshal(msg); err == nil {
		e.cache.Set(ctx, "room:lastmsg:"+roomID, raw, messageEchoTTL, "room:"+roomID)
	}

	e.publishBroadcast(msg)
	return &msg, nil
}

// HandleDisconnect tears down a connection's memberships, notifying each room
// it was in exactly once. The reconnect-restore cache entry is deliberately
// left in place so a returning connection resumes its rooms. Safe to call
// more than once for the same connection.
func (e *Engine) HandleDisconnect(connID uuid.UUID) {
	conn, ok := e.registry.GetConnection(connID)
	userID := ""
	if ok && conn.User != nil {
		userID = conn.User.ID
	}

	roomIDs, err := e.registry.DeregisterConnection(connID)
	if err != nil {
		e.logger.Error("Failed to deregister connection", slog.String("connID", connID.String()), slog.Any("error", err))
		return
	}
	for _, roomID := range roomIDs {
		e.notifyMembers(roomID, protocol.EventLeft, presencePayload{UserID: userID}, connID)
		e.publishPresence(roomID, userID, "leave")
	}
}

// ReapIdle sweeps connections whose inactivity exceeds the threshold, plus
// unauthenticated connections older than authTimeout. Per-connection failures
// are logged and skipped; the sweep itself always completes.
func (e *Engine) ReapIdle(threshold, authTimeout time.Duration) int {
	reaped := 0
	for _, connID := range e.registry.IdleConnections(threshold, authTimeout) {
		conn, ok := e.registry.GetConnection(connID)
		if !ok {
			continue
		}
		e.logger.Info("Reaping idle connection", slog.String("connID", connID.String()))
		e.HandleDisconnect(connID)
		conn.Transport.Close(errors.New("idle connection reaped"))
		reaped++
	}
	return reaped
}

// RestoreMembership re-joins a freshly authenticated connection to the rooms
// cached for its user, re-checking authorization per room. Failures skip the
// room rather than failing the authentication.
func (e *Engine) RestoreMembership(ctx context.Context, connID uuid.UUID, userID string) []string {
	previous := e.cachedRooms(ctx, userID)
	restored := make([]string, 0, len(previous))
	for _, roomID := range previous {
		if err := e.admit(ctx, connID, userID, roomID); err != nil {
			e.logger.Debug("Skipping room on membership restore",
				slog.String("userID", userID),
				slog.String("roomID", roomID),
				slog.Any("error", err),
			)
			continue
		}
		restored = append(restored, roomID)
	}
	return restored
}

func (e *Engine) isMember(connID uuid.UUID, roomID string) bool {
	for _, id := range e.registry.ConnectionRooms(connID) {
		if id == roomID {
			return true
		}
	}
	return false
}

// deliverLocal fans a prebuilt frame out to the room's local members. Small
// rooms get a direct loop; large rooms are delivered chunk by chunk with a
// short pause so one burst cannot monopolize the scheduler. A member that
// disconnects mid-fan-out is simply skipped (Send on a closed connection is a
// no-op).
func (e *Engine) deliverLocal(roomID string, frame []byte, exclude uuid.UUID) int {
	members := e.registry.RoomConnections(roomID)
	targets := members[:0]
	for _, member := range members {
		if member.ID == exclude {
			continue
		}
		targets = append(targets, member)
	}

	if len(targets) <= e.cfg.BatchThreshold {
		for _, member := range targets {
			member.Transport.Send(frame)
		}
		return len(targets)
	}

	for start := 0; start < len(targets); start += e.cfg.ChunkSize {
		end := start + e.cfg.ChunkSize
		if end > len(targets) {
			end = len(targets)
		}
		for _, member := range targets[start:end] {
			member.Transport.Send(frame)
		}
		if end < len(targets) && e.cfg.ChunkPause > 0 {
			time.Sleep(e.cfg.ChunkPause)
		}
	}
	return len(targets)
}

func (e *Engine) notifyMembers(roomID, event string, payload any, exclude uuid.UUID) {
	frame, err := protocol.Marshal(event, roomID, payload)
	if err != nil {
		e.logger.Error("Failed to marshal notification", slog.String("event", event), slog.Any("error", err))
		return
	}
	for _, member := range e.registry.RoomConnections(roomID) {
		if member.ID == exclude {
			continue
		}
		member.Transport.Send(frame)
	}
}

// --- cluster relay ---

func (e *Engine) publishBroadcast(msg persist.Message) {
	payload, err := json.Marshal(clusterMessage{Origin: e.processID, Message: msg})
	if err != nil {
		e.logger.Error("Failed to marshal cluster broadcast", slog.Any("error", err))
		return
	}
	e.bridge.Publish(topicBroadcast, payload)
}

func (e *Engine) publishPresence(roomID, userID, action string) {
	payload, err := json.Marshal(clusterPresence{Origin: e.processID, RoomID: roomID, UserID: userID, Action: action})
	if err != nil {
		e.logger.Error("Failed to marshal cluster presence", slog.Any("error", err))
		return
	}
	e.bridge.Publish(topicPresence, payload)
}

func (e *Engine) onClusterBroadcast(_ string, payload []byte) {
	var relay clusterMessage
	if err := json.Unmarshal(payload, &relay); err != nil {
		e.logger.Warn("Dropping malformed cluster broadcast", slog.Any("error", err))
		return
	}
	if relay.Origin == e.processID {
		return // our own publish; local members were already served
	}
	frame, err := protocol.Marshal(protocol.EventMessageDelivered, relay.Message.RoomID, relay.Message)
	if err != nil {
		return
	}
	e.deliverLocal(relay.Message.RoomID, frame, uuid.Nil)
}

func (e *Engine) onClusterPresence(_ string, payload []byte) {
	var relay clusterPresence
	if err := json.Unmarshal(payload, &relay); err != nil {
		e.logger.Warn("Dropping malformed cluster presence", slog.Any("error", err))
		return
	}
	if relay.Origin == e.processID {
		return
	}
	event := protocol.EventJoined
	if relay.Action == "leave" {
		event = protocol.EventLeft
	}
	e.notifyMembers(relay.RoomID, event, presencePayload{UserID: relay.UserID}, uuid.Nil)
}

// --- reconnect-restore cache ---

func membershipKey(userID string) string {
	return "user:rooms:" + userID
}

func (e *Engine) cachedRooms(ctx context.Context, userID string) []string {
	raw, ok := e.cache.Get(ctx, membershipKey(userID))
	if !ok {
		return nil
	}
	var roomIDs []string
	if err := json.Unmarshal(raw, &roomIDs); err != nil {
		return nil
	}
	return roomIDs
}

// The mutex only serializes updates within this process. Across processes
// the entry is last-write-wins, which is acceptable for restore hints:
// RestoreMembership re-checks authorization on every room it replays.
func (e *Engine) rememberMembership(ctx context.Context, userID, roomID string) {
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()

	roomIDs := e.cachedRooms(ctx, userID)
	for _, id := range roomIDs {
		if id == roomID {
			return
		}
	}
	roomIDs = append(roomIDs, roomID)
	e.writeMembership(ctx, userID, roomIDs)
}

func (e *Engine) forgetMembership(ctx context.Context, userID, roomID string) {
	e.membershipMu.Lock()
	defer e.membershipMu.Unlock()

	roomIDs := e.cachedRooms(ctx, userID)
	kept := roomIDs[:0]
	for _, id := range roomIDs {
		if id != roomID {
			kept = append(kept, id)
		}
	}
	e.writeMembership(ctx, userID, kept)
}

func (e *Engine) writeMembership(ctx context.Context, userID string, roomIDs []string) {
	raw, err := json.Marshal(roomIDs)
	if err != nil {
		return
	}
	e.cache.Set(ctx, membershipKey(userID), raw, e.cfg.MembershipTTL, "user:"+userID)
}
