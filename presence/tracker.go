package presence

import (
	"context"
	"errors"
	"time"

	"duochat/logger"
	"duochat/metrics"
	"duochat/models"
	"duochat/protocol"
	"duochat/registry"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Store persists presence records.
type Store interface {
	SetPresence(ctx context.Context, identity string, online bool, at time.Time) error
	Presence(ctx context.Context, identity string) (models.PresenceRecord, error)
}

// Tracker turns registry changes and client signals into presence events
// for the counterpart. Notifications are best effort: an unreachable
// counterpart is skipped silently. Connects and disconnects of one identity
// are serialized, registry change through store write and push.
type Tracker struct {
	registry      *registry.Registry
	store         Store
	conversations Conversations
	metrics       *metrics.Metrics
	log           *logger.Logger
	now           func() time.Time

	identities registry.KeyedMutex
}

func NewTracker(reg *registry.Registry, store Store, conversations Conversations, m *metrics.Metrics, log *logger.Logger) *Tracker {
	return &Tracker{
		registry:      reg,
		store:         store,
		conversations: conversations,
		metrics:       m,
		log:           log.With("component", "presence"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Connected admits conn as identity's active connection, marks the identity
// online, tells the counterpart and sends the counterpart's current status
// to the new connection. A connection it replaced is returned, still open.
func (t *Tracker) Connected(ctx context.Context, identity string, conn registry.Conn) (registry.Conn, bool) {
	unlock := t.identities.Lock(models.Fold(identity))
	defer unlock()

	prev, superseded := t.registry.Register(identity, conn)
	if superseded {
		t.log.Info("Connection superseded", "user", identity, "old", prev.RemoteAddr(), "new", conn.RemoteAddr())
	}
	t.metrics.Connections.Set(float64(t.registry.Count()))

	if err := t.store.SetPresence(ctx, identity, true, t.now()); err != nil {
		t.log.Warn("Failed to persist online status", "user", identity, "error", err)
	}
	t.metrics.Presence.WithLabelValues(StatusOnline).Inc()

	counterpart, ok := t.conversations.Counterpart(identity)
	if !ok {
		return prev, superseded
	}

	t.push(counterpart, protocol.NewEvent(protocol.TypePresence, "", protocol.Presence{
		Username: identity,
		Status:   StatusOnline,
	}))

	snapshot, err := t.Status(ctx, identity)
	if err != nil {
		t.log.Warn("Failed to load counterpart status", "user", identity, "error", err)
		return prev, superseded
	}
	if err := conn.Send(protocol.NewEvent(protocol.TypePresence, "", protocol.Presence(snapshot))); err != nil {
		t.metrics.PushDropped.Inc()
	}
	return prev, superseded
}

// Disconnected retires conn. Only when conn was still the active connection
// is the identity marked offline and the counterpart told; a superseded
// connection going away changes nothing. Reports whether the identity went
// offline.
func (t *Tracker) Disconnected(ctx context.Context, identity string, conn registry.Conn) bool {
	unlock := t.identities.Lock(models.Fold(identity))
	defer unlock()

	if !t.registry.Unregister(identity, conn) {
		return false
	}
	t.metrics.Connections.Set(float64(t.registry.Count()))

	now := t.now()
	if err := t.store.SetPresence(ctx, identity, false, now); err != nil {
		t.log.Warn("Failed to persist offline status", "user", identity, "error", err)
	}
	t.metrics.Presence.WithLabelValues(StatusOffline).Inc()

	if counterpart, ok := t.conversations.Counterpart(identity); ok {
		t.push(counterpart, protocol.NewEvent(protocol.TypePresence, "", protocol.Presence{
			Username: identity,
			Status:   StatusOffline,
			LastSeen: &now,
		}))
	}
	return true
}

// Typing relays a client's typing signal verbatim. The sender's client
// debounces; no timer runs here.
func (t *Tracker) Typing(identity string, isTyping bool) {
	counterpart, ok := t.conversations.Counterpart(identity)
	if !ok {
		return
	}
	t.push(counterpart, protocol.NewEvent(protocol.TypeTypingChanged, "", protocol.TypingChanged{
		Username: identity,
		IsTyping: isTyping,
	}))
}

// Status returns the viewer's counterpart snapshot for pull-based refresh.
// A live registry entry is authoritative for "online".
func (t *Tracker) Status(ctx context.Context, viewer string) (protocol.Status, error) {
	counterpart, ok := t.conversations.Counterpart(viewer)
	if !ok {
		return protocol.Status{}, models.ErrNotFound
	}

	snapshot := protocol.Status{Username: counterpart, Status: StatusOffline}

	rec, err := t.store.Presence(ctx, counterpart)
	switch {
	case errors.Is(err, models.ErrNotFound):
	case err != nil:
		return protocol.Status{}, err
	default:
		snapshot.Username = rec.Identity
		if !rec.LastSeenAt.IsZero() {
			seen := rec.LastSeenAt
			snapshot.LastSeen = &seen
		}
	}

	if _, live := t.registry.Lookup(counterpart); live {
		snapshot.Status = StatusOnline
	}
	return snapshot, nil
}

func (t *Tracker) push(identity string, ev protocol.Event) {
	conn, ok := t.registry.Lookup(identity)
	if !ok {
		return
	}
	if err := conn.Send(ev); err != nil {
		t.metrics.PushDropped.Inc()
		t.log.Debug("Presence push dropped", "user", identity, "type", ev.Type, "error", err)
	}
}
