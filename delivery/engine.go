// Package delivery persists messages and fans them out to live connections.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"duochat/logger"
	"duochat/metrics"
	"duochat/models"
	"duochat/presence"
	"duochat/protocol"
	"duochat/registry"
)

// Store is the part of the message store the engine writes through.
type Store interface {
	ResolveUser(ctx context.Context, login string) (string, error)
	Append(ctx context.Context, sender, recipient, content string, media []models.MediaRef) (models.Message, error)
	MarkRead(ctx context.Context, reader string, id int64) (sender string, changed bool, err error)
}

type Engine struct {
	store         Store
	registry      *registry.Registry
	conversations presence.Conversations
	metrics       *metrics.Metrics
	log           *logger.Logger

	senders registry.KeyedMutex
}

func NewEngine(store Store, reg *registry.Registry, conversations presence.Conversations, m *metrics.Metrics, log *logger.Logger) *Engine {
	return &Engine{
		store:         store,
		registry:      reg,
		conversations: conversations,
		metrics:       m,
		log:           log.With("component", "delivery"),
	}
}

// Send persists a message from sender and pushes it to both parties. An
// empty recipient means the sender's counterpart. The returned message
// carries the server-assigned id and timestamp.
func (e *Engine) Send(ctx context.Context, sender, recipient, content string, media []models.MediaRef) (models.Message, error) {
	msg, err := e.send(ctx, sender, recipient, content, media)
	if err != nil {
		e.metrics.SendFailures.WithLabelValues(models.ErrorCode(err)).Inc()
		return msg, err
	}
	e.metrics.MessagesSent.Inc()
	return msg, nil
}

func (e *Engine) send(ctx context.Context, sender, recipient, content string, media []models.MediaRef) (models.Message, error) {
	if recipient == "" {
		peer, ok := e.conversations.Counterpart(sender)
		if !ok {
			return models.Message{}, fmt.Errorf("%w: %s has no conversation", models.ErrUnknownRecipient, sender)
		}
		recipient = peer
	}

	canonical, err := e.store.ResolveUser(ctx, recipient)
	if errors.Is(err, models.ErrNotFound) {
		return models.Message{}, fmt.Errorf("%w: %s", models.ErrUnknownRecipient, recipient)
	}
	if err != nil {
		return models.Message{}, err
	}

	if err := models.ValidatePayload(content, media); err != nil {
		return models.Message{}, err
	}

	unlock := e.senders.Lock(models.Fold(sender))
	defer unlock()

	msg, err := e.store.Append(ctx, sender, canonical, content, media)
	if err != nil {
		e.log.Error("Failed to store message", "sender", sender, "recipient", canonical, "error", err)
		return models.Message{}, err
	}

	ev := protocol.NewEvent(protocol.TypeDelivered, "", protocol.Delivered{Message: msg})

	recipientConn, online := e.registry.Lookup(canonical)
	if online {
		e.push(canonical, recipientConn, ev)
	} else {
		e.log.Debug("Recipient offline, message stored", "id", msg.ID, "recipient", canonical)
	}

	if senderConn, ok := e.registry.Lookup(sender); ok && (!online || senderConn != recipientConn) {
		e.push(sender, senderConn, ev)
	}

	return msg, nil
}

// MarkRead records that reader has read message id and tells its sender.
// Repeated calls are no-ops; exactly one receipt is emitted per message.
// A reader outside the conversation gets ErrNotFound.
func (e *Engine) MarkRead(ctx context.Context, reader string, id int64) error {
	sender, changed, err := e.store.MarkRead(ctx, reader, id)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	e.metrics.Receipts.Inc()

	conn, ok := e.registry.Lookup(sender)
	if !ok {
		e.log.Debug("Sender offline, receipt not pushed", "id", id, "sender", sender)
		return nil
	}
	e.push(sender, conn, protocol.NewEvent(protocol.TypeReadReceipt, "", protocol.ReadReceipt{
		MessageID: id,
		Status:    models.StatusRead,
	}))
	return nil
}

func (e *Engine) push(identity string, conn registry.Conn, ev protocol.Event) {
	if err := conn.Send(ev); err != nil {
		e.metrics.PushDropped.Inc()
		e.log.Warn("Push dropped", "user", identity, "type", ev.Type, "error", err)
	}
}
