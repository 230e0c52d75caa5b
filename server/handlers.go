package server

import (
	"context"
	"errors"

	"duochat/models"
	"duochat/protocol"
)

// handleEvent dispatches one client event. It returns false when the
// session should end.
func (s *Server) handleEvent(ctx context.Context, c *wsConn, ev *protocol.Event) bool {
	switch ev.Type {
	case protocol.TypePing:
		s.handlePing(c, ev)
	case protocol.TypeSend:
		s.handleSend(ctx, c, ev)
	case protocol.TypeTyping:
		s.handleTyping(c, ev)
	case protocol.TypeMarkRead, protocol.TypeMessageRead:
		s.handleMarkRead(ctx, c, ev)
	case protocol.TypeRequestStatus:
		s.handleStatus(ctx, c, ev)
	case protocol.TypeLogout:
		s.handleLogout(c, ev)
		return false
	default:
		s.sendError(c, ev.ID, "validation", "Unknown event type")
	}
	return true
}

func (s *Server) handlePing(c *wsConn, ev *protocol.Event) {
	c.Send(protocol.NewEvent(protocol.TypePong, ev.ID, nil))
}

func (s *Server) handleSend(ctx context.Context, c *wsConn, ev *protocol.Event) {
	if !s.sendLimits.Allow(models.Fold(c.identity)) {
		s.metrics.SendFailures.WithLabelValues(models.ErrorCode(models.ErrRateLimited)).Inc()
		s.sendAck(c, ev.ID, protocol.Ack{Error: "rate_limited", Detail: "Too many messages"})
		return
	}

	var req protocol.SendRequest
	if err := ev.Decode(&req); err != nil {
		s.sendAck(c, ev.ID, protocol.Ack{Error: "validation", Detail: "Invalid send payload"})
		return
	}

	msg, err := s.engine.Send(ctx, c.identity, req.Recipient, req.Content, req.Media)
	if err != nil {
		code := models.ErrorCode(err)
		detail := err.Error()
		if code == "storage" {
			detail = "Failed to save message"
		}
		s.sendAck(c, ev.ID, protocol.Ack{Error: code, Detail: detail})
		return
	}

	s.sendAck(c, ev.ID, protocol.Ack{Message: &msg})
}

func (s *Server) handleTyping(c *wsConn, ev *protocol.Event) {
	var req protocol.TypingRequest
	if err := ev.Decode(&req); err != nil {
		s.sendError(c, ev.ID, "validation", "Invalid typing payload")
		return
	}
	s.tracker.Typing(c.identity, req.IsTyping)
}

func (s *Server) handleMarkRead(ctx context.Context, c *wsConn, ev *protocol.Event) {
	var req protocol.MarkReadRequest
	if err := ev.Decode(&req); err != nil || req.MessageID <= 0 {
		s.sendError(c, ev.ID, "validation", "Invalid message id")
		return
	}

	err := s.engine.MarkRead(ctx, c.identity, req.MessageID)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		s.log.Debug("markRead for unknown message", "user", c.identity, "id", req.MessageID)
	default:
		s.log.Error("Failed to mark message read", "user", c.identity, "id", req.MessageID, "error", err)
		s.sendError(c, ev.ID, models.ErrorCode(err), "Failed to mark message read")
	}
}

func (s *Server) handleStatus(ctx context.Context, c *wsConn, ev *protocol.Event) {
	status, err := s.tracker.Status(ctx, c.identity)
	if err != nil {
		s.sendError(c, ev.ID, models.ErrorCode(err), "Status unavailable")
		return
	}
	c.Send(protocol.NewEvent(protocol.TypeStatus, ev.ID, status))
}

func (s *Server) handleLogout(c *wsConn, ev *protocol.Event) {
	c.Send(protocol.NewEvent(protocol.TypeBye, ev.ID, protocol.Bye{Reason: "logout"}))
}

func (s *Server) sendAck(c *wsConn, id string, ack protocol.Ack) {
	if err := c.Send(protocol.NewEvent(protocol.TypeAck, id, ack)); err != nil {
		s.metrics.PushDropped.Inc()
		s.log.Warn("Ack dropped", "user", c.identity, "error", err)
	}
}

func (s *Server) sendError(c *wsConn, id, code, message string) {
	c.Send(protocol.NewEvent(protocol.TypeError, id, protocol.Error{Error: code, Message: message}))
}
