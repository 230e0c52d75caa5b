// Package history serves a conversation's message log in pages, newest
// page first.
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"duochat/models"
	"duochat/presence"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

type Store interface {
	Page(ctx context.Context, a, b string, beforeID int64, limit int) ([]models.Message, bool, error)
}

// Page is one window of the log in ascending id order. Anchor is the id of
// the oldest message in the window; a client prepending an older page keeps
// its scroll position pinned to it.
type Page struct {
	Messages   []models.Message `json:"messages"`
	HasMore    bool             `json:"has_more"`
	NextCursor string           `json:"next_cursor,omitempty"`
	Anchor     int64            `json:"anchor,omitempty"`
}

type cursor struct {
	BeforeID int64 `json:"before_id"`
}

// EncodeCursor builds the opaque token for the page ending just below id.
func EncodeCursor(beforeID int64) string {
	b, _ := json.Marshal(cursor{BeforeID: beforeID})
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeCursor parses a token from EncodeCursor. "" and "0" select the
// newest page.
func DecodeCursor(token string) (int64, error) {
	if token == "" || token == "0" {
		return 0, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid cursor", models.ErrValidation)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil || c.BeforeID <= 0 {
		return 0, fmt.Errorf("%w: invalid cursor", models.ErrValidation)
	}
	return c.BeforeID, nil
}

type Service struct {
	store         Store
	conversations presence.Conversations
}

func NewService(store Store, conversations presence.Conversations) *Service {
	return &Service{store: store, conversations: conversations}
}

// FetchPage returns the page of viewer's conversation selected by token.
func (s *Service) FetchPage(ctx context.Context, viewer, token string, limit int) (Page, error) {
	counterpart, ok := s.conversations.Counterpart(viewer)
	if !ok {
		return Page{}, fmt.Errorf("%w: %s has no conversation", models.ErrNotFound, viewer)
	}

	beforeID, err := DecodeCursor(token)
	if err != nil {
		return Page{}, err
	}

	messages, hasMore, err := s.store.Page(ctx, viewer, counterpart, beforeID, clampLimit(limit))
	if err != nil {
		return Page{}, err
	}

	page := Page{Messages: messages, HasMore: hasMore}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	if len(messages) > 0 {
		page.Anchor = messages[0].ID
		if hasMore {
			page.NextCursor = EncodeCursor(page.Anchor)
		}
	}
	return page, nil
}

// Initial loads the newest page, shown scrolled to the bottom.
func (s *Service) Initial(ctx context.Context, viewer string, limit int) (Page, error) {
	return s.FetchPage(ctx, viewer, "", limit)
}

// Older loads the page before token for scroll-back.
func (s *Service) Older(ctx context.Context, viewer, token string, limit int) (Page, error) {
	if token == "" || token == "0" {
		return Page{}, fmt.Errorf("%w: cursor required", models.ErrValidation)
	}
	return s.FetchPage(ctx, viewer, token, limit)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}
