package db

import (
	"context"
	"database/sql"
	"math"
	"time"

	"duochat/models"
)

const messageColumns = "id, sender, recipient, content, media, status, timestamp"

// Append validates and persists a message. It is the single writer of the
// message log: ids and timestamps are strictly increasing across all calls.
func (db *DB) Append(ctx context.Context, sender, recipient, content string, media []models.MediaRef) (models.Message, error) {
	if err := models.ValidatePayload(content, media); err != nil {
		return models.Message{}, err
	}

	var body sql.NullString
	if content != "" {
		body = sql.NullString{String: content, Valid: true}
	}

	db.appendMu.Lock()
	defer db.appendMu.Unlock()

	ts := time.Now().UTC().Truncate(time.Microsecond)
	if !ts.After(db.lastTS) {
		ts = db.lastTS.Add(time.Microsecond)
	}

	result, err := db.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, recipient, sender_key, recipient_key, content, media, timestamp, status) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		sender, recipient, models.Fold(sender), models.Fold(recipient), body, models.MediaRefs(media), ts.Format(tsLayout), string(models.StatusSent),
	)
	if err != nil {
		return models.Message{}, storageErr("append", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return models.Message{}, storageErr("append", err)
	}
	db.lastTS = ts

	var refs models.MediaRefs
	if len(media) > 0 {
		refs = append(refs, media...)
	}

	return models.Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Media:     refs,
		Timestamp: ts,
		Status:    models.StatusSent,
	}, nil
}

// Page returns up to limit messages exchanged between a and b with id below
// beforeID (beforeID <= 0 means from the newest message), ordered by
// ascending id. hasMore reports whether older messages remain.
func (db *DB) Page(ctx context.Context, a, b string, beforeID int64, limit int) ([]models.Message, bool, error) {
	if limit <= 0 {
		return nil, false, nil
	}
	if beforeID <= 0 {
		beforeID = math.MaxInt64
	}

	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE ((sender_key = ? AND recipient_key = ?) OR (sender_key = ? AND recipient_key = ?)) AND id < ?
		ORDER BY id DESC
		LIMIT ?
	`

	ka, kb := models.Fold(a), models.Fold(b)
	rows, err := db.conn.QueryContext(ctx, query, ka, kb, kb, ka, beforeID, limit+1)
	if err != nil {
		return nil, false, storageErr("page", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, storageErr("page", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, storageErr("page", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, hasMore, nil
}

// MarkRead moves a message to read on behalf of reader. Only the
// message's recipient performs the sent -> read transition; its sender
// gets changed=false. A reader outside the conversation sees ErrNotFound.
// changed is true only for the call that performed the transition.
func (db *DB) MarkRead(ctx context.Context, reader string, id int64) (sender string, changed bool, err error) {
	var senderKey, recipientKey string
	err = db.conn.QueryRowContext(ctx,
		"SELECT sender, sender_key, recipient_key FROM messages WHERE id = ?", id,
	).Scan(&sender, &senderKey, &recipientKey)
	if err == sql.ErrNoRows {
		return "", false, models.ErrNotFound
	}
	if err != nil {
		return "", false, storageErr("mark read", err)
	}

	key := models.Fold(reader)
	switch key {
	case recipientKey:
	case senderKey:
		return sender, false, nil
	default:
		return "", false, models.ErrNotFound
	}

	result, err := db.conn.ExecContext(ctx,
		"UPDATE messages SET status = ? WHERE id = ? AND status = ?",
		string(models.StatusRead), id, string(models.StatusSent),
	)
	if err != nil {
		return "", false, storageErr("mark read", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", false, storageErr("mark read", err)
	}
	return sender, rowsAffected > 0, nil
}

func (db *DB) Message(ctx context.Context, id int64) (models.Message, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return m, models.ErrNotFound
	}
	if err != nil {
		return m, storageErr("message", err)
	}
	return m, nil
}

// CountMessages returns the size of the log. Used by stats.
func (db *DB) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, storageErr("count", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(s scanner) (models.Message, error) {
	var m models.Message
	var content sql.NullString
	var status, timestamp string

	if err := s.Scan(&m.ID, &m.Sender, &m.Recipient, &content, &m.Media, &status, &timestamp); err != nil {
		return m, err
	}

	ts, err := time.Parse(tsLayout, timestamp)
	if err != nil {
		return m, err
	}
	m.Content = content.String
	m.Status = models.Status(status)
	m.Timestamp = ts
	return m, nil
}
