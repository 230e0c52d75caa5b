package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"duochat/models"

	sqlite3 "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

// Timestamps are stored as fixed-width UTC text so they sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z07:00"

type DB struct {
	conn *sql.DB

	// appendMu serializes message inserts so ids and timestamps grow together.
	appendMu sync.Mutex
	lastTS   time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL COLLATE NOCASE,
			login_folded TEXT,
			password TEXT NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 0,
			last_seen TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			sender_key TEXT NOT NULL DEFAULT '',
			recipient_key TEXT NOT NULL DEFAULT '',
			content TEXT,
			media TEXT NOT NULL DEFAULT '[]',
			timestamp TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'read'))
		)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	if err := db.migrate(); err != nil {
		return err
	}

	// Identity columns are compared in their folded form. SQLite's NOCASE
	// only folds ASCII, so the folded keys are computed here, not in SQL.
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_login_folded ON users(login_folded)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_keys ON messages(sender_key, recipient_key, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_keys_rev ON messages(recipient_key, sender_key, id)`,
	}
	for _, query := range indexes {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	var last sql.NullString
	if err := db.conn.QueryRow("SELECT MAX(timestamp) FROM messages").Scan(&last); err != nil {
		return err
	}
	if last.Valid {
		if ts, err := time.Parse(tsLayout, last.String); err == nil {
			db.lastTS = ts
		}
	}

	return nil
}

// migrate brings databases created before presence and media support up to date.
func (db *DB) migrate() error {
	columns := []struct {
		table, column, ddl string
	}{
		{"users", "is_online", "ALTER TABLE users ADD COLUMN is_online INTEGER NOT NULL DEFAULT 0"},
		{"users", "last_seen", "ALTER TABLE users ADD COLUMN last_seen TEXT"},
		{"messages", "media", "ALTER TABLE messages ADD COLUMN media TEXT NOT NULL DEFAULT '[]'"},
		{"users", "login_folded", "ALTER TABLE users ADD COLUMN login_folded TEXT"},
		{"messages", "sender_key", "ALTER TABLE messages ADD COLUMN sender_key TEXT NOT NULL DEFAULT ''"},
		{"messages", "recipient_key", "ALTER TABLE messages ADD COLUMN recipient_key TEXT NOT NULL DEFAULT ''"},
	}

	for _, c := range columns {
		if db.columnExists(c.table, c.column) {
			continue
		}
		if _, err := db.conn.Exec(c.ddl); err != nil {
			return fmt.Errorf("migrate %s.%s: %w", c.table, c.column, err)
		}
	}

	return db.backfillKeys()
}

// backfillKeys fills folded identity columns on rows written before they
// existed.
func (db *DB) backfillKeys() error {
	type user struct {
		id    int64
		login string
	}
	var users []user
	rows, err := db.conn.Query("SELECT id, login FROM users WHERE login_folded IS NULL")
	if err != nil {
		return fmt.Errorf("backfill users: %w", err)
	}
	for rows.Next() {
		var u user
		if err := rows.Scan(&u.id, &u.login); err != nil {
			rows.Close()
			return fmt.Errorf("backfill users: %w", err)
		}
		users = append(users, u)
	}
	rows.Close()
	for _, u := range users {
		if _, err := db.conn.Exec("UPDATE users SET login_folded = ? WHERE id = ?", models.Fold(u.login), u.id); err != nil {
			return fmt.Errorf("backfill user %s: %w", u.login, err)
		}
	}

	type message struct {
		id                int64
		sender, recipient string
	}
	var messages []message
	rows, err = db.conn.Query("SELECT id, sender, recipient FROM messages WHERE sender_key = '' OR recipient_key = ''")
	if err != nil {
		return fmt.Errorf("backfill messages: %w", err)
	}
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.sender, &m.recipient); err != nil {
			rows.Close()
			return fmt.Errorf("backfill messages: %w", err)
		}
		messages = append(messages, m)
	}
	rows.Close()
	for _, m := range messages {
		if _, err := db.conn.Exec("UPDATE messages SET sender_key = ?, recipient_key = ? WHERE id = ?",
			models.Fold(m.sender), models.Fold(m.recipient), m.id); err != nil {
			return fmt.Errorf("backfill message %d: %w", m.id, err)
		}
	}
	return nil
}

// columnExists checks if a column exists in a table
func (db *DB) columnExists(table, column string) bool {
	query := "SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?"
	var count int
	err := db.conn.QueryRow(query, table, column).Scan(&count)
	if err != nil {
		return false
	}
	return count > 0
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", models.ErrStorage, op, err)
}

// User methods
func (db *DB) CreateUser(ctx context.Context, login, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (login, login_folded, password, is_online, last_seen) VALUES (?, ?, ?, 0, ?)",
		login, models.Fold(login), string(hashed), time.Now().UTC().Format(tsLayout),
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return models.ErrUserExists
	}
	if err != nil {
		return storageErr("create user", err)
	}
	return nil
}

// AuthenticateUser checks a password and returns the stored casing of the login.
func (db *DB) AuthenticateUser(ctx context.Context, login, password string) (string, bool, error) {
	var canonical, hashedPassword string
	err := db.conn.QueryRowContext(ctx, "SELECT login, password FROM users WHERE login_folded = ?", models.Fold(login)).
		Scan(&canonical, &hashedPassword)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("authenticate", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return "", false, nil
	}
	return canonical, true, nil
}

// ResolveUser returns the canonical handle for a case-insensitive login.
func (db *DB) ResolveUser(ctx context.Context, login string) (string, error) {
	var canonical string
	err := db.conn.QueryRowContext(ctx, "SELECT login FROM users WHERE login_folded = ?", models.Fold(login)).Scan(&canonical)
	if err == sql.ErrNoRows {
		return "", models.ErrNotFound
	}
	if err != nil {
		return "", storageErr("resolve user", err)
	}
	return canonical, nil
}

func (db *DB) UserExists(ctx context.Context, login string) (bool, error) {
	_, err := db.ResolveUser(ctx, login)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Presence methods
func (db *DB) SetPresence(ctx context.Context, identity string, online bool, at time.Time) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE users SET is_online = ?, last_seen = ? WHERE login_folded = ?",
		online, at.UTC().Format(tsLayout), models.Fold(identity),
	)
	if err != nil {
		return storageErr("set presence", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr("set presence", err)
	}
	if rowsAffected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (db *DB) Presence(ctx context.Context, identity string) (models.PresenceRecord, error) {
	var rec models.PresenceRecord
	var lastSeen sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT login, is_online, last_seen FROM users WHERE login_folded = ?", models.Fold(identity),
	).Scan(&rec.Identity, &rec.Online, &lastSeen)
	if err == sql.ErrNoRows {
		return rec, models.ErrNotFound
	}
	if err != nil {
		return rec, storageErr("presence", err)
	}

	if lastSeen.Valid {
		rec.LastSeenAt, _ = time.Parse(tsLayout, lastSeen.String)
	}
	return rec, nil
}
