package db

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"duochat/models"
)

// setupTestDB creates a database in a temporary directory with two users.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	for _, login := range []string{"Abid", "sara"} {
		if err := database.CreateUser(ctx, login, "secret"); err != nil {
			t.Fatalf("Failed to create user %s: %v", login, err)
		}
	}
	return database
}

func TestCreateUserCaseInsensitive(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateUser(ctx, "ABID", "other"); !errors.Is(err, models.ErrUserExists) {
		t.Errorf("Expected ErrUserExists, got %v", err)
	}

	canonical, err := database.ResolveUser(ctx, "abid")
	if err != nil {
		t.Fatalf("ResolveUser: %v", err)
	}
	if canonical != "Abid" {
		t.Errorf("Expected stored casing %q, got %q", "Abid", canonical)
	}

	if _, err := database.ResolveUser(ctx, "carol"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	login, ok, err := database.AuthenticateUser(ctx, "SARA", "secret")
	if err != nil || !ok {
		t.Fatalf("Expected successful auth, got ok=%v err=%v", ok, err)
	}
	if login != "sara" {
		t.Errorf("Expected canonical login sara, got %q", login)
	}

	if _, ok, _ := database.AuthenticateUser(ctx, "sara", "wrong"); ok {
		t.Error("Expected wrong password to fail")
	}
	if _, ok, _ := database.AuthenticateUser(ctx, "nobody", "secret"); ok {
		t.Error("Expected unknown user to fail")
	}
}

func TestAppendRejectsEmptyPayload(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if _, err := database.Append(ctx, "Abid", "sara", "", nil); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Expected ErrValidation, got %v", err)
	}

	messages, _, err := database.Page(ctx, "Abid", "sara", 0, 50)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("Rejected message must not be stored, got %d messages", len(messages))
	}
}

func TestAppendMonotonicUnderConcurrency(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	const senders, perSender = 4, 25
	var mu sync.Mutex
	var ids []int64
	var wg sync.WaitGroup

	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			from, to := "Abid", "sara"
			if s%2 == 1 {
				from, to = to, from
			}
			var last int64
			for i := 0; i < perSender; i++ {
				m, err := database.Append(ctx, from, to, "msg", nil)
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				if m.ID <= last {
					t.Errorf("ids not increasing for one caller: %d after %d", m.ID, last)
				}
				last = m.ID
				mu.Lock()
				ids = append(ids, m.ID)
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(ids) != senders*perSender {
		t.Fatalf("Expected %d ids, got %d", senders*perSender, len(ids))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < len(ids); i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("Duplicate id %d", ids[i])
		}
	}

	messages, _, err := database.Page(ctx, "abid", "SARA", 0, 200)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	for i := 1; i < len(messages); i++ {
		if !messages[i].Timestamp.After(messages[i-1].Timestamp) {
			t.Fatalf("timestamps not increasing with id at %d: %v then %v",
				messages[i].ID, messages[i-1].Timestamp, messages[i].Timestamp)
		}
	}
}

func TestAppendStoresMedia(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	media := []models.MediaRef{
		{URL: "/uploads/a.png", Kind: models.MediaImage},
		{URL: "/uploads/b.pdf", Kind: models.MediaDocument},
	}
	sent, err := database.Append(ctx, "Abid", "sara", "", media)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := database.Message(ctx, sent.ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if got.Content != "" || len(got.Media) != 2 || got.Media[1].Kind != models.MediaDocument {
		t.Errorf("Unexpected stored message: %+v", got)
	}
	if !got.Timestamp.Equal(sent.Timestamp) {
		t.Errorf("Timestamp changed on read: %v vs %v", got.Timestamp, sent.Timestamp)
	}

	if _, err := database.Append(ctx, "Abid", "sara", "x", []models.MediaRef{{URL: "/u", Kind: "exe"}}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation for bad kind, got %v", err)
	}
}

func TestPageRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	var all []int64
	for i := 0; i < 7; i++ {
		from, to := "Abid", "sara"
		if i%3 == 0 {
			from, to = to, from
		}
		m, err := database.Append(ctx, from, to, "hello", nil)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		all = append(all, m.ID)
	}
	// noise from another conversation
	if err := database.CreateUser(ctx, "carol", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Append(ctx, "carol", "sara", "psst", nil); err != nil {
		t.Fatal(err)
	}

	page0, more0, err := database.Page(ctx, "sara", "abid", 0, 3)
	if err != nil {
		t.Fatalf("Page 0: %v", err)
	}
	if !more0 || len(page0) != 3 {
		t.Fatalf("Page 0: got %d messages, hasMore=%v", len(page0), more0)
	}

	page1, more1, err := database.Page(ctx, "sara", "abid", page0[0].ID, 3)
	if err != nil {
		t.Fatalf("Page 1: %v", err)
	}
	if !more1 || len(page1) != 3 {
		t.Fatalf("Page 1: got %d messages, hasMore=%v", len(page1), more1)
	}

	page2, more2, err := database.Page(ctx, "sara", "abid", page1[0].ID, 3)
	if err != nil {
		t.Fatalf("Page 2: %v", err)
	}
	if more2 || len(page2) != 1 {
		t.Fatalf("Page 2: got %d messages, hasMore=%v", len(page2), more2)
	}

	var joined []int64
	for _, p := range [][]models.Message{page2, page1, page0} {
		for _, m := range p {
			joined = append(joined, m.ID)
		}
	}
	if len(joined) != len(all) {
		t.Fatalf("Expected %d messages, got %d", len(all), len(joined))
	}
	for i := range all {
		if joined[i] != all[i] {
			t.Fatalf("Mismatch at %d: got %v want %v", i, joined, all)
		}
	}
}

func TestPageStableUnderTailAppends(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := database.Append(ctx, "Abid", "sara", "old", nil); err != nil {
			t.Fatal(err)
		}
	}
	page0, _, _ := database.Page(ctx, "Abid", "sara", 0, 2)

	// new messages arrive between page fetches
	for i := 0; i < 3; i++ {
		if _, err := database.Append(ctx, "sara", "Abid", "new", nil); err != nil {
			t.Fatal(err)
		}
	}

	page1, hasMore, err := database.Page(ctx, "Abid", "sara", page0[0].ID, 2)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if hasMore || len(page1) != 2 {
		t.Fatalf("Expected the 2 oldest messages and no more, got %d hasMore=%v", len(page1), hasMore)
	}
	if page1[1].ID >= page0[0].ID {
		t.Errorf("Page boundary drifted: %d >= %d", page1[1].ID, page0[0].ID)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	m, err := database.Append(ctx, "Abid", "sara", "read me", nil)
	if err != nil {
		t.Fatal(err)
	}

	sender, changed, err := database.MarkRead(ctx, "SARA", m.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if sender != "Abid" || !changed {
		t.Errorf("First MarkRead: sender=%q changed=%v", sender, changed)
	}

	sender, changed, err = database.MarkRead(ctx, "sara", m.ID)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if sender != "Abid" || changed {
		t.Errorf("Second MarkRead: sender=%q changed=%v", sender, changed)
	}

	got, _ := database.Message(ctx, m.ID)
	if got.Status != models.StatusRead {
		t.Errorf("Expected status read, got %q", got.Status)
	}

	if _, _, err := database.MarkRead(ctx, "sara", 9999); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadByParticipantsOnly(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	if err := database.CreateUser(ctx, "carol", "secret"); err != nil {
		t.Fatal(err)
	}

	m, err := database.Append(ctx, "Abid", "sara", "private", nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := database.MarkRead(ctx, "carol", m.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Outsider: expected ErrNotFound, got %v", err)
	}

	sender, changed, err := database.MarkRead(ctx, "abid", m.ID)
	if err != nil {
		t.Fatalf("Sender MarkRead: %v", err)
	}
	if sender != "Abid" || changed {
		t.Errorf("Sender MarkRead: sender=%q changed=%v", sender, changed)
	}

	got, _ := database.Message(ctx, m.ID)
	if got.Status != models.StatusSent {
		t.Errorf("Expected status sent after non-recipient reads, got %q", got.Status)
	}
}

func TestNonASCIICaseFolding(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.CreateUser(ctx, "Ärger", "secret"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := database.CreateUser(ctx, "ärger", "other"); !errors.Is(err, models.ErrUserExists) {
		t.Errorf("Expected ErrUserExists for a case variant, got %v", err)
	}

	canonical, err := database.ResolveUser(ctx, "ÄRGER")
	if err != nil || canonical != "Ärger" {
		t.Errorf("ResolveUser: got %q, %v", canonical, err)
	}

	login, ok, err := database.AuthenticateUser(ctx, "ärger", "secret")
	if err != nil || !ok || login != "Ärger" {
		t.Errorf("AuthenticateUser: got %q ok=%v err=%v", login, ok, err)
	}

	if err := database.SetPresence(ctx, "ärger", true, time.Now()); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}
	rec, err := database.Presence(ctx, "ÄRGER")
	if err != nil || !rec.Online || rec.Identity != "Ärger" {
		t.Errorf("Presence: got %+v, %v", rec, err)
	}

	if _, err := database.Append(ctx, "Ärger", "sara", "hallo", nil); err != nil {
		t.Fatal(err)
	}
	messages, _, err := database.Page(ctx, "SARA", "ärger", 0, 10)
	if err != nil {
		t.Fatalf("Page: %v", err)
	}
	if len(messages) != 1 || messages[0].Sender != "Ärger" {
		t.Errorf("Expected the message under any casing, got %+v", messages)
	}
}

func TestMigrateBackfillsFoldedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	database, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := database.CreateUser(ctx, "Ölaf", "secret"); err != nil {
		t.Fatal(err)
	}
	if _, err := database.Append(ctx, "Ölaf", "Ölaf", "note", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := database.conn.Exec("UPDATE users SET login_folded = NULL"); err != nil {
		t.Fatal(err)
	}
	if _, err := database.conn.Exec("UPDATE messages SET sender_key = '', recipient_key = ''"); err != nil {
		t.Fatal(err)
	}
	database.Close()

	database, err = New(path)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer database.Close()

	if canonical, err := database.ResolveUser(ctx, "ölaf"); err != nil || canonical != "Ölaf" {
		t.Errorf("ResolveUser after backfill: got %q, %v", canonical, err)
	}
	messages, _, err := database.Page(ctx, "ÖLAF", "ölaf", 0, 10)
	if err != nil || len(messages) != 1 {
		t.Errorf("Page after backfill: got %d messages, %v", len(messages), err)
	}
}

func TestPresence(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	if err := database.SetPresence(ctx, "SARA", true, at); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	rec, err := database.Presence(ctx, "sara")
	if err != nil {
		t.Fatalf("Presence: %v", err)
	}
	if !rec.Online || !rec.LastSeenAt.Equal(at) || rec.Identity != "sara" {
		t.Errorf("Unexpected record: %+v", rec)
	}

	later := at.Add(time.Hour)
	if err := database.SetPresence(ctx, "sara", false, later); err != nil {
		t.Fatal(err)
	}
	rec, _ = database.Presence(ctx, "sara")
	if rec.Online || !rec.LastSeenAt.Equal(later) {
		t.Errorf("Unexpected record after offline: %+v", rec)
	}

	if err := database.SetPresence(ctx, "ghost", true, at); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestReopenKeepsTimestampsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.CreateUser(ctx, "a", "x"); err != nil {
		t.Fatal(err)
	}
	if err := first.CreateUser(ctx, "b", "x"); err != nil {
		t.Fatal(err)
	}
	m1, err := first.Append(ctx, "a", "b", "one", nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Close()

	second, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	m2, err := second.Append(ctx, "b", "a", "two", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m2.ID <= m1.ID || !m2.Timestamp.After(m1.Timestamp) {
		t.Errorf("Expected %d/%v to follow %d/%v", m2.ID, m2.Timestamp, m1.ID, m1.Timestamp)
	}
}
