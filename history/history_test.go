package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"duochat/db"
	"duochat/models"
	"duochat/presence"
)

func setupService(t *testing.T, messages int) (*Service, *db.DB) {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	for _, u := range []string{"abid", "sara"} {
		if err := store.CreateUser(ctx, u, "secret"); err != nil {
			t.Fatal(err)
		}
	}
	for i := 1; i <= messages; i++ {
		from, to := "abid", "sara"
		if i%2 == 0 {
			from, to = to, from
		}
		if _, err := store.Append(ctx, from, to, fmt.Sprintf("m%d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	pairs, err := presence.NewFixedPairs([]string{"abid:sara"})
	if err != nil {
		t.Fatal(err)
	}
	return NewService(store, pairs), store
}

func TestCursorRoundTrip(t *testing.T) {
	id, err := DecodeCursor(EncodeCursor(42))
	if err != nil || id != 42 {
		t.Errorf("DecodeCursor = %d, %v", id, err)
	}

	for _, tok := range []string{"", "0"} {
		if id, err := DecodeCursor(tok); err != nil || id != 0 {
			t.Errorf("DecodeCursor(%q) = %d, %v", tok, id, err)
		}
	}

	for _, tok := range []string{"!!", EncodeCursor(-1), "e30="} {
		if _, err := DecodeCursor(tok); !errors.Is(err, models.ErrValidation) {
			t.Errorf("DecodeCursor(%q): expected ErrValidation, got %v", tok, err)
		}
	}
}

func TestInitialThenOlder(t *testing.T) {
	svc, _ := setupService(t, 5)
	ctx := context.Background()

	first, err := svc.Initial(ctx, "sara", 3)
	if err != nil {
		t.Fatalf("Initial: %v", err)
	}
	if len(first.Messages) != 3 || !first.HasMore || first.NextCursor == "" {
		t.Fatalf("Unexpected first page: %+v", first)
	}
	if first.Messages[0].Content != "m3" || first.Messages[2].Content != "m5" {
		t.Errorf("First page should hold m3..m5, got %s..%s", first.Messages[0].Content, first.Messages[2].Content)
	}
	if first.Anchor != first.Messages[0].ID {
		t.Errorf("Anchor = %d, want %d", first.Anchor, first.Messages[0].ID)
	}

	second, err := svc.Older(ctx, "SARA", first.NextCursor, 3)
	if err != nil {
		t.Fatalf("Older: %v", err)
	}
	if len(second.Messages) != 2 || second.HasMore || second.NextCursor != "" {
		t.Fatalf("Unexpected second page: %+v", second)
	}

	all := append(second.Messages, first.Messages...)
	for i, m := range all {
		if want := fmt.Sprintf("m%d", i+1); m.Content != want {
			t.Errorf("position %d: got %s, want %s", i, m.Content, want)
		}
	}
}

func TestOlderRequiresCursor(t *testing.T) {
	svc, _ := setupService(t, 1)
	if _, err := svc.Older(context.Background(), "abid", "", 10); !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ErrValidation, got %v", err)
	}
}

func TestEmptyConversation(t *testing.T) {
	svc, _ := setupService(t, 0)
	page, err := svc.Initial(context.Background(), "abid", 0)
	if err != nil {
		t.Fatal(err)
	}
	if page.Messages == nil || len(page.Messages) != 0 || page.HasMore || page.Anchor != 0 {
		t.Errorf("Unexpected empty page: %+v", page)
	}
}

func TestViewerWithoutConversation(t *testing.T) {
	svc, _ := setupService(t, 1)
	if _, err := svc.Initial(context.Background(), "carol", 10); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultLimit},
		{-5, DefaultLimit},
		{1, 1},
		{200, 200},
		{1000, MaxLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
