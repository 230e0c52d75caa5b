package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"duochat/logger"
)

func setupRedisStore(t *testing.T) (*RedisStore, *memStore) {
	t.Helper()
	url := os.Getenv("DUOCHAT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DUOCHAT_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := NewRedisClient(ctx, url, 0)
	if err != nil {
		t.Fatalf("NewRedisClient: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, presenceKeyPrefix+"abid", presenceKeyPrefix+"sara")
		client.SRem(ctx, onlineSetKey, "abid", "sara")
		client.Close()
	})

	durable := newMemStore("abid", "sara")
	return NewRedisStore(client, durable, logger.Discard()), durable
}

func TestRedisStoreWriteThrough(t *testing.T) {
	rs, durable := setupRedisStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := rs.SetPresence(ctx, "abid", true, at); err != nil {
		t.Fatalf("SetPresence: %v", err)
	}

	if rec, _ := durable.Presence(ctx, "abid"); !rec.Online {
		t.Error("Durable store was not written")
	}

	rec, err := rs.Presence(ctx, "ABID")
	if err != nil {
		t.Fatalf("Presence: %v", err)
	}
	if !rec.Online || !rec.LastSeenAt.Equal(at) {
		t.Errorf("Unexpected record: %+v", rec)
	}

	online, err := rs.OnlineUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, u := range online {
		if u == "abid" {
			found = true
		}
	}
	if !found {
		t.Errorf("abid missing from online set: %v", online)
	}

	if err := rs.SetPresence(ctx, "abid", false, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	online, _ = rs.OnlineUsers(ctx)
	for _, u := range online {
		if u == "abid" {
			t.Error("abid still in online set after going offline")
		}
	}
}

func TestRedisStoreFallsBackToDurable(t *testing.T) {
	rs, durable := setupRedisStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Written behind the mirror's back.
	durable.SetPresence(ctx, "sara", true, at)

	rec, err := rs.Presence(ctx, "sara")
	if err != nil {
		t.Fatalf("Presence: %v", err)
	}
	if !rec.Online {
		t.Errorf("Expected durable record, got %+v", rec)
	}
}

func TestRedisStoreDurableErrorPropagates(t *testing.T) {
	rs, _ := setupRedisStore(t)
	if err := rs.SetPresence(context.Background(), "carol", true, time.Now()); err == nil {
		t.Error("Expected error for unknown user")
	}
}
