package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"coedit/cmd/internal/collab"
)

func setupPublisher(t *testing.T) (*RedisPublisher, *collab.Store, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	store := collab.NewStore()

	pub, err := NewRedisPublisher(nil, "redis://"+mr.Addr(), store.Bus())
	if err != nil {
		t.Fatalf("NewRedisPublisher failed: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	reader := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = reader.Close() })

	return pub, store, reader
}

func TestNewRedisPublisher_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewRedisPublisher(nil, "://nope", collab.NewBus(nil, 1)); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestRedisPublisher_Channels(t *testing.T) {
	t.Parallel()

	pub, _, _ := setupPublisher(t)
	if got := pub.SessionChannel("s1"); got != "coedit:session:s1" {
		t.Fatalf("session channel=%q", got)
	}
	if got := pub.AllChannel(); got != "coedit:events" {
		t.Fatalf("all channel=%q", got)
	}
	if err := pub.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRedisPublisher_ForwardsEvents(t *testing.T) {
	t.Parallel()

	pub, store, reader := setupPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := reader.Subscribe(ctx, pub.AllChannel())
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	go pub.Run(ctx)

	sess, err := store.CreateSession(collab.SessionConfig{DocumentID: "doc", CreatorID: "A"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ApplyChange(sess.ID, "A", collab.Operation{Kind: collab.OpInsert, Content: "hi"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	want := []collab.EventType{collab.EventSessionCreated, collab.EventChangeApplied}
	ch := ps.Channel()
	for i, typ := range want {
		select {
		case msg := <-ch:
			var got struct {
				Type      collab.EventType `json:"type"`
				SessionID string           `json:"session_id"`
				Version   int64            `json:"version"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if got.Type != typ || got.SessionID != sess.ID {
				t.Fatalf("message[%d]=%+v want type %s", i, got, typ)
			}
			if typ == collab.EventChangeApplied && got.Version != 1 {
				t.Fatalf("version=%d want 1", got.Version)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestRedisPublisher_PublishPerSession(t *testing.T) {
	t.Parallel()

	pub, _, reader := setupPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ps := reader.Subscribe(ctx, pub.SessionChannel("s1"))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := pub.Publish(ctx, collab.Event{Type: collab.EventTypingChanged, SessionID: "s2"}); err != nil {
		t.Fatalf("publish s2: %v", err)
	}
	if err := pub.Publish(ctx, collab.Event{Type: collab.EventTypingChanged, SessionID: "s1"}); err != nil {
		t.Fatalf("publish s1: %v", err)
	}

	select {
	case msg := <-ps.Channel():
		var got collab.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.SessionID != "s1" {
			t.Fatalf("received event for %q on s1 channel", got.SessionID)
		}
	case <-ctx.Done():
		t.Fatalf("timed out")
	}
}
