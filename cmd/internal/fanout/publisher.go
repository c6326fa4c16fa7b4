// Package fanout mirrors bus events onto Redis pub/sub so processes
// outside this one can observe session activity.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"coedit/cmd/internal/collab"
)

const (
	defaultPrefix  = "coedit:"
	publishTimeout = 2 * time.Second
)

// RedisPublisher forwards every bus event to two channels:
// <prefix>session:<id> and <prefix>events.
type RedisPublisher struct {
	log    *slog.Logger
	client *redis.Client
	prefix string
	owned  bool

	sub    *collab.Subscription
	failed atomic.Uint64
}

// NewRedisPublisher dials redisURL and verifies the connection.
func NewRedisPublisher(log *slog.Logger, redisURL string, bus *collab.Bus) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	p := NewRedisPublisherWithClient(log, client, bus)
	p.owned = true
	return p, nil
}

// NewRedisPublisherWithClient uses an existing client; Close leaves it open.
func NewRedisPublisherWithClient(log *slog.Logger, client *redis.Client, bus *collab.Bus) *RedisPublisher {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &RedisPublisher{
		log:    log,
		client: client,
		prefix: defaultPrefix,
		sub:    bus.Subscribe(""),
	}
}

// SessionChannel is the per-session channel name.
func (p *RedisPublisher) SessionChannel(sessionID string) string {
	return p.prefix + "session:" + sessionID
}

// AllChannel carries every event.
func (p *RedisPublisher) AllChannel() string {
	return p.prefix + "events"
}

// Run publishes events until ctx is done or the subscription is closed.
func (p *RedisPublisher) Run(ctx context.Context) {
	defer p.sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.sub.C():
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.failed.Add(1)
				p.log.Warn("fanout.publish.fail", "type", ev.Type, "session_id", ev.SessionID, "err", err)
			}
		}
	}
}

// Publish encodes ev as JSON and sends it to both channels.
func (p *RedisPublisher) Publish(parent context.Context, ev collab.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(parent, publishTimeout)
	defer cancel()

	pipe := p.client.Pipeline()
	if ev.SessionID != "" {
		pipe.Publish(ctx, p.SessionChannel(ev.SessionID), raw)
	}
	pipe.Publish(ctx, p.AllChannel(), raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Failed reports publishes that returned an error.
func (p *RedisPublisher) Failed() uint64 { return p.failed.Load() }

// Dropped reports events lost to subscription backpressure.
func (p *RedisPublisher) Dropped() uint64 { return p.sub.Dropped() }

// Ping checks if Redis is reachable.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close stops Run and closes the client when this publisher dialed it.
func (p *RedisPublisher) Close() error {
	p.sub.Close()
	if p.owned {
		return p.client.Close()
	}
	return nil
}
