package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pagesync/internal/doc"
	"pagesync/internal/room"
)

// Envelope is a room message forwarded between relay instances.
type Envelope struct {
	Instance string       `json:"instance"`
	Room     string       `json:"room"`
	Message  room.Message `json:"message"`
}

// Bus fans room traffic out to the other relay instances.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe blocks, calling fn for every envelope, until ctx is done.
	Subscribe(ctx context.Context, fn func(Envelope)) error
}

// StateStore keeps document room state across relay restarts and instances.
type StateStore interface {
	Load(ctx context.Context, id room.ID) (doc.State, bool, error)
	Save(ctx context.Context, id room.ID, state doc.State) error
}

type localBus struct{}

func (localBus) Publish(context.Context, Envelope) error { return nil }

func (localBus) Subscribe(ctx context.Context, _ func(Envelope)) error {
	<-ctx.Done()
	return nil
}

// DialRedis parses redisURL and checks the server answers.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisBus publishes every room on its own channel and listens on all of
// them with one pattern subscription.
type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: "pagesync:room:"}
}

func (b *RedisBus) channel(name string) string {
	return b.prefix + name
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(env.Room), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Room, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Envelope)) error {
	pubsub := b.client.PSubscribe(ctx, b.channel("*"))
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe rooms: %w", err)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("room subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if err := env.Message.Validate(); err != nil {
				continue
			}
			fn(env)
		}
	}
}

// RedisStateStore keeps one JSON encoded document state per room.
type RedisStateStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStateStore stores states with ttl; zero keeps them forever.
func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: "pagesync:state:", ttl: ttl}
}

func (s *RedisStateStore) key(id room.ID) string {
	return s.prefix + id.String()
}

// saveAttempts bounds how often Save retries after losing a WATCH race.
const saveAttempts = 8

// Save merges state into the stored one instead of overwriting it, so relay
// instances sharing the store never drop each other's updates. The
// read-merge-write runs under WATCH and is retried on conflict.
func (s *RedisStateStore) Save(ctx context.Context, id room.ID, state doc.State) error {
	key := s.key(id)
	merge := func(tx *redis.Tx) error {
		merged := doc.New(room.ServerReplica)
		stored, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var current doc.State
			if err := json.Unmarshal(stored, &current); err != nil {
				return fmt.Errorf("unmarshal room state: %w", err)
			}
			if _, err := merged.ApplyState(current); err != nil {
				return err
			}
		}
		if _, err := merged.ApplyState(state); err != nil {
			return err
		}
		payload, err := json.Marshal(merged.State())
		if err != nil {
			return fmt.Errorf("marshal room state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < saveAttempts; attempt++ {
		err := s.client.Watch(ctx, merge, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save room state: %w", err)
		}
		return nil
	}
	return fmt.Errorf("save room state: %w", redis.TxFailedErr)
}

func (s *RedisStateStore) Load(ctx context.Context, id room.ID) (doc.State, bool, error) {
	payload, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return doc.State{}, false, nil
	}
	if err != nil {
		return doc.State{}, false, fmt.Errorf("load room state: %w", err)
	}
	var state doc.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return doc.State{}, false, fmt.Errorf("unmarshal room state: %w", err)
	}
	return state, true, nil
}
