// Package redisstore keeps auditry log entries in Redis lists, one list per entity type.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mickamy/auditry"
)

// Config defines the options of a Store.
type Config struct {
	Prefix  string // list key prefix (default: "auditlog:")
	Channel string // when set, every entry is also published on this channel
}

// Store is an auditry.Store appending JSON-encoded entries with RPUSH.
type Store struct {
	client *redis.Client
	cfg    Config
}

var _ auditry.Store = (*Store)(nil)

// New returns a Store using client.
func New(client *redis.Client, cfg Config) *Store {
	if cfg.Prefix == "" {
		cfg.Prefix = "auditlog:"
	}
	return &Store{client: client, cfg: cfg}
}

// Key returns the list key holding the entries of entityType.
func (s *Store) Key(entityType string) string {
	return s.cfg.Prefix + entityType
}

// Append pushes e onto its entity type list. Write errors are returned as is.
func (s *Store) Append(ctx context.Context, e auditry.LogEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("auditry: failed to marshal log entry: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.Key(e.EntityType), b)
		if s.cfg.Channel != "" {
			pipe.Publish(ctx, s.cfg.Channel, b)
		}
		return nil
	})
	return err
}

// Entries returns the entries of entityType, oldest first.
func (s *Store) Entries(ctx context.Context, entityType string) ([]auditry.LogEntry, error) {
	raw, err := s.client.LRange(ctx, s.Key(entityType), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]auditry.LogEntry, 0, len(raw))
	for _, r := range raw {
		var e auditry.LogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("auditry: failed to decode log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribe listens for entries published on the configured channel.
func (s *Store) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, s.cfg.Channel)
}
