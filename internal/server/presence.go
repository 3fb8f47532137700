// Package server integrates the shared Redis presence set that makes online
// state visible to every relay instance behind the load balancer.
package server

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const onlineUsersKey = "online_users"

// PresenceStore wraps the shared Redis set of online user identifiers.
// Membership of an id in the set is the presence record; there is no richer
// object behind it. Every insertion refreshes the TTL on the whole set so a
// crashed instance can never leak entries for longer than the TTL window.
type PresenceStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewPresenceStore creates a presence store over the given Redis client.
// The prefix namespaces the online-users key per deployment.
func NewPresenceStore(client *redis.Client, prefix string, ttl time.Duration) *PresenceStore {
	return &PresenceStore{
		client: client,
		key:    prefix + onlineUsersKey,
		ttl:    ttl,
	}
}

// Add inserts a user id into the online set and resets the set's TTL.
// Idempotent: repeated calls leave the id present exactly once.
func (s *PresenceStore) Add(ctx context.Context, userID string) error {
	if err := s.client.SAdd(ctx, s.key, userID).Err(); err != nil {
		return fmt.Errorf("presence add: %w", err)
	}
	if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence ttl refresh: %w", err)
	}
	return nil
}

// Remove deletes a user id from the online set. No-op if the id is absent.
func (s *PresenceStore) Remove(ctx context.Context, userID string) error {
	if err := s.client.SRem(ctx, s.key, userID).Err(); err != nil {
		return fmt.Errorf("presence remove: %w", err)
	}
	return nil
}

// IsMember reports whether a user id is currently in the online set.
func (s *PresenceStore) IsMember(ctx context.Context, userID string) (bool, error) {
	member, err := s.client.SIsMember(ctx, s.key, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence check: %w", err)
	}
	return member, nil
}

// Online returns every user id currently in the online set.
func (s *PresenceStore) Online(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	return members, nil
}
