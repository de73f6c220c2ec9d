// Package redis holds the KV-backed stream session store. Redis is the
// single source of truth for whether a stream token is valid, consumed
// or expired; the gateway never tracks that state in memory.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quarrylabs/quarry/internal/domain"
	"github.com/quarrylabs/quarry/internal/domain/models"
)

const (
	sessionKeyPrefix = "stream:"
	claimedSuffix    = ":claimed"
)

// SessionStore keeps stream sessions between the prepare and stream
// steps. A claim tombstone with its own TTL distinguishes "consumed"
// from "never existed or expired" so replayed tokens get the right
// error.
type SessionStore struct {
	client *redis.Client
	// claimTTL bounds how long the tombstone outlives the claim; it must
	// cover the session TTL plus the stream wall-clock cap.
	claimTTL time.Duration
}

func NewSessionStore(client *redis.Client, claimTTL time.Duration) *SessionStore {
	if claimTTL <= 0 {
		claimTTL = 15 * time.Minute
	}
	return &SessionStore{client: client, claimTTL: claimTTL}
}

func sessionKey(token string) string { return sessionKeyPrefix + token }
func claimKey(token string) string   { return sessionKeyPrefix + token + claimedSuffix }

// Put stores the session under its token with the given TTL.
func (s *SessionStore) Put(ctx context.Context, session *models.StreamSession, ttl time.Duration) error {
	if session.Token == "" {
		return fmt.Errorf("stream session has no token")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal stream session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(session.Token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("store stream session: %w", err)
	}
	return nil
}

// Claim atomically resolves and consumes a token. The SETNX on the
// tombstone is the claim itself: exactly one caller wins it, everyone
// after that gets ErrStreamConsumed even while the session key is
// still present.
func (s *SessionStore) Claim(ctx context.Context, token string) (*models.StreamSession, error) {
	claimed, err := s.client.SetNX(ctx, claimKey(token), "1", s.claimTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stream session: %w", err)
	}
	if !claimed {
		return nil, domain.ErrStreamConsumed
	}

	data, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Claimed a token that has no session: it expired or never
		// existed. Drop the tombstone so the caller's error is not
		// misreported as consumed on a retry.
		s.client.Del(ctx, claimKey(token))
		return nil, domain.ErrStreamTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("load stream session: %w", err)
	}

	var session models.StreamSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode stream session: %w", err)
	}
	return &session, nil
}

// Delete removes the session key. The claim tombstone is left to its
// own TTL so late duplicate GETs still see "consumed".
func (s *SessionStore) Delete(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, sessionKey(token)).Err(); err != nil {
		return fmt.Errorf("delete stream session: %w", err)
	}
	return nil
}

// SweepOrphans scans the stream keyspace for keys that lost their TTL
// (for example through a careless manual PERSIST) and removes any older
// than the configured session lifetime. Returns how many were removed.
func (s *SessionStore) SweepOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	var removed int
	iter := s.client.Scan(ctx, 0, sessionKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return removed, fmt.Errorf("ttl %s: %w", key, err)
		}
		if ttl != -1 {
			continue
		}
		// No TTL: inspect the embedded creation time where possible,
		// otherwise delete outright.
		stale := true
		if data, err := s.client.Get(ctx, key).Bytes(); err == nil {
			var session models.StreamSession
			if json.Unmarshal(data, &session) == nil && !session.CreatedAt.IsZero() {
				stale = time.Since(session.CreatedAt) > olderThan
			}
		}
		if !stale {
			continue
		}
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return removed, fmt.Errorf("delete orphan %s: %w", key, err)
		}
		removed++
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan stream keys: %w", err)
	}
	return removed, nil
}

// Ping reports whether the store's Redis backend answers.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
