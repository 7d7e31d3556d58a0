// Package session persists small JSON records for in-flight app launches.
// A record is written before redirecting to the authorization server and read
// back once when the browser returns; expired records are reclaimed
// automatically.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrNotFound is returned when no record exists for a key, or when the stored
// payload can no longer be deserialized.
var ErrNotFound = errors.New("session data not found")

// Store is an in-memory, TTL-scoped key/value store for launch records.
type Store struct {
	cache *ttlcache.Cache[string, string]
}

// NewStore creates a store whose records expire after the given lifetime.
func NewStore(lifetime time.Duration) *Store {
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](lifetime),
	)
	go cache.Start()
	return &Store{cache: cache}
}

// Put serializes value as JSON and stores it under key, replacing any prior
// record.
func (s *Store) Put(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize session data: %w", err)
	}
	s.cache.Set(key, string(data), ttlcache.DefaultTTL)
	return nil
}

// Get deserializes the record stored under key into target. It returns
// ErrNotFound when the key is absent, expired, or holds a malformed payload.
func (s *Store) Get(key string, target any) error {
	item := s.cache.Get(key)
	if item == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal([]byte(item.Value()), target); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, err)
	}
	return nil
}

// Delete removes the record stored under key, if any.
func (s *Store) Delete(key string) {
	s.cache.Delete(key)
}

// Count returns the number of live records.
func (s *Store) Count() int {
	return s.cache.Len()
}

// Close stops the background expiration loop.
func (s *Store) Close() {
	s.cache.Stop()
}

// NewSessionKey generates a key for a launch record: the current epoch millis
// and a random non-negative integer. The random part keeps rapid successive
// launches within the same millisecond apart.
func NewSessionKey() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixMilli(), rand.IntN(100000000))
}
