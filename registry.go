// Copyright 2026 The llamadyn Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package llamadyn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
)

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	KeepAlive   time.Duration // How long idle sessions stay registered (0 = forever)
	MaxSessions uint64        // Max concurrent sessions (0 = unlimited)
}

// SessionRegistry tracks live sessions with TTL-based expiry of idle ones.
// Sessions in active use are protected from eviction by reference counting.
type SessionRegistry struct {
	logger *zap.Logger

	cache *ttlcache.Cache[string, *Session]

	refCounts   map[string]int
	refCountsMu sync.Mutex

	keepAlive   time.Duration
	maxSessions uint64
}

// NewSessionRegistry creates a session registry.
func NewSessionRegistry(config RegistryConfig, logger *zap.Logger) *SessionRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}

	keepAlive := config.KeepAlive
	if keepAlive == 0 {
		keepAlive = ttlcache.NoTTL
	}

	registry := &SessionRegistry{
		logger:      logger,
		refCounts:   make(map[string]int),
		keepAlive:   keepAlive,
		maxSessions: config.MaxSessions,
	}

	cacheOpts := []ttlcache.Option[string, *Session]{
		ttlcache.WithTTL[string, *Session](keepAlive),
	}
	if config.MaxSessions > 0 {
		cacheOpts = append(cacheOpts,
			ttlcache.WithCapacity[string, *Session](config.MaxSessions))
	}
	registry.cache = ttlcache.New(cacheOpts...)

	// Eviction closes idle sessions. Manual deletion is handled
	// synchronously by Remove/Close, so only expiry and capacity
	// eviction close here.
	registry.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Session]) {
		if reason == ttlcache.EvictionReasonDeleted {
			return
		}

		reasonStr := "unknown"
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonStr = "expired (keep-alive timeout)"
		case ttlcache.EvictionReasonCapacityReached:
			reasonStr = "capacity reached (LRU eviction)"
		}

		// Hold the lock through check-and-reinsert to avoid racing a
		// concurrent Release.
		registry.refCountsMu.Lock()
		refCount := registry.refCounts[item.Key()]
		if refCount > 0 {
			registry.cache.Set(item.Key(), item.Value(), registry.keepAlive)
			registry.refCountsMu.Unlock()
			logger.Warn("Preventing eviction of session with active references",
				zap.String("session", item.Key()),
				zap.Int("refCount", refCount),
				zap.String("reason", reasonStr))
			return
		}
		registry.refCountsMu.Unlock()

		logger.Info("Evicting idle session",
			zap.String("session", item.Key()),
			zap.String("reason", reasonStr))
		item.Value().Close()
		SetActiveSessions(registry.cache.Len())
	})

	go registry.cache.Start()

	logger.Info("Session registry initialized",
		zap.Duration("keep_alive", keepAlive),
		zap.Uint64("max_sessions", config.MaxSessions))

	return registry
}

// Register adds a session. The id must be unused.
func (r *SessionRegistry) Register(sess *Session) error {
	if r.cache.Has(sess.ID()) {
		return fmt.Errorf("session already registered: %s", sess.ID())
	}
	r.cache.Set(sess.ID(), sess, r.keepAlive)
	SetActiveSessions(r.cache.Len())
	r.logger.Debug("Registered session", zap.String("session", sess.ID()))
	return nil
}

// Get returns a session by id without tracking usage. Prefer Acquire for
// long-running work so the session cannot be evicted mid-use.
func (r *SessionRegistry) Get(id string) (*Session, error) {
	if item := r.cache.Get(id); item != nil {
		return item.Value(), nil
	}
	return nil, fmt.Errorf("session not found: %s", id)
}

// Acquire returns a session by id and increments its reference count. The
// caller must Release when done.
func (r *SessionRegistry) Acquire(id string) (*Session, error) {
	sess, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	r.refCountsMu.Lock()
	r.refCounts[id]++
	count := r.refCounts[id]
	r.refCountsMu.Unlock()

	r.logger.Debug("Acquired session",
		zap.String("session", id),
		zap.Int("refCount", count))
	return sess, nil
}

// Release decrements the reference count after Acquire.
func (r *SessionRegistry) Release(id string) {
	r.refCountsMu.Lock()
	if r.refCounts[id] > 0 {
		r.refCounts[id]--
	}
	count := r.refCounts[id]
	r.refCountsMu.Unlock()

	r.logger.Debug("Released session",
		zap.String("session", id),
		zap.Int("refCount", count))
}

// Remove closes a session and drops it from the registry.
func (r *SessionRegistry) Remove(id string) error {
	item := r.cache.Get(id)
	if item == nil {
		return fmt.Errorf("session not found: %s", id)
	}
	r.cache.Delete(id)
	item.Value().Close()
	SetActiveSessions(r.cache.Len())
	return nil
}

// List returns the registered session ids.
func (r *SessionRegistry) List() []string {
	return r.cache.Keys()
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	return r.cache.Len()
}

// Close stops the registry and closes all sessions synchronously.
func (r *SessionRegistry) Close() {
	r.logger.Info("Closing session registry")

	r.cache.Stop()

	for _, key := range r.cache.Keys() {
		if item := r.cache.Get(key); item != nil {
			r.logger.Debug("Closing session", zap.String("session", key))
			item.Value().Close()
		}
	}
	r.cache.DeleteAll()
	SetActiveSessions(0)
}
