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

package refresh

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CacheTTL is the default TTL for cached refresh results. Service output is
// a pure function of (grammar id, preceding text, new token), so a session
// regenerating the same prefix, or forked sessions walking the same text,
// can reuse it safely.
const CacheTTL = 2 * time.Minute

// CachedRefresher wraps a Refresher with TTL caching and concurrent-request
// deduplication.
type CachedRefresher struct {
	inner   Refresher
	cache   *ttlcache.Cache[string, Result]
	sfGroup *singleflight.Group
	logger  *zap.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
	sfHits atomic.Uint64
}

// NewCachedRefresher wraps inner with caching. Close releases the cache's
// background janitor.
func NewCachedRefresher(inner Refresher, ttl time.Duration, logger *zap.Logger) *CachedRefresher {
	if ttl <= 0 {
		ttl = CacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := ttlcache.New(
		ttlcache.WithTTL[string, Result](ttl),
	)
	go cache.Start()

	return &CachedRefresher{
		inner:   inner,
		cache:   cache,
		sfGroup: &singleflight.Group{},
		logger:  logger,
	}
}

// Refresh returns the cached result for an identical request when present,
// deduplicating concurrent identical service calls otherwise. Errors are
// never cached.
func (c *CachedRefresher) Refresh(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req)

	if item := c.cache.Get(key); item != nil {
		c.hits.Add(1)
		c.logger.Debug("Grammar refresh cache hit",
			zap.String("grammar_id", req.GrammarID))
		return item.Value(), nil
	}

	result, err, shared := c.sfGroup.Do(key, func() (any, error) {
		c.misses.Add(1)

		start := time.Now()
		res, err := c.inner.Refresh(ctx, req)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, res, ttlcache.DefaultTTL)

		c.logger.Debug("Grammar refreshed and cached",
			zap.String("grammar_id", req.GrammarID),
			zap.Int("grammar_bytes", len(res.GrammarText)),
			zap.Duration("duration", time.Since(start)))

		return res, nil
	})

	if err != nil {
		return Result{}, err
	}

	if shared {
		c.sfHits.Add(1)
		c.logger.Debug("Singleflight hit for grammar refresh",
			zap.String("grammar_id", req.GrammarID))
	}

	return result.(Result), nil
}

// Stats returns hit/miss counters for this refresher.
func (c *CachedRefresher) Stats() CacheStats {
	return CacheStats{
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		SingleflightHits: c.sfHits.Load(),
		Items:            c.cache.Len(),
	}
}

// CacheStats holds refresh cache statistics.
type CacheStats struct {
	Hits             uint64 `json:"hits"`
	Misses           uint64 `json:"misses"`
	SingleflightHits uint64 `json:"singleflight_hits"`
	Items            int    `json:"items"`
}

// Close stops the cache janitor.
func (c *CachedRefresher) Close() {
	c.cache.Stop()
}

// cacheKey hashes a request into a compact cache key.
func cacheKey(req Request) string {
	h := xxhash.New()
	_, _ = h.WriteString(req.GrammarID)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(req.PrecedingText)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(req.NewTokenText)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h.Sum64())
	return string(buf[:])
}
