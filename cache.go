/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package dbrest

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
)

// resultCache is the Result Cache of spec.md §4.4: a TTL map keyed by a
// canonical string built from a routine's invocation template and its
// cache-relevant bound parameter values, with a single background sweeper
// (go-cache's own janitor) evicting expired entries.
type resultCache struct {
	store             *gocache.Cache
	hashKeyThreshold  int
	hashingEnabled    bool
}

// newResultCache builds a cache whose sweeper runs every cleanupInterval.
// defaultExpiration is used when an endpoint doesn't set CacheExpiresIn.
func newResultCache(defaultExpiration, cleanupInterval time.Duration, hashKeyThreshold int, hashingEnabled bool) *resultCache {
	return &resultCache{
		store:            gocache.New(defaultExpiration, cleanupInterval),
		hashKeyThreshold: hashKeyThreshold,
		hashingEnabled:   hashingEnabled,
	}
}

// buildCacheKey concatenates the routine's invocation template with the
// canonical string value of every parameter named in cachedParams (all
// parameters, in routine order, if cachedParams is empty), separated by a
// control byte that cannot appear in any parameter's text form. When the
// resulting key is longer than hashKeyThreshold and hashing is enabled, it
// is replaced by its SHA-256 hex digest; this keeps map bucket comparisons
// cheap for endpoints with long array/JSON parameters without weakening
// collision resistance down to xxhash's 64 bits.
func (c *resultCache) buildCacheKey(expression string, params []*Parameter, cachedParams []string) string {
	want := make(map[string]struct{}, len(cachedParams))
	for _, n := range cachedParams {
		want[n] = struct{}{}
	}

	b := getBuilder()
	defer putBuilder(b)
	b.WriteString(expression)
	for _, p := range params {
		if len(want) > 0 {
			if _, ok := want[p.ConvertedName]; !ok {
				continue
			}
		}
		b.WriteByte(0x1f) // unit separator: never appears in parameter text
		b.WriteString(p.OriginalStringValue)
	}
	key := b.String()

	if c.hashingEnabled && len(key) > c.hashKeyThreshold {
		sum := sha256.Sum256([]byte(key))
		return hex.EncodeToString(sum[:])
	}
	return key
}

// prehash returns a fast, non-cryptographic 64-bit digest of a cache key,
// for debug logging: the raw key embeds bound parameter values, which may
// be sensitive, so executor.go logs this instead. Grounded on the
// teacher's xxhash-based makeCacheKey.
func prehash(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Get returns the cached value for key and whether it was present and not
// expired. go-cache itself lazily skips expired items and its janitor
// reclaims them in the background, so a miss here never requires an
// explicit delete from the caller.
func (c *resultCache) Get(key string) ([]byte, bool) {
	v, ok := c.store.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// AddOrUpdate stores value under key, expiring it after ttl (or never, if
// ttl <= 0).
func (c *resultCache) AddOrUpdate(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		c.store.Set(key, value, gocache.NoExpiration)
		return
	}
	c.store.Set(key, value, ttl)
}

// Remove deletes key, used by cache-invalidation endpoints (the
// `invalidateCache` list on a RoutineEndpoint).
func (c *resultCache) Remove(key string) {
	c.store.Delete(key)
}

// cacheable reports whether an endpoint's result is a candidate for
// caching at all: binary and raw responses are never cached, and a row set
// longer than maxCacheableRows is dropped from caching after the fact by
// the executor (rowCountCacheable), not here.
func cacheable(e *RoutineEndpoint) bool {
	if !e.Cached {
		return false
	}
	if e.Raw {
		return false
	}
	if e.ResponseContentType == "application/octet-stream" {
		return false
	}
	return true
}
