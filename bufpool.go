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
	"strings"
	"sync"
)

// builderPool recycles strings.Builder values across the two hottest
// string-assembly paths in the gateway: one per streamed row
// (streamer.go's rowToJSON) and one per cacheable request (cache.go's
// buildCacheKey). Both run far more often than they allocate once the pool
// warms up, and neither ever lets a *strings.Builder escape past the call
// that borrowed it, so returning it to the pool is always safe.
var builderPool = sync.Pool{
	New: func() interface{} { return new(strings.Builder) },
}

// getBuilder returns a reset, ready-to-use builder.
func getBuilder() *strings.Builder {
	b := builderPool.Get().(*strings.Builder)
	b.Reset()
	return b
}

// putBuilder returns b to the pool. Builders that have grown very large
// (a wide composite row, a huge cache key) are dropped instead of pooled,
// so one oversized request doesn't pin that memory behind the pool for
// every future caller.
func putBuilder(b *strings.Builder) {
	const maxPooledCap = 64 << 10
	if b.Cap() > maxPooledCap {
		return
	}
	builderPool.Put(b)
}
