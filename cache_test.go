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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultCache_GetMissThenAddThenHit(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 256, true)
	_, ok := c.Get("k")
	require.False(t, ok)

	c.AddOrUpdate("k", []byte("v"), time.Minute)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestResultCache_Remove(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 256, true)
	c.AddOrUpdate("k", []byte("v"), time.Minute)
	c.Remove("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestResultCache_Expiry(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 256, true)
	c.AddOrUpdate("k", []byte("v"), time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestBuildCacheKey_OnlyCachedParamsUsed(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 4096, true)
	params := []*Parameter{
		{ConvertedName: "a", OriginalStringValue: "1"},
		{ConvertedName: "b", OriginalStringValue: "2"},
	}
	k1 := c.buildCacheKey("select f(", params, []string{"a"})
	params[1].OriginalStringValue = "999"
	k2 := c.buildCacheKey("select f(", params, []string{"a"})
	require.Equal(t, k1, k2)
}

func TestBuildCacheKey_AllParamsWhenCachedParamsEmpty(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 4096, true)
	params := []*Parameter{{ConvertedName: "a", OriginalStringValue: "1"}}
	k1 := c.buildCacheKey("select f(", params, nil)
	params[0].OriginalStringValue = "2"
	k2 := c.buildCacheKey("select f(", params, nil)
	require.NotEqual(t, k1, k2)
}

func TestBuildCacheKey_HashedAboveThreshold(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 8, true)
	params := []*Parameter{{ConvertedName: "a", OriginalStringValue: "a very long value indeed"}}
	k := c.buildCacheKey("select f(", params, nil)
	require.Len(t, k, 64) // sha256 hex digest length
}

func TestBuildCacheKey_NotHashedWhenDisabled(t *testing.T) {
	c := newResultCache(time.Minute, time.Minute, 1, false)
	params := []*Parameter{{ConvertedName: "a", OriginalStringValue: "x"}}
	k := c.buildCacheKey("select f(", params, nil)
	require.NotEqual(t, 64, len(k))
}

func TestCacheable_RawNeverCached(t *testing.T) {
	e := &RoutineEndpoint{Cached: true, Raw: true}
	require.False(t, cacheable(e))
}

func TestCacheable_OctetStreamNeverCached(t *testing.T) {
	e := &RoutineEndpoint{Cached: true, ResponseContentType: "application/octet-stream"}
	require.False(t, cacheable(e))
}

func TestCacheable_PlainJSONCached(t *testing.T) {
	e := &RoutineEndpoint{Cached: true, ResponseContentType: "application/json"}
	require.True(t, cacheable(e))
}

func TestRowCountCacheable_ScalarAlwaysEligible(t *testing.T) {
	x := &executor{maxCacheableRows: 1}
	e := &RoutineEndpoint{Routine: &Routine{ReturnsSet: false}}
	require.True(t, x.rowCountCacheable(e, 50))
}

func TestRowCountCacheable_RowSetWithinLimit(t *testing.T) {
	x := &executor{maxCacheableRows: 10}
	e := &RoutineEndpoint{Routine: &Routine{ReturnsSet: true}}
	require.True(t, x.rowCountCacheable(e, 10))
}

func TestRowCountCacheable_RowSetOverLimit(t *testing.T) {
	x := &executor{maxCacheableRows: 10}
	e := &RoutineEndpoint{Routine: &Routine{ReturnsSet: true}}
	require.False(t, x.rowCountCacheable(e, 11))
}

func TestRowCountCacheable_UnlimitedWhenNotConfigured(t *testing.T) {
	x := &executor{maxCacheableRows: 0}
	e := &RoutineEndpoint{Routine: &Routine{ReturnsSet: true}}
	require.True(t, x.rowCountCacheable(e, 100000))
}

func TestRowCountCacheable_NamedRecordSubjectToLimit(t *testing.T) {
	x := &executor{maxCacheableRows: 10}
	e := &RoutineEndpoint{Routine: &Routine{ReturnsSet: false, ReturnsRecordType: true, ColumnCount: 3}}
	require.True(t, x.rowCountCacheable(e, 1))
	require.False(t, x.rowCountCacheable(e, 11))
}
