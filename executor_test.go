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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildStatement_PlaceholdersInOrdinalOrder(t *testing.T) {
	rt := &Routine{Expression: "select a, b from public.f("}
	params := []*Parameter{
		{Ordinal: 0, Value: int64(1)},
		{Ordinal: 1, Value: "x"},
	}
	sql, args := buildStatement(rt, params)
	require.Equal(t, "select a, b from public.f($1,$2)", sql)
	require.Equal(t, []interface{}{int64(1), "x"}, args)
}

func TestBuildStatement_NoParameters(t *testing.T) {
	rt := &Routine{Expression: "select public.now_ish("}
	sql, args := buildStatement(rt, nil)
	require.Equal(t, "select public.now_ish()", sql)
	require.Empty(t, args)
}

func TestIsStrictNullShortCircuit(t *testing.T) {
	e := &RoutineEndpoint{Routine: &Routine{IsStrict: true}}
	params := []*Parameter{{Bound: true, Value: nil}}
	require.True(t, isStrictNullShortCircuit(e, params))

	params = []*Parameter{{Bound: true, Value: int64(1)}}
	require.False(t, isStrictNullShortCircuit(e, params))

	// non-strict routines never short-circuit
	e = &RoutineEndpoint{Routine: &Routine{}}
	params = []*Parameter{{Bound: true, Value: nil}}
	require.False(t, isStrictNullShortCircuit(e, params))
}

func TestDecodeJSONBody_ObjectAndEmpty(t *testing.T) {
	r := httptest.NewRequest("POST", "/f", strings.NewReader(`{"a":1}`))
	body, hasBody, err := decodeJSONBody(r)
	require.NoError(t, err)
	require.True(t, hasBody)
	require.Equal(t, float64(1), body["a"])

	r = httptest.NewRequest("POST", "/f", nil)
	body, hasBody, err = decodeJSONBody(r)
	require.NoError(t, err)
	require.False(t, hasBody)
	require.Nil(t, body)
}

func TestDecodeJSONBody_MalformedRejected(t *testing.T) {
	r := httptest.NewRequest("POST", "/f", strings.NewReader(`{"a":`))
	_, _, err := decodeJSONBody(r)
	require.Error(t, err)
}

func TestClientIP_ForwardedForWins(t *testing.T) {
	r := httptest.NewRequest("GET", "/f", nil)
	r.RemoteAddr = "192.0.2.1:4711"
	require.Equal(t, "192.0.2.1", clientIP(r))

	r.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	require.Equal(t, "198.51.100.7", clientIP(r))
}

func TestResolveContentType_ShapeDriven(t *testing.T) {
	scalarInt := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{newScalarTypeDescriptor("int4")}}
	require.Equal(t, "text/plain; charset=utf-8", resolveContentType(&RoutineEndpoint{}, scalarInt))

	scalarJSON := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{newScalarTypeDescriptor("jsonb")}}
	require.Equal(t, "application/json", resolveContentType(&RoutineEndpoint{}, scalarJSON))

	scalarBytes := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{newScalarTypeDescriptor("bytea")}}
	require.Equal(t, "application/octet-stream", resolveContentType(&RoutineEndpoint{}, scalarBytes))

	rowSet := &Routine{ReturnsSet: true, ReturnsRecordType: true, ColumnCount: 2}
	require.Equal(t, "application/json", resolveContentType(&RoutineEndpoint{}, rowSet))

	// an explicit endpoint content type always wins
	forced := &RoutineEndpoint{ResponseContentType: "text/csv"}
	require.Equal(t, "text/csv", resolveContentType(forced, rowSet))
}
