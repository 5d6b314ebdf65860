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

	"github.com/stretchr/testify/require"
)

func TestLookupCategory_Numeric(t *testing.T) {
	require.True(t, lookupCategory("int4").has(catNumeric))
	require.True(t, lookupCategory("double precision").has(catNumeric))
	require.False(t, lookupCategory("int4").has(catNeedsEscape))
}

func TestLookupCategory_TextNeedsEscape(t *testing.T) {
	c := lookupCategory("text")
	require.True(t, c.has(catText))
	require.True(t, c.has(catNeedsEscape))
}

func TestLookupCategory_JSONNeverEscaped(t *testing.T) {
	c := lookupCategory("jsonb")
	require.True(t, c.has(catJSON))
	require.False(t, c.has(catNeedsEscape))
}

func TestLookupCategory_UnknownDefaultsToEscapedText(t *testing.T) {
	c := lookupCategory("my_custom_enum")
	require.True(t, c.has(catText))
	require.True(t, c.has(catNeedsEscape))
}

func TestLookupCategory_CaseAndSpaceInsensitive(t *testing.T) {
	require.True(t, lookupCategory("  BOOLEAN ").has(catBoolean))
}

func TestNewScalarTypeDescriptor_Array(t *testing.T) {
	d := newScalarTypeDescriptor("int4[]")
	require.True(t, d.IsArray)
	require.Equal(t, "int4", d.BaseDbType)
	require.True(t, d.Category.has(catNumeric))
}

func TestNewScalarTypeDescriptor_StripsModifiers(t *testing.T) {
	d := newScalarTypeDescriptor("character varying(32)")
	require.Equal(t, "character varying", d.BaseDbType)
	require.Equal(t, "character varying(32)", d.OriginalType)
	require.True(t, d.Category.has(catText))
}

func TestNewScalarTypeDescriptor_CastToText(t *testing.T) {
	d := newScalarTypeDescriptor("inet")
	require.True(t, d.Category.has(catCastToText))
	require.Equal(t, "text", d.ActualDbType)
	require.Equal(t, "inet", d.BaseDbType)
}

func TestNewScalarTypeDescriptor_DateTime(t *testing.T) {
	d := newScalarTypeDescriptor("timestamp with time zone")
	require.True(t, d.Category.has(catDateTime))
	require.True(t, d.Category.has(catNeedsEscape))
}

func TestNewScalarTypeDescriptor_Binary(t *testing.T) {
	d := newScalarTypeDescriptor("bytea")
	require.True(t, d.Category.has(catBinary))
}
