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

import "strings"

// category is a flag set describing how a scalar PostgreSQL type should be
// parsed from text and emitted into JSON. A single type can be, at most, one
// of Numeric/Boolean/Json/DateTime/Date/Time/Binary; Text is the fallback.
// NeedsEscape and CastToText are orthogonal modifiers.
type category uint16

const (
	catNumeric category = 1 << iota
	catBoolean
	catJSON
	catText
	catDateTime
	catDate
	catTime
	catBinary
	catNeedsEscape // value must be JSON-string-escaped when emitted
	catCastToText  // parameter/column value must be cast with ::text in SQL
)

// TypeDescriptor is the O(1)-lookup result for a PostgreSQL type OID or name:
// a flag set plus the bits of metadata the converter and binder need to
// parse, validate and emit values of this type.
type TypeDescriptor struct {
	OriginalType string // e.g. "character varying(32)"
	IsArray      bool
	BaseDbType   string // e.g. "varchar", with array-ness stripped
	ActualDbType string // after possible ::text coercion
	Category     category
	HasDefault   bool

	// set only for composite / array-of-composite types resolved at
	// metadata build time.
	FieldNames       []string
	FieldDescriptors []*TypeDescriptor
}

func (c category) has(f category) bool { return c&f != 0 }

// typeCategoryTable maps a base (non-array) PostgreSQL type name to its
// category flags. Built once; read-only afterwards, so it's safe for
// concurrent use without locking.
var typeCategoryTable = map[string]category{
	"int2": catNumeric, "int4": catNumeric, "int8": catNumeric,
	"smallint": catNumeric, "integer": catNumeric, "bigint": catNumeric,
	"float4": catNumeric, "float8": catNumeric,
	"real": catNumeric, "double precision": catNumeric,
	"numeric": catNumeric, "decimal": catNumeric,
	"money": catNumeric | catCastToText,
	"oid":   catNumeric,

	"bool": catBoolean, "boolean": catBoolean,

	"json": catJSON, "jsonb": catJSON,

	"text": catText, "varchar": catText, "character varying": catText,
	"char": catText, "character": catText, "bpchar": catText,
	"name": catText, "citext": catText, "uuid": catText,
	"inet": catText | catCastToText, "cidr": catText | catCastToText,
	"macaddr": catText | catCastToText,

	"timestamp": catDateTime, "timestamptz": catDateTime,
	"timestamp without time zone": catDateTime,
	"timestamp with time zone":    catDateTime,

	"date": catDate,

	"time": catTime, "timetz": catTime,
	"time without time zone": catTime,
	"time with time zone":    catTime,

	"bytea": catBinary,
}

// init marks every table entry that is not Numeric, Boolean or JSON with
// NeedsEscape: those types' text representation, when embedded as an
// array element or tuple field, requires JSON string escaping rather than
// verbatim emission.
func init() {
	for name, c := range typeCategoryTable {
		if !c.has(catNumeric) && !c.has(catBoolean) && !c.has(catJSON) {
			typeCategoryTable[name] = c | catNeedsEscape
		}
	}
}

// lookupCategory resolves a PostgreSQL base type name (array brackets
// already stripped by the caller) to its category flags. Unknown types
// default to Text|NeedsEscape, matching the spec's "everything else" rule
// for array/tuple element emission.
func lookupCategory(baseDbType string) category {
	t := strings.ToLower(strings.TrimSpace(baseDbType))
	if c, ok := typeCategoryTable[t]; ok {
		return c
	}
	return catText | catNeedsEscape
}

// newScalarTypeDescriptor builds a TypeDescriptor for a plain (non-composite)
// column or parameter type, given the type name exactly as PostgreSQL
// reports it (possibly with a trailing "[]" for arrays).
func newScalarTypeDescriptor(originalType string) *TypeDescriptor {
	isArray := strings.HasSuffix(originalType, "[]")
	base := originalType
	if isArray {
		base = strings.TrimSuffix(base, "[]")
	}
	// strip length/precision modifiers, e.g. "character varying(32)" -> "character varying"
	if i := strings.IndexByte(base, '('); i >= 0 {
		base = base[:i]
	}
	base = strings.TrimSpace(base)
	cat := lookupCategory(base)
	actual := base
	if cat.has(catCastToText) {
		actual = "text"
	}
	return &TypeDescriptor{
		OriginalType: originalType,
		IsArray:      isArray,
		BaseDbType:   base,
		ActualDbType: actual,
		Category:     cat,
	}
}
