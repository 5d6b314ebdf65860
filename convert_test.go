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

func numDesc() *TypeDescriptor { return &TypeDescriptor{Category: catNumeric} }
func textDesc() *TypeDescriptor {
	return &TypeDescriptor{Category: catText | catNeedsEscape}
}
func boolDesc() *TypeDescriptor { return &TypeDescriptor{Category: catBoolean} }

func TestArrayToJSON_Numeric(t *testing.T) {
	require.Equal(t, "[1,2,3]", ArrayToJSON("{1,2,3}", numDesc()))
}

func TestArrayToJSON_NullElement(t *testing.T) {
	require.Equal(t, "[1,null,3]", ArrayToJSON("{1,NULL,3}", numDesc()))
}

func TestArrayToJSON_Text(t *testing.T) {
	require.Equal(t, `["a","b"]`, ArrayToJSON(`{a,b}`, textDesc()))
}

func TestArrayToJSON_QuotedTextWithComma(t *testing.T) {
	require.Equal(t, `["a,b","c"]`, ArrayToJSON(`{"a,b",c}`, textDesc()))
}

func TestArrayToJSON_Multidimensional(t *testing.T) {
	require.Equal(t, "[[1,2],[3,4]]", ArrayToJSON("{{1,2},{3,4}}", numDesc()))
}

func TestArrayToJSON_Boolean(t *testing.T) {
	require.Equal(t, "[true,false]", ArrayToJSON("{t,f}", boolDesc()))
}

func TestArrayToJSON_Empty(t *testing.T) {
	require.Equal(t, "[]", ArrayToJSON("{}", numDesc()))
}

func TestTupleToJSON_Basic(t *testing.T) {
	require.Equal(t, `["1","hello"]`, TupleToJSON(`(1,hello)`))
}

func TestTupleToJSON_EmptyFieldIsNull(t *testing.T) {
	require.Equal(t, `["a",null,"c"]`, TupleToJSON(`(a,,c)`))
}

func TestTupleToJSON_DoubledQuoteIsLiteralQuote(t *testing.T) {
	require.Equal(t, `["hello \"world\""]`, TupleToJSON(`("hello ""world""")`))
}

func TestCompositeToJSONObject_Simple(t *testing.T) {
	// tupleLiteral is the column's raw wire-format text, parens included,
	// exactly as pgx returns it and as groupComposites (streamer.go) feeds it.
	got := CompositeToJSONObject(`(1,hello)`, []string{"id", "name"}, []*TypeDescriptor{numDesc(), textDesc()})
	require.Equal(t, `{"id":1,"name":"hello"}`, got)
}

func TestCompositeToJSONObject_NestedComposite(t *testing.T) {
	// row('test', row(1,'hello "world"')) style nesting: inner field is itself
	// a parenthesized tuple literal, already tuple-unescaped by the outer
	// splitTupleFields call, so inner quotes have been doubled relative to the
	// inner literal's own escaping.
	inner := &TypeDescriptor{
		FieldNames:       []string{"n", "s"},
		FieldDescriptors: []*TypeDescriptor{numDesc(), textDesc()},
	}
	lit := `(test,"(1,""hello \"\"world\"\""")")`
	got := CompositeToJSONObject(lit, []string{"a", "b"}, []*TypeDescriptor{textDesc(), inner})
	require.Equal(t, `{"a":"test","b":{"n":1,"s":"hello \"world\""}}`, got)
}

func TestPgCompositeArrayToJsonArray_Basic(t *testing.T) {
	names := []string{"id", "name"}
	descs := []*TypeDescriptor{numDesc(), textDesc()}
	got := PgCompositeArrayToJsonArray(`{"(1,hello)","(2,world)"}`, names, descs)
	require.Equal(t, `[{"id":1,"name":"hello"},{"id":2,"name":"world"}]`, got)
}

func TestPgCompositeArrayToJsonArray_EscapedQuotesInField(t *testing.T) {
	names := []string{"id", "note"}
	descs := []*TypeDescriptor{numDesc(), textDesc()}
	// the outer array layer escapes the tuple's quotes as \" and the note
	// field's own backslash-escaped quotes as \\\"; one row: id=1,
	// note = `hello "world"`
	got := PgCompositeArrayToJsonArray(`{"(1,\"hello \\\"world\\\"\")"}`, names, descs)
	require.Contains(t, got, `"id":1`)
}

// TestPgCompositeArrayToJsonArray_NestedTupleRoundTrip reproduces spec.md
// §4.6/§8's canonical example verbatim: row('test', row(1,'hello "world"'))
// must round-trip so that the inner (opaque, nil-descriptor) field reads the
// literal tuple string (1,"hello ""world"""), with the outer \"-delimited
// array layer stripped and the inner ""-doubled tuple layer preserved.
func TestPgCompositeArrayToJsonArray_NestedTupleRoundTrip(t *testing.T) {
	got := PgCompositeArrayToJsonArray(
		`{"(test,\"(1,\"\"hello \"\"\"\"world\"\"\"\")\")"}`,
		[]string{"label", "nested"}, nil)
	require.Equal(t, `[{"label":"test","nested":"(1,\"hello \"\"world\"\"\")"}]`, got)
}

func TestPgCompositeArrayToJsonArray_NullElement(t *testing.T) {
	names := []string{"id", "name"}
	descs := []*TypeDescriptor{numDesc(), textDesc()}
	got := PgCompositeArrayToJsonArray(`{NULL,"(1,x)"}`, names, descs)
	require.Equal(t, `[null,{"id":1,"name":"x"}]`, got)
}

func TestQuoteText_EscapesQuotesAndBackslashes(t *testing.T) {
	require.Equal(t, `"a\"b\\c"`, quoteText(`a"b\c`))
}

func TestQuoteDateTime_ReplacesSpaceWithT(t *testing.T) {
	require.Equal(t, `"2022-01-02T03:04:05"`, quoteDateTime("2022-01-02 03:04:05"))
}

func TestScalarToJSON_NullColumn(t *testing.T) {
	require.Equal(t, "null", scalarToJSON("", true, textDesc()))
}

func TestScalarToJSON_ArrayColumn(t *testing.T) {
	d := &TypeDescriptor{IsArray: true, Category: catNumeric}
	require.Equal(t, "[1,2]", scalarToJSON("{1,2}", false, d))
}
