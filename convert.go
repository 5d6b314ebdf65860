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
)

// This file holds the pure, allocation-light functions that turn PostgreSQL
// text-format values into JSON fragments. It never touches the network or
// the database; it operates entirely on already-received text values.

// quoteText double-quotes s as a JSON string, backslash-escaping every
// internal '"' and '\' and the \n, \r and \t control characters.
func quoteText(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(s[i])
		}
	}
	b.WriteByte('"')
	return b.String()
}

// quoteDateTime replaces PostgreSQL's space between date and time with a
// 'T' (RFC3339-ish) and quotes the result.
func quoteDateTime(s string) string {
	return quoteText(strings.Replace(s, " ", "T", 1))
}

// emitScalar writes the JSON representation of a single already-unescaped
// scalar text value, honoring the descriptor's category.
func emitScalar(b *strings.Builder, v string, isNull bool, d *TypeDescriptor) {
	if isNull || v == "NULL" {
		b.WriteString("null")
		return
	}
	if d == nil {
		b.WriteString(quoteText(v))
		return
	}
	switch {
	case d.Category.has(catNumeric):
		b.WriteString(v)
	case d.Category.has(catBoolean):
		if v == "t" || v == "true" {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case d.Category.has(catJSON):
		b.WriteString(v)
	case d.Category.has(catDateTime) || d.Category.has(catDate) || d.Category.has(catTime):
		b.WriteString(quoteDateTime(v))
	default:
		b.WriteString(quoteText(v))
	}
}

// ArrayToJSON converts a PostgreSQL array text literal, e.g. "{1,2,3}" or
// "{{1,2},{3,4}}" or "{t,f,NULL}", into a JSON array fragment. d describes
// the element (leaf) type; multidimensional arrays recurse with bracket
// nesting, applying d at every leaf.
func ArrayToJSON(s string, d *TypeDescriptor) string {
	var b strings.Builder
	convertArrayLevel(&b, s, d)
	return b.String()
}

func convertArrayLevel(b *strings.Builder, s string, d *TypeDescriptor) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		b.WriteString("[]")
		return
	}
	inner := s[1 : len(s)-1]
	b.WriteByte('[')
	first := true
	for _, el := range splitArrayElements(inner) {
		if !first {
			b.WriteByte(',')
		}
		first = false
		if strings.HasPrefix(el, "{") {
			convertArrayLevel(b, el, d)
			continue
		}
		if el == "NULL" {
			b.WriteString("null")
			continue
		}
		quoted, val := unquoteArrayElement(el)
		emitScalar(b, val, false, pick2(quoted, &TypeDescriptor{Category: catText | catNeedsEscape}, d))
	}
	b.WriteByte(']')
}

func pick2(cond bool, ifyes, ifno *TypeDescriptor) *TypeDescriptor {
	if cond {
		return ifyes
	}
	return ifno
}

// splitArrayElements splits the comma-separated contents of a PostgreSQL
// array literal (braces already stripped) at the top level only, respecting
// quoted elements, nested braces and backslash escapes.
func splitArrayElements(s string) []string {
	if len(s) == 0 {
		return nil
	}
	var out []string
	var cur strings.Builder
	depth := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuotes:
			if c == '\\' && i+1 < len(s) {
				cur.WriteByte(c)
				cur.WriteByte(s[i+1])
				i++
				continue
			}
			if c == '"' {
				inQuotes = false
			}
			cur.WriteByte(c)
		case c == '"':
			inQuotes = true
			cur.WriteByte(c)
		case c == '{':
			depth++
			cur.WriteByte(c)
		case c == '}':
			depth--
			cur.WriteByte(c)
		case c == ',' && depth == 0:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

// unquoteArrayElement removes a surrounding quoted-string form from an array
// element, un-escaping \" and \\ into " and \. Returns whether the element
// was quoted (and therefore must always be treated as text) and the
// unescaped value.
func unquoteArrayElement(el string) (quoted bool, val string) {
	if len(el) >= 2 && el[0] == '"' && el[len(el)-1] == '"' {
		quoted = true
		inner := el[1 : len(el)-1]
		var b strings.Builder
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) {
				b.WriteByte(inner[i+1])
				i++
				continue
			}
			b.WriteByte(inner[i])
		}
		return quoted, b.String()
	}
	return false, el
}

// TupleToJSON converts an "unknown record" PostgreSQL tuple text literal,
// e.g. "(a,,c)" or "(\"hello\",\"world\")", into a JSON array fragment.
// Empty fields become null; doubled quotes/backslashes inside a quoted
// field are literal quote/backslash characters.
func TupleToJSON(s string) string {
	fields := splitTupleFields(s)
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		if f.isNull {
			b.WriteString("null")
		} else {
			b.WriteString(quoteText(f.value))
		}
	}
	b.WriteByte(']')
	return b.String()
}

type tupleField struct {
	isNull bool
	value  string
}

// splitTupleFields parses the fields of a tuple literal "(...)", applying
// tuple-level escaping: "" is a literal quote, \\ is a literal backslash,
// commas and parens inside a quoted field do not end the field.
func splitTupleFields(s string) []tupleField {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return nil
	}
	inner := s[1 : len(s)-1]
	var fields []tupleField
	var cur strings.Builder
	wroteAny := false
	inQuotes := false
	i := 0
	for i < len(inner) {
		c := inner[i]
		switch {
		case inQuotes:
			if c == '"' {
				if i+1 < len(inner) && inner[i+1] == '"' {
					cur.WriteByte('"')
					i += 2
					continue
				}
				inQuotes = false
				i++
				continue
			}
			if c == '\\' && i+1 < len(inner) {
				cur.WriteByte(inner[i+1])
				i += 2
				continue
			}
			cur.WriteByte(c)
			i++
		case c == '"':
			inQuotes = true
			wroteAny = true
			i++
		case c == ',':
			fields = append(fields, makeTupleField(cur.String(), wroteAny))
			cur.Reset()
			wroteAny = false
			i++
		default:
			cur.WriteByte(c)
			wroteAny = true
			i++
		}
	}
	fields = append(fields, makeTupleField(cur.String(), wroteAny))
	return fields
}

func makeTupleField(s string, wroteAny bool) tupleField {
	if !wroteAny && len(s) == 0 {
		return tupleField{isNull: true}
	}
	return tupleField{value: s}
}

// CompositeToJSONObject converts one already-unescaped tuple literal string,
// parens included (e.g. `(test,"(1,""hello """"world"""")")`, a composite
// array element after its outer quoting has been stripped by
// unescapeOuterCompositeLayer, or a composite column's raw wire-format text
// as-is), into a JSON object, using fieldNames/fieldDescs to name and type
// each field in order. A nil descriptor degrades a field to an opaque,
// JSON-escaped string.
func CompositeToJSONObject(tupleLiteral string, fieldNames []string, fieldDescs []*TypeDescriptor) string {
	fields := splitTupleFields(tupleLiteral)
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		name := ""
		if i < len(fieldNames) {
			name = fieldNames[i]
		}
		b.WriteString(quoteText(name))
		b.WriteByte(':')
		var d *TypeDescriptor
		if i < len(fieldDescs) {
			d = fieldDescs[i]
		}
		emitCompositeField(&b, f, d)
	}
	b.WriteByte('}')
	return b.String()
}

func emitCompositeField(b *strings.Builder, f tupleField, d *TypeDescriptor) {
	if f.isNull {
		b.WriteString("null")
		return
	}
	switch {
	case d == nil:
		b.WriteString(quoteText(f.value))
	case d.IsArray:
		b.WriteString(ArrayToJSON(f.value, leafDescriptor(d)))
	case len(d.FieldNames) > 0:
		// nested composite: f.value is itself a parenthesized tuple literal
		b.WriteString(CompositeToJSONObject(f.value, d.FieldNames, d.FieldDescriptors))
	default:
		emitScalar(b, f.value, false, d)
	}
}

// PgCompositeArrayToJsonArray converts a PostgreSQL array-of-composite text
// literal, e.g. `{"(test,\"(1,\"\"hello \"\"\"\"world\"\"\"\")\")"}`, into a
// JSON array of objects. This requires the two-pass escape handling
// described in spec.md §4.6/§9: the outer array layer uses \" and \\ to
// mark element boundaries and literal backslashes; once unescaped into a
// scratch buffer, the result is a plain tuple literal parsed with
// tuple-level ("" and \\) escaping.
func PgCompositeArrayToJsonArray(s string, fieldNames []string, fieldDescs []*TypeDescriptor) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.WriteByte('[')
	if len(s) >= 2 && s[0] == '{' && s[len(s)-1] == '}' {
		inner := s[1 : len(s)-1]
		first := true
		for _, el := range splitArrayElements(inner) {
			if !first {
				b.WriteByte(',')
			}
			first = false
			if el == "NULL" {
				b.WriteString("null")
				continue
			}
			tuple := unescapeOuterCompositeLayer(el)
			b.WriteString(CompositeToJSONObject(tuple, fieldNames, fieldDescs))
		}
	}
	b.WriteByte(']')
	return b.String()
}

// unescapeOuterCompositeLayer strips the array-element quoting from one
// element of an array-of-composites literal, turning e.g.
// `"(1,\"\"hello \"\"\"\"world\"\"\"\")"` (the outer \"-delimited element)
// into `(1,""hello """"world"""")` (a plain tuple literal ready for
// splitTupleFields, which applies "" / \\ tuple-level unescaping).
func unescapeOuterCompositeLayer(el string) string {
	if len(el) >= 2 && el[0] == '"' && el[len(el)-1] == '"' {
		el = el[1 : len(el)-1]
	}
	var b strings.Builder
	for i := 0; i < len(el); i++ {
		if el[i] == '\\' && i+1 < len(el) {
			b.WriteByte(el[i+1])
			i++
			continue
		}
		b.WriteByte(el[i])
	}
	return b.String()
}

// scalarToJSON converts a single already-read column/parameter text value
// (not inside any array or tuple) into its JSON representation, honoring
// raw/binary/text response modes is the streamer's job, not this function's;
// this handles only the "JSON" destination.
func scalarToJSON(v string, isNull bool, d *TypeDescriptor) string {
	var b strings.Builder
	if d != nil && d.IsArray {
		if isNull {
			return "null"
		}
		return ArrayToJSON(v, leafDescriptor(d))
	}
	emitScalar(&b, v, isNull, d)
	return b.String()
}

// leafDescriptor strips the IsArray flag so callers can reuse a column's
// descriptor as the element descriptor for ArrayToJSON.
func leafDescriptor(d *TypeDescriptor) *TypeDescriptor {
	cp := *d
	cp.IsArray = false
	return &cp
}
