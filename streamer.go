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
	"bufio"
	"io"
	"strings"
)

// rowSource is whatever the executor hands the streamer: one call per row,
// io.EOF when exhausted. Implemented over pgx.Rows by executor.go; kept
// as an interface here so the streamer's tests don't need a live
// connection.
type rowSource interface {
	// next returns the row's raw text values (nil entries are SQL NULL) or
	// io.EOF when there are no more rows.
	next() (values []*string, err error)
}

// sliceRowSource is a rowSource backed by an in-memory slice, used by
// tests and by the result cache when replaying a previously buffered
// record set.
type sliceRowSource struct {
	rows [][]*string
	pos  int
}

func (s *sliceRowSource) next() ([]*string, error) {
	if s.pos >= len(s.rows) {
		return nil, io.EOF
	}
	r := s.rows[s.pos]
	s.pos++
	return r, nil
}

// countingRowSource wraps a rowSource and tallies how many rows were
// actually read, so a caller can apply spec.md §4.4's "record sets whose
// row count does not exceed maxCacheableRows" cache-eligibility rule
// without the streamer itself knowing anything about caching.
type countingRowSource struct {
	rs    rowSource
	count int
}

func (c *countingRowSource) next() ([]*string, error) {
	v, err := c.rs.next()
	if err == nil {
		c.count++
	}
	return v, err
}

// streamResult writes a routine's result to w, choosing among the four
// shapes of spec.md §4.7. It never buffers more than bufferRows worth of
// rows at a time (besides the optional cache accumulator, which is the
// caller's concern, not the streamer's).
func streamResult(w io.Writer, e *RoutineEndpoint, rt *Routine, rs rowSource) error {
	switch {
	case rt.IsVoid:
		return nil // caller writes 204 and returns before ever calling this
	case isScalarShape(rt):
		return streamScalar(w, e, rt, rs)
	default:
		return streamRowSet(w, e, rt, rs)
	}
}

// isScalarShape reports whether a routine's result is the single-value
// shape of spec.md §4.7: no set, at most one column, not a record.
func isScalarShape(rt *Routine) bool {
	return !rt.ReturnsSet && rt.ColumnCount <= 1 && !rt.ReturnsRecordType
}

// resolveContentType picks the response content type when the endpoint
// doesn't force one: raw output and non-JSON scalars are plain text, bytea
// scalars are octet streams, JSON-category and array scalars plus every
// row set are JSON.
func resolveContentType(e *RoutineEndpoint, rt *Routine) string {
	if e.ResponseContentType != "" {
		return e.ResponseContentType
	}
	if e.Raw {
		return "text/plain; charset=utf-8"
	}
	if isScalarShape(rt) {
		var d *TypeDescriptor
		if len(rt.ColumnTypeDescriptors) > 0 {
			d = rt.ColumnTypeDescriptors[0]
		}
		switch {
		case d == nil:
			return "text/plain; charset=utf-8"
		case d.Category.has(catBinary):
			return "application/octet-stream"
		case d.Category.has(catJSON) || d.IsArray:
			return "application/json"
		default:
			return "text/plain; charset=utf-8"
		}
	}
	return "application/json"
}

// streamScalar handles the "one column, one row, not a record" shape.
func streamScalar(w io.Writer, e *RoutineEndpoint, rt *Routine, rs rowSource) error {
	values, err := rs.next()
	if err == io.EOF {
		return writeNullScalar(w, e)
	}
	if err != nil {
		return err
	}
	var v *string
	if len(values) > 0 {
		v = values[0]
	}
	if v == nil {
		return writeNullScalar(w, e)
	}

	var d *TypeDescriptor
	if len(rt.ColumnTypeDescriptors) > 0 {
		d = rt.ColumnTypeDescriptors[0]
	}

	if e.Raw {
		_, err := io.WriteString(w, *v)
		return err
	}
	ct := resolveContentType(e, rt)
	if ct == "application/octet-stream" || strings.HasPrefix(ct, "text/plain") {
		_, err := io.WriteString(w, *v)
		return err
	}
	_, err = io.WriteString(w, scalarToJSON(*v, false, d))
	return err
}

func writeNullScalar(w io.Writer, e *RoutineEndpoint) error {
	switch e.TextResponseNullHandling {
	case NullAsEmptyString:
		_, err := io.WriteString(w, "")
		return err
	case NullIgnore:
		return nil // "NoContent": the executor turns the empty body into a 204
	default: // NullAsNullLiteral
		_, err := io.WriteString(w, "null")
		return err
	}
}

// streamRowSet handles both named-record ("[{...},{...}]") and
// unnamed-record ("[[...],[...]]") row sets, plus raw delimited output.
func streamRowSet(w io.Writer, e *RoutineEndpoint, rt *Routine, rs rowSource) error {
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	if e.Raw {
		return streamRawRowSet(bw, e, rt, rs)
	}

	bw.WriteByte('[')
	first := true
	buffered := 0
	for {
		values, err := rs.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !first {
			bw.WriteByte(',')
		}
		first = false
		bw.WriteString(rowToJSON(rt, values))
		buffered++
		if e.BufferRows > 0 && buffered >= e.BufferRows {
			if err := bw.Flush(); err != nil {
				return err
			}
			buffered = 0
		}
	}
	bw.WriteByte(']')
	return nil
}

const defaultBufferRows = 100

// rowToJSON renders one row as a JSON array (unnamed record) or JSON
// object (named record), expanding any composite columns back into
// nested objects per their ExpandedColumnIndices.
func rowToJSON(rt *Routine, values []*string) string {
	grouped, order := groupComposites(rt, values)

	b := getBuilder()
	defer putBuilder(b)
	named := !rt.ReturnsUnnamedSet && len(rt.ConvertedColumnNames) == len(order)
	if named {
		b.WriteByte('{')
	} else {
		b.WriteByte('[')
	}
	for i, idx := range order {
		if i > 0 {
			b.WriteByte(',')
		}
		if named {
			b.WriteString(quoteText(rt.ConvertedColumnNames[idx]))
			b.WriteByte(':')
		}
		if frag, ok := grouped[idx]; ok {
			b.WriteString(frag)
			continue
		}
		var d *TypeDescriptor
		if idx < len(rt.ColumnTypeDescriptors) {
			d = rt.ColumnTypeDescriptors[idx]
		}
		var v *string
		if idx < len(values) {
			v = values[idx]
		}
		if v == nil {
			b.WriteString("null")
		} else {
			b.WriteString(scalarToJSON(*v, false, d))
		}
	}
	if named {
		b.WriteByte('}')
	} else {
		b.WriteByte(']')
	}
	return b.String()
}

// groupComposites re-groups a flattened row's expanded composite columns
// back into single JSON-object fragments keyed by the composite's leading
// column index, per spec.md §9's "index→composite-descriptor map, never a
// back-pointer" design note. order is the list of top-level indices to
// emit in (each composite collapses its expanded range to one entry).
// A composite spread over several sibling columns is built field by field,
// each value emitted by its own field descriptor; a composite with a single
// index is parsed from that column's tuple text.
func groupComposites(rt *Routine, values []*string) (grouped map[int]string, order []int) {
	if len(rt.CompositeColumns) == 0 && len(rt.ArrayOfCompositeColumns) == 0 {
		order = make([]int, len(values))
		for i := range values {
			order[i] = i
		}
		return nil, order
	}

	expanded := make(map[int]bool)
	grouped = make(map[int]string)
	addComposite := func(leadIdx int, c *Composite, isArray bool) {
		for _, idx := range c.ExpandedColumnIndices {
			expanded[idx] = true
		}
		allNull := true
		for _, idx := range c.ExpandedColumnIndices {
			if idx < len(values) && values[idx] != nil {
				allNull = false
				break
			}
		}
		if allNull {
			grouped[leadIdx] = "null"
			return
		}
		if !isArray && len(c.ExpandedColumnIndices) > 1 {
			parts := make([]string, 0, len(c.ExpandedColumnIndices))
			for i, idx := range c.ExpandedColumnIndices {
				if i >= len(c.FieldNames) || i >= len(c.FieldDescriptors) {
					break
				}
				v := "null"
				if idx < len(values) && values[idx] != nil {
					v = scalarToJSON(*values[idx], false, c.FieldDescriptors[i])
				}
				parts = append(parts, quoteText(c.FieldNames[i])+":"+v)
			}
			grouped[leadIdx] = "{" + strings.Join(parts, ",") + "}"
			return
		}
		fields := make([]string, len(c.ExpandedColumnIndices))
		for i, idx := range c.ExpandedColumnIndices {
			if idx < len(values) && values[idx] != nil {
				fields[i] = *values[idx]
			}
		}
		if isArray {
			grouped[leadIdx] = PgCompositeArrayToJsonArray(strings.Join(fields, ""), c.FieldNames, c.FieldDescriptors)
		} else {
			grouped[leadIdx] = CompositeToJSONObject(strings.Join(fields, ","), c.FieldNames, c.FieldDescriptors)
		}
	}
	for idx, c := range rt.CompositeColumns {
		addComposite(idx, c, false)
	}
	for idx, c := range rt.ArrayOfCompositeColumns {
		addComposite(idx, c, true)
	}

	// leading indices of each composite are part of 'expanded' themselves,
	// so re-add them in their original position.
	leaders := make(map[int]bool)
	for idx := range grouped {
		leaders[idx] = true
	}
	merged := make([]int, 0, len(order)+len(leaders))
	seen := make(map[int]bool)
	for i := 0; i < len(values); i++ {
		if leaders[i] && !seen[i] {
			merged = append(merged, i)
			seen[i] = true
		} else if !expanded[i] && !seen[i] {
			merged = append(merged, i)
			seen[i] = true
		}
	}
	return grouped, merged
}

func streamRawRowSet(w *bufio.Writer, e *RoutineEndpoint, rt *Routine, rs rowSource) error {
	valueSep := e.RawValueSeparator
	if valueSep == "" {
		valueSep = ","
	}
	lineSep := e.RawNewLineSeparator
	if lineSep == "" {
		lineSep = "\n"
	}

	if e.RawColumnNames {
		names := make([]string, len(rt.ConvertedColumnNames))
		for i, n := range rt.ConvertedColumnNames {
			names[i] = quoteText(n)
		}
		w.WriteString(strings.Join(names, valueSep))
		w.WriteString(lineSep)
	}

	first := true
	for {
		values, err := rs.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if !first {
			w.WriteString(lineSep)
		}
		first = false
		parts := make([]string, len(values))
		for i, v := range values {
			if v == nil {
				parts[i] = ""
			} else {
				parts[i] = *v
			}
		}
		w.WriteString(strings.Join(parts, valueSep))
	}
	return nil
}
