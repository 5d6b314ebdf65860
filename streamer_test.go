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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func TestStreamResult_VoidWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{IsVoid: true}
	require.NoError(t, streamResult(&buf, &RoutineEndpoint{}, rt, &sliceRowSource{}))
	require.Equal(t, "", buf.String())
}

func TestStreamResult_ScalarJSON(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{{Category: catNumeric}}}
	rs := &sliceRowSource{rows: [][]*string{{strp("42")}}}
	require.NoError(t, streamResult(&buf, &RoutineEndpoint{}, rt, rs))
	require.Equal(t, "42", buf.String())
}

func TestStreamResult_ScalarNullDefaultsToJSONNull(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{{Category: catText | catNeedsEscape}}}
	rs := &sliceRowSource{rows: [][]*string{{nil}}}
	// the default null handling is the one defaultEndpoint sets, not the
	// NullHandling zero value
	e, err := defaultEndpoint(rt, "", MetadataBuildOptions{}, nil)
	require.NoError(t, err)
	require.NoError(t, streamResult(&buf, e, rt, rs))
	require.Equal(t, "null", buf.String())
}

func TestStreamResult_ScalarNullEmptyString(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{ColumnCount: 1, ColumnTypeDescriptors: []*TypeDescriptor{{Category: catText | catNeedsEscape}}}
	rs := &sliceRowSource{rows: [][]*string{{nil}}}
	e := &RoutineEndpoint{TextResponseNullHandling: NullAsEmptyString}
	require.NoError(t, streamResult(&buf, e, rt, rs))
	require.Equal(t, "", buf.String())
}

func TestStreamResult_RowSetUnnamedArray(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{
		ReturnsSet:           true,
		ReturnsUnnamedSet:    true,
		ColumnCount:          2,
		ConvertedColumnNames: []string{"name", "age"},
		ColumnTypeDescriptors: []*TypeDescriptor{
			{Category: catText | catNeedsEscape}, {Category: catNumeric},
		},
	}
	rs := &sliceRowSource{rows: [][]*string{
		{strp("Ada"), strp("36")},
		{strp("Bob"), nil},
	}}
	require.NoError(t, streamResult(&buf, &RoutineEndpoint{}, rt, rs))
	require.Equal(t, `[["Ada",36],["Bob",null]]`, buf.String())
}

func TestStreamResult_RowSetNamedObject(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{
		ReturnsSet:           true,
		ReturnsRecordType:    true,
		ColumnCount:          2,
		ConvertedColumnNames: []string{"name", "age"},
		ColumnTypeDescriptors: []*TypeDescriptor{
			{Category: catText | catNeedsEscape}, {Category: catNumeric},
		},
	}
	rs := &sliceRowSource{rows: [][]*string{
		{strp("Ada"), strp("36")},
		{strp("Bob"), nil},
	}}
	require.NoError(t, streamResult(&buf, &RoutineEndpoint{}, rt, rs))
	require.Equal(t, `[{"name":"Ada","age":36},{"name":"Bob","age":null}]`, buf.String())
}

func TestStreamResult_RawRowSetWithHeader(t *testing.T) {
	var buf bytes.Buffer
	rt := &Routine{
		ReturnsSet:           true,
		ColumnCount:          2,
		ConvertedColumnNames: []string{"a", "b"},
		ColumnTypeDescriptors: []*TypeDescriptor{
			{Category: catText | catNeedsEscape}, {Category: catText | catNeedsEscape},
		},
	}
	rs := &sliceRowSource{rows: [][]*string{{strp("1"), strp("2")}}}
	e := &RoutineEndpoint{Raw: true, RawColumnNames: true}
	require.NoError(t, streamResult(&buf, e, rt, rs))
	require.Equal(t, "\"a\",\"b\"\n1,2", buf.String())
}

func TestCountingRowSource_TalliesReadRowsOnly(t *testing.T) {
	rs := &countingRowSource{rs: &sliceRowSource{rows: [][]*string{
		{strp("a")}, {strp("b")}, {strp("c")},
	}}}
	for i := 0; i < 3; i++ {
		_, err := rs.next()
		require.NoError(t, err)
	}
	_, err := rs.next()
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 3, rs.count)
}

func TestGroupComposites_NoCompositesPassesThrough(t *testing.T) {
	rt := &Routine{}
	grouped, order := groupComposites(rt, []*string{strp("a"), strp("b")})
	require.Nil(t, grouped)
	require.Equal(t, []int{0, 1}, order)
}

func TestGroupComposites_ExpandsCompositeColumn(t *testing.T) {
	rt := &Routine{
		CompositeColumns: map[int]*Composite{
			1: {
				FieldNames:            []string{"x", "y"},
				FieldDescriptors:      []*TypeDescriptor{{Category: catNumeric}, {Category: catNumeric}},
				ExpandedColumnIndices: []int{1, 2},
			},
		},
	}
	values := []*string{strp("pre"), strp("1"), strp("2")}
	grouped, order := groupComposites(rt, values)
	require.Equal(t, []int{0, 1}, order)
	require.Equal(t, `{"x":1,"y":2}`, grouped[1])
}
