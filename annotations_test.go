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

func TestParseAnnotations_RecognizesAtPrefixedAndBareKeys(t *testing.T) {
	comment := "Some docs.\n@authorize admin, editor\ncached\nunrelated line\ntimeout 30s"
	ann := parseAnnotations(comment)
	require.Len(t, ann, 3)
	require.Equal(t, "authorize", ann[0].key)
	require.Equal(t, "admin, editor", ann[0].args)
	require.Equal(t, "cached", ann[1].key)
	require.Equal(t, "timeout", ann[2].key)
	require.Equal(t, "30s", ann[2].args)
}

func TestParseAnnotations_IgnoresUnrecognizedLines(t *testing.T) {
	ann := parseAnnotations("This function does widgets.\nIt is very fast.")
	require.Empty(t, ann)
}

func TestSplitCSV_TrimsAndDropsEmpty(t *testing.T) {
	require.Equal(t, []string{"a", "b", "c"}, splitCSV(" a, b ,,c"))
}

func TestParseValidateAnnotation_MultipleRules(t *testing.T) {
	name, rules, ok := parseValidateAnnotation("_email using required, regex(^.+@.+$)")
	require.True(t, ok)
	require.Equal(t, "email", name)
	require.Len(t, rules, 2)
	require.Equal(t, RuleRequired, rules[0].Kind)
	require.Equal(t, RuleRegex, rules[1].Kind)
	require.Equal(t, "^.+@.+$", rules[1].Pattern)
}

func TestParseValidateAnnotation_MinMaxLength(t *testing.T) {
	_, rules, ok := parseValidateAnnotation("_name using minlength(2), maxlength(50)")
	require.True(t, ok)
	require.Len(t, rules, 2)
	require.Equal(t, 2, rules[0].Length)
	require.Equal(t, 50, rules[1].Length)
}

func TestParseValidateAnnotation_EmailShorthand(t *testing.T) {
	_, rules, ok := parseValidateAnnotation("_email using required, email")
	require.True(t, ok)
	require.Len(t, rules, 2)
	require.Equal(t, RuleRegex, rules[1].Kind)
	require.NotEmpty(t, rules[1].Pattern)
}

func TestParseValidateAnnotation_MissingUsingFails(t *testing.T) {
	_, _, ok := parseValidateAnnotation("_email required")
	require.False(t, ok)
}

func TestParseInterval_NoUnitDefaultsToSeconds(t *testing.T) {
	n, ok := parseInterval("30")
	require.True(t, ok)
	require.Equal(t, int64(30e9), n)
}

func TestParseInterval_Milliseconds(t *testing.T) {
	n, ok := parseInterval("500ms")
	require.True(t, ok)
	require.Equal(t, int64(500e6), n)
}

func TestParseInterval_Microseconds(t *testing.T) {
	n, ok := parseInterval("250us")
	require.True(t, ok)
	require.Equal(t, int64(250e3), n)
}

func TestParseInterval_Minutes(t *testing.T) {
	n, ok := parseInterval("2m")
	require.True(t, ok)
	require.Equal(t, int64(2*60e9), n)
}

func TestParseInterval_Days(t *testing.T) {
	n, ok := parseInterval("1.5d")
	require.True(t, ok)
	require.Equal(t, int64(1.5*24*3600e9), n)
}

func TestParseInterval_Weeks(t *testing.T) {
	n, ok := parseInterval("1w")
	require.True(t, ok)
	require.Equal(t, int64(7*24*3600e9), n)
}

func TestParseInterval_InvalidRejected(t *testing.T) {
	_, ok := parseInterval("abc")
	require.False(t, ok)
}
