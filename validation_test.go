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

func TestEvaluateRule_NotNull(t *testing.T) {
	p := &Parameter{ActualName: "id", ConvertedName: "id"}
	f := evaluateRule(&ValidationRule{Kind: RuleNotNull}, p)
	require.NotNil(t, f)
	require.Equal(t, 400, f.StatusCode)
}

func TestEvaluateRule_NotEmpty(t *testing.T) {
	p := &Parameter{Value: "", OriginalStringValue: ""}
	f := evaluateRule(&ValidationRule{Kind: RuleNotEmpty}, p)
	require.NotNil(t, f)
}

func TestEvaluateRule_RequiredPassesWhenSet(t *testing.T) {
	p := &Parameter{Value: "x", OriginalStringValue: "x"}
	f := evaluateRule(&ValidationRule{Kind: RuleRequired}, p)
	require.Nil(t, f)
}

func TestEvaluateRule_Regex(t *testing.T) {
	p := &Parameter{Value: "abc123", OriginalStringValue: "abc123"}
	require.Nil(t, evaluateRule(&ValidationRule{Kind: RuleRegex, Pattern: `^[a-z]+\d+$`}, p))
	bad := &Parameter{Value: "???", OriginalStringValue: "???"}
	require.NotNil(t, evaluateRule(&ValidationRule{Kind: RuleRegex, Pattern: `^[a-z]+\d+$`}, bad))
}

func TestEvaluateRule_MinMaxLength(t *testing.T) {
	p := &Parameter{Value: "ab", OriginalStringValue: "ab"}
	require.NotNil(t, evaluateRule(&ValidationRule{Kind: RuleMinLength, Length: 3}, p))
	require.NotNil(t, evaluateRule(&ValidationRule{Kind: RuleMaxLength, Length: 1}, p))
	require.Nil(t, evaluateRule(&ValidationRule{Kind: RuleMinLength, Length: 2}, p))
}

func TestFormatRuleMessage_Placeholders(t *testing.T) {
	p := &Parameter{ActualName: "user_id", ConvertedName: "userId"}
	r := &ValidationRule{Kind: RuleNotNull, Message: "{0}/{1} failed {2}"}
	require.Equal(t, "user_id/userId failed NotNull", formatRuleMessage(r, p))
}

func TestEvaluateRules_StopsAtFirstFailure(t *testing.T) {
	p := &Parameter{Value: nil, OriginalStringValue: ""}
	rules := []ValidationRule{
		{Kind: RuleNotNull, Message: "first"},
		{Kind: RuleNotEmpty, Message: "second"},
	}
	f := evaluateRules(rules, p)
	require.NotNil(t, f)
	require.Equal(t, "first", f.Message)
}

func TestRunValidations_MatchesByConvertedName(t *testing.T) {
	e := &RoutineEndpoint{
		ParameterValidations: map[string][]ValidationRule{
			"email": {{Kind: RuleRequired, StatusCode: 422}},
		},
	}
	params := []*Parameter{
		{ActualName: "email", ConvertedName: "email", Value: nil, OriginalStringValue: ""},
	}
	err := runValidations(e, params)
	require.Error(t, err)
	vf, ok := err.(*ValidationFailure)
	require.True(t, ok)
	require.Equal(t, 422, vf.StatusCode)
}
