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
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func intParam(name string) *Parameter {
	return &Parameter{
		ConvertedName:  name,
		ActualName:     "_" + name,
		TypeDescriptor: newScalarTypeDescriptor("int4"),
	}
}

func textParam(name string) *Parameter {
	return &Parameter{
		ConvertedName:  name,
		ActualName:     "_" + name,
		TypeDescriptor: newScalarTypeDescriptor("text"),
	}
}

func queryEndpoint(params ...*Parameter) *RoutineEndpoint {
	return &RoutineEndpoint{
		Routine:          &Routine{Parameters: params},
		RequestParamType: RequestQueryString,
	}
}

func TestBindParameters_QueryStringInt(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"id": {"7"}}})
	require.NoError(t, err)
	require.Equal(t, int64(7), bound[0].Value)
	require.Equal(t, "7", bound[0].OriginalStringValue)
	require.Equal(t, SourceQueryString, bound[0].ParamType)
}

func TestBindParameters_NonIntegerRejected(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	_, err := bindParameters(e, &BindContext{Query: url.Values{"id": {"7.5"}}})
	require.Error(t, err)
	var be *BindingError
	require.ErrorAs(t, err, &be)
}

func TestBindParameters_DecimalKeepsPrecision(t *testing.T) {
	p := &Parameter{ConvertedName: "amount", TypeDescriptor: newScalarTypeDescriptor("numeric(20,8)")}
	e := queryEndpoint(p)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"amount": {"12345678901234567.89012345"}}})
	require.NoError(t, err)
	d, ok := bound[0].Value.(decimal.Decimal)
	require.True(t, ok)
	require.Equal(t, "12345678901234567.89012345", d.String())
}

func TestBindParameters_BoolBareFlagIsTrue(t *testing.T) {
	p := &Parameter{ConvertedName: "active", TypeDescriptor: newScalarTypeDescriptor("bool")}
	e := queryEndpoint(p)
	e.QueryStringNullHandling = NullAsNullLiteral
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"active": {""}}})
	require.NoError(t, err)
	require.Equal(t, true, bound[0].Value)
}

func TestBindParameters_ArrayFromRepeatedKeys(t *testing.T) {
	p := &Parameter{ConvertedName: "ids", TypeDescriptor: newScalarTypeDescriptor("int4[]")}
	e := queryEndpoint(p)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"ids": {"1", "2", "3"}}})
	require.NoError(t, err)
	require.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, bound[0].Value)
}

func TestBindParameters_EmptyValueBindsNullByDefault(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"id": {""}}})
	require.NoError(t, err)
	require.True(t, bound[0].Bound)
	require.Nil(t, bound[0].Value)
}

func TestBindParameters_NullLiteralHandling(t *testing.T) {
	p := textParam("name")
	e := queryEndpoint(p)
	e.QueryStringNullHandling = NullAsNullLiteral
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"name": {"null"}}})
	require.NoError(t, err)
	require.Nil(t, bound[0].Value)
	require.True(t, bound[0].Bound)
}

func TestBindParameters_IgnoreHandlingLeavesUnbound(t *testing.T) {
	p := intParam("id")
	p.HasDefault = true
	e := queryEndpoint(p)
	e.QueryStringNullHandling = NullIgnore
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"id": {""}}})
	require.NoError(t, err)
	require.False(t, bound[0].Bound)
}

func TestBindParameters_MissingWithoutDefaultFails(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	_, err := bindParameters(e, &BindContext{Query: url.Values{}})
	var be *BindingError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "id", be.Param)
}

func TestBindParameters_MissingWithDefaultSkipped(t *testing.T) {
	p := intParam("id")
	p.HasDefault = true
	e := queryEndpoint(p)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{}})
	require.NoError(t, err)
	require.False(t, bound[0].Bound)
}

func TestBindParameters_ExtraKeyRejected(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	_, err := bindParameters(e, &BindContext{Query: url.Values{"id": {"1"}, "bogus": {"x"}}})
	var be *BindingError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "bogus", be.Param)
}

func TestBindParameters_ExtraKeyAllowedForPassthroughProxy(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	e.ProxyPassthrough = true
	_, err := bindParameters(e, &BindContext{Query: url.Values{"id": {"1"}, "bogus": {"x"}}})
	require.NoError(t, err)
}

func TestBindParameters_PathParam(t *testing.T) {
	e := queryEndpoint(intParam("id"))
	e.PathParameters = []string{"id"}
	bound, err := bindParameters(e, &BindContext{
		Query:      url.Values{},
		PathParams: map[string]string{"id": "42"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(42), bound[0].Value)
	require.Equal(t, SourcePathParam, bound[0].ParamType)
}

func TestBindParameters_HashOfComputesDigest(t *testing.T) {
	hp := textParam("passwordHash")
	hp.HashOf = "password"
	e := queryEndpoint(hp)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"password": {"s3cret"}}})
	require.NoError(t, err)
	require.Equal(t, hashPassword("s3cret"), bound[0].Value)
	require.Equal(t, "s3cret", bound[0].OriginalStringValue)
}

func TestBindParameters_HashOfSourceKeyNotRejectedAsExtra(t *testing.T) {
	hp := textParam("passwordHash")
	hp.HashOf = "password"
	e := queryEndpoint(hp)
	// "password" is not a routine parameter name, but it is the declared
	// source of the hashOf parameter, so it must survive extra-key rejection
	_, err := bindParameters(e, &BindContext{Query: url.Values{"password": {"x"}}})
	require.NoError(t, err)
}

func TestBindParameters_HashOfAbsentBindsNull(t *testing.T) {
	hp := textParam("passwordHash")
	hp.HashOf = "password"
	e := queryEndpoint(hp)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{}})
	require.NoError(t, err)
	require.True(t, bound[0].Bound)
	require.Nil(t, bound[0].Value)
}

func TestBindParameters_ClientIPInjection(t *testing.T) {
	p := textParam("callerIp")
	p.IsIPAddress = true
	e := queryEndpoint(p)
	e.UseUserParameters = true
	bound, err := bindParameters(e, &BindContext{Query: url.Values{}, ClientIP: "10.0.0.9"})
	require.NoError(t, err)
	require.Equal(t, "10.0.0.9", bound[0].Value)
}

func TestBindParameters_UserClaimInjection(t *testing.T) {
	p := textParam("userId")
	p.UserClaim = "sub"
	e := queryEndpoint(p)
	e.UseUserParameters = true
	bound, err := bindParameters(e, &BindContext{
		Query:         url.Values{},
		Authenticated: true,
		Claims:        map[string]interface{}{"sub": "u-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "u-1", bound[0].Value)
}

func TestBindParameters_ListClaimBecomesArrayLiteral(t *testing.T) {
	p := textParam("roles")
	p.UserClaim = "role"
	e := queryEndpoint(p)
	e.UseUserParameters = true
	bound, err := bindParameters(e, &BindContext{
		Query:         url.Values{},
		Authenticated: true,
		Claims:        map[string]interface{}{"role": []interface{}{"admin", "editor"}},
	})
	require.NoError(t, err)
	require.Equal(t, "{admin,editor}", bound[0].Value)
}

func TestBindParameters_AllClaimsAsJSON(t *testing.T) {
	p := textParam("claims")
	p.IsUserClaims = true
	e := queryEndpoint(p)
	e.UseUserParameters = true
	bound, err := bindParameters(e, &BindContext{
		Query:         url.Values{},
		Authenticated: true,
		Claims:        map[string]interface{}{"sub": "u-1"},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"sub":"u-1"}`, bound[0].Value.(string))
}

func TestBindParameters_ProxyResponseParamDefaultsToNull(t *testing.T) {
	p := intParam("responseStatusCode")
	e := queryEndpoint(p)
	e.ProxyResponseMap = map[string]string{"status": "responseStatusCode"}
	bound, err := bindParameters(e, &BindContext{Query: url.Values{}})
	require.NoError(t, err)
	require.True(t, bound[0].Bound)
	require.Nil(t, bound[0].Value)
}

func TestBindParameters_UploadMetadataPlaceholder(t *testing.T) {
	p := textParam("fileMeta")
	p.IsUploadMetadata = true
	e := queryEndpoint(p)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{}})
	require.NoError(t, err)
	require.True(t, bound[0].Bound)
	require.Nil(t, bound[0].Value)
}

func TestBindParameters_BodyJSONSource(t *testing.T) {
	e := queryEndpoint(intParam("id"), textParam("name"))
	e.RequestParamType = RequestBodyJson
	bound, err := bindParameters(e, &BindContext{
		BodyJSON: map[string]interface{}{"id": float64(3), "name": "Ada"},
		HasBody:  true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), bound[0].Value)
	require.Equal(t, "Ada", bound[1].Value)
	require.Equal(t, SourceBodyJson, bound[0].ParamType)
}

func TestCloneParameters_TemplateNeverMutated(t *testing.T) {
	tmpl := intParam("id")
	e := queryEndpoint(tmpl)
	bound, err := bindParameters(e, &BindContext{Query: url.Values{"id": {"1"}}})
	require.NoError(t, err)
	require.NotSame(t, tmpl, bound[0])
	require.Nil(t, tmpl.Value)
	require.False(t, tmpl.Bound)
}

func TestClaimToParamValue_Scalars(t *testing.T) {
	v, s := claimToParamValue("plain")
	require.Equal(t, "plain", v)
	require.Equal(t, "plain", s)

	v, s = claimToParamValue(float64(5))
	require.Equal(t, "5", v)
	require.Equal(t, "5", s)
}
