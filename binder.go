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
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// BindingError is raised when a parameter cannot be resolved and has no
// default, or when an extra primary-source key doesn't match any routine
// parameter; the executor renders it as a bare 404 with no body, per
// spec.md §7.
type BindingError struct {
	Param string
	Msg   string
}

func (b *BindingError) Error() string {
	if b.Param == "" {
		return b.Msg
	}
	return fmt.Sprintf("param %q: %s", b.Param, b.Msg)
}

// BindContext carries everything the binder needs out of one HTTP request;
// server.go/executor.go populate it once per request from the chi request.
type BindContext struct {
	Method      string
	PathParams  map[string]string
	Query       url.Values
	BodyJSON    map[string]interface{}
	HasBody     bool
	Headers     http.Header
	ClientIP    string
	Claims      map[string]interface{} // nil when unauthenticated
	Authenticated bool
	RoleClaim   string // claim name carrying the role(s), e.g. "role"
}

// bindParameters implements spec.md §4.2's resolution order, returning the
// routine's parameter vector (cloned, then filled in) or a *BindingError
// explaining why binding failed. Overload dispatch
// (matching the primary source's key count against an endpoint overload)
// is handled by the caller before this function runs, since it may swap
// out both routine and endpoint.
func bindParameters(e *RoutineEndpoint, ctx *BindContext) ([]*Parameter, error) {
	params := cloneParameters(e.Routine.Parameters)

	primary := primarySource(e, ctx)

	for _, p := range params {
		if err := bindOne(e, ctx, p, primary); err != nil {
			return nil, err
		}
	}

	if !e.ProxyPassthrough {
		if err := rejectExtraKeys(primary, params); err != nil {
			return nil, err
		}
	}

	return params, nil
}

// primarySource returns the endpoint's primary key->value map: the query
// string or the JSON body, per RequestParamType.
func primarySource(e *RoutineEndpoint, ctx *BindContext) map[string][]string {
	out := make(map[string][]string)
	switch e.RequestParamType {
	case RequestBodyJson:
		for k, v := range ctx.BodyJSON {
			out[k] = jsonValueToStrings(v)
		}
	default:
		for k, v := range ctx.Query {
			out[k] = v
		}
	}
	return out
}

func jsonValueToStrings(v interface{}) []string {
	switch vv := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			out = append(out, fmt.Sprintf("%v", e))
		}
		return out
	case nil:
		return nil
	default:
		return []string{fmt.Sprintf("%v", vv)}
	}
}

// bindOne resolves a single parameter per the eight-step order of
// spec.md §4.2.
func bindOne(e *RoutineEndpoint, ctx *BindContext, p *Parameter, primary map[string][]string) error {
	// 1. hash-of
	if p.HashOf != "" {
		if raw, ok := lookupPrimary(primary, p.HashOf); ok && len(raw) > 0 {
			p.Value = hashPassword(raw[0])
			p.OriginalStringValue = raw[0]
			p.Bound = true
		} else {
			p.Value = nil
			p.Bound = true
		}
		return nil
	}

	// 2. user-parameter injection
	if e.UseUserParameters {
		if p.IsIPAddress {
			p.Value = ctx.ClientIP
			p.OriginalStringValue = ctx.ClientIP
			p.Bound = true
			return nil
		}
		if p.UserClaim != "" && ctx.Authenticated {
			if v, ok := ctx.Claims[p.UserClaim]; ok {
				p.Value, p.OriginalStringValue = claimToParamValue(v)
				p.Bound = true
				return nil
			}
		}
		if p.IsUserClaims && ctx.Authenticated {
			b, _ := json.Marshal(ctx.Claims)
			p.Value = string(b)
			p.OriginalStringValue = string(b)
			p.Bound = true
			return nil
		}
	}

	// 3. upload metadata placeholder
	if p.IsUploadMetadata {
		p.Value = nil
		p.Bound = true
		return nil
	}

	// 4. body parameter ("whole body" parameter, matched by its declared
	// database name since the converted name strips the underscore)
	if e.RequestParamType == RequestBodyJson && p.ActualName == "_body" {
		if ctx.HasBody {
			b, _ := json.Marshal(ctx.BodyJSON)
			p.Value = string(b)
			p.OriginalStringValue = string(b)
		} else {
			p.Value = nil
		}
		p.Bound = true
		return nil
	}

	// 5. header parameter
	if e.UserContext {
		if _, already := primary[p.ConvertedName]; !already {
			if hv := ctx.Headers.Get(p.ConvertedName); hv != "" {
				headers := map[string]string{}
				for k := range ctx.Headers {
					headers[k] = ctx.Headers.Get(k)
				}
				b, _ := json.Marshal(headers)
				p.Value = string(b)
				p.OriginalStringValue = string(b)
				p.Bound = true
				p.ParamType = SourceHeaderParam
				return nil
			}
		}
	}

	// 6. path parameter
	for _, name := range e.PathParameters {
		if name == p.ConvertedName {
			if v, ok := ctx.PathParams[name]; ok {
				val, err := parseTyped(p.TypeDescriptor, []string{v})
				if err != nil {
					return &BindingError{Param: p.ConvertedName, Msg: err.Error()}
				}
				p.Value = val
				p.OriginalStringValue = v
				p.Bound = true
				p.ParamType = SourcePathParam
				return nil
			}
		}
	}

	// 7. primary source. QueryStringNullHandling decides how a NULL is
	// spelled in the primary source: EmptyString means an empty value is
	// NULL, NullLiteral means the literal text "null" is, Ignore means an
	// empty value is treated as if the key were absent entirely.
	raw, ok := lookupPrimary(primary, p.ConvertedName)
	if ok {
		var bindNull, skip bool
		switch e.QueryStringNullHandling {
		case NullAsNullLiteral:
			bindNull = len(raw) == 1 && raw[0] == "null"
		case NullIgnore:
			skip = isEmptyPrimaryValue(raw)
		default: // NullAsEmptyString
			bindNull = isEmptyPrimaryValue(raw)
		}
		if bindNull {
			p.Value = nil
			p.Bound = true
			p.OriginalStringValue = ""
			p.ParamType = primaryParamType(e)
			return nil
		}
		if !skip {
			val, err := parseTyped(p.TypeDescriptor, raw)
			if err != nil {
				return &BindingError{Param: p.ConvertedName, Msg: err.Error()}
			}
			p.Value = val
			p.Bound = true
			p.OriginalStringValue = strings.Join(raw, ",")
			p.ParamType = primaryParamType(e)
			return nil
		}
	}

	// 8. still unbound
	if p.HasDefault {
		return nil
	}
	if isProxyResponseParam(e, p) {
		p.Value = nil
		p.Bound = true
		return nil
	}
	return &BindingError{Param: p.ConvertedName, Msg: "value required but not supplied"}
}

func primaryParamType(e *RoutineEndpoint) ParamSource {
	if e.RequestParamType == RequestBodyJson {
		return SourceBodyJson
	}
	return SourceQueryString
}

func lookupPrimary(primary map[string][]string, name string) ([]string, bool) {
	v, ok := primary[name]
	return v, ok
}

func isEmptyPrimaryValue(raw []string) bool {
	if len(raw) == 0 {
		return true
	}
	if len(raw) == 1 && raw[0] == "" {
		return true
	}
	return false
}

func isProxyResponseParam(e *RoutineEndpoint, p *Parameter) bool {
	return e.ProxyResponseMap != nil && proxyParamNames(e)[p.ConvertedName]
}

func proxyParamNames(e *RoutineEndpoint) map[string]bool {
	out := make(map[string]bool, len(e.ProxyResponseMap))
	for _, v := range e.ProxyResponseMap {
		out[v] = true
	}
	return out
}

// rejectExtraKeys fails the request with a 404 BindingError when the
// primary source contains a key that no routine parameter consumed.
func rejectExtraKeys(primary map[string][]string, params []*Parameter) error {
	names := make(map[string]bool, len(params))
	for _, p := range params {
		names[p.ConvertedName] = true
		if p.HashOf != "" {
			// the raw source value of a hashOf parameter is a legitimate
			// primary key even though no routine parameter carries its name
			names[p.HashOf] = true
		}
	}
	for k := range primary {
		if !names[k] {
			return &BindingError{Param: k, Msg: "unexpected parameter"}
		}
	}
	return nil
}

// claimToParamValue renders a JWT claim value for binding: list-valued
// claims become a PostgreSQL array literal text (e.g. `{admin,editor}`),
// scalar claims stringify as-is.
func claimToParamValue(v interface{}) (value interface{}, original string) {
	switch vv := v.(type) {
	case []interface{}:
		parts := make([]string, 0, len(vv))
		for _, e := range vv {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		lit := "{" + strings.Join(parts, ",") + "}"
		return lit, lit
	case string:
		return vv, vv
	default:
		s := fmt.Sprintf("%v", vv)
		return s, s
	}
}

// parseTyped converts the primary-source text value(s) into a
// driver-ready value according to d's category, generalizing the
// teacher's string/integer/float/boolean/array parser table from
// config-declared Param.Type to a discovered TypeDescriptor.Category.
func parseTyped(d *TypeDescriptor, raw []string) (interface{}, error) {
	if d == nil {
		return strings.Join(raw, ","), nil
	}
	if d.IsArray {
		return checkArray(d, raw)
	}
	var s string
	if len(raw) == 1 {
		s = raw[0]
	} else {
		s = strings.Join(raw, ",")
	}
	switch {
	case d.Category.has(catNumeric):
		if d.BaseDbType == "numeric" || d.BaseDbType == "decimal" {
			return checkDecimal(s)
		}
		return checkFloatOrInt(s, d.BaseDbType)
	case d.Category.has(catBoolean):
		return checkBool(s)
	case d.Category.has(catJSON):
		return s, nil
	default:
		return checkString(s)
	}
}

func checkString(s string) (string, error) { return s, nil }

// checkBool accepts the bare-flag query convention (?active, no value) as
// true in addition to the usual textual forms.
func checkBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "1", "":
		return true, nil
	case "false", "f", "0":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a valid boolean", s)
}

func checkFloatOrInt(s, baseType string) (interface{}, error) {
	isIntegerType := strings.Contains(baseType, "int")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a valid number", s)
	}
	if !isIntegerType {
		return f, nil
	}
	i, frac := math.Modf(f)
	if math.Abs(frac) > 1e-9 {
		return nil, fmt.Errorf("%q is not a valid integer", s)
	}
	return int64(i), nil
}

func checkDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%q is not a valid decimal", s)
	}
	return d, nil
}

func checkArray(d *TypeDescriptor, raw []string) ([]interface{}, error) {
	out := make([]interface{}, 0, len(raw))
	leaf := *d
	leaf.IsArray = false
	for i, s := range raw {
		v, err := parseTyped(&leaf, []string{s})
		if err != nil {
			return nil, fmt.Errorf("element #%d: %v", i+1, err)
		}
		out = append(out, v)
	}
	return out, nil
}
