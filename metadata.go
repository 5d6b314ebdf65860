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
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// maxPathLength is spec.md §8's "for every endpoint (m,p) in the table,
// |p| <= 2048 and |p| > 0" invariant.
const maxPathLength = 2048

// EndpointHandler lets a caller of Build customize the default endpoint
// derived from a routine before it is indexed into the published
// MetadataTable: add validations, force a content type, whatever the
// caller's deployment needs that annotations alone don't cover. Handlers
// run in the order supplied and may return an error to abort Build
// entirely (a decode error from the caller's own logic is propagated the
// same way a row-decode error is, per spec.md §4.1's "errors during row
// decode propagate").
type EndpointHandler func(e *RoutineEndpoint) error

// MetadataBuildOptions bundles everything Build needs beyond the
// introspection source/connection named in MetadataOptions: the defaults
// applied to every discovered endpoint before annotations and endpoint
// handlers override them.
type MetadataBuildOptions struct {
	MetadataOptions

	DefaultConnectionName string
	DefaultCommandTimeout time.Duration
	DefaultRetryStrategy  RetryStrategy
	DefaultErrorCodePolicy ErrorCodePolicy
	DefaultCacheExpiresIn time.Duration

	EndpointHandlers []EndpointHandler
}

// resolveMetadataConnection implements the resolution order of spec.md
// §4.1: named data source -> named connection string -> configured
// default data source -> default connection string. dbrest only ever
// dials through datasources.go's pool abstraction, so "connection
// string" here collapses to "the only configured datasource" when no
// name is given.
func resolveMetadataConnection(opt MetadataOptions, datasources []Datasource) (string, error) {
	if opt.Datasource != "" {
		for i := range datasources {
			if datasources[i].Name == opt.Datasource {
				return opt.Datasource, nil
			}
		}
		return "", fmt.Errorf("metadata: datasource %q not found", opt.Datasource)
	}
	if len(datasources) == 0 {
		return "", fmt.Errorf("metadata: no datasources configured")
	}
	return datasources[0].Name, nil
}

// Build runs the introspection query and returns the immutable published
// table: the ordered endpoint list, the overload index, and whether any
// discovered endpoint needs SSE routing set up. Per spec.md §4.1, Build
// is idempotent with respect to database state: the same rows always
// produce the same table, since nothing here depends on wall-clock time
// or prior Build calls.
func (d *datasources) Build(ctx context.Context, opts MetadataBuildOptions, cfgDatasources []Datasource) (*MetadataTable, error) {
	connName, err := resolveMetadataConnection(opts.MetadataOptions, cfgDatasources)
	if err != nil {
		return nil, err
	}

	var rows []*introspectionRow
	cb := func(conn *pgxpool.Conn) error {
		if sp := strings.TrimSpace(opts.SearchPath); sp != "" {
			if _, err := conn.Exec(ctx, "set search_path = "+quoteIdentList(sp)); err != nil {
				return fmt.Errorf("metadata: setting search_path: %w", err)
			}
		}
		var err error
		rows, err = runIntrospection(ctx, conn, opts.MetadataOptions)
		return err
	}
	if err := d.withConn(connName, cb); err != nil {
		return nil, err
	}

	table := &MetadataTable{
		ByKey:     make(map[string]*RoutineEndpoint),
		Overloads: make(map[string]*RoutineEndpoint),
	}
	for _, row := range rows {
		comment, anns := splitCommentAndAnnotations(row.comment)
		rt, err := row.toRoutine(comment)
		if err != nil {
			return nil, err
		}

		epConn := opts.DefaultConnectionName
		if epConn == "" {
			epConn = connName
		}
		e, err := defaultEndpoint(rt, epConn, opts, anns)
		if err != nil {
			return nil, err
		}

		for _, h := range opts.EndpointHandlers {
			if err := h(e); err != nil {
				return nil, fmt.Errorf("endpoint handler for %s: %w", e.Path, err)
			}
		}

		if e.Path == "" {
			return nil, fmt.Errorf("routine %s.%s: derived an empty path", rt.Schema, rt.Name)
		}
		if len(e.Path) > maxPathLength {
			return nil, fmt.Errorf("routine %s.%s: path %q exceeds %d characters", rt.Schema, rt.Name, e.Path, maxPathLength)
		}

		if e.Upload {
			e.Method = MethodPOST
			e.RequestParamType = RequestQueryString
		} else if e.RequestParamType == RequestBodyJson && hasBodyParam(rt.Parameters) {
			// a routine parameter is itself sourced from the body (a
			// "_body" blob parameter); the primary source can't also be
			// the body, so fall back to the query string for everything
			// else.
			e.RequestParamType = RequestQueryString
		}

		if e.Login {
			if rt.IsVoid || (rt.ReturnsSet && rt.ReturnsUnnamedSet) {
				return nil, fmt.Errorf("routine %s.%s: login endpoint cannot be void or an unnamed set", rt.Schema, rt.Name)
			}
		}
		if e.Logout && !rt.IsVoid {
			return nil, fmt.Errorf("routine %s.%s: logout endpoint must be void", rt.Schema, rt.Name)
		}

		applyProxyParameterMap(e)

		indexEndpoint(table, e)
		if e.SSEEnabled {
			table.HasStreamingEvents = true
		}
	}

	return table, nil
}

// quoteIdentList wraps a comma-separated schema search_path list so each
// entry round-trips through SET regardless of case or special
// characters; search_path values come from trusted configuration, not
// request input, but quoting is cheap and avoids surprises with schema
// names that need it.
func quoteIdentList(csv string) string {
	parts := strings.Split(csv, ",")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(strings.TrimSpace(p), `"`, `""`) + `"`
	}
	return strings.Join(parts, ", ")
}

// runIntrospection executes opt.Source, treating it as a bare function
// name (invoked with the ten filter parameters of spec.md §6) when it
// contains no whitespace, or as a literal SQL query otherwise.
func runIntrospection(ctx context.Context, conn *pgxpool.Conn, opt MetadataOptions) ([]*introspectionRow, error) {
	src := strings.TrimSpace(opt.Source)
	var sql string
	var args []interface{}
	if !strings.ContainsAny(src, " \t\n") {
		sql = "select * from " + src + "($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)"
		args = []interface{}{
			nil, nil, []string{}, []string{},
			nil, nil, []string{}, []string{},
			[]string{}, []string{},
		}
	} else {
		sql = src
	}

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata: introspection query failed: %w", err)
	}
	defer rows.Close()

	var out []*introspectionRow
	for rows.Next() {
		r := new(introspectionRow)
		if err := rows.Scan(
			&r.kind, &r.schema, &r.name, &r.comment,
			&r.isStrict, &r.volatility, &r.returnsSet, &r.returnType,
			&r.returnRecordCount, &r.returnRecordNames, &r.returnRecordTypes,
			&r.isUnnamedRecord, &r.paramCount, &r.paramNames, &r.paramTypes,
			&r.argumentDef, &r.hasVariadic, &r.definition,
			&r.customTypeNames, &r.customTypeTypes, &r.customTypePositions,
			&r.customRecTypeNames, &r.customRecTypeTypes,
			&r.compositeOutParamNames, &r.compositeOutParamTypes,
			&r.arrayColumnIndices, &r.arrayFieldNamesJSON, &r.arrayFieldTypesJSON,
		); err != nil {
			return nil, fmt.Errorf("metadata: row decode failed: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// introspectionRow is the Go-side shape of spec.md §6's 28-column
// introspection vector, in ordinal order.
type introspectionRow struct {
	kind              string
	schema            string
	name              string
	comment           string
	isStrict          bool
	volatility        string
	returnsSet        bool
	returnType        string
	returnRecordCount int
	returnRecordNames []string
	returnRecordTypes []string
	isUnnamedRecord   bool
	paramCount        int
	paramNames        []string
	paramTypes        []string
	argumentDef       string
	hasVariadic       bool
	definition        string

	customTypeNames     []string
	customTypeTypes     []string
	customTypePositions []int

	customRecTypeNames []string
	customRecTypeTypes []string

	compositeOutParamNames []string
	compositeOutParamTypes []string

	arrayColumnIndices  []int
	arrayFieldNamesJSON string
	arrayFieldTypesJSON string
}

func routineTypeFromKind(kind string) RoutineType {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "function":
		return RoutineFunction
	case "procedure":
		return RoutineProcedure
	case "table":
		return RoutineTable
	case "view":
		return RoutineView
	default:
		return RoutineOther
	}
}

// toRoutine converts one decoded introspection row into an immutable
// Routine carrying comment (the plain text splitCommentAndAnnotations left
// after removing annotation lines), resolving the parameter list and the
// composite-expansion maps described by
// spec.md §9's "index -> composite-descriptor map, never a back-pointer"
// design note.
func (r *introspectionRow) toRoutine(comment string) (*Routine, error) {
	vol := VolatilityVolatile
	if v := strings.TrimSpace(r.volatility); v != "" {
		vol = Volatility(v[0])
	}

	rt := &Routine{
		Type:       routineTypeFromKind(r.kind),
		Schema:     r.schema,
		Name:       r.name,
		Comment:    comment,
		Volatility: vol,

		IsStrict:          r.isStrict,
		ReturnsSet:        r.returnsSet,
		ReturnsUnnamedSet: r.isUnnamedRecord,
		ReturnsRecordType: r.returnRecordCount > 0,

		FullDefinition:   r.definition,
		SimpleDefinition: r.argumentDef,
	}
	rt.IsVoid = strings.EqualFold(strings.TrimSpace(r.returnType), "void")

	if rt.ReturnsRecordType {
		rt.ColumnCount = r.returnRecordCount
		rt.OriginalColumnNames = append([]string(nil), r.returnRecordNames...)
		rt.ConvertedColumnNames = convertNames(r.returnRecordNames)
		rt.ColumnTypeDescriptors = make([]*TypeDescriptor, len(r.returnRecordTypes))
		for i, t := range r.returnRecordTypes {
			rt.ColumnTypeDescriptors[i] = newScalarTypeDescriptor(t)
		}
	} else if !rt.IsVoid {
		rt.ColumnCount = 1
		rt.OriginalColumnNames = []string{r.name}
		rt.ConvertedColumnNames = []string{snakeToCamel(r.name)}
		rt.ColumnTypeDescriptors = []*TypeDescriptor{newScalarTypeDescriptor(r.returnType)}
	}

	rt.Parameters = make([]*Parameter, r.paramCount)
	for i := 0; i < r.paramCount; i++ {
		p := &Parameter{Ordinal: i}
		if i < len(r.paramNames) {
			p.ActualName = r.paramNames[i]
			p.ConvertedName = snakeToCamel(r.paramNames[i])
		}
		if i < len(r.paramTypes) {
			p.TypeDescriptor = newScalarTypeDescriptor(r.paramTypes[i])
		}
		rt.Parameters[i] = p
	}

	rt.CompositeColumns, rt.ArrayOfCompositeColumns = buildCompositeMaps(r, rt.ConvertedColumnNames)

	applyCustomTypes(rt, r)

	return rt, nil
}

// applyCustomTypes re-casts the parameters at the custom-type vectors'
// positions to the type PostgreSQL reports for user-defined
// (domain/enum/composite-leaf) types; result columns are not re-cast.
// dbrest treats these as opaque text unless the composite-expansion
// vectors below claim them.
func applyCustomTypes(rt *Routine, r *introspectionRow) {
	for i, pos := range r.customTypePositions {
		if i >= len(r.customTypeNames) || i >= len(r.customTypeTypes) {
			break
		}
		if pos >= 0 && pos < len(rt.Parameters) {
			rt.Parameters[pos].TypeDescriptor = newScalarTypeDescriptor(r.customTypeTypes[i])
		}
	}
}

// buildCompositeMaps groups the flattened composite_out_param_names/
// array_column_indices vectors the introspection query reports back into
// the two index-keyed maps rowToJSON (streamer.go) expects: one entry per
// leading column index, holding the field names/descriptors needed to
// re-nest it. ExpandedColumnIndices holds only that leading index: the
// composite is read as one tuple-text column, and no sibling-column
// expansion is recorded here.
func buildCompositeMaps(r *introspectionRow, convertedNames []string) (composite, arrayOfComposite map[int]*Composite) {
	if len(r.compositeOutParamNames) == 0 && len(r.arrayColumnIndices) == 0 {
		return nil, nil
	}

	fieldNames, fieldTypes := splitCompositeFieldJSON(r.arrayFieldNamesJSON), splitCompositeFieldJSON(r.arrayFieldTypesJSON)

	composite = make(map[int]*Composite)
	arrayOfComposite = make(map[int]*Composite)
	for i, name := range r.compositeOutParamNames {
		leadIdx := indexOfName(convertedNames, name)
		if leadIdx < 0 {
			leadIdx = i
		}
		c := &Composite{
			FieldNames:          fieldNames,
			ConvertedColumnName: name,
		}
		for _, fn := range fieldTypes {
			c.FieldDescriptors = append(c.FieldDescriptors, newScalarTypeDescriptor(fn))
		}
		c.ExpandedColumnIndices = []int{leadIdx}
		if i < len(r.compositeOutParamTypes) && strings.HasSuffix(r.compositeOutParamTypes[i], "[]") {
			arrayOfComposite[leadIdx] = c
		} else {
			composite[leadIdx] = c
		}
	}
	return composite, arrayOfComposite
}

func indexOfName(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// splitCompositeFieldJSON accepts a JSON array-of-strings literal (as
// reported by the introspection query's array_field_names_json/
// array_field_types_json columns) and returns its elements; a malformed
// or empty literal yields no elements rather than an error, since the
// composite-expansion path is advisory and a missing field list simply
// means the composite renders with fewer named fields.
func splitCompositeFieldJSON(s string) []string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if strings.TrimSpace(inner) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, `"`)
		part = strings.TrimSuffix(part, `"`)
		out = append(out, part)
	}
	return out
}

// defaultEndpoint derives a RoutineEndpoint from rt per spec.md §4.1's
// endpoint-factory step, then applies every recognized annotation on top
// of the defaults.
func defaultEndpoint(rt *Routine, connName string, opts MetadataBuildOptions, anns []annotation) (*RoutineEndpoint, error) {
	e := &RoutineEndpoint{
		Routine:                  rt,
		Path:                     "/" + toKebab(rt.Schema) + "/" + toKebab(rt.Name),
		Method:                   defaultMethod(rt),
		RequestParamType:         RequestQueryString,
		TextResponseNullHandling: NullAsNullLiteral,
		QueryStringNullHandling:  NullAsEmptyString,
		ConnectionName:           connName,
		CommandTimeout:           opts.DefaultCommandTimeout,
		RetryStrategy:            opts.DefaultRetryStrategy,
		ErrorCodePolicy:          opts.DefaultErrorCodePolicy,
		CacheExpiresIn:           opts.DefaultCacheExpiresIn,
	}

	if err := applyAnnotationsToEndpoint(e, anns); err != nil {
		return nil, err
	}
	return e, nil
}

// defaultMethod preserves the teacher's open-question (a) behavior
// verbatim (spec.md §9): the method follows crudType alone, so every
// routine that isn't provolatile 'v', and every volatile set-returning
// one, defaults to GET; only a volatile, non-set-returning routine (or an
// unrecognized volatility) defaults to POST.
func defaultMethod(rt *Routine) HTTPMethod {
	switch crudType(rt.Volatility, rt.ReturnsSet) {
	case "WRITE":
		return MethodPOST
	default:
		return MethodGET
	}
}

func applyAnnotationsToEndpoint(e *RoutineEndpoint, anns []annotation) error {
	lastValidateParam := ""
	for _, a := range anns {
		switch a.key {
		case "authorize":
			e.RequiresAuthorization = true
			roles := splitCSV(a.args)
			if len(roles) > 0 {
				e.AuthorizeRoles = make(map[string]struct{}, len(roles))
				for _, r := range roles {
					e.AuthorizeRoles[r] = struct{}{}
				}
			}
		case "login":
			e.Login = true
			e.RequiresAuthorization = false
		case "logout":
			e.Logout = true
			e.RequiresAuthorization = true
		case "cached":
			e.Cached = true
			e.CachedParams = splitCSV(a.args)
		case "cache-expires-in":
			if n, ok := parseInterval(a.args); ok {
				e.CacheExpiresIn = time.Duration(n)
			}
		case "invalidate-cache":
			e.InvalidateCache = splitCSV(a.args)
		case "disabled":
			e.Path = "" // caught by the empty-path check in Build
		case "content-type":
			e.ResponseContentType = strings.TrimSpace(a.args)
		case "response-headers":
			e.ResponseHeaders = parseHeaderList(a.args)
		case "buffer-rows":
			e.BufferRows = defaultBufferRows
			if n, err := strconv.Atoi(strings.TrimSpace(a.args)); err == nil && n > 0 {
				e.BufferRows = n
			}
		case "raw":
			e.Raw = true
			parts := splitCSV(a.args)
			if len(parts) > 0 {
				e.RawValueSeparator = parts[0]
			}
			if len(parts) > 1 {
				e.RawNewLineSeparator = parts[1]
			}
			for _, p := range parts {
				if p == "column-names" {
					e.RawColumnNames = true
				}
			}
		case "connection":
			if c := strings.TrimSpace(a.args); c != "" {
				e.ConnectionName = c
			}
		case "timeout":
			if n, ok := parseInterval(a.args); ok {
				e.CommandTimeout = time.Duration(n)
			}
		case "upload":
			e.Upload = true
			e.UploadHandlers = splitCSV(a.args)
		case "validate":
			name, rules, ok := parseValidateAnnotation(a.args)
			if !ok {
				return fmt.Errorf("%s: malformed validate annotation %q", e.Path, a.args)
			}
			if e.ParameterValidations == nil {
				e.ParameterValidations = make(map[string][]ValidationRule)
			}
			e.ParameterValidations[name] = append(e.ParameterValidations[name], rules...)
			lastValidateParam = name
		case "validation":
			// customizes the status code/message template of the rules
			// declared by the `validate` line immediately preceding it,
			// e.g. `validation 422 {1} must look like an email`.
			if lastValidateParam == "" {
				continue
			}
			statusStr, msg := splitFirstWord(a.args)
			status, err := strconv.Atoi(statusStr)
			if err != nil {
				continue
			}
			rules := e.ParameterValidations[lastValidateParam]
			for i := range rules {
				rules[i].StatusCode = status
				if msg != "" {
					rules[i].Message = msg
				}
			}
		case "proxy":
			// passthrough vs. response-mapped is decided later, in
			// applyProxyParameterMap, once the routine's parameter names
			// have been seen
			e.ProxyTargetURL = strings.TrimSpace(a.args)
		case "sse":
			e.SSEEnabled = true
			parts := splitCSV(a.args)
			for _, p := range parts {
				switch {
				case strings.HasPrefix(p, "scope:"):
					e.SSEScope = strings.TrimPrefix(p, "scope:")
				case strings.HasPrefix(p, "role:"):
					if e.SSERoles == nil {
						e.SSERoles = make(map[string]struct{})
					}
					e.SSERoles[strings.TrimPrefix(p, "role:")] = struct{}{}
				default:
					e.SSESeverity = append(e.SSESeverity, p)
				}
			}
		case "metrics-label":
			e.MetricsLabel = strings.TrimSpace(a.args)
		case "path":
			if p := strings.TrimSpace(a.args); p != "" {
				e.Path = p
			}
		case "method":
			if m := strings.ToUpper(strings.TrimSpace(a.args)); m != "" {
				e.Method = HTTPMethod(m)
			}
		case "security-sensitive":
			e.SecuritySensitive = true
		case "user-context":
			e.UserContext = true
		case "user-parameters":
			e.UseUserParameters = true
		}
	}
	e.PathParameters = extractPathParameters(e.Path)
	return nil
}

func parseHeaderList(args string) map[string]string {
	out := make(map[string]string)
	for _, kv := range splitCSV(args) {
		if i := strings.IndexByte(kv, ':'); i > 0 {
			out[strings.TrimSpace(kv[:i])] = strings.TrimSpace(kv[i+1:])
		}
	}
	return out
}

// extractPathParameters returns the `{name}` placeholders in a path
// template, in order, matching the chi route syntax server.go registers
// endpoints with.
func extractPathParameters(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
			out = append(out, strings.TrimSuffix(strings.TrimPrefix(seg, "{"), "}"))
		}
	}
	return out
}

// hasBodyParam reports whether any of a routine's parameters is the
// whole-body blob parameter, declared in the database as "_body" by
// convention (see binder.go's bindOne, step 4).
func hasBodyParam(params []*Parameter) bool {
	for _, p := range params {
		if p.ActualName == "_body" {
			return true
		}
	}
	return false
}

// indexEndpoint implements spec.md §4.1's overload indexing: the latest
// entry for a given (method,path) wins the primary map, and whatever it
// displaces is kept retrievable under its own parameter-count suffix.
func indexEndpoint(table *MetadataTable, e *RoutineEndpoint) {
	key := e.entryKey()
	if displaced, ok := table.ByKey[key]; ok {
		table.Overloads[displaced.overloadKey()] = displaced
	}
	table.ByKey[key] = e
	table.Entries = append(table.Entries, e)
}

// proxyResponseFieldParams maps the conventional parameter names a
// proxy-interposed routine may declare to the upstream-response field each
// one receives after the proxy call. A proxied routine declaring none of
// them is a passthrough: the upstream response goes to the client verbatim
// and the routine is never invoked.
var proxyResponseFieldParams = map[string]string{
	"responseStatusCode":   "status",
	"responseBody":         "body",
	"responseHeaders":      "headers",
	"responseContentType":  "contentType",
	"responseSuccess":      "success",
	"responseErrorMessage": "error",
}

// applyProxyParameterMap scans a proxy endpoint's routine parameters for
// the conventional response-field names and records the field->parameter
// mapping applyProxyResponseMap (proxy.go) fills after the upstream call.
func applyProxyParameterMap(e *RoutineEndpoint) {
	if e.ProxyTargetURL == "" {
		return
	}
	for _, p := range e.Routine.Parameters {
		if field, ok := proxyResponseFieldParams[p.ConvertedName]; ok {
			if e.ProxyResponseMap == nil {
				e.ProxyResponseMap = make(map[string]string)
			}
			e.ProxyResponseMap[field] = p.ConvertedName
		}
	}
	e.ProxyPassthrough = len(e.ProxyResponseMap) == 0
}

// splitCommentAndAnnotations separates a routine comment's recognized
// annotation lines (parsed by annotations.go) from the remaining plain
// documentation text, which becomes Routine.Comment verbatim.
func splitCommentAndAnnotations(raw string) (comment string, anns []annotation) {
	anns = parseAnnotations(raw)
	var plain []string
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "@"))
		key, _ := splitFirstWord(trimmed)
		if recognizedAnnotationKeys[key] {
			continue
		}
		plain = append(plain, line)
	}
	return strings.TrimSpace(strings.Join(plain, "\n")), anns
}

// toKebab renders a PostgreSQL identifier as a URL path segment:
// underscores become hyphens, matching the spec.md §8 scenario 1 example
// (`get_x` -> `/api/get-x`).
func toKebab(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), "_", "-")
}

// snakeToCamel renders a PostgreSQL identifier as the camelCase name
// exposed to HTTP clients (Parameter.ConvertedName, Routine's
// ConvertedColumnNames). Leading underscores (the conventional prefix for
// routine parameter names) are stripped: `_id` exposes as `id`, not `Id`.
func snakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(strings.ToLower(p))
			first = false
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// convertNames maps snakeToCamel over a slice, used for record column
// names.
func convertNames(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = snakeToCamel(n)
	}
	return out
}

