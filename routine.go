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

import "time"

// RoutineType is the kind of database object a Routine was discovered from.
type RoutineType string

const (
	RoutineFunction  RoutineType = "function"
	RoutineProcedure RoutineType = "procedure"
	RoutineTable     RoutineType = "table"
	RoutineView      RoutineType = "view"
	RoutineOther     RoutineType = "other"
)

// Volatility mirrors PostgreSQL's pg_proc.provolatile.
type Volatility byte

const (
	VolatilityVolatile Volatility = 'v'
	VolatilityStable    Volatility = 's'
	VolatilityImmutable Volatility = 'i'
	VolatilityOther     Volatility = 'o'
)

// Composite describes one composite-typed or array-of-composite-typed
// result column: its sub-fields, and the column indices it expands into in
// the flattened row a client sees.
type Composite struct {
	FieldNames            []string
	FieldDescriptors      []*TypeDescriptor
	ConvertedColumnName   string
	ExpandedColumnIndices []int
}

// Routine is an immutable description of one discovered database object:
// a function, procedure, table or view. Built once by the metadata builder
// and never mutated afterwards; safe for concurrent reads from any number
// of goroutines handling requests against it.
type Routine struct {
	Type       RoutineType
	Schema     string
	Name       string
	Comment    string
	Volatility Volatility

	Parameters []*Parameter

	IsVoid              bool
	IsStrict            bool
	ReturnsSet          bool
	ReturnsUnnamedSet   bool
	ReturnsRecordType   bool
	ColumnCount         int
	OriginalColumnNames []string
	ConvertedColumnNames []string
	ColumnTypeDescriptors []*TypeDescriptor

	// Expression is the SQL text prefix used to build the final statement,
	// e.g. "select col1, col2 from public.get_widget(".
	Expression string
	// FullDefinition is a human-oriented rendering used by the docs/catalog
	// endpoint; SimpleDefinition is the terse one-liner.
	FullDefinition   string
	SimpleDefinition string

	// CompositeColumns and ArrayOfCompositeColumns are keyed by the
	// original (pre-expansion) column index.
	CompositeColumns         map[int]*Composite
	ArrayOfCompositeColumns map[int]*Composite
}

// ParamSource identifies where, in a request, a bound parameter's value was
// read from; kept on the Parameter so cache-key construction and error
// messages can report it without re-deriving it.
type ParamSource int

const (
	SourceQueryString ParamSource = iota
	SourceBodyJson
	SourceBodyParam
	SourceHeaderParam
	SourcePathParam
)

// Parameter is one input slot of a Routine. The Routine's Parameters slice
// is a template: every request clones it (see cloneParameters) before the
// binder fills in Value/OriginalStringValue/ParamType, so concurrent
// requests against the same routine never share mutable parameter state.
type Parameter struct {
	Ordinal        int
	ActualName     string // as declared in the database
	ConvertedName  string // as exposed to HTTP clients
	TypeDescriptor *TypeDescriptor
	HasDefault     bool

	// classification flags, set once at build time from annotations/catalog
	IsIPAddress     bool
	IsUserClaims    bool
	UserClaim       string
	IsUploadMetadata bool
	HashOf          string // name of another parameter this one hashes

	// bound per request
	Value               interface{}
	OriginalStringValue string
	ParamType           ParamSource
	Bound               bool
}

func (p *Parameter) clone() *Parameter {
	cp := *p
	cp.Value = nil
	cp.OriginalStringValue = ""
	cp.Bound = false
	return &cp
}

func cloneParameters(params []*Parameter) []*Parameter {
	out := make([]*Parameter, len(params))
	for i, p := range params {
		out[i] = p.clone()
	}
	return out
}

// HTTPMethod restricts RoutineEndpoint.Method to the verbs the spec allows.
type HTTPMethod string

const (
	MethodGET    HTTPMethod = "GET"
	MethodPOST   HTTPMethod = "POST"
	MethodPUT    HTTPMethod = "PUT"
	MethodDELETE HTTPMethod = "DELETE"
	MethodPATCH  HTTPMethod = "PATCH"
)

// RequestParamType selects where an endpoint's primary, unclassified
// parameters are read from.
type RequestParamType int

const (
	RequestQueryString RequestParamType = iota
	RequestBodyJson
)

// NullHandling controls how an absent/empty primary-source value is treated
// during binding and how NULL columns are rendered in raw/text responses.
type NullHandling int

const (
	NullAsEmptyString NullHandling = iota
	NullAsNullLiteral
	NullIgnore
)

// RetryStrategy configures the retry runner for one endpoint.
type RetryStrategy struct {
	MaxAttempts int
	Delays      []time.Duration // one entry per retry after the first attempt
	// Allowlist, when non-nil, is the set of additional SQL states (beyond
	// retry.go's built-in transient-class table) that classify() treats as
	// retryable for this endpoint. Populated from RetryOptions.ErrorCodes.
	Allowlist map[string]struct{}
}

// ErrorCodePolicy maps specific PostgreSQL SQLSTATEs (or classes) to the
// HTTP status/problem-type the executor should render, overriding the
// default classification in retry.go.
type ErrorCodePolicy struct {
	BySQLState map[string]int
	Default    int
}

// RoutineEndpoint is the HTTP-facing description of one Routine, built once
// during Build and thereafter read-only; every field a request handler
// consults is set before the MetadataTable is published.
type RoutineEndpoint struct {
	Routine *Routine

	Path             string
	Method           HTTPMethod
	RequestParamType RequestParamType

	// authorization
	RequiresAuthorization bool
	AuthorizeRoles        map[string]struct{}
	Login                 bool
	Logout                bool
	SecuritySensitive     bool

	// response shaping
	ResponseContentType      string
	ResponseHeaders          map[string]string
	TextResponseNullHandling NullHandling
	QueryStringNullHandling  NullHandling
	BufferRows               int
	Raw                      bool
	RawValueSeparator        string
	RawNewLineSeparator      string
	RawColumnNames           bool

	// cache
	Cached         bool
	CachedParams   []string
	CacheExpiresIn time.Duration
	InvalidateCache []string

	// connection
	ConnectionName  string
	CommandTimeout  time.Duration
	RetryStrategy   RetryStrategy
	ErrorCodePolicy ErrorCodePolicy

	// upload
	Upload         bool
	UploadHandlers []string

	// user context
	UserContext       bool
	UseUserParameters bool

	// SSE (domain-stack addition, set only by the "sse" annotation)
	SSEEnabled   bool
	SSESeverity  []string
	SSEScope     string
	SSERoles     map[string]struct{}
	MetricsLabel string

	// proxy
	ProxyTargetURL     string
	ProxyPassthrough   bool
	ProxyResponseMap   map[string]string // response JSON field -> parameter name

	PathParameters       []string
	ParameterValidations map[string][]ValidationRule
}

// entryKey returns the primary dispatch key for a RoutineEndpoint.
func (e *RoutineEndpoint) entryKey() string {
	return string(e.Method) + " " + e.Path
}

// overloadKey returns the (method,path,paramCount) key used when more than
// one routine shares the same method and path.
func (e *RoutineEndpoint) overloadKey() string {
	return e.entryKey() + "#" + itoa(len(e.Routine.Parameters))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MetadataTable is the immutable, published result of a metadata Build: an
// ordered list of endpoints, an overload index for method+path+paramCount
// collisions, and a summary flag telling the server whether any SSE routing
// needs to be set up at all.
type MetadataTable struct {
	Entries            []*RoutineEndpoint
	ByKey              map[string]*RoutineEndpoint
	Overloads          map[string]*RoutineEndpoint
	HasStreamingEvents bool
}

// lookup finds the endpoint for method+path, returning the overload keyed
// by paramCount when the primary entry's parameter count does not match.
func (t *MetadataTable) lookup(method, path string, paramCount int) (*RoutineEndpoint, bool) {
	key := method + " " + path
	e, ok := t.ByKey[key]
	if !ok {
		return nil, false
	}
	if len(e.Routine.Parameters) == paramCount {
		return e, true
	}
	if o, ok := t.Overloads[key+"#"+itoa(paramCount)]; ok {
		return o, true
	}
	return e, true
}

// CacheEntry is one entry in the result cache: a precomputed value (already
// serialized JSON, or a raw scalar) plus its absolute expiry, if any.
type CacheEntry struct {
	Value      []byte
	ExpiresAt  time.Time
	HasExpiry  bool
}

// crudType classifies a Routine's implied CRUD verb from its volatility:
// immutable and stable routines are "READ", a volatile routine is "READ"
// when it returns a set and "WRITE" otherwise, and any other volatility is
// "WRITE". See DESIGN.md open-question (a): kept verbatim, not "fixed",
// because the spec says not to infer client intent from it.
func crudType(v Volatility, returnsSet bool) string {
	switch v {
	case VolatilityImmutable:
		return "READ"
	case VolatilityStable:
		return "READ"
	case VolatilityVolatile:
		if returnsSet {
			return "READ"
		}
		return "WRITE"
	default:
		return "WRITE"
	}
}
