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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// executor holds everything a request handler needs beyond the
// RoutineEndpoint itself: connection pools, cache, metrics, the notice
// dispatcher and the auth/proxy/upload collaborators. One executor serves
// every endpoint in a MetadataTable; server.go builds exactly one per
// APIServer.
type executor struct {
	ds      *datasources
	cache   *resultCache
	metrics *metrics
	notices *noticeDispatcher
	uploads *uploadRegistry
	auth    AuthOptions
	proxy   ProxyOptions
	client  *http.Client
	logger  zerolog.Logger

	// maxCacheableRows is spec.md §4.4's cache-eligibility cutoff for row
	// sets (CacheOptions.MaxCacheableRows); zero or negative means
	// unlimited. Scalars are never subject to this check.
	maxCacheableRows int
}

// handle runs the linear state machine of spec.md §4.9:
// resolving-connection -> binding-parameters -> validating -> authorizing
// -> (proxy) -> setting-user-context -> (upload) -> executing -> streaming
// -> completing. It is the sole error boundary: every failure path writes
// the response and returns the status that was written, so the caller can
// feed it straight to the metrics/logging epilogue.
// body/hasBody carry a JSON body already decoded by the caller's overload
// dispatch (server.go's dispatch, which must inspect the primary source's
// key count before it knows which RoutineEndpoint to hand in here), so the
// request body is never read twice.
func (x *executor) handle(w http.ResponseWriter, r *http.Request, e *RoutineEndpoint, body map[string]interface{}, hasBody bool) int {
	reqID := uuid.NewString()
	logger := x.logger.With().Str("requestId", reqID).Str("path", e.Path).Logger()

	ctx := r.Context()
	if e.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.CommandTimeout)
		defer cancel()
	}

	// resolving-connection
	connName := e.ConnectionName
	if _, err := x.ds.get(connName); err != nil {
		writeProblem(w, r, http.StatusInternalServerError, "connection error", err.Error())
		return http.StatusInternalServerError
	}

	// binding-parameters
	bindCtx, err := x.buildBindContext(ctx, r, e, body, hasBody)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "bad request", err.Error())
		return http.StatusBadRequest
	}
	params, err := bindParameters(e, bindCtx)
	if err != nil {
		var be *BindingError
		if errors.As(err, &be) {
			writeBindingError(w, r)
			return http.StatusNotFound
		}
		writeProblem(w, r, http.StatusBadRequest, "bad request", err.Error())
		return http.StatusBadRequest
	}

	// validating
	if verr := runValidations(e, params); verr != nil {
		var vf *ValidationFailure
		if errors.As(verr, &vf) {
			writeValidationFailure(w, r, vf)
			return vf.StatusCode
		}
		writeProblem(w, r, http.StatusBadRequest, "bad request", verr.Error())
		return http.StatusBadRequest
	}

	// strict routine + NULL bound parameter -> 204, per spec.md §8.
	if isStrictNullShortCircuit(e, params) {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}

	// authorizing
	if aerr := authorize(e, bindCtx.Authenticated, bindCtx.Claims, x.auth.RoleClaim); aerr != nil {
		switch {
		case errors.Is(aerr, ErrUnauthenticated):
			writeProblem(w, r, http.StatusUnauthorized, "unauthenticated", aerr.Error())
			return http.StatusUnauthorized
		case errors.Is(aerr, ErrForbidden):
			writeProblem(w, r, http.StatusForbidden, "forbidden", aerr.Error())
			return http.StatusForbidden
		default:
			writeProblem(w, r, http.StatusInternalServerError, "auth error", aerr.Error())
			return http.StatusInternalServerError
		}
	}

	// proxy
	if e.ProxyTargetURL != "" {
		if status, passthrough := x.runProxy(ctx, w, r, e, params, bindCtx); passthrough {
			return status
		}
		// else: proxy response was mapped into params, execution continues
	}

	// upload (multipart handlers run before the routine so their metadata
	// can back-fill the placeholder parameter bindOne left nil)
	if e.Upload {
		if status, ok := x.runUpload(r, e, params); !ok {
			return status
		}
	}

	// SSE-enabled endpoints bypass the cache and stream notices directly to
	// the ResponseWriter instead of returning a buffered body; see
	// executeSSE.
	if e.SSEEnabled {
		if err := x.executeSSE(ctx, w, r, connName, e, params, bindCtx); err != nil {
			return x.writeExecutionError(w, r, e, err)
		}
		return http.StatusOK
	}

	// cache lookup happens once parameters/validation/auth/proxy/upload are
	// all settled, since the cache key depends on final bound values.
	var cacheKey string
	if cacheable(e) {
		cacheKey = x.cache.buildCacheKey(e.Routine.Expression, params, e.CachedParams)
		if cached, ok := x.cache.Get(cacheKey); ok {
			x.metrics.observeCacheHit(e.Path)
			logger.Debug().Uint64("cacheKeyHash", prehash(cacheKey)).Msg("cache hit")
			x.writeCachedBody(w, e, cached)
			return http.StatusOK
		}
		x.metrics.observeCacheMiss(e.Path)
		logger.Debug().Uint64("cacheKeyHash", prehash(cacheKey)).Msg("cache miss")
	}

	status, respBody, rowCount, rerr := x.execute(ctx, connName, e, params, bindCtx, logger)
	if rerr != nil {
		return x.writeExecutionError(w, r, e, rerr)
	}
	if status == http.StatusNoContent {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}

	// a NULL scalar under TextResponseNullHandling=NoContent has no body to
	// write at all
	if isScalarShape(e.Routine) && len(respBody) == 0 && e.TextResponseNullHandling == NullIgnore {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}

	x.writeResponse(w, e, respBody)

	if cacheKey != "" && x.rowCountCacheable(e, rowCount) {
		x.cache.AddOrUpdate(cacheKey, respBody, e.CacheExpiresIn)
	}
	for _, key := range e.InvalidateCache {
		x.cache.Remove(key)
	}

	return http.StatusOK
}

// rowCountCacheable applies spec.md §4.4's cache-eligibility cutoff: a
// row-set result is only cached when its row count is within
// maxCacheableRows (0 or negative means unlimited). It mirrors
// streamResult's own scalar/row-set dispatch condition exactly, so that
// anything streamRowSet handles (including a single named-record result)
// is subject to the limit, while true scalars are always eligible here,
// cacheable() having already excluded the binary/raw shapes that can't be
// cached at all.
func (x *executor) rowCountCacheable(e *RoutineEndpoint, rowCount int) bool {
	if isScalarShape(e.Routine) {
		return true
	}
	if x.maxCacheableRows <= 0 {
		return true
	}
	return rowCount <= x.maxCacheableRows
}

// isStrictNullShortCircuit implements the "any bound parameter of a strict
// routine equals NULL -> 204 empty body" invariant of spec.md §8. A
// routine's strictness is read from Routine.IsStrict; a parameter lacking a
// value is already rejected at bind time, so this only needs to check
// parameters that were bound to an explicit nil.
func isStrictNullShortCircuit(e *RoutineEndpoint, params []*Parameter) bool {
	if !routineIsStrict(e.Routine) {
		return false
	}
	for _, p := range params {
		if p.Bound && p.Value == nil {
			return true
		}
	}
	return false
}

func routineIsStrict(rt *Routine) bool {
	return rt != nil && rt.IsStrict
}

// buildBindContext adapts one chi request into the BindContext binder.go
// expects: path/query/body/header extraction plus whatever claims a bearer
// token decodes to, mirroring the teacher's getParams (params.go) request
// unwrapping (gzip/deflate body handling is the upload/proxy collaborators'
// concern here, not the binder's).
func (x *executor) buildBindContext(ctx context.Context, r *http.Request, e *RoutineEndpoint, body map[string]interface{}, hasBody bool) (*BindContext, error) {
	bc := &BindContext{
		Method:     r.Method,
		PathParams: map[string]string{},
		Query:      r.URL.Query(),
		Headers:    r.Header,
		ClientIP:   clientIP(r),
		RoleClaim:  x.auth.RoleClaim,
	}

	if rc := chi.RouteContext(r.Context()); rc != nil {
		for i, key := range rc.URLParams.Keys {
			bc.PathParams[key] = rc.URLParams.Values[i]
		}
	}

	if e.RequestParamType == RequestBodyJson {
		bc.BodyJSON = body
		bc.HasBody = hasBody
	}

	auth := r.Header.Get("Authorization")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		tok := strings.TrimPrefix(auth, "Bearer ")
		claims, err := decodeClaims(tok, x.auth.SecretKey)
		if err == nil {
			raw := make(map[string][]interface{}, len(claims))
			for k, v := range claims {
				if arr, ok := v.([]interface{}); ok {
					raw[k] = arr
				} else {
					raw[k] = []interface{}{v}
				}
			}
			bc.Claims = BuildClaims(raw, x.auth.RoleClaim)
			bc.Authenticated = true
		}

	case x.auth.BasicAuth && x.auth.ChallengeQuery != "" && strings.HasPrefix(auth, "Basic "):
		if user, pass, ok := parseBasicAuth(auth); ok {
			if pool, perr := x.ds.get(e.ConnectionName); perr == nil {
				if claims, cerr := challengeAuthenticate(ctx, pool, x.auth.ChallengeQuery, user, pass, x.auth.RoleClaim); cerr == nil {
					bc.Claims = claims
					bc.Authenticated = true
				}
			}
		}
	}

	return bc, nil
}

// decodeJSONBody reads and parses r.Body once; server.go's dispatch calls
// this before overload resolution for any endpoint whose primary source is
// the body, then threads the result into executor.handle so buildBindContext
// never has to read the (already consumed) body again.
func decodeJSONBody(r *http.Request) (map[string]interface{}, bool, error) {
	if r.ContentLength == 0 {
		return nil, false, nil
	}
	var body map[string]interface{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil && err != io.EOF {
		return nil, false, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, body != nil, nil
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// runProxy performs the proxy-interposed request. It returns
// (status, true) when the upstream response was written verbatim to the
// client (passthrough == true means the caller must stop), or
// (0, false) when the response was mapped into params and routine
// execution should continue.
func (x *executor) runProxy(ctx context.Context, w http.ResponseWriter, r *http.Request, e *RoutineEndpoint, params []*Parameter, bindCtx *BindContext) (int, bool) {
	extra := map[string]string{}
	if bindCtx.ClientIP != "" {
		extra["client_ip"] = bindCtx.ClientIP
	}
	target, err := buildProxyURL(e.ProxyTargetURL, r.URL.Path, r.URL.RawQuery, extra)
	if err != nil {
		writeProblem(w, r, http.StatusBadGateway, "proxy error", err.Error())
		return http.StatusBadGateway, true
	}

	headers := http.Header{}
	forwardHeaders(headers, r.Header, x.proxy.ForwardedHeaders, x.proxy.ExcludedHeaders)

	var body []byte
	if r.ContentLength > 0 {
		body, _ = io.ReadAll(r.Body)
	}

	res, perr := proxyRequest(ctx, x.client, r.Method, target, headers, body, x.proxy.Timeout)
	if perr != nil {
		var pe *ProxyError
		if errors.As(perr, &pe) {
			writeProblem(w, r, pe.Status, "proxy error", pe.Msg)
			return pe.Status, true
		}
		writeProblem(w, r, http.StatusBadGateway, "proxy error", perr.Error())
		return http.StatusBadGateway, true
	}

	if len(e.ProxyResponseMap) == 0 {
		for k, vs := range res.Headers {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		if res.ContentType != "" {
			w.Header().Set("Content-Type", res.ContentType)
		}
		w.WriteHeader(res.StatusCode)
		_, _ = w.Write(res.Body)
		return res.StatusCode, true
	}

	applyProxyResponseMap(e, params, res)
	return 0, false
}

// runUpload dispatches each configured upload handler against the request's
// multipart parts, back-filling the upload-metadata parameter after every
// handler call, so the result of the last handler on the last part is the
// value that stays bound. Returns (status, false) on failure (the response
// has already been written), (0, true) on success.
func (x *executor) runUpload(r *http.Request, e *RoutineEndpoint, params []*Parameter) (int, bool) {
	handlers := x.uploads.resolve(e.UploadHandlers)
	if len(handlers) == 0 {
		return 0, true
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return http.StatusBadRequest, false
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			for _, h := range handlers {
				h.OnError(r.Context(), err)
			}
			return http.StatusBadRequest, false
		}
		for _, h := range handlers {
			meta, herr := h.HandleUpload(r.Context(), part)
			if herr != nil {
				h.OnError(r.Context(), herr)
				return http.StatusInternalServerError, false
			}
			backfillUploadMetadata(params, meta)
		}
	}
	return 0, true
}

// execute runs the routine: acquires a connection, sets per-request
// context (client IP and claims JSON), optionally registers the notice
// subscription for SSE-enabled endpoints, runs the statement (retried per
// e.RetryStrategy), and streams the result into an in-memory buffer (the
// cache and the SSE "result" event both need the serialized body, so
// streamResult always writes to a buffer here rather than directly to the
// ResponseWriter; streamer.go's own backpressure handling still applies
// once writeResponse copies the buffer out).
func (x *executor) execute(ctx context.Context, connName string, e *RoutineEndpoint, params []*Parameter, bindCtx *BindContext, logger zerolog.Logger) (int, []byte, int, error) {
	if _, err := x.ds.get(connName); err != nil {
		return 0, nil, 0, err
	}

	var buf []byte
	var rowCount int
	runErr := runWithRetry(ctx, e.RetryStrategy, e.RetryStrategy.Allowlist, func(ctx context.Context) error {
		if x.metrics != nil {
			x.metrics.observeRetryAttempt(e.Path)
		}
		b, rc, err := x.runOnce(ctx, connName, e, params, bindCtx, logger)
		if err != nil {
			return err
		}
		buf, rowCount = b, rc
		return nil
	})
	if runErr != nil {
		return 0, nil, 0, runErr
	}

	if e.Routine.IsVoid {
		return http.StatusNoContent, nil, 0, nil
	}
	return http.StatusOK, buf, rowCount, nil
}

// runOnce is the retried unit of work: one connection acquisition, one
// statement execution, one result serialization.
func (x *executor) runOnce(ctx context.Context, connName string, e *RoutineEndpoint, params []*Parameter, bindCtx *BindContext, logger zerolog.Logger) ([]byte, int, error) {
	var out []byte
	var rowCount int
	err := x.ds.withTx(connName, nil, func(q querier) error {
		if err := setUserContext(ctx, q, e, bindCtx); err != nil {
			return err
		}
		b, rc, err := x.runStatement(ctx, q, e, params)
		if err != nil {
			return err
		}
		out, rowCount = b, rc
		return nil
	})
	return out, rowCount, err
}

// executeSSE serves an SSE-enabled endpoint: it acquires one connection
// directly (bypassing withTx's pooled-callback shape, since the response
// must stay open for the life of the routine invocation), registers a
// notice subscription keyed by that connection's backend PID, and relays
// every NOTICE the statement raises to the client as it runs. The
// transport is SSE unless the request asks for `?transport=ws`, in which
// case the identical notice/result payloads are relayed over a websocket
// using the teacher's notifWriter.loopWS.
func (x *executor) executeSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, connName string, e *RoutineEndpoint, params []*Parameter, bindCtx *BindContext) error {
	return x.ds.withConn(connName, func(conn *pgxpool.Conn) error {
		pid := conn.Conn().PgConn().PID()
		sub := newNoticeSubscription(e)
		if err := authorizeNoticeStream(sub, bindCtx.Claims, x.auth.RoleClaim); err != nil {
			return err
		}

		fn := func() ([]byte, error) {
			if err := setUserContext(ctx, conn, e, bindCtx); err != nil {
				return nil, err
			}
			b, _, err := x.runStatement(ctx, conn, e, params)
			return b, err
		}

		if r.URL.Query().Get("transport") == "ws" {
			return x.notices.serveNoticeStreamWS(ctx, w, r, pid, sub, fn, x.logger)
		}
		return x.notices.serveNoticeStream(ctx, w, pid, sub, fn)
	})
}

// runStatement builds the final SQL text from the routine's expression and
// parameter placeholders, executes it, and serializes the result via
// streamer.go. Void routines are exec'd; everything else is queried and
// streamed into a buffer.
func (x *executor) runStatement(ctx context.Context, q querier, e *RoutineEndpoint, params []*Parameter) ([]byte, int, error) {
	sql, args := buildStatement(e.Routine, params)

	if e.Routine.IsVoid {
		if _, err := q.Exec(ctx, sql, args...); err != nil {
			return nil, 0, classifyOrWrap(err, e)
		}
		return nil, 0, nil
	}

	// every result column is requested in text format: pgxRowSource hands
	// the raw column bytes straight to the text-format converter
	qargs := append([]interface{}{pgx.QueryResultFormats{pgx.TextFormatCode}}, args...)
	rows, err := q.Query(ctx, sql, qargs...)
	if err != nil {
		return nil, 0, classifyOrWrap(err, e)
	}
	defer rows.Close()

	var buf bytes.Buffer
	rs := &countingRowSource{rs: &pgxRowSource{rows: rows}}
	if err := streamResult(&buf, e, e.Routine, rs); err != nil {
		return nil, 0, classifyOrWrap(err, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classifyOrWrap(err, e)
	}
	return buf.Bytes(), rs.count, nil
}

// classifyOrWrap applies the endpoint's ErrorCodePolicy mapping before
// falling through to the generic DriverUnmapped->500 path of spec.md §7.
func classifyOrWrap(err error, e *RoutineEndpoint) error {
	if p := classifyErrorCodePolicy(err, e.ErrorCodePolicy); p != nil {
		return p
	}
	return err
}

// buildStatement renders the routine's expression with one $N placeholder
// per bound parameter, in routine (ordinal) order.
func buildStatement(rt *Routine, params []*Parameter) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(rt.Expression)
	args := make([]interface{}, len(params))
	for i, p := range params {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "$%d", i+1)
		args[i] = p.Value
	}
	b.WriteByte(')')
	return b.String(), args
}

// setUserContext writes SET-context statements before the main statement,
// only for endpoints that opted into UserContext: the client IP as
// request.ip and, for an authenticated caller, the claims JSON as
// request.claims. Request headers and per-claim keys are not written.
func setUserContext(ctx context.Context, q querier, e *RoutineEndpoint, bindCtx *BindContext) error {
	if !e.UserContext {
		return nil
	}
	if bindCtx.ClientIP != "" {
		if _, err := q.Exec(ctx, "SELECT set_config('request.ip', $1, true)", bindCtx.ClientIP); err != nil {
			return err
		}
	}
	if bindCtx.Authenticated {
		b, _ := json.Marshal(bindCtx.Claims)
		if _, err := q.Exec(ctx, "SELECT set_config('request.claims', $1, true)", string(b)); err != nil {
			return err
		}
	}
	return nil
}

// writeResponse sets the content type and status implied by e and copies
// body to w. 204-shaped void routines never reach here (handle returns
// earlier).
func (x *executor) writeResponse(w http.ResponseWriter, e *RoutineEndpoint, body []byte) {
	ct := resolveContentType(e, e.Routine)
	h := w.Header()
	h.Set("Content-Type", ct)
	for k, v := range e.ResponseHeaders {
		h.Set(k, v)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (x *executor) writeCachedBody(w http.ResponseWriter, e *RoutineEndpoint, body []byte) {
	x.writeResponse(w, e, body)
}

// writeExecutionError classifies a runtime failure per spec.md §7's
// DriverMapped/DriverUnmapped/RetryExhausted/Internal taxonomy.
func (x *executor) writeExecutionError(w http.ResponseWriter, r *http.Request, e *RoutineEndpoint, err error) int {
	if errors.Is(err, ErrForbidden) {
		writeProblem(w, r, http.StatusForbidden, "forbidden", err.Error())
		return http.StatusForbidden
	}
	if errors.Is(err, ErrUnauthenticated) {
		writeProblem(w, r, http.StatusUnauthorized, "unauthenticated", err.Error())
		return http.StatusUnauthorized
	}

	var ecp *ErrorCodeProblem
	if errors.As(err, &ecp) {
		writeErrorCodeProblem(w, r, ecp)
		return ecp.Status
	}

	var re *RetryExhausted
	if errors.As(err, &re) {
		writeProblem(w, r, http.StatusInternalServerError, "retry exhausted", re.Error())
		return http.StatusInternalServerError
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		writeProblem(w, r, http.StatusInternalServerError, "database error", pgErr.Message)
		return http.StatusInternalServerError
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeProblem(w, r, http.StatusGatewayTimeout, "timeout", err.Error())
		return http.StatusGatewayTimeout
	}

	writeProblem(w, r, http.StatusInternalServerError, "internal error", err.Error())
	return http.StatusInternalServerError
}

// pgxRowSource adapts pgx.Rows to streamer.go's rowSource interface using
// RawValues(), which returns the wire-format bytes for each column exactly
// as the server sent them (text format, since runStatement requests text
// result format for every column) rather than pgx's
// decoded Go types — convert.go's PgTextToJson rules operate on that same
// text representation, so no intermediate re-encoding is needed.
type pgxRowSource struct {
	rows pgx.Rows
}

func (s *pgxRowSource) next() ([]*string, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	raw := s.rows.RawValues()
	out := make([]*string, len(raw))
	for i, b := range raw {
		if b == nil {
			continue
		}
		v := string(b)
		out[i] = &v
	}
	return out, nil
}
