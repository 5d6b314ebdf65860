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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ProxyOptions configures the interposer's defaults, set per spec.md §6.
// There is no resty or other HTTP-client library anywhere in the
// retrieval pack that is wired to a generic reverse-proxy use (bugielektrik's
// resty client is dedicated to one payment-gateway integration), so the
// interposer uses net/http.Client directly — see DESIGN.md.
type ProxyOptions struct {
	DefaultHost      string
	ForwardedHeaders []string // empty means "forward all except excluded"
	ExcludedHeaders  map[string]string
	Timeout          time.Duration
}

var defaultExcludedHeaders = map[string]bool{
	"authorization":     true,
	"content-length":    true,
	"host":              true,
	"connection":        true,
	"transfer-encoding":  true,
}

// ProxyResult is what proxyRequest hands back to the executor: either the
// upstream response to write verbatim (when the endpoint's
// ProxyResponseMap is empty) or, when the routine maps response fields to
// parameters, the decoded pieces used to fill those parameters before
// routine execution continues.
type ProxyResult struct {
	StatusCode  int
	Body        []byte
	Headers     http.Header
	ContentType string
}

// ProxyError classifies interposer failures per spec.md §4.8: a context
// deadline becomes 504, everything else becomes 502.
type ProxyError struct {
	Status int
	Msg    string
}

func (e *ProxyError) Error() string { return e.Msg }

// buildProxyURL constructs ProxyHost + request path + query string,
// optionally appended with extra query keys (e.g. a user-claim or client
// IP parameter forwarded to the upstream as a query parameter).
func buildProxyURL(targetHost, reqPath, rawQuery string, extra map[string]string) (string, error) {
	base, err := url.Parse(targetHost)
	if err != nil {
		return "", err
	}
	base.Path = strings.TrimRight(base.Path, "/") + reqPath
	q := base.Query()
	if rawQuery != "" {
		extraQ, err := url.ParseQuery(rawQuery)
		if err == nil {
			for k, v := range extraQ {
				for _, vv := range v {
					q.Add(k, vv)
				}
			}
		}
	}
	for k, v := range extra {
		q.Set(k, v)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// forwardHeaders copies src into dst, skipping any header named in
// excluded (case-insensitively) and, when allowed is non-empty, copying
// only headers named in it.
func forwardHeaders(dst, src http.Header, allowed []string, excluded map[string]string) {
	allowSet := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		allowSet[strings.ToLower(h)] = true
	}
	excludeSet := make(map[string]bool, len(excluded)+len(defaultExcludedHeaders))
	for h := range defaultExcludedHeaders {
		excludeSet[h] = true
	}
	for h := range excluded {
		excludeSet[strings.ToLower(h)] = true
	}

	for k, vs := range src {
		lk := strings.ToLower(k)
		if excludeSet[lk] {
			continue
		}
		if len(allowSet) > 0 && !allowSet[lk] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// proxyRequest performs the upstream HTTP call for a proxy-interposed
// endpoint. body may be nil for GET-shaped calls.
func proxyRequest(ctx context.Context, client *http.Client, method, targetURL string, headers http.Header, body []byte, timeout time.Duration) (*ProxyResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bodyReader)
	if err != nil {
		return nil, &ProxyError{Status: http.StatusBadGateway, Msg: err.Error()}
	}
	req.Header = headers

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ProxyError{Status: http.StatusGatewayTimeout, Msg: "upstream request timed out"}
		}
		return nil, &ProxyError{Status: http.StatusBadGateway, Msg: err.Error()}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProxyError{Status: http.StatusBadGateway, Msg: err.Error()}
	}

	return &ProxyResult{
		StatusCode:  resp.StatusCode,
		Body:        b,
		Headers:     resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// applyProxyResponseMap fills the routine's response-field parameters
// (ResponseStatusCodeParameter etc., keyed here by ProxyResponseMap's
// response-field name) from a ProxyResult, leaving every other parameter
// untouched so routine execution can proceed as if those values had been
// bound normally.
func applyProxyResponseMap(e *RoutineEndpoint, params []*Parameter, res *ProxyResult) {
	if len(e.ProxyResponseMap) == 0 {
		return
	}
	byName := make(map[string]*Parameter, len(params))
	for _, p := range params {
		byName[p.ConvertedName] = p
	}
	set := func(field string, value interface{}, original string) {
		paramName, ok := e.ProxyResponseMap[field]
		if !ok {
			return
		}
		if p, ok := byName[paramName]; ok {
			p.Value = value
			p.OriginalStringValue = original
			p.Bound = true
		}
	}
	set("status", int64(res.StatusCode), itoa(res.StatusCode))
	set("body", string(res.Body), string(res.Body))
	set("contentType", res.ContentType, res.ContentType)
	set("success", res.StatusCode >= 200 && res.StatusCode < 300, "")

	flat := make(map[string]string, len(res.Headers))
	for k := range res.Headers {
		flat[k] = res.Headers.Get(k)
	}
	if hb, err := json.Marshal(flat); err == nil {
		set("headers", string(hb), string(hb))
	}

	if res.StatusCode >= 400 {
		msg := http.StatusText(res.StatusCode)
		set("error", msg, msg)
	} else {
		set("error", nil, "")
	}
}
