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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildProxyURL_JoinsPathAndQuery(t *testing.T) {
	u, err := buildProxyURL("https://upstream.example", "/widgets/7", "q=1", map[string]string{"ip": "1.2.3.4"})
	require.NoError(t, err)
	parsed, err := url.Parse(u)
	require.NoError(t, err)
	require.Equal(t, "/widgets/7", parsed.Path)
	require.Equal(t, "1", parsed.Query().Get("q"))
	require.Equal(t, "1.2.3.4", parsed.Query().Get("ip"))
}

func TestForwardHeaders_ExcludesAuthorizationByDefault(t *testing.T) {
	src := http.Header{"Authorization": {"Bearer x"}, "X-Trace": {"abc"}}
	dst := http.Header{}
	forwardHeaders(dst, src, nil, nil)
	require.Empty(t, dst.Get("Authorization"))
	require.Equal(t, "abc", dst.Get("X-Trace"))
}

func TestForwardHeaders_AllowlistRestricts(t *testing.T) {
	src := http.Header{"X-Trace": {"abc"}, "X-Other": {"def"}}
	dst := http.Header{}
	forwardHeaders(dst, src, []string{"X-Trace"}, nil)
	require.Equal(t, "abc", dst.Get("X-Trace"))
	require.Empty(t, dst.Get("X-Other"))
}

func TestProxyRequest_SuccessReturnsBodyAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(503)
		w.Write([]byte(`{"err":"down"}`))
	}))
	defer srv.Close()

	res, err := proxyRequest(context.Background(), srv.Client(), "GET", srv.URL, http.Header{}, nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, 503, res.StatusCode)
	require.Equal(t, `{"err":"down"}`, string(res.Body))
	require.Equal(t, "application/json", res.ContentType)
}

func TestProxyRequest_TimeoutClassifiedAs504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := proxyRequest(context.Background(), srv.Client(), "GET", srv.URL, http.Header{}, nil, 5*time.Millisecond)
	require.Error(t, err)
	pe, ok := err.(*ProxyError)
	require.True(t, ok)
	require.Equal(t, http.StatusGatewayTimeout, pe.Status)
}

func TestApplyProxyResponseMap_FillsMappedParameters(t *testing.T) {
	e := &RoutineEndpoint{ProxyResponseMap: map[string]string{
		"status": "resp_status",
		"body":   "resp_body",
	}}
	params := []*Parameter{
		{ConvertedName: "resp_status"},
		{ConvertedName: "resp_body"},
	}
	applyProxyResponseMap(e, params, &ProxyResult{StatusCode: 503, Body: []byte("oops")})
	require.Equal(t, int64(503), params[0].Value)
	require.True(t, params[0].Bound)
	require.Equal(t, "oops", params[1].Value)
}
