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
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
)

const (
	readTimeout  = time.Minute
	writeTimeout = 5 * time.Minute
	idleTimeout  = 2 * time.Minute
)

// APIServer is the gateway process: one metadata table, built by
// introspecting the configured datasource(s) and kept hot-swappable behind
// an atomic.Pointer so a scheduled or LISTEN-triggered rebuild never blocks
// an in-flight request, and one executor dispatching every request that
// matches an entry in that table. Unlike the teacher's APIServer, there is
// no per-endpoint Endpoints/Streams config to walk at startup: buildRoutes
// below registers routes from whatever the metadata builder discovers.
type APIServer struct {
	cfg *APIServerConfig

	ds       *datasources
	table    atomic.Pointer[MetadataTable]
	router   atomic.Pointer[http.Handler]
	exec     *executor
	notices  *noticeDispatcher
	cron     *cron.Cron
	registry *prometheus.Registry

	srv *http.Server

	logger      zerolog.Logger
	bgctx       context.Context
	bgctxcancel context.CancelFunc
}

// NewAPIServer validates cfg and wires together every collaborator
// (datasources, cache, metrics, notice dispatcher, upload registry,
// executor), but does not connect to the database or start listening —
// that happens in Start.
func NewAPIServer(cfg *APIServerConfig, logger zerolog.Logger) (*APIServer, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &APIServer{
		cfg:    cfg,
		ds:     new(datasources),
		logger: logger,
	}
	a.ds.logger = a.logger
	a.notices = newNoticeDispatcher(a.logger)
	a.ds.onNotice = a.notices.dispatch

	registry := prometheus.NewRegistry()
	a.registry = registry
	m := newMetrics(registry)

	cache := newResultCache(
		5*time.Minute, // AddOrUpdate always passes an explicit ttl; this only seeds go-cache's internal default
		pickDuration(cfg.Cache.SweeperPeriodSeconds, 5*time.Minute),
		cfg.Cache.HashKeyThreshold,
		cfg.Cache.HashingEnabled,
	)

	a.exec = &executor{
		ds:               a.ds,
		cache:            cache,
		metrics:          m,
		notices:          a.notices,
		uploads:          newUploadRegistry(),
		auth:             cfg.Auth.toAuthOptions(),
		proxy:            cfg.Proxy,
		client:           &http.Client{},
		logger:           a.logger,
		maxCacheableRows: cfg.Cache.MaxCacheableRows,
	}

	a.cron = newCron(a.logger)

	return a, nil
}

// pickDuration converts a float seconds config value into a time.Duration,
// falling back to def when the configured value is not positive.
func pickDuration(seconds float64, def time.Duration) time.Duration {
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds * float64(time.Second))
}

// Start connects to every configured datasource, runs the initial metadata
// build, wires up scheduled/event-driven rebuilds, then starts the HTTP
// server. Modeled on the teacher's Start, with the per-config Endpoints
// loop replaced by a metadata Build plus a route registration pass over
// whatever it discovers.
func (a *APIServer) Start() error {
	a.bgctx, a.bgctxcancel = context.WithCancel(context.Background())

	if err := a.ds.start(a.bgctx, a.cfg.Datasources); err != nil {
		a.logger.Error().Err(err).Msg("failed to connect to all datasources")
		return err
	}

	if err := a.rebuildMetadata(a.bgctx); err != nil {
		a.logger.Error().Err(err).Msg("failed initial metadata build")
		a.ds.stop()
		return err
	}

	if err := a.setupRefresh(); err != nil {
		a.ds.stop()
		return err
	}
	a.cron.Start()

	r := chi.NewRouter()
	a.setupRouter(r)
	var h http.Handler = r
	if a.cfg.Compression {
		h = middleware.Compress(5)(h)
	}

	listen := a.cfg.Listen
	if !rxPort.MatchString(listen) {
		listen += ":8080"
	}
	lnr, err := net.Listen("tcp", listen)
	if err != nil {
		a.cron.Stop()
		a.ds.stop()
		return err
	}
	a.srv = &http.Server{
		Addr:         listen,
		Handler:      h,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	go a.srv.Serve(lnr)
	a.logger.Info().Str("listen", listen).Msg("dbrest server started successfully")

	return nil
}

// Stop gracefully shuts down the refresh cron, the HTTP server and the
// datasource pools, in that order.
func (a *APIServer) Stop(timeout time.Duration) error {
	if a.srv == nil {
		return nil
	}

	a.logger.Info().Float64("timeoutSeconds", timeout.Seconds()).
		Msg("stop request received, shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.cron.Stop()
	a.bgctxcancel()
	<-a.bgctx.Done()

	if err := a.srv.Shutdown(ctx); err != nil {
		return err
	}
	a.srv = nil

	a.ds.stop()

	a.logger.Info().Msg("dbrest server stopped")
	return nil
}

// rebuildMetadata runs a fresh introspection Build and atomically publishes
// it, so in-flight requests always see either the old or the new table,
// never a half-built one.
func (a *APIServer) rebuildMetadata(ctx context.Context) error {
	opts := MetadataBuildOptions{
		MetadataOptions:        a.cfg.Metadata,
		DefaultConnectionName:  "",
		DefaultCommandTimeout:  30 * time.Second,
		DefaultRetryStrategy:   a.defaultRetryStrategy(),
		DefaultErrorCodePolicy: ErrorCodePolicy{},
		DefaultCacheExpiresIn:  5 * time.Minute,
	}

	table, err := a.ds.Build(ctx, opts, a.cfg.Datasources)
	if err != nil {
		return fmt.Errorf("metadata build: %w", err)
	}
	a.table.Store(table)
	h := a.buildRoutes(table)
	a.router.Store(&h)
	a.logger.Info().Int("endpoints", len(table.Entries)).Msg("metadata table (re)built")
	return nil
}

// buildRoutes registers one chi route per distinct (method,path) in the
// table, so {pathParam} placeholders are captured into chi's routing
// context exactly as buildBindContext expects. table.Entries holds every
// routine discovered, including ones an overload has displaced out of
// ByKey, so this walks ByKey instead: registering Entries directly would
// try to install two chi routes under the same method+pattern whenever a
// routine is overloaded, which the underlying radix tree rejects. Which of
// the (possibly several) routines sharing that key actually serves a given
// request is resolved per-request in dispatch, once the primary source's
// key count is known. Rebuilt from scratch on every metadata rebuild and
// swapped into a.router atomically: in-flight requests keep running
// against whichever *chi.Mux they already dispatched into, new requests
// see the fresh one the instant it is published.
func (a *APIServer) buildRoutes(table *MetadataTable) http.Handler {
	r := chi.NewRouter()
	prefix := a.cfg.CommonPrefix
	for _, primary := range table.ByKey {
		method := primary.Method
		path := primary.Path
		r.Method(string(method), prefix+path, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			a.dispatch(w, req, method, path)
		}))
	}
	return r
}

// dispatch resolves which routine actually serves this request: the
// primary entry for (method,path) tells us where the primary parameter
// source lives, its key count decides whether a differently-shaped
// overload should serve the request instead, and only then does binding
// start. A JSON body is decoded here, at most once, and threaded through
// to executor.handle so overload resolution never causes the body to be
// read twice.
func (a *APIServer) dispatch(w http.ResponseWriter, r *http.Request, method HTTPMethod, path string) {
	table := a.table.Load()
	if table == nil {
		http.NotFound(w, r)
		return
	}
	primary, ok := table.ByKey[string(method)+" "+path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var body map[string]interface{}
	var hasBody bool
	count := len(r.URL.Query())
	if primary.RequestParamType == RequestBodyJson {
		b, hb, err := decodeJSONBody(r)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "bad request", err.Error())
			return
		}
		body, hasBody = b, hb
		count = len(body)
	}

	e, ok := table.lookup(string(method), path, count)
	if !ok {
		http.NotFound(w, r)
		return
	}

	start := time.Now()
	status := a.exec.handle(w, r, e, body, hasBody)
	label := e.Path
	if e.MetricsLabel != "" {
		label = e.MetricsLabel
	}
	a.exec.metrics.observeRequest(r.Method, label, strconv.Itoa(status), time.Since(start).Seconds())

	// error-level logging is reserved for statuses outside {200, 205, 400}
	switch status {
	case http.StatusOK, http.StatusResetContent, http.StatusBadRequest:
	default:
		a.logger.Error().Int("status", status).Str("method", r.Method).
			Str("path", e.Path).Msg("request completed with error status")
	}
}

// defaultRetryStrategy turns the flat RetryOptions.RetrySequenceSeconds
// config into the RetryStrategy every discovered endpoint starts from,
// unless an annotation overrides it.
func (a *APIServer) defaultRetryStrategy() RetryStrategy {
	delays := make([]time.Duration, len(a.cfg.Retry.RetrySequenceSeconds))
	for i, s := range a.cfg.Retry.RetrySequenceSeconds {
		delays[i] = time.Duration(s * float64(time.Second))
	}
	var allowlist map[string]struct{}
	if len(a.cfg.Retry.ErrorCodes) > 0 {
		allowlist = make(map[string]struct{}, len(a.cfg.Retry.ErrorCodes))
		for _, code := range a.cfg.Retry.ErrorCodes {
			allowlist[code] = struct{}{}
		}
	}
	return RetryStrategy{MaxAttempts: len(delays) + 1, Delays: delays, Allowlist: allowlist}
}

// setupRefresh wires the cron-scheduled metadata rebuild the same way the
// teacher's jobs.go schedules its exec/script jobs: one AddFunc per
// configured trigger. RefreshChannel (LISTEN-driven rebuilds) is handled by
// a dedicated goroutine rather than cron, since it reacts to an
// asynchronous notification rather than a fixed schedule.
func (a *APIServer) setupRefresh() error {
	if sched := a.cfg.Metadata.RefreshSchedule; sched != "" {
		_, err := a.cron.AddFunc(sched, func() {
			if err := a.rebuildMetadata(a.bgctx); err != nil {
				a.logger.Error().Err(err).Msg("scheduled metadata rebuild failed")
			}
		})
		if err != nil {
			return fmt.Errorf("metadata: invalid refresh schedule: %w", err)
		}
	}

	if channel := a.cfg.Metadata.RefreshChannel; channel != "" {
		connName, err := resolveMetadataConnection(a.cfg.Metadata, a.cfg.Datasources)
		if err != nil {
			return err
		}
		go a.listenForRefresh(connName, channel)
	}

	return nil
}

// listenForRefresh hijacks one dedicated connection for the lifetime of the
// server and blocks on WaitForNotification, rebuilding the metadata table
// every time the configured channel fires. It exits when bgctx is
// cancelled or the connection is lost; a lost connection is logged, not
// retried, since the server is shutting down or the datasource is already
// being reported unhealthy elsewhere.
func (a *APIServer) listenForRefresh(connName, channel string) {
	conn, err := a.ds.hijack(connName)
	if err != nil {
		a.logger.Error().Err(err).Str("channel", channel).Msg("failed to acquire connection for metadata LISTEN")
		return
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(a.bgctx, "listen "+quoteIdentList(channel)); err != nil {
		a.logger.Error().Err(err).Str("channel", channel).Msg("failed to LISTEN for metadata refresh channel")
		return
	}

	for {
		_, err := conn.WaitForNotification(a.bgctx)
		if err != nil {
			if a.bgctx.Err() != nil {
				return
			}
			a.logger.Error().Err(err).Str("channel", channel).Msg("metadata refresh LISTEN connection lost")
			return
		}
		if err := a.rebuildMetadata(a.bgctx); err != nil {
			a.logger.Error().Err(err).Msg("LISTEN-triggered metadata rebuild failed")
		}
	}
}

type loggerForCORS struct {
	logger zerolog.Logger
}

func (l *loggerForCORS) Printf(f string, args ...interface{}) {
	l.logger.Debug().Msgf(f, args...)
}

// setupRouter installs CORS, the metrics endpoint and a single catch-all
// route; everything else is delegated to whichever *chi.Mux buildRoutes
// last published, so a metadata rebuild never requires touching this
// top-level router or re-registering CORS/metrics.
func (a *APIServer) setupRouter(r *chi.Mux) {
	if corsCfg := a.cfg.CORS; corsCfg != nil {
		options := cors.Options{
			AllowedOrigins:   corsCfg.AllowedOrigins,
			AllowedMethods:   corsCfg.AllowedMethods,
			AllowedHeaders:   corsCfg.AllowedHeaders,
			ExposedHeaders:   corsCfg.ExposedHeaders,
			AllowCredentials: corsCfg.AllowCredentials,
			Debug:            corsCfg.Debug,
		}
		if corsCfg.MaxAge != nil && *corsCfg.MaxAge > 0 {
			options.MaxAge = *corsCfg.MaxAge
		}
		c := cors.New(options)
		if corsCfg.Debug {
			c.Log = &loggerForCORS{logger: a.logger.With().Bool("cors", true).Logger()}
		}
		r.Use(c.Handler)
	}

	if a.cfg.Metrics.Enabled {
		path := a.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	// delegate everything else to whichever *chi.Mux rebuildMetadata last
	// published; this indirection is what lets a metadata rebuild replace
	// the full set of routes without ever re-creating the top-level
	// http.Server or re-registering CORS/metrics.
	r.HandleFunc("/*", func(w http.ResponseWriter, req *http.Request) {
		hp := a.router.Load()
		if hp == nil {
			http.NotFound(w, req)
			return
		}
		(*hp).ServeHTTP(w, req)
	})
}
