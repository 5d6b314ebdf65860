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
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/robfig/cron/v3"
	"golang.org/x/mod/semver"
)

func addWarn(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: true, Message: msg})
}

func addError(r []ValidationResult, msg string) []ValidationResult {
	return append(r, ValidationResult{Warn: false, Message: msg})
}

var (
	rxPort   = regexp.MustCompile(`:[0-9]+$`)
	rxPrefix = regexp.MustCompile(`^(/[A-Za-z0-9_.-]+)+$`)
)

// validateConfig is the top-level entry point used by
// APIServerConfig.Validate. Unlike the teacher, there is no Endpoints,
// Streams or Jobs array to walk: those are discovered at runtime by the
// metadata builder and validated there (see metadata.go), not here.
func validateConfig(c *APIServerConfig) (r []ValidationResult) {
	// Version
	if !semver.IsValid("v" + c.Version) {
		r = addError(r, fmt.Sprintf("invalid schema version %q: must be semver", c.Version))
	} else if semver.Canonical("v"+c.Version) != "v1.0.0" {
		r = addError(r, fmt.Sprintf("incompatible schema version %q", c.Version))
	}
	// Listen
	if len(c.Listen) > 0 {
		l := c.Listen
		if !rxPort.MatchString(c.Listen) {
			l += ":8080"
		}
		if host, port, err := net.SplitHostPort(l); err != nil {
			r = addError(r, fmt.Sprintf("invalid listen specification %q", c.Listen))
		} else if nport, err := strconv.Atoi(port); err != nil || nport <= 0 || nport >= 65535 {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad port %q", port))
		} else if host != "" && net.ParseIP(host) == nil {
			r = addError(r, fmt.Sprintf("invalid listen specification: bad IP %q", host))
		}
	}
	// CommonPrefix
	if len(c.CommonPrefix) > 0 {
		if !rxPrefix.MatchString(c.CommonPrefix) {
			r = addError(r, fmt.Sprintf("invalid common prefix %q", c.CommonPrefix))
		}
	}
	// CORS
	if c.CORS != nil {
		r = append(r, c.CORS.validate()...)
	}
	// Datasources
	dsNames := make(map[string]int)
	for i := range c.Datasources {
		dsNames[c.Datasources[i].Name]++
		r = append(r, c.Datasources[i].validate()...)
	}
	for n, cnt := range dsNames {
		if cnt > 1 {
			r = addError(r, fmt.Sprintf("%d datasources named %q", cnt, n))
		}
	}
	// Metadata
	r = append(r, c.Metadata.validate(c.Datasources)...)
	// Auth
	if c.Auth.BasicAuth && c.Auth.SecretKey == "" {
		r = addWarn(r, "auth: basicAuth is set but no secretKey is configured")
	}
	// Retry
	for _, s := range c.Retry.RetrySequenceSeconds {
		if s < 0 {
			r = addError(r, fmt.Sprintf("retry: negative delay %g in retrySequenceSeconds", s))
		}
	}
	// Cache
	if c.Cache.HashKeyThreshold < 0 {
		r = addError(r, "cache: hashKeyThreshold must be >= 0")
	}
	return
}

func (c *CORS) validate() (r []ValidationResult) {
	for _, o := range c.AllowedOrigins {
		if n := strings.Count(o, "*"); n > 1 {
			r = addError(r, fmt.Sprintf("cors: allowed origin %q: can use only 1 wildcard", o))
		}
	}
	for _, m := range c.AllowedMethods {
		if !rxMethod.MatchString(m) {
			r = addError(r, fmt.Sprintf("cors: allowed methods: invalid method %q", m))
		}
	}
	if c.MaxAge != nil && *c.MaxAge <= 0 {
		r = addWarn(r, fmt.Sprintf("cors: max age %d is <=0, will be ignored", *c.MaxAge))
	}
	return
}

var rxMethod = regexp.MustCompile(`^((GET)|(POST)|(PUT)|(PATCH)|(DELETE))$`)

// MetadataOptions.validate checks the introspection config, since
// Source/Datasource/RefreshSchedule/RefreshChannel replace the teacher's
// declarative per-endpoint validation with one pass over the builder's
// own inputs.
func (m *MetadataOptions) validate(ds []Datasource) (r []ValidationResult) {
	if strings.TrimSpace(m.Source) == "" {
		r = addError(r, "metadata: source must not be empty")
	}
	if m.Datasource != "" {
		found := false
		for i := range ds {
			if ds[i].Name == m.Datasource {
				found = true
				break
			}
		}
		if !found {
			r = addError(r, fmt.Sprintf("metadata: unknown datasource %q", m.Datasource))
		}
	} else if len(ds) == 0 {
		r = addError(r, "metadata: no datasources configured")
	}
	if m.RefreshSchedule != "" {
		if _, err := stdCronParser.Parse(m.RefreshSchedule); err != nil {
			r = addError(r, fmt.Sprintf("metadata: invalid refresh schedule: %v", err))
		}
	}
	if m.RefreshChannel != "" && !rxPgChan.MatchString(m.RefreshChannel) {
		r = addError(r, fmt.Sprintf("metadata: invalid refresh channel %q", m.RefreshChannel))
	}
	return
}

var rxPgChan = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)

var stdCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var (
	rxName    = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*(\.[A-Za-z0-9_][A-Za-z0-9_-]*)*$`)
	rxPqParam = regexp.MustCompile(`^[a-z]+(_[a-z]+)*$`)
	rxRole    = regexp.MustCompile(`^[A-Za-z\200-\377_][A-Za-z\200-\377_0-9\$]*$`)
)

func (d *Datasource) validate() (r []ValidationResult) {
	if !rxName.MatchString(d.Name) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid name", d.Name))
	}
	if d.Params != nil {
		for k := range d.Params {
			if !rxPqParam.MatchString(k) {
				r = addError(r, fmt.Sprintf("datasource %q: invalid param %q", d.Name, k))
			}
		}
	}
	if d.Timeout != nil && *d.Timeout <= 0 {
		r = addWarn(r, fmt.Sprintf("datasource %q: timeout %g is <=0, will be ignored", d.Name, *d.Timeout))
	}
	if len(d.Role) > 0 && !rxRole.MatchString(d.Role) {
		r = addError(r, fmt.Sprintf("datasource %q: invalid role %q", d.Name, d.Role))
	}
	if len(d.SSLCert) > 0 && !fileExists(d.SSLCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslcert file %q does not exist", d.Name, d.SSLCert))
	}
	if len(d.SSLKey) > 0 && !fileExists(d.SSLKey) {
		r = addError(r, fmt.Sprintf("datasource %q: sslkey file %q does not exist", d.Name, d.SSLKey))
	}
	if len(d.SSLRootCert) > 0 && !fileExists(d.SSLRootCert) {
		r = addError(r, fmt.Sprintf("datasource %q: sslrootcert file %q does not exist", d.Name, d.SSLRootCert))
	}
	if d.Pool != nil {
		r = append(r, d.Pool.validate(d.Name)...)
	}
	return
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi != nil && fi.Mode().IsRegular()
}

func (p *ConnPool) validate(ds string) (r []ValidationResult) {
	if p.MinConns != nil && *p.MinConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: minConns for pool %d must be >0", ds, *p.MinConns))
	}
	if p.MaxConns != nil && *p.MaxConns <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d must be >0", ds, *p.MaxConns))
	}
	if p.MaxConns != nil && p.MinConns != nil && *p.MaxConns < *p.MinConns {
		r = addError(r, fmt.Sprintf("datasource %q: maxConns for pool %d is < minConns %d", ds, *p.MaxConns, *p.MinConns))
	}
	if p.MaxIdleTime != nil && *p.MaxIdleTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxIdleTime for pool %g must be > 0", ds, *p.MaxIdleTime))
	}
	if p.MaxConnectedTime != nil && *p.MaxConnectedTime <= 0 {
		r = addError(r, fmt.Sprintf("datasource %q: maxConnected for pool %g must be > 0", ds, *p.MaxConnectedTime))
	}
	return
}

func (tx *TxOptionsConfig) validate(pfx string) (r []ValidationResult) {
	access := strings.ToLower(tx.Access)
	if access != "read only" && access != "read write" && access != "" {
		r = addError(r, fmt.Sprintf("%s invalid access specifier %q", pfx, tx.Access))
	}
	isoLevel := strings.ToLower(tx.ISOLevel)
	if isoLevel != "read committed" && isoLevel != "repeatable read" &&
		isoLevel != "serializable" && isoLevel != "" {
		r = addError(r, fmt.Sprintf("%s invalid iso level %q", pfx, tx.ISOLevel))
	}
	return
}
