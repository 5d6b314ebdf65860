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
	"strings"
)

// SchemaVersion is the semver version of the schema of the dbrest API
// Server configuration file.
const SchemaVersion = "1.0.0"

// APIServerConfig is the entirety of the configuration supplied to the
// server. Unlike the teacher's APIServerConfig, there is no `Endpoints`,
// `Streams` or `Jobs` array: every HTTP route is discovered from the
// database by the metadata builder at startup (and, optionally, on the
// schedule/channel configured in Metadata below).
type APIServerConfig struct {
	Version string `json:"version"`

	Listen       string `json:"listen,omitempty"`
	CommonPrefix string `json:"commonPrefix,omitempty"`

	CORS        *CORS `json:"cors,omitempty"`
	Compression bool  `json:"compression,omitempty"`

	Datasources []Datasource `json:"datasources,omitempty"`

	Metadata MetadataOptions   `json:"metadata,omitempty"`
	Auth     AuthOptionsConfig `json:"auth,omitempty"`
	Cache    CacheOptions      `json:"cache,omitempty"`
	Retry    RetryOptions      `json:"retry,omitempty"`
	Proxy    ProxyOptions      `json:"proxy,omitempty"`
	Metrics  MetricsOptions    `json:"metrics,omitempty"`
	Logging  LoggingOptions    `json:"logging,omitempty"`
}

// MetadataOptions configures the introspection-driven endpoint builder of
// spec.md §4.1.
type MetadataOptions struct {
	// Source is either a SQL expression returning the 28-column
	// introspection vector (spec.md §6), or (if it contains no whitespace)
	// the name of a function implementing that contract.
	Source string `json:"source,omitempty"`
	// Datasource names the entry in APIServerConfig.Datasources to
	// introspect; empty means the first configured datasource.
	Datasource string `json:"datasource,omitempty"`
	// SearchPath overrides the connection's schema search path for the
	// duration of the metadata connection.
	SearchPath string `json:"searchPath,omitempty"`
	// RefreshSchedule is an optional cron expression (robfig/cron syntax)
	// that triggers a full metadata rebuild.
	RefreshSchedule string `json:"refreshSchedule,omitempty"`
	// RefreshChannel is an optional PostgreSQL LISTEN channel; a
	// notification on it triggers an immediate rebuild.
	RefreshChannel string `json:"refreshChannel,omitempty"`
}

// AuthOptionsConfig is the JSON/YAML-facing mirror of auth.go's
// AuthOptions (kept separate so the wire format can evolve without
// touching the runtime struct's in-process shape).
type AuthOptionsConfig struct {
	SecretKey      string `json:"secretKey,omitempty"`
	RoleClaim      string `json:"roleClaim,omitempty"`
	BasicAuth      bool   `json:"basicAuth,omitempty"`
	ChallengeQuery string `json:"challengeQuery,omitempty"`
}

// toAuthOptions converts the wire-facing config into auth.go's runtime
// AuthOptions, turning the plain-text secret phrase into the byte slice
// decodeClaims signs against.
func (a AuthOptionsConfig) toAuthOptions() AuthOptions {
	return AuthOptions{
		SecretKey:      []byte(a.SecretKey),
		RoleClaim:      a.RoleClaim,
		BasicAuth:      a.BasicAuth,
		ChallengeQuery: a.ChallengeQuery,
	}
}

// CacheOptions configures the result cache of spec.md §4.4.
type CacheOptions struct {
	SweeperPeriodSeconds float64 `json:"sweeperPeriodSeconds,omitempty"`
	HashKeyThreshold     int     `json:"hashKeyThreshold,omitempty"`
	MaxCacheableRows     int     `json:"maxCacheableRows,omitempty"`
	HashingEnabled       bool    `json:"hashingEnabled,omitempty"`
}

// RetryOptions configures the default RetryStrategy applied when an
// endpoint doesn't declare its own.
type RetryOptions struct {
	RetrySequenceSeconds []float64 `json:"retrySequenceSeconds,omitempty"`
	ErrorCodes           []string  `json:"errorCodes,omitempty"`
}

// MetricsOptions toggles the Prometheus endpoint.
type MetricsOptions struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LoggingOptions carries logging settings read from the config file.
// cmd/dbrest applies Level; Pretty is not read anywhere, and the
// console/json output format is chosen only by the --logtype flag.
type LoggingOptions struct {
	Level  string `json:"level,omitempty"`
	Pretty bool   `json:"pretty,omitempty"`
}

// Validate the entire configuration, returning every error and warning
// found (errors and warnings are both included; IsValid filters).
func (c *APIServerConfig) Validate() []ValidationResult {
	return validateConfig(c)
}

// IsValid runs Validate and folds every error (not warning) into one
// formatted error, for callers that just want a yes/no.
func (c *APIServerConfig) IsValid() error {
	var a []string
	for _, r := range c.Validate() {
		if !r.Warn {
			a = append(a, r.Message)
		}
	}
	if len(a) > 0 {
		return fmt.Errorf("%d errors: %s", len(a), strings.Join(a, "; "))
	}
	return nil
}

// ValidationResult holds one entry of Validate's output.
type ValidationResult struct {
	Warn    bool
	Message string
}

// CORS specifies the Cross Origin Resource Sharing configuration for the
// server; kept verbatim from the teacher, which already covers every
// field rs/cors exposes.
type CORS struct {
	AllowedOrigins   []string `json:"allowedOrigins,omitempty"`
	AllowedMethods   []string `json:"allowedMethods,omitempty"`
	AllowedHeaders   []string `json:"allowedHeaders,omitempty"`
	ExposedHeaders   []string `json:"exposedHeaders,omitempty"`
	AllowCredentials bool     `json:"allowCredentials,omitempty"`
	MaxAge           *int     `json:"maxAge,omitempty"`
	Debug            bool     `json:"debug,omitempty"`
}

// Datasource defines the parameters to connect to a data source, kept
// verbatim from the teacher's model.go: dbrest discovers its endpoints
// from the database but still connects to it the same way.
type Datasource struct {
	Name string `json:"name"`

	Host     string `json:"host,omitempty"`
	Database string `json:"dbname,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Passfile string `json:"passfile,omitempty"`

	SSLMode     string `json:"sslmode,omitempty"`
	SSLCert     string `json:"sslcert,omitempty"`
	SSLKey      string `json:"sslkey,omitempty"`
	SSLRootCert string `json:"sslrootcert,omitempty"`

	Params map[string]string `json:"params,omitempty"`

	PreferSimpleProtocol bool `json:"simple,omitempty"`

	Timeout *float64 `json:"timeout,omitempty"`

	Role string `json:"role,omitempty"`

	Pool *ConnPool `json:"pool,omitempty"`
}

// ConnPool specifies connection pooling parameters for one datasource,
// kept verbatim from the teacher.
type ConnPool struct {
	MinConns         *int64   `json:"minConns,omitempty"`
	MaxConns         *int64   `json:"maxConns,omitempty"`
	MaxIdleTime      *float64 `json:"maxIdleTime,omitempty"`
	MaxConnectedTime *float64 `json:"maxConnectedTime,omitempty"`
	Lazy             bool     `json:"lazy,omitempty"`
}

// TxOptionsConfig specifies what type of transaction to use, kept
// verbatim from the teacher's TxOptions (renamed to avoid colliding with
// the pgx-facing alias used by datasources.go).
type TxOptionsConfig struct {
	Access     string `json:"access,omitempty"`
	ISOLevel   string `json:"level,omitempty"`
	Deferrable bool   `json:"deferrable,omitempty"`
}
