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
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v4/pgxpool"
)

// AuthOptions configures claim extraction for incoming requests. Unlike
// bugielektrik's JWTService, dbrest never issues tokens of its own — the
// gateway only decodes and authorizes bearer tokens minted elsewhere, so
// there is no GenerateAccessToken/GenerateRefreshToken here, only the
// verification half.
type AuthOptions struct {
	SecretKey  []byte
	RoleClaim  string // which claim carries the role(s), e.g. "role"
	BasicAuth  bool
	ChallengeQuery string
}

// ErrUnauthenticated and ErrForbidden are the two AuthError outcomes of
// spec.md §7; the executor maps them to 401/403 RFC-7807 responses.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// decodeClaims parses and verifies a bearer token, returning its claims as
// a plain map. Only HMAC-signed tokens are accepted, matching the
// signing-method allowlist pattern used for issuance in bugielektrik's
// JWTService.ValidateToken.
func decodeClaims(tokenString string, secret []byte) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// BuildClaims normalizes a decoded claim set into the map bindParameters
// expects: every claim passes through as-is except the configured role
// claim, whose repeated values (when the raw claim set, e.g. from a
// multi-valued header or an array-typed JWT claim already expressed as a
// []interface{}, carries more than one value) collapse into a single
// []interface{} rather than being overwritten pairwise. A role claim with
// exactly one value passes through unchanged, matching spec.md §8's
// "duplicate claim type collapses... otherwise passes a single value
// as-is" boundary behavior.
func BuildClaims(raw map[string][]interface{}, roleClaim string) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, vs := range raw {
		if len(vs) == 0 {
			continue
		}
		if k == roleClaim && len(vs) > 1 {
			out[k] = vs
			continue
		}
		out[k] = vs[0]
	}
	return out
}

// authorize enforces RoutineEndpoint.RequiresAuthorization/AuthorizeRoles
// against a decoded claim set.
func authorize(e *RoutineEndpoint, authenticated bool, claims map[string]interface{}, roleClaim string) error {
	if !e.RequiresAuthorization {
		return nil
	}
	if !authenticated {
		return ErrUnauthenticated
	}
	if len(e.AuthorizeRoles) == 0 {
		return nil
	}
	roles := extractRoles(claims, roleClaim)
	for _, r := range roles {
		if _, ok := e.AuthorizeRoles[r]; ok {
			return nil
		}
	}
	return ErrForbidden
}

// parseBasicAuth decodes a `Basic base64(user:pass)` Authorization header
// value, the same convention net/http.Request.BasicAuth implements, kept
// local so the challenge-query path doesn't need a *http.Request.
func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}

// challengeAuthenticate runs AuthOptions.ChallengeQuery against pool as the
// basic-auth verifier, per spec.md §1/§6's "basic-auth toggle and challenge
// query": a query/function of two parameters (username, password) is
// expected to return a single row, single column result, interpreted like a
// login routine's credential bundle (spec.md §6) — a JSON object becomes the
// claim set directly, a boolean true admits the caller with a minimal
// {roleClaim: user, "username": user} claim set, anything else (false, NULL,
// no rows) fails.
// Following the introspection query's own "no whitespace -> function name"
// contract (spec.md §6), a single-token ChallengeQuery is wrapped as
// `select <name>($1,$2)`; anything else is run verbatim and must itself
// reference $1/$2.
func challengeAuthenticate(ctx context.Context, pool *pgxpool.Pool, query, user, pass, roleClaim string) (map[string]interface{}, error) {
	sql := query
	if !strings.ContainsAny(query, " \t\n") {
		sql = fmt.Sprintf("select %s($1,$2)", query)
	}

	var result *string
	if err := pool.QueryRow(ctx, sql, user, pass).Scan(&result); err != nil {
		return nil, ErrUnauthenticated
	}
	return interpretChallengeResult(result, user, roleClaim)
}

// interpretChallengeResult turns a challenge query's single-column result
// into a claim set, split out of challengeAuthenticate so the
// interpretation rule is testable without a live connection: a JSON object
// becomes the claim set directly, a boolean true admits the caller with a
// minimal {roleClaim: user, "username": user} claim set, anything else
// (false, NULL, no rows, unparseable) fails closed.
func interpretChallengeResult(result *string, user, roleClaim string) (map[string]interface{}, error) {
	if result == nil {
		return nil, ErrUnauthenticated
	}
	var claims map[string]interface{}
	if err := json.Unmarshal([]byte(*result), &claims); err == nil {
		return claims, nil
	}
	switch strings.ToLower(strings.TrimSpace(*result)) {
	case "t", "true", "1":
		return map[string]interface{}{roleClaim: user, "username": user}, nil
	}
	return nil, ErrUnauthenticated
}

func extractRoles(claims map[string]interface{}, roleClaim string) []string {
	v, ok := claims[roleClaim]
	if !ok {
		return nil
	}
	switch vv := v.(type) {
	case string:
		return []string{vv}
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vv
	default:
		return nil
	}
}

// hashPassword implements the `hashOf` parameter-binding step of
// spec.md §4.2. There is no password-hashing library anywhere in the
// retrieval pack (bugielektrik issues JWTs but never hashes a password),
// so this is deliberately a thin, swappable seam: callers needing a
// stronger KDF substitute their own function here without touching the
// binder's resolution logic.
func hashPassword(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
