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
	"net/http"

	"github.com/go-chi/render"
)

// Problem is an RFC 7807 "application/problem+json" body. Rendered via
// go-chi/render the way bugielektrik's response package renders its own
// Object envelope: render.Status then render.JSON.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Render(w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, p.Status)
	return nil
}

// writeProblem renders a Problem document for status/title/detail.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	p := &Problem{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, status)
	_ = render.Render(w, r, p)
}

// writeErrorCodeProblem renders the RFC-7807 document produced by an
// endpoint's ErrorCodePolicy mapping (retry.go's *ErrorCodeProblem).
func writeErrorCodeProblem(w http.ResponseWriter, r *http.Request, e *ErrorCodeProblem) {
	p := &Problem{
		Type:   e.Type,
		Title:  e.Title,
		Status: e.Status,
		Detail: e.Details,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	render.Status(r, e.Status)
	_ = render.Render(w, r, p)
}

// writeValidationFailure renders a ValidationFailure as text/plain, per
// spec.md §4.3/§7.
func writeValidationFailure(w http.ResponseWriter, r *http.Request, f *ValidationFailure) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(f.StatusCode)
	_, _ = w.Write([]byte(f.Message))
}

// writeBindingError renders a BindingError as a bare 404 with no body, per
// spec.md §7's BindingError kind.
func writeBindingError(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNotFound)
}
