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
	"mime/multipart"
)

// UploadHandler is the collaborator boundary named in spec.md §1: concrete
// bodies (filesystem, large-object, CSV) are out of scope for the core and
// are supplied by the embedding application, the same way the teacher
// expects callers to implement RuntimeInterface rather than bundling a
// storage backend itself.
type UploadHandler interface {
	// Name identifies the handler for the `upload [handler, …]` annotation.
	Name() string
	// HandleUpload consumes one multipart part and returns the metadata
	// value that gets back-filled into the routine's upload-metadata
	// parameter (step 3 of the binder's resolution order).
	HandleUpload(ctx context.Context, part *multipart.Part) (metadata interface{}, err error)
	// OnError is invoked when request processing fails after at least one
	// part was handled, so the handler can undo partial work (spec.md §7).
	OnError(ctx context.Context, err error)
}

// uploadRegistry resolves the handler names an endpoint's `upload`
// annotation lists to registered UploadHandler implementations.
type uploadRegistry struct {
	handlers map[string]UploadHandler
}

func newUploadRegistry() *uploadRegistry {
	return &uploadRegistry{handlers: make(map[string]UploadHandler)}
}

func (r *uploadRegistry) register(h UploadHandler) {
	r.handlers[h.Name()] = h
}

func (r *uploadRegistry) resolve(names []string) []UploadHandler {
	out := make([]UploadHandler, 0, len(names))
	for _, n := range names {
		if h, ok := r.handlers[n]; ok {
			out = append(out, h)
		}
	}
	return out
}

// backfillUploadMetadata writes the metadata value returned by an upload
// handler into the parameter the binder earlier marked IsUploadMetadata
// and left nil, completing the placeholder/back-fill bookkeeping of
// spec.md §4.2 item 3.
func backfillUploadMetadata(params []*Parameter, value interface{}) {
	for _, p := range params {
		if p.IsUploadMetadata {
			p.Value = value
			p.Bound = true
		}
	}
}
