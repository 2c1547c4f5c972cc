// Copyright 2025 The Quarry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package qerr carries the error taxonomy shared by every component. The
// root package re-exports it, so library consumers use quarry.KindOf while
// internal packages import qerr directly.
package qerr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can pick a recovery policy without
// string-matching error text.
type Kind int

const (
	// KindUnknown is the zero value for unclassified errors.
	KindUnknown Kind = iota

	// KindInvalidInput marks a request rejected at a component boundary.
	// Never retried.
	KindInvalidInput

	// KindConflict marks a constraint violation in the store, typically a
	// duplicate (owner, hash) pair resolved by dedup.
	KindConflict

	// KindStoreUnavailable marks a transient storage failure. Callers retry
	// with backoff.
	KindStoreUnavailable

	// KindModelUnavailable marks a model that failed to load or respond.
	// Callers may fall back (retrieval proceeds without reranking).
	KindModelUnavailable

	// KindResourceExhausted marks accelerator memory exhaustion that survived
	// the adaptive downscale retries. Fatal for the call.
	KindResourceExhausted

	// KindRetrievalFailed marks a hybrid retrieval where both stages failed.
	// The orchestrator proceeds without context.
	KindRetrievalFailed

	// KindCancelled marks cooperative cancellation. Not counted as a failure;
	// cleanup obligations still apply.
	KindCancelled

	// KindTimeout marks a bounded operation that exceeded its deadline.
	KindTimeout

	// KindStreamTerminated marks a chat stream that ended abnormally. The
	// partial assistant message is persisted.
	KindStreamTerminated
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindInvalidInput:      "invalid_input",
	KindConflict:          "conflict",
	KindStoreUnavailable:  "store_unavailable",
	KindModelUnavailable:  "model_unavailable",
	KindResourceExhausted: "resource_exhausted",
	KindRetrievalFailed:   "retrieval_failed",
	KindCancelled:         "cancelled",
	KindTimeout:           "timeout",
	KindStreamTerminated:  "stream_terminated",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is the tagged error carried across component boundaries. Op names the
// failing operation ("store.InsertChunks", "embedder.EmbedBatch").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("quarry: %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("quarry: %s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("quarry: %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("quarry: %s", e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &Error{Kind: k}) works for
// sentinel-style comparisons.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds a tagged error. A nil err yields an error whose message is just the
// op and kind.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Ef builds a tagged error from a format string.
func Ef(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and returns the first classification it finds.
// Context cancellation and deadline errors classify without explicit tagging.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
