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

package embedder

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// statusError is a non-2xx response from an embedding backend, carrying the
// body so OOM markers can be recognized.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, body)
}

// oomMarkers are substrings local model daemons put in error bodies when the
// accelerator runs out of memory.
var oomMarkers = []string{
	"out of memory",
	"oom",
	"cuda error",
	"cublas",
	"failed to allocate",
}

// isOOM reports whether err looks like accelerator memory exhaustion, which
// the dispatcher answers by shrinking the batch rather than failing.
func isOOM(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Status == http.StatusInsufficientStorage {
		return true
	}
	body := strings.ToLower(se.Body)
	for _, marker := range oomMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}
