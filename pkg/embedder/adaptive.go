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

// batchLadder is the set of batch sizes the adaptive controller moves
// between, plus the single-item floor below the bottom rung.
var batchLadder = []int{1, 4, 8, 12, 16}

// stepUpAfter is how many consecutive successful batches at one size it
// takes before the controller tries the next rung up.
const stepUpAfter = 100

// adaptiveSizer is the feedback controller for batch size: step down one
// rung on out-of-memory, step up after a success streak. Owned by the
// dispatcher goroutine, so no locking.
type adaptiveSizer struct {
	rung     int
	maxRung  int
	streak   int
	adaptive bool // false pins the size to the configured maximum
}

func newAdaptiveSizer(maxBatch int, adaptive bool) *adaptiveSizer {
	s := &adaptiveSizer{adaptive: adaptive}
	s.maxRung = len(batchLadder) - 1
	for i, size := range batchLadder {
		if size <= maxBatch {
			s.maxRung = i
		}
	}
	s.rung = s.maxRung
	return s
}

// size returns the current batch size.
func (s *adaptiveSizer) size() int {
	return batchLadder[s.rung]
}

// success records a completed batch and steps up after a long enough
// streak.
func (s *adaptiveSizer) success() {
	if !s.adaptive {
		return
	}
	s.streak++
	if s.streak >= stepUpAfter && s.rung < s.maxRung {
		s.rung++
		s.streak = 0
	}
}

// oom records an out-of-memory failure and steps down a rung. Returns
// false when already at the single-item floor.
func (s *adaptiveSizer) oom() bool {
	s.streak = 0
	if !s.adaptive || s.rung == 0 {
		return false
	}
	s.rung--
	return true
}
