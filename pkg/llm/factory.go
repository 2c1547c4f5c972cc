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

package llm

import (
	"sync"

	"github.com/quarryhq/quarry/pkg/config"
)

// The process-wide provider singleton. Built once from config at startup;
// every caller shares the instance so single-concurrency daemons see one
// queue.
var (
	factoryMu sync.Mutex
	instance  Provider
)

// Get returns the shared provider, building it on first call.
func Get(cfg config.LLMConfig) (Provider, error) {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if instance != nil {
		return instance, nil
	}
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	instance = p
	return instance, nil
}

// Reset closes and clears the shared provider. Tests use it between cases.
func Reset() {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if instance != nil {
		_ = instance.Close()
		instance = nil
	}
}
