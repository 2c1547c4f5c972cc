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

package config

import (
	"reflect"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
)

// UnknownFields re-decodes the raw config tree against the Config struct and
// reports every key no yaml-tagged field accepts. Typos and misplaced nesting
// show up here instead of being silently dropped by the decoder.
func UnknownFields(raw map[string]interface{}) ([]string, error) {
	var (
		sink Config
		meta mapstructure.Metadata
	)

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           &sink,
		Metadata:         &meta,
		WeaklyTypedInput: true,
		DecodeHook:       stringToDurationHook,
	})
	if err != nil {
		return nil, err
	}
	// Type mismatches are the yaml decoder's job to report; only key
	// coverage matters here.
	_ = decoder.Decode(raw)

	unknown := append([]string(nil), meta.Unused...)
	sort.Strings(unknown)
	return unknown, nil
}

// stringToDurationHook converts duration strings into the config Duration
// type so fields like "5m" decode instead of registering as unused.
func stringToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(Duration(0)) {
		return data, nil
	}
	d, err := time.ParseDuration(data.(string))
	if err != nil {
		return data, nil
	}
	return Duration(d), nil
}
