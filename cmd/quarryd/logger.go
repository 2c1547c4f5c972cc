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

package main

import (
	"fmt"
	"os"

	"github.com/quarryhq/quarry/pkg/logger"
)

// Environment fallbacks for the logging flags.
const (
	logFileEnvVar   = "LOG_FILE"
	logLevelEnvVar  = "LOG_LEVEL"
	logFormatEnvVar = "LOG_FORMAT"
)

// initLogger installs the process logger. Priority: CLI flags > env vars >
// defaults (info, stderr, simple).
func initLogger(levelFlag, fileFlag, formatFlag string) (func(), error) {
	levelStr := firstNonEmpty(levelFlag, os.Getenv(logLevelEnvVar), "info")
	file := firstNonEmpty(fileFlag, os.Getenv(logFileEnvVar))
	format := firstNonEmpty(formatFlag, os.Getenv(logFormatEnvVar), "simple")

	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		output, cleanup = f, closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
