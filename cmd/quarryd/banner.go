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

	"golang.org/x/term"
)

// printBanner writes the startup banner, only when stdout is a terminal.
// Informational commands (validate, schema, version) never call it.
func printBanner() {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}

	// Slate blue: RGB(100, 116, 139)
	color := "\033[38;2;100;116;139m"
	reset := "\033[0m"

	banner := `
 ██████╗ ██╗   ██╗ █████╗ ██████╗ ██████╗ ██╗   ██╗
██╔═══██╗██║   ██║██╔══██╗██╔══██╗██╔══██╗╚██╗ ██╔╝
██║   ██║██║   ██║███████║██████╔╝██████╔╝ ╚████╔╝
██║▄▄ ██║██║   ██║██╔══██║██╔══██╗██╔══██╗  ╚██╔╝
╚██████╔╝╚██████╔╝██║  ██║██║  ██║██║  ██║   ██║
 ╚══▀▀═╝  ╚═════╝ ╚═╝  ╚═╝╚═╝  ╚═╝╚═╝  ╚═╝   ╚═╝
`
	fmt.Printf("%s%s%s\n", color, banner, reset)
}
