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

package extract

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// TextExtractor handles plain text: paragraphs separated by blank lines,
// no section structure.
type TextExtractor struct{}

func (e *TextExtractor) Kinds() []Kind { return []Kind{KindText} }

func (e *TextExtractor) Extract(_ context.Context, data []byte, source string) (StructuredContent, error) {
	if !utf8.Valid(data) {
		return StructuredContent{}, fmt.Errorf("%s: not valid UTF-8 text", source)
	}

	text := normalizeNewlines(string(data))
	var blocks []Block
	for _, para := range splitParagraphs(text) {
		blocks = append(blocks, Block{Kind: BlockParagraph, Text: para})
	}
	return StructuredContent{Blocks: blocks}, nil
}

// normalizeNewlines rewrites CRLF and bare CR to LF.
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// splitParagraphs splits on runs of blank lines, trimming each paragraph
// and dropping empty ones.
func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}
