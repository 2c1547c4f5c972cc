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
	"strconv"
	"strings"
	"unicode/utf8"
)

// MarkdownExtractor handles markdown: ATX headings drive the section path,
// fenced code and pipe tables become dedicated blocks so the chunker can
// keep them intact.
type MarkdownExtractor struct{}

func (e *MarkdownExtractor) Kinds() []Kind { return []Kind{KindMarkdown} }

func (e *MarkdownExtractor) Extract(_ context.Context, data []byte, source string) (StructuredContent, error) {
	if !utf8.Valid(data) {
		return StructuredContent{}, fmt.Errorf("%s: not valid UTF-8 text", source)
	}

	lines := strings.Split(normalizeNewlines(string(data)), "\n")

	var (
		blocks []Block
		// sections tracks the heading text per level, 1-based index.
		sections [7]string
		para     []string
	)

	sectionPath := func() []string {
		var path []string
		for _, s := range sections[1:] {
			if s != "" {
				path = append(path, s)
			}
		}
		return path
	}

	flushPara := func() {
		text := strings.TrimSpace(strings.Join(para, "\n"))
		para = para[:0]
		if text != "" {
			blocks = append(blocks, Block{
				Kind:        BlockParagraph,
				Text:        text,
				SectionPath: sectionPath(),
			})
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "```"):
			flushPara()
			fence := []string{}
			lang := strings.TrimPrefix(trimmed, "```")
			for i++; i < len(lines); i++ {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
					break
				}
				fence = append(fence, lines[i])
			}
			blocks = append(blocks, Block{
				Kind:        BlockCode,
				Text:        strings.Join(fence, "\n"),
				SectionPath: sectionPath(),
				Attributes:  map[string]string{"language": lang},
			})

		case isHeading(trimmed):
			flushPara()
			level := headingLevel(trimmed)
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			sections[level] = title
			for l := level + 1; l < len(sections); l++ {
				sections[l] = ""
			}
			blocks = append(blocks, Block{
				Kind:        BlockHeading,
				Text:        title,
				SectionPath: sectionPath(),
				Attributes:  map[string]string{"level": strconv.Itoa(level)},
			})

		case isTableRow(trimmed) && i+1 < len(lines) && isTableSeparator(strings.TrimSpace(lines[i+1])):
			flushPara()
			table := []string{trimmed}
			for i++; i < len(lines); i++ {
				row := strings.TrimSpace(lines[i])
				if !isTableRow(row) {
					i--
					break
				}
				table = append(table, row)
			}
			blocks = append(blocks, Block{
				Kind:        BlockTable,
				Text:        strings.Join(table, "\n"),
				SectionPath: sectionPath(),
			})

		case trimmed == "":
			flushPara()

		default:
			para = append(para, line)
		}
	}
	flushPara()

	return StructuredContent{Blocks: blocks}, nil
}

func isHeading(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	rest := strings.TrimLeft(line, "#")
	return strings.HasPrefix(rest, " ") && headingLevel(line) <= 6
}

func headingLevel(line string) int {
	level := 0
	for _, r := range line {
		if r != '#' {
			break
		}
		level++
	}
	return level
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.HasSuffix(line, "|") && len(line) > 2
}

func isTableSeparator(line string) bool {
	if !isTableRow(line) {
		return false
	}
	inner := strings.Trim(line, "|")
	for _, cell := range strings.Split(inner, "|") {
		cell = strings.TrimSpace(cell)
		if cell == "" || strings.Trim(cell, ":-") != "" {
			return false
		}
	}
	return true
}
