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

// Package extract defines the content-extraction boundary of the ingestion
// pipeline. An Extractor turns raw document bytes into structured content:
// an ordered list of blocks with section metadata the chunker splits on.
//
// Plain-text and markdown extractors ship in this package. Binary kinds
// (pdf, html, image) resolve through externally registered extractors, so
// parsing libraries stay out of the core.
package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/pkg/registry"
)

// Kind is the declared content kind of an uploaded document.
type Kind string

const (
	KindText     Kind = "text"
	KindMarkdown Kind = "markdown"
	KindPDF      Kind = "pdf"
	KindHTML     Kind = "html"
	KindImage    Kind = "image"
)

// ValidKind reports whether k names a supported content kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindText, KindMarkdown, KindPDF, KindHTML, KindImage:
		return true
	}
	return false
}

// KindFromExtension maps a file extension (with or without the dot) to a
// content kind. Unknown extensions map to text.
func KindFromExtension(ext string) Kind {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md", "markdown":
		return KindMarkdown
	case "pdf":
		return KindPDF
	case "html", "htm":
		return KindHTML
	case "png", "jpg", "jpeg", "gif", "webp", "bmp", "tiff":
		return KindImage
	default:
		return KindText
	}
}

// BlockKind classifies a structural block within extracted content.
type BlockKind string

const (
	BlockParagraph    BlockKind = "paragraph"
	BlockHeading      BlockKind = "heading"
	BlockTable        BlockKind = "table"
	BlockCode         BlockKind = "code"
	BlockImageOCR     BlockKind = "image_ocr"
	BlockImageCaption BlockKind = "image_caption"
)

// Block is one structural unit of extracted content.
type Block struct {
	// Kind classifies the block.
	Kind BlockKind

	// Text is the block's content. Headings carry the heading text.
	Text string

	// SectionPath is the ordered list of headings enclosing this block,
	// outermost first.
	SectionPath []string

	// Attributes carries extractor-specific details, e.g. a heading's
	// level or an image's original filename.
	Attributes map[string]string
}

// StructuredContent is the ordered output of one extraction.
type StructuredContent struct {
	Blocks []Block
}

// Text concatenates all block text, blocks separated by blank lines.
// Used for hashing and debugging, not for chunking.
func (c StructuredContent) Text() string {
	parts := make([]string, 0, len(c.Blocks))
	for _, b := range c.Blocks {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n\n")
}

// Extractor converts raw bytes of one content kind into structured content.
type Extractor interface {
	// Kinds lists the content kinds this extractor handles.
	Kinds() []Kind

	// Extract parses data into ordered blocks. Source is a display label
	// (file name or URL) used in error messages only.
	Extract(ctx context.Context, data []byte, source string) (StructuredContent, error)
}

// Registry resolves extractors by content kind.
type Registry struct {
	inner *registry.BaseRegistry[Extractor]
}

// NewRegistry builds a registry with the built-in text and markdown
// extractors already registered.
func NewRegistry() *Registry {
	r := &Registry{inner: registry.NewBaseRegistry[Extractor]()}
	// Built-ins never collide, errors ignored.
	_ = r.Register(&TextExtractor{})
	_ = r.Register(&MarkdownExtractor{})
	return r
}

// Register adds an extractor under each kind it declares. Registering a
// kind twice replaces the earlier extractor, so callers can override the
// built-ins.
func (r *Registry) Register(e Extractor) error {
	for _, k := range e.Kinds() {
		if !ValidKind(k) {
			return fmt.Errorf("extractor declares unknown kind %q", k)
		}
		_ = r.inner.Remove(string(k))
		if err := r.inner.Register(string(k), e); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the extractor for a kind, or an error naming the kind when
// none is registered (the case for binary kinds with no external extractor).
func (r *Registry) Get(kind Kind) (Extractor, error) {
	e, ok := r.inner.Get(string(kind))
	if !ok {
		return nil, fmt.Errorf("no extractor registered for kind %q", kind)
	}
	return e, nil
}
