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

// Package chunker splits extracted content into retrieval-sized drafts.
//
// Splitting prefers semantic boundaries: a chunk closes at the earliest
// paragraph break past the target size, falling back to sentence and then
// word boundaries, with a hard character cap as the last resort. Consecutive
// chunks share a configurable word overlap so context straddling a boundary
// stays retrievable.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/extract"
	"github.com/quarryhq/quarry/pkg/utils"
)

// Boundary names a split preference level.
type Boundary string

const (
	BoundaryParagraph Boundary = "paragraph"
	BoundarySentence  Boundary = "sentence"
	BoundaryWord      Boundary = "word"
)

// Policy controls how content is split. The zero value is not usable;
// call SetDefaults or build from config.
type Policy struct {
	// TargetWords is the chunk size the splitter aims for. A chunk closes
	// at the earliest acceptable boundary at or past this size and before
	// twice it.
	TargetWords int

	// OverlapWords is how many tail words of one chunk repeat at the head
	// of the next.
	OverlapWords int

	// MinWords is the minimum chunk size; shorter tails merge into the
	// previous chunk. Content shorter than MinWords still yields one chunk.
	MinWords int

	// MaxChars is the hard cap; a chunk never exceeds it regardless of
	// boundaries.
	MaxChars int

	// BoundaryPreference is the ordered list of boundaries to try.
	// Default: paragraph, sentence, word.
	BoundaryPreference []Boundary

	// PreserveTables emits each table block as its own chunk (still subject
	// to MaxChars) instead of splitting it.
	PreserveTables bool

	// SectionInheritance stamps each chunk with the section path of its
	// first block.
	SectionInheritance bool
}

// SetDefaults fills unset fields with the standard policy.
func (p *Policy) SetDefaults() {
	if p.TargetWords <= 0 {
		p.TargetWords = 1000
	}
	if p.OverlapWords < 0 {
		p.OverlapWords = 0
	}
	if p.MinWords <= 0 {
		p.MinWords = 50
	}
	if p.MaxChars <= 0 {
		p.MaxChars = 8000
	}
	if len(p.BoundaryPreference) == 0 {
		p.BoundaryPreference = []Boundary{BoundaryParagraph, BoundarySentence, BoundaryWord}
	}
}

// Validate rejects inconsistent policies.
func (p *Policy) Validate() error {
	if p.TargetWords <= 0 {
		return fmt.Errorf("target words must be positive")
	}
	if p.OverlapWords >= p.TargetWords {
		return fmt.Errorf("overlap words must be less than target words")
	}
	if p.MaxChars <= 0 {
		return fmt.Errorf("max chars must be positive")
	}
	return nil
}

// PolicyFromConfig maps the chunking config section onto a Policy.
func PolicyFromConfig(cfg config.ChunkingConfig) Policy {
	p := Policy{
		TargetWords:        cfg.TargetWords,
		OverlapWords:       cfg.OverlapWords,
		MinWords:           cfg.MinWords,
		MaxChars:           cfg.MaxChars,
		PreserveTables:     config.BoolValue(cfg.PreserveTables, true),
		SectionInheritance: true,
	}
	p.SetDefaults()
	return p
}

// Draft is a chunk before embedding: text plus placement metadata. The
// ingestion coordinator turns drafts into stored chunks.
type Draft struct {
	Ordinal     int
	Text        string
	Kind        string
	SectionPath []string
	ContentHash string
	CharCount   int
	TokenCount  int

	// WordOffset is where the chunk's first non-overlap word sits in the
	// flattened document.
	WordOffset int
}

// Chunker splits structured content under one policy.
type Chunker struct {
	policy  Policy
	counter *utils.TokenCounter
}

// New builds a chunker. Token counts use tiktoken when the encoding loads,
// a character heuristic otherwise.
func New(policy Policy) (*Chunker, error) {
	policy.SetDefaults()
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		counter = nil
	}
	return &Chunker{policy: policy, counter: counter}, nil
}

// word is one whitespace-delimited token with its boundary role.
type word struct {
	text    string
	paraEnd bool // last word of a paragraph
}

// segment is a run of content split at preserved-block and section
// boundaries. Within a segment the chunker cuts wherever the policy allows.
type segment struct {
	words       []word
	text        string // preserved blocks keep their raw text
	kind        string
	sectionPath []string
	preserved   bool
}

// Chunk splits content into ordered drafts. Empty content yields no drafts.
func (c *Chunker) Chunk(content extract.StructuredContent) ([]Draft, error) {
	segments := c.segment(content)
	if len(segments) == 0 {
		return nil, nil
	}

	var drafts []Draft
	totalWords := 0 // words of original content consumed so far
	var carry []word

	// flush emits words as one chunk; carryIn leading words are overlap
	// repeated from the previous chunk and do not advance the offset.
	flush := func(seg segment, words []word, carryIn int) {
		if len(words) == 0 {
			return
		}
		d := c.draft(len(drafts), joinWords(words), seg)
		d.WordOffset = totalWords - carryIn
		drafts = append(drafts, d)
		totalWords += len(words) - carryIn
		if c.policy.OverlapWords > 0 && len(words) > c.policy.OverlapWords {
			carry = append([]word(nil), words[len(words)-c.policy.OverlapWords:]...)
		} else {
			carry = nil
		}
	}

	for _, seg := range segments {
		if seg.preserved {
			// Tables stand alone; overlap does not bleed into or out of them.
			carry = nil
			for _, piece := range hardSplit(seg.text, c.policy.MaxChars) {
				d := c.draft(len(drafts), piece, seg)
				d.WordOffset = totalWords
				drafts = append(drafts, d)
				totalWords += len(strings.Fields(piece))
			}
			continue
		}

		words := seg.words
		carryIn := 0
		if len(carry) > 0 {
			carryIn = len(carry)
			words = append(append([]word(nil), carry...), words...)
			carry = nil
		}

		for len(words) > 0 {
			cut := c.cutPoint(words)
			if cut >= len(words) {
				flush(seg, words, carryIn)
				break
			}
			// A remainder below MinWords would come out as a fragment; keep
			// it in the current chunk when the cap allows.
			if len(words)-cut < c.policy.MinWords && charLen(words) <= c.policy.MaxChars {
				flush(seg, words, carryIn)
				break
			}
			flush(seg, words[:cut], carryIn)
			rest := words[cut:]
			carryIn = 0
			if len(carry) > 0 {
				carryIn = len(carry)
				rest = append(append([]word(nil), carry...), rest...)
				carry = nil
			}
			words = rest
		}
	}

	drafts = c.mergeShortTail(drafts)
	for i := range drafts {
		drafts[i].Ordinal = i
	}
	return drafts, nil
}

// segment groups adjacent compatible blocks so paragraph boundaries survive
// into the splitting pass.
func (c *Chunker) segment(content extract.StructuredContent) []segment {
	var segs []segment
	var run []extract.Block

	flushRun := func() {
		if len(run) == 0 {
			return
		}
		seg := segment{kind: blockChunkKind(run[0].Kind)}
		if c.policy.SectionInheritance {
			seg.sectionPath = run[0].SectionPath
		}
		for _, b := range run {
			fields := strings.Fields(b.Text)
			for i, f := range fields {
				seg.words = append(seg.words, word{text: f, paraEnd: i == len(fields)-1})
			}
		}
		segs = append(segs, seg)
		run = nil
	}

	for _, b := range content.Blocks {
		switch {
		case b.Kind == extract.BlockHeading:
			// Headings carry no body text; they shape section paths only.
			flushRun()
		case b.Kind == extract.BlockTable && c.policy.PreserveTables:
			flushRun()
			seg := segment{text: b.Text, kind: "table", preserved: true}
			if c.policy.SectionInheritance {
				seg.sectionPath = b.SectionPath
			}
			segs = append(segs, seg)
		default:
			if len(run) > 0 && (!sameSection(run[0].SectionPath, b.SectionPath) ||
				blockChunkKind(run[0].Kind) != blockChunkKind(b.Kind)) {
				flushRun()
			}
			if strings.TrimSpace(b.Text) != "" {
				run = append(run, b)
			}
		}
	}
	flushRun()
	return segs
}

// cutPoint picks the word index to close the current chunk at, or len(words)
// when everything fits.
func (c *Chunker) cutPoint(words []word) int {
	target := c.policy.TargetWords
	if len(words) <= target && charLen(words) <= c.policy.MaxChars {
		return len(words)
	}

	limit := 2 * target
	if limit > len(words) {
		limit = len(words)
	}

	for _, boundary := range c.policy.BoundaryPreference {
		switch boundary {
		case BoundaryParagraph:
			for i := target; i <= limit; i++ {
				if words[i-1].paraEnd && charLen(words[:i]) <= c.policy.MaxChars {
					return i
				}
			}
		case BoundarySentence:
			for i := target; i <= limit; i++ {
				if endsSentence(words[i-1].text) && charLen(words[:i]) <= c.policy.MaxChars {
					return i
				}
			}
		case BoundaryWord:
			n := target
			if n > len(words) {
				n = len(words)
			}
			if charLen(words[:n]) <= c.policy.MaxChars {
				return n
			}
		}
	}

	// No boundary fit; take as many words as MaxChars admits.
	cut := 0
	chars := 0
	for i, w := range words {
		next := chars + len(w.text)
		if i > 0 {
			next++
		}
		if next > c.policy.MaxChars {
			break
		}
		chars = next
		cut = i + 1
	}
	if cut == 0 {
		cut = 1 // single oversized word, emit it alone
	}
	return cut
}

// mergeShortTail folds a final chunk below MinWords into its predecessor,
// provided they came from compatible segments.
func (c *Chunker) mergeShortTail(drafts []Draft) []Draft {
	n := len(drafts)
	if n < 2 {
		return drafts
	}
	last, prev := drafts[n-1], drafts[n-2]
	if len(strings.Fields(last.Text)) >= c.policy.MinWords {
		return drafts
	}
	if last.Kind != prev.Kind || !sameSection(last.SectionPath, prev.SectionPath) {
		return drafts
	}
	// Strip any overlap the tail repeats from its predecessor before
	// merging, or the shared words would appear twice.
	prevEnd := prev.WordOffset + len(strings.Fields(prev.Text))
	tail := strings.Fields(last.Text)
	if shared := prevEnd - last.WordOffset; shared > 0 {
		if shared >= len(tail) {
			return drafts[:n-1]
		}
		tail = tail[shared:]
	}
	merged := prev.Text + " " + strings.Join(tail, " ")
	if len(merged) > c.policy.MaxChars {
		return drafts
	}
	seg := segment{kind: prev.Kind, sectionPath: prev.SectionPath}
	d := c.draft(prev.Ordinal, merged, seg)
	d.WordOffset = prev.WordOffset
	drafts[n-2] = d
	return drafts[:n-1]
}

func (c *Chunker) draft(ordinal int, text string, seg segment) Draft {
	sum := sha256.Sum256([]byte(text))
	var tokens int
	if c.counter != nil {
		tokens = c.counter.Count(text)
	} else {
		tokens = utils.EstimateTokens(text)
	}
	return Draft{
		Ordinal:     ordinal,
		Text:        text,
		Kind:        seg.kind,
		SectionPath: seg.sectionPath,
		ContentHash: hex.EncodeToString(sum[:]),
		CharCount:   len(text),
		TokenCount:  tokens,
	}
}

func blockChunkKind(k extract.BlockKind) string {
	switch k {
	case extract.BlockTable:
		return "table"
	case extract.BlockCode:
		return "code"
	case extract.BlockImageOCR:
		return "image-ocr"
	case extract.BlockImageCaption:
		return "image-caption"
	default:
		return "text"
	}
}

func sameSection(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func joinWords(words []word) string {
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(w.text)
	}
	return sb.String()
}

func charLen(words []word) int {
	n := 0
	for i, w := range words {
		if i > 0 {
			n++
		}
		n += len(w.text)
	}
	return n
}

func endsSentence(text string) bool {
	trimmed := strings.TrimRight(text, `"')]`)
	return strings.HasSuffix(trimmed, ".") ||
		strings.HasSuffix(trimmed, "!") ||
		strings.HasSuffix(trimmed, "?")
}

// hardSplit cuts text into pieces of at most maxChars, breaking at line
// boundaries where possible. Used for preserved blocks.
func hardSplit(text string, maxChars int) []string {
	if len(text) <= maxChars {
		return []string{text}
	}
	var pieces []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if cur.Len() > 0 && cur.Len()+1+len(line) > maxChars {
			pieces = append(pieces, cur.String())
			cur.Reset()
		}
		for len(line) > maxChars {
			pieces = append(pieces, line[:maxChars])
			line = line[maxChars:]
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}
