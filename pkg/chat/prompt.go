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

package chat

import (
	"fmt"
	"strings"

	"github.com/quarryhq/quarry/pkg/retrieval"
	"github.com/quarryhq/quarry/pkg/utils"
)

// System prompt templates by style.
const (
	systemExpert = `You are a knowledgeable assistant answering from the provided documents. Ground every claim in the context below; when the context does not cover the question, say so plainly instead of guessing.`

	systemCitation = `You are a research assistant. Answer using only the provided documents, and cite the document title after each claim in the form [Title]. If no document supports an answer, say that none does.`

	systemReasoning = `You are a careful analyst. Think through the question step by step using the provided documents, laying out your reasoning before the final answer.`

	systemExtractive = `You are an extractive QA system. Answer with the shortest span of text from the provided documents that answers the question, quoted verbatim. If no span answers it, reply "Not found in the documents."`

	noContextNote = `Note: no documents were retrieved for this question. Answer from general knowledge and say that the document corpus contained nothing relevant.`
)

func systemPrompt(style, custom string) string {
	switch style {
	case "citation":
		return systemCitation
	case "reasoning":
		return systemReasoning
	case "extractive":
		return systemExtractive
	case "custom":
		return custom
	default:
		return systemExpert
	}
}

// contextBlock renders retrieved chunks with document-title headers and
// relevance percentages.
func contextBlock(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Context documents:\n\n")
	for _, res := range results {
		title := res.DocumentTitle
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&sb, "### %s (relevance %d%%)\n%s\n\n", title, int(res.Score*100), res.Chunk.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func historyBlock(history []utils.Message) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, m := range history {
		fmt.Fprintf(&sb, "%s: %s\n", strings.ToUpper(m.Role[:1])+m.Role[1:], m.Content)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// buildPrompt layers system prompt, memory, context, and the question. The
// custom style substitutes {context}, {question}, and {history} in the
// caller's template instead.
func buildPrompt(style, custom string, history []utils.Message, results []retrieval.Result, question string, noContext bool) string {
	context := contextBlock(results)
	if noContext {
		context = noContextNote
	}

	if style == "custom" && strings.ContainsAny(custom, "{") {
		r := strings.NewReplacer(
			"{context}", context,
			"{question}", question,
			"{history}", historyBlock(history),
		)
		return r.Replace(custom)
	}

	sections := []string{systemPrompt(style, custom)}
	if h := historyBlock(history); h != "" {
		sections = append(sections, h)
	}
	if context != "" {
		sections = append(sections, context)
	}
	sections = append(sections, "Question: "+question+"\n\nAnswer:")
	return strings.Join(sections, "\n\n")
}
