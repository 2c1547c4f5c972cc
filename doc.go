// Package quarry provides a local-first retrieval-augmented generation (RAG)
// service core: ingestion, hybrid retrieval, and streaming chat over pluggable
// local model backends.
//
// The core ingests documents, chunks and embeds their contents, indexes them
// in a shared vector + keyword store, and answers questions by retrieving the
// most relevant chunks and streaming them through an LLM provider. All data
// processing happens locally; no external network call sits on the hot path.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/quarryhq/quarry/cmd/quarryd@latest
//
// Minimal configuration:
//
//	store:
//	  driver: sqlite
//	  path: .quarry/quarry.db
//	embedder:
//	  type: ollama
//	  model: mxbai-embed-large
//	llm:
//	  provider: ollama
//	  model: llama3.1
//
// Ingest and query:
//
//	quarryd ingest ./docs
//	quarryd query "how does the billing retry work?"
//
// # Using as a Go Library
//
//	svc, err := quarry.New(ctx, cfg)
//	if err != nil { ... }
//	defer svc.Close()
//
//	docID, already, err := svc.Ingest(ctx, ingest.Request{
//	    OwnerID: "u1", Title: "notes.md", Kind: extract.KindMarkdown, Data: data,
//	})
//
//	stream, err := svc.Answer(ctx, chat.Request{
//	    OwnerID: "u1", UserMessage: "summarize my notes", UseRAG: true,
//	})
//
// Component packages (store, chunker, embedder, ingest, retrieval, rerank,
// llm, chat, bus) are importable on their own; the root package only wires
// them together.
package quarry
