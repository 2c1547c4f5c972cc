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

// Package chat runs the answer pipeline: conversation memory, retrieval,
// prompt assembly, token streaming, and persistence of the finished turn.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarryhq/quarry/pkg/bus"
	"github.com/quarryhq/quarry/pkg/config"
	"github.com/quarryhq/quarry/pkg/llm"
	"github.com/quarryhq/quarry/pkg/observability"
	"github.com/quarryhq/quarry/pkg/qerr"
	"github.com/quarryhq/quarry/pkg/rerank"
	"github.com/quarryhq/quarry/pkg/retrieval"
	"github.com/quarryhq/quarry/pkg/store"
	"github.com/quarryhq/quarry/pkg/utils"
)

// eventBuffer is the local stream channel depth. Overflow drops the oldest
// event, same policy as the bus.
const eventBuffer = 256

// Request is one answer turn.
type Request struct {
	SessionID      string // optional; enables bus streaming and stop routing
	OwnerID        string
	ConversationID string // empty starts a new conversation
	UserMessage    string

	ModelID     string
	Temperature *float64
	TopK        int

	UseRAG            bool
	UseReranker       bool
	UseHybrid         bool
	UseQueryExpansion bool
	UseCorrective     bool

	// PromptStyle overrides the configured style for this turn.
	PromptStyle string

	// CustomSystemPrompt is the template body when the style is "custom".
	CustomSystemPrompt string
}

// Stream is one in-flight answer. Events mirror what the session bus
// receives; Done closes after the terminal event and all persistence.
type Stream struct {
	ConversationID string

	Events <-chan bus.ChatEvent

	events   chan bus.ChatEvent
	done     chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// Stop cancels generation. Tokens already produced flush to storage as a
// partial message.
func (s *Stream) Stop() {
	s.stopOnce.Do(s.cancel)
}

// Done closes once the turn is fully finalized.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Deps are the orchestrator's collaborators. Expander, Gate, and Reranker
// are optional; their feature flags are inert when nil.
type Deps struct {
	Store     *store.Store
	Provider  llm.Provider
	Retriever *retrieval.Retriever
	Expander  *retrieval.Expander
	Gate      *retrieval.Gate
	Reranker  *rerank.Reranker
	Bus       bus.Bus
}

// Orchestrator executes answer turns.
type Orchestrator struct {
	deps         Deps
	cfg          config.ChatConfig
	retrievalCfg config.RetrievalConfig
	counter      *utils.TokenCounter
}

// New builds an orchestrator. Token fitting degrades to turn-count-only
// trimming when the tiktoken encoding cannot load.
func New(deps Deps, cfg config.ChatConfig, retrievalCfg config.RetrievalConfig) *Orchestrator {
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		counter = nil
	}
	return &Orchestrator{deps: deps, cfg: cfg, retrievalCfg: retrievalCfg, counter: counter}
}

// GenerateAnswer persists the user message and streams the answer. The
// returned stream is live immediately; generation proceeds in the
// background detached from ctx, bounded by the configured turn timeout and
// the stream's Stop.
func (o *Orchestrator) GenerateAnswer(ctx context.Context, req Request) (*Stream, error) {
	return o.generate(ctx, req, true)
}

// RegenerateAnswer deletes an assistant message and re-answers the user
// message that preceded it, with the same request context.
func (o *Orchestrator) RegenerateAnswer(ctx context.Context, req Request, assistantMessageID string) (*Stream, error) {
	const op = "chat.RegenerateAnswer"

	if req.ConversationID == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "conversation id is required")
	}
	userText, err := o.findPrecedingUserMessage(ctx, req.ConversationID, assistantMessageID)
	if err != nil {
		return nil, err
	}
	if err := o.deps.Store.DeleteMessage(ctx, assistantMessageID); err != nil {
		return nil, err
	}
	req.UserMessage = userText
	return o.generate(ctx, req, false)
}

func (o *Orchestrator) generate(ctx context.Context, req Request, persistUser bool) (*Stream, error) {
	const op = "chat.GenerateAnswer"

	if req.OwnerID == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "owner id is required")
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		return nil, qerr.Ef(qerr.KindInvalidInput, op, "user message is required")
	}

	conversationID, err := o.ensureConversation(ctx, &req)
	if err != nil {
		return nil, err
	}

	if req.SessionID != "" {
		ok, err := o.deps.Bus.AttachStream(ctx, req.SessionID, uuid.NewString())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, qerr.Ef(qerr.KindConflict, op,
				"session %s already has a generation in flight", req.SessionID)
		}
		if err := o.deps.Bus.SetConversation(ctx, req.SessionID, conversationID); err != nil {
			slog.Warn("session conversation update failed", "session_id", req.SessionID, "error", err)
		}
	}

	// Memory loads before the new user message lands so the question is
	// not duplicated into its own history.
	history, err := o.loadMemory(ctx, conversationID)
	if err != nil {
		return nil, o.releaseOnError(ctx, req, err)
	}
	if persistUser {
		if _, err := o.deps.Store.AppendMessage(ctx, conversationID, store.RoleUser, req.UserMessage, nil, false); err != nil {
			return nil, o.releaseOnError(ctx, req, err)
		}
	}

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Timeout.Duration())
	s := &Stream{
		ConversationID: conversationID,
		events:         make(chan bus.ChatEvent, eventBuffer),
		done:           make(chan struct{}),
		cancel:         cancel,
	}
	s.Events = s.events

	go o.run(genCtx, req, s, history)
	return s, nil
}

func (o *Orchestrator) releaseOnError(ctx context.Context, req Request, err error) error {
	if req.SessionID != "" {
		_ = o.deps.Bus.DetachStream(ctx, req.SessionID)
	}
	return err
}

func (o *Orchestrator) ensureConversation(ctx context.Context, req *Request) (string, error) {
	const op = "chat.GenerateAnswer"

	if req.ConversationID == "" {
		conv, err := o.deps.Store.CreateConversation(ctx, req.OwnerID, clip(req.UserMessage, 64))
		if err != nil {
			return "", err
		}
		return conv.ID, nil
	}

	conv, err := o.deps.Store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return "", err
	}
	if conv.OwnerID != req.OwnerID {
		return "", qerr.Ef(qerr.KindInvalidInput, op, "conversation %s does not belong to owner", req.ConversationID)
	}
	return conv.ID, nil
}

func (o *Orchestrator) loadMemory(ctx context.Context, conversationID string) ([]utils.Message, error) {
	msgs, err := o.deps.Store.RecentMessages(ctx, conversationID, o.cfg.HistoryTurns*2)
	if err != nil {
		return nil, err
	}
	history := make([]utils.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Partial {
			continue
		}
		history = append(history, utils.Message{Role: m.Role, Content: m.Content})
	}
	if o.counter != nil {
		history = o.counter.FitWithinLimit(history, o.cfg.HistoryTokenLimit)
	}
	return history, nil
}

// run is the streaming half of a turn. It owns the event channel.
func (o *Orchestrator) run(ctx context.Context, req Request, s *Stream, history []utils.Message) {
	started := time.Now()
	log := slog.With("conversation_id", s.ConversationID, "session_id", req.SessionID)

	defer func() {
		s.cancel()
		if req.SessionID != "" {
			detachCtx, detachCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = o.deps.Bus.DetachStream(detachCtx, req.SessionID)
			detachCancel()
		}
		close(s.events)
		close(s.done)
	}()

	results, noContext := o.retrieve(ctx, req, log)
	sources := chatSources(results)
	if len(sources) > 0 {
		o.emit(req.SessionID, s, bus.ChatEvent{Type: "sources", Sources: sources})
	}

	style := req.PromptStyle
	if style == "" {
		style = o.cfg.PromptStyle
	}
	custom := req.CustomSystemPrompt
	if custom == "" {
		custom = o.cfg.CustomTemplate
	}
	prompt := buildPrompt(style, custom, history, results, req.UserMessage, noContext)

	chunks, err := o.deps.Provider.GenerateStream(ctx, prompt, llm.Options{
		ModelID:     req.ModelID,
		Temperature: req.Temperature,
	})
	if err != nil {
		o.failTurn(req, s, sources, "", err, log)
		return
	}

	var text strings.Builder
	var usage llm.Usage
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkText:
			text.WriteString(chunk.Text)
			o.emit(req.SessionID, s, bus.ChatEvent{Type: "token", Text: chunk.Text})
		case llm.ChunkDone:
			usage = chunk.Usage
		case llm.ChunkError:
			if ctx.Err() != nil || qerr.IsKind(chunk.Err, qerr.KindCancelled) {
				o.cancelTurn(req, s, sources, text.String(), started, log)
				return
			}
			o.failTurn(req, s, sources, text.String(), chunk.Err, log)
			return
		}
	}
	if ctx.Err() != nil {
		o.cancelTurn(req, s, sources, text.String(), started, log)
		return
	}

	observability.GetGlobalMetrics().RecordLLMCall(ctx, req.ModelID, time.Since(started),
		usage.PromptTokens, usage.CompletionTokens, nil)

	metadata := turnMetadata(req.ModelID, sources, started, usage.Total())
	if err := o.finalize(s.ConversationID, text.String(), metadata, false); err != nil {
		log.Warn("assistant message finalization failed", "error", err)
		o.emit(req.SessionID, s, bus.ChatEvent{Type: "error", Message: "failed to save the answer"})
		o.publishEnd(req.SessionID, bus.ReasonError)
		return
	}
	o.emit(req.SessionID, s, bus.ChatEvent{Type: "done", Metadata: metadata})
	o.publishEnd(req.SessionID, bus.ReasonComplete)
	log.Info("answer turn complete",
		"duration_ms", time.Since(started).Milliseconds(), "tokens", usage.Total())
}

// cancelTurn flushes already-generated text as a partial message within the
// flush budget.
func (o *Orchestrator) cancelTurn(req Request, s *Stream, sources []bus.ChatSource, partial string, started time.Time, log *slog.Logger) {
	metadata := turnMetadata(req.ModelID, sources, started, 0)
	if partial != "" {
		flushCtx, cancel := context.WithTimeout(context.Background(), o.cfg.FlushTimeout.Duration())
		defer cancel()
		if _, err := o.deps.Store.AppendMessage(flushCtx, s.ConversationID, store.RoleAssistant, partial, metadata, true); err != nil {
			log.Warn("partial message flush failed", "error", err)
		}
	}
	o.publishEnd(req.SessionID, bus.ReasonCancelled)
	log.Info("answer turn cancelled", "partial_chars", len(partial))
}

// failTurn persists a failed placeholder carrying the provider error.
func (o *Orchestrator) failTurn(req Request, s *Stream, sources []bus.ChatSource, partial string, cause error, log *slog.Logger) {
	metadata := map[string]any{
		"model_id": req.ModelID,
		"sources":  sources,
		"error":    cause.Error(),
	}
	if err := o.finalize(s.ConversationID, partial, metadata, true); err != nil {
		log.Warn("failed-turn placeholder persistence failed", "error", err)
	}
	o.emit(req.SessionID, s, bus.ChatEvent{Type: "error", Message: sanitizeError(cause)})
	o.publishEnd(req.SessionID, bus.ReasonError)
	log.Warn("answer turn failed", "error", cause)
}

// finalize persists the assistant message, retrying transient store
// failures with exponential backoff.
func (o *Orchestrator) finalize(conversationID, content string, metadata map[string]any, partial bool) error {
	var err error
	for attempt := 0; attempt < o.cfg.FinalizeRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(100*(1<<(attempt-1))) * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err = o.deps.Store.AppendMessage(ctx, conversationID, store.RoleAssistant, content, metadata, partial)
		cancel()
		if err == nil {
			return nil
		}
		if !qerr.IsKind(err, qerr.KindStoreUnavailable) {
			return err
		}
	}
	return err
}

// retrieve runs the retrieval arm of the pipeline. Failures degrade to an
// answer without context, flagged so the prompt says so.
func (o *Orchestrator) retrieve(ctx context.Context, req Request, log *slog.Logger) ([]retrieval.Result, bool) {
	if !req.UseRAG || o.deps.Retriever == nil {
		return nil, false
	}

	topK := req.TopK
	if topK <= 0 {
		topK = o.retrievalCfg.KOut
	}

	texts := []string{req.UserMessage}
	if req.UseQueryExpansion && o.deps.Expander != nil {
		expanded, err := o.deps.Expander.Expand(ctx, req.UserMessage, 0)
		if err == nil {
			texts = expanded
		}
	}

	query := retrieval.Query{
		OwnerID:   req.OwnerID,
		Texts:     texts,
		K:         topK,
		UseHybrid: req.UseHybrid,
	}
	results, err := o.deps.Retriever.Retrieve(ctx, query)
	if err != nil {
		log.Warn("retrieval failed, answering without context", "error", err)
		return nil, true
	}

	results = o.rerankResults(ctx, req, results, topK)

	if req.UseCorrective && o.deps.Gate != nil {
		results = o.deps.Gate.Check(ctx, req.OwnerID, req.UserMessage, results,
			func(ctx context.Context, scale int) ([]retrieval.Result, error) {
				wide := query
				wide.KVec = scale * o.retrievalCfg.KVector
				wide.KLex = scale * o.retrievalCfg.KLexical
				return o.deps.Retriever.Retrieve(ctx, wide)
			})
		results = o.rerankResults(ctx, req, results, topK)
	}

	if len(results) > topK {
		results = results[:topK]
	}
	return results, len(results) == 0
}

// rerankResults maps through the cross-encoder when reranking is on. The
// reranker's score replaces the fused score.
func (o *Orchestrator) rerankResults(ctx context.Context, req Request, results []retrieval.Result, topK int) []retrieval.Result {
	if !req.UseReranker || o.deps.Reranker == nil || len(results) == 0 {
		return results
	}

	byID := make(map[string]retrieval.Result, len(results))
	candidates := make([]rerank.Candidate, len(results))
	for i, res := range results {
		byID[res.Chunk.ID] = res
		candidates[i] = rerank.Candidate{ID: res.Chunk.ID, Text: res.Chunk.Content, Score: res.Score}
	}

	ranked := o.deps.Reranker.Rerank(ctx, req.UserMessage, candidates, topK)
	out := make([]retrieval.Result, 0, len(ranked))
	for _, c := range ranked {
		res := byID[c.ID]
		res.RerankScore = c.Score
		res.Score = c.Score
		out = append(out, res)
	}
	return out
}

// emit delivers locally and to the session topic. The local channel drops
// oldest on overflow so an absent consumer cannot stall generation.
func (o *Orchestrator) emit(sessionID string, s *Stream, event bus.ChatEvent) {
	select {
	case s.events <- event:
	default:
		select {
		case <-s.events:
		default:
		}
		select {
		case s.events <- event:
		default:
		}
	}

	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.deps.Bus.Publish(ctx, bus.ChatTopic(sessionID), event); err != nil {
			slog.Warn("chat event dropped", "session_id", sessionID, "error", err)
		}
	}
}

func (o *Orchestrator) publishEnd(sessionID string, reason string) {
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := o.deps.Bus.Publish(ctx, bus.ChatTopic(sessionID), bus.StreamEnded{
		SessionID: sessionID,
		Reason:    reason,
	})
	if err != nil {
		slog.Warn("stream end event dropped", "session_id", sessionID, "error", err)
	}
}

// findPrecedingUserMessage scans the conversation newest-first for the
// assistant message and returns the user message just before it.
func (o *Orchestrator) findPrecedingUserMessage(ctx context.Context, conversationID, assistantMessageID string) (string, error) {
	const op = "chat.RegenerateAnswer"

	cursor := 0
	found := false
	for {
		page, next, err := o.deps.Store.ListMessages(ctx, conversationID, cursor, 100)
		if err != nil {
			return "", err
		}
		for _, m := range page {
			if found && m.Role == store.RoleUser {
				return m.Content, nil
			}
			if m.ID == assistantMessageID {
				if m.Role != store.RoleAssistant {
					return "", qerr.Ef(qerr.KindInvalidInput, op, "message %s is not an assistant message", assistantMessageID)
				}
				found = true
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	if !found {
		return "", qerr.Ef(qerr.KindInvalidInput, op, "message %s not found in conversation", assistantMessageID)
	}
	return "", qerr.Ef(qerr.KindInvalidInput, op, "no user message precedes %s", assistantMessageID)
}

func chatSources(results []retrieval.Result) []bus.ChatSource {
	if len(results) == 0 {
		return nil
	}
	sources := make([]bus.ChatSource, len(results))
	for i, res := range results {
		sources[i] = bus.ChatSource{
			DocumentID:    res.Chunk.DocumentID,
			DocumentTitle: res.DocumentTitle,
			ChunkID:       res.Chunk.ID,
			Score:         res.Score,
		}
	}
	return sources
}

func turnMetadata(modelID string, sources []bus.ChatSource, started time.Time, tokens int) map[string]any {
	return map[string]any{
		"model_id":         modelID,
		"sources":          sources,
		"response_time_ms": time.Since(started).Milliseconds(),
		"token_count":      tokens,
	}
}

// sanitizeError strips path-like fragments from provider errors before
// they reach a client.
func sanitizeError(err error) string {
	msg := err.Error()
	fields := strings.Fields(msg)
	for i, f := range fields {
		if strings.HasPrefix(f, "/") || strings.Contains(f, ":\\") {
			fields[i] = "<path>"
		}
	}
	return strings.Join(fields, " ")
}

func clip(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return fmt.Sprintf("%s…", strings.TrimSpace(s[:max]))
}
