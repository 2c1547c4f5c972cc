package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrOwnerID        = "quarry.owner_id"
	AttrDocumentID     = "quarry.document_id"
	AttrSessionID      = "quarry.session_id"
	AttrModel          = "llm.model"
	AttrProvider       = "llm.provider"
	AttrTokensInput    = "llm.tokens.input"
	AttrTokensOutput   = "llm.tokens.output"
	AttrBatchSize      = "embed.batch_size"
	AttrResultCount    = "retrieval.result_count"
	AttrSearchSource   = "retrieval.source"
	AttrErrorType      = "error.type"

	SpanIngestDocument = "ingest.document"
	SpanChunkDocument  = "ingest.chunk"
	SpanEmbedBatch     = "embed.batch"
	SpanRetrieve       = "retrieval.hybrid"
	SpanRerank         = "retrieval.rerank"
	SpanLLMRequest     = "llm.request"
	SpanChatTurn       = "chat.turn"

	DefaultServiceName  = "quarry"
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
	DefaultSamplingRate = 1.0
)
