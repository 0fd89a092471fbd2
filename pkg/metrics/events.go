package metrics

// Event names recorded by the relay. Observers key aggregation off these.
const (
	EventTurnAccepted  = "turn_accepted"
	EventTurnRejected  = "turn_rejected"
	EventTurnStart     = "turn_start"
	EventTurnCommit    = "turn_commit"
	EventTurnCancelled = "turn_cancelled"
	EventTurnError     = "turn_error"

	EventFragment       = "response_fragment"
	EventEnrichForward  = "enrich_forward"
	EventEnrichDrop     = "enrich_drop"
	EventSessionStart   = "session_start"
	EventSessionEnd     = "session_end"
	EventTranscriptIn   = "transcript_in"
	EventSynthesisChunk = "synthesis_chunk"

	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)
