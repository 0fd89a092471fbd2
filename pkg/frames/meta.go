package frames

// Meta keys carried on frames. Values are always strings; numeric values
// are formatted with strconv by the producer.
const (
	MetaStreamID    = "stream_id"
	MetaSessionID   = "session_id"
	MetaTraceID     = "trace_id"
	MetaCallSID     = "call_sid"
	MetaOldStreamID = "old_stream_id"

	MetaSource = "source"
	MetaReason = "reason"

	// Turn lifecycle. MetaSeq is the 0-based fragment index within a turn.
	MetaTurnID    = "turn_id"
	MetaSeq       = "seq"
	MetaRole      = "role"
	MetaTruncated = "truncated"

	MetaIsFinal            = "is_final"
	MetaLanguage           = "language"
	MetaLanguageConfidence = "language_confidence"

	MetaEncoding      = "encoding"
	MetaCodec         = "codec"
	MetaFormat        = "format"
	MetaFromNumber    = "from_number"
	MetaCallEndReason = "call_end_reason"
	MetaGreetingText  = "greeting_text"
	MetaTTSFlush      = "tts_flush"
	MetaSystemMessage = "system_message"
	MetaIdempotency   = "idempotency"
)

// Source values for MetaSource. Frames produced by the transcription path
// carry SourceTranscript; response fragments carry SourceResponder so the
// turn stage never re-consumes its own output.
const (
	SourceTranscript = "transcript"
	SourceResponder  = "responder"
	SourceSynthesis  = "synthesis"
	SourceTransport  = "transport"
)
