package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSRetry       ReasonCode = "tts_retry"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonResponderStart     ReasonCode = "responder_start"
	ReasonResponderStream    ReasonCode = "responder_stream"
	ReasonResponderRateLimit ReasonCode = "responder_rate_limit"

	ReasonTurnBusy       ReasonCode = "turn_busy"
	ReasonTurnTransition ReasonCode = "turn_invalid_transition"
	ReasonTurnCancelled  ReasonCode = "turn_cancelled"

	ReasonSessionClosed   ReasonCode = "session_closed"
	ReasonSessionConflict ReasonCode = "session_conflict"

	ReasonEnrichPayload ReasonCode = "enrich_payload"
	ReasonEventDropped  ReasonCode = "event_dropped"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
