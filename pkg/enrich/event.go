package enrich

// Event is an outbound UI message heading to the client. Payload is the
// JSON object to be sent; the reserved "data" sub-object is where
// enrichers inject fields.
type Event struct {
	Type    string
	Payload map[string]any
}

// DataKey is the reserved payload key enrichers operate on.
const DataKey = "data"

// Clone deep-copies the event so enrichers can stay pure transforms.
func (e Event) Clone() Event {
	return Event{Type: e.Type, Payload: deepCopyMap(e.Payload)}
}

// Data returns the payload's data sub-object when present.
func (e Event) Data() (map[string]any, bool) {
	if e.Payload == nil {
		return nil, false
	}
	d, ok := e.Payload[DataKey].(map[string]any)
	return d, ok
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
