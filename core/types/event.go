package types

// Event is the canonical payload the engines emit on every state transition.
// Attributes carry hex-encoded identifiers and addresses and decimal amounts,
// so a payload survives JSON round-trips without loss.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute returns the named attribute, or the empty string when unset.
func (e *Event) Attribute(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[key]
}

// Clone returns a copy whose attribute map is independent of the original.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type, Attributes: make(map[string]string, len(e.Attributes))}
	for key, value := range e.Attributes {
		clone.Attributes[key] = value
	}
	return clone
}
