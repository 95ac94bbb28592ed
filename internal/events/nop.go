package events

// NopEmitter discards all events.
type NopEmitter struct{}

// Emit does nothing.
func (NopEmitter) Emit(EventType, any) {}

// Close does nothing.
func (NopEmitter) Close() error { return nil }
