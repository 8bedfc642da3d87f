package emit

import "context"

// NullEmitter discards all events. Useful as a default and in tests that
// don't assert on observability output.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// Flush is a no-op.
func (n *NullEmitter) Flush(context.Context) error { return nil }
