package emit

// NullEmitter implements Emitter by discarding all events.
//
// Useful for:
//   - Benchmarks where observability overhead should be excluded
//   - Tests that don't inspect events
//   - Disabling a sink without rewiring the bus
type NullEmitter struct{}

// NewNullEmitter creates an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(_ Event) {}
