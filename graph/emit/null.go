package emit

// NullEmitter discards all events. Use it to disable observability without
// touching engine wiring.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter by doing nothing.
func (n *NullEmitter) Emit(Event) {}
