package emit

// Emitter receives observability events from workflow execution.
//
// Implementations must be thread-safe, must not block workflow execution,
// and must not panic; backend failures are handled internally.
type Emitter interface {
	Emit(event Event)
}

// Multi fans events out to several emitters.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		e.Emit(event)
	}
}
