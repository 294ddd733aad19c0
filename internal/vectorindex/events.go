package vectorindex

import (
	"time"
)

// Phase distinguishes the two events of a rebuild.
type Phase string

const (
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
)

// RebuildEvent is emitted when a rebuild starts and when it finishes.
// Err is set on a finished event of a failed rebuild.
type RebuildEvent struct {
	Generation int64
	Reason     string
	Phase      Phase
	Records    int
	Duration   time.Duration
	Err        error
}

// OnRebuild registers fn to be called for every rebuild event. Listeners
// run synchronously on the rebuilding goroutine and must not block.
func (m *Manager) OnRebuild(fn func(RebuildEvent)) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev RebuildEvent) {
	m.listenersMu.Lock()
	ls := append(([]func(RebuildEvent))(nil), m.listeners...)
	m.listenersMu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}
