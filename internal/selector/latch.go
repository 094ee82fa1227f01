package selector

import "sync"

// OverrideLatch records whether the monthly override has fired during this
// process run. It is set once and never reset, so a restart after the 2nd of
// the month will not fire the override again until the next month.
type OverrideLatch struct {
	mu    sync.Mutex
	fired bool
}

// NewOverrideLatch returns a latch in the given state.
func NewOverrideLatch(fired bool) *OverrideLatch {
	return &OverrideLatch{fired: fired}
}

// TryFire sets the latch when day is the 1st or 2nd and the latch is unset.
// It reports whether the override applies to this call.
func (l *OverrideLatch) TryFire(day int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fired || (day != 1 && day != 2) {
		return false
	}
	l.fired = true
	return true
}

// Fired reports the latch state.
func (l *OverrideLatch) Fired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fired
}
