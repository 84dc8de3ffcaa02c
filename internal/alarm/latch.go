package alarm

import (
	"sync"

	"keyfob_alarm/internal/config"
)

// latch gates events on readiness. Before open, the drop policy discards
// events and the latch policy keeps only the most recent one, replacing any
// earlier pending event.
type latch struct {
	mu      sync.Mutex
	policy  string
	ready   bool
	pending *Event
}

func newLatch(policy string) *latch {
	if policy != config.ReadinessPolicyDrop {
		policy = config.ReadinessPolicyLatch
	}
	return &latch{policy: policy}
}

// admit reports whether ev may be dispatched now. When it may not, held
// tells whether it was latched, and replaced whether it evicted an earlier
// pending event.
func (l *latch) admit(ev Event) (dispatch, held, replaced bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		return true, false, false
	}
	if l.policy == config.ReadinessPolicyDrop {
		return false, false, false
	}

	replaced = l.pending != nil
	l.pending = &ev
	return false, true, replaced
}

// open marks the latch ready and hands out the pending event, if any. Only
// the first call opens it.
func (l *latch) open() (pending *Event, opened bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		return nil, false
	}
	l.ready = true
	pending, l.pending = l.pending, nil
	return pending, true
}

func (l *latch) isReady() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}
