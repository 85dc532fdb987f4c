package flow

import (
	"sync"
	"time"
)

// TimerRegistry holds at most one pending timer per conversation. Scheduling
// replaces any earlier timer; a deadline in the past fires immediately.
// Cancellation under the conversation key plus the state re-check in the
// callbacks gives the at-most-one guarantee between a timeout action and a
// racing reply.
type TimerRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimerRegistry() *TimerRegistry {
	return &TimerRegistry{
		timers: make(map[string]*time.Timer),
	}
}

// Schedule arms fn to run at the given time for the conversation, replacing
// any pending timer.
func (t *TimerRegistry) Schedule(conversationID string, at time.Time, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.timers[conversationID]; ok {
		old.Stop()
	}

	d := time.Until(at)
	if d < 0 {
		d = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.timers[conversationID] == timer {
			delete(t.timers, conversationID)
		}
		t.mu.Unlock()
		fn()
	})
	t.timers[conversationID] = timer
}

// Cancel stops the conversation's pending timer, if any. A callback that has
// already started running is not interrupted; it no-ops on its own state
// re-check.
func (t *TimerRegistry) Cancel(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timer, ok := t.timers[conversationID]; ok {
		timer.Stop()
		delete(t.timers, conversationID)
	}
}

// Stop cancels every pending timer. Used on shutdown.
func (t *TimerRegistry) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
