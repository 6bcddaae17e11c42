package session

import (
	"sync"
	"time"
)

// timerArena owns every pending wall-clock timer, keyed by session id.
// Cancelling a session stops its timers before they run; a timer that already
// fired re-checks session state under the manager lock, so a stale timer can
// never apply extra logic to a resolved session.
type timerArena struct {
	mu     sync.Mutex
	timers map[string][]*time.Timer
}

func newTimerArena() *timerArena {
	return &timerArena{timers: make(map[string][]*time.Timer)}
}

func (a *timerArena) schedule(sessionID string, d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timers == nil {
		return
	}
	timer := time.AfterFunc(d, fn)
	a.timers[sessionID] = append(a.timers[sessionID], timer)
}

// cancel stops every pending timer for the session and forgets the key.
func (a *timerArena) cancel(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, timer := range a.timers[sessionID] {
		timer.Stop()
	}
	delete(a.timers, sessionID)
}

// drain stops everything, for shutdown.
func (a *timerArena) drain() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, timers := range a.timers {
		for _, timer := range timers {
			timer.Stop()
		}
		delete(a.timers, id)
	}
}
