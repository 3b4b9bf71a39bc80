// Package bridge binds persistent client connections to kernel channels and
// relays traffic until one side goes away.
package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionTracker hands out one session identity per client connection.
// Control requests are stamped with it so broadcast observers can tell the
// kernel's echo of their own command apart from everyone else's. Purely
// in-memory; a session ends with its connection.
type SessionTracker struct {
	mu     sync.Mutex
	active map[string]time.Time
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{
		active: make(map[string]time.Time),
	}
}

// NewSession registers and returns a fresh session identity.
func (t *SessionTracker) NewSession() string {
	id := uuid.NewString()
	t.mu.Lock()
	t.active[id] = time.Now().UTC()
	t.mu.Unlock()
	return id
}

// End forgets a session once its connection closes.
func (t *SessionTracker) End(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

func (t *SessionTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}
