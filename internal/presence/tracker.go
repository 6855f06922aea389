// Package presence tracks which users are reachable. A user is online while
// at least one connection handle is registered for them, so several tabs or
// devices never make presence flap.
package presence

import (
	"context"
	"sync"
)

// Tracker maps users to their live connection handles.
type Tracker interface {
	// Register adds connID to userID's handles. cameOnline is true only for
	// the offline to online transition.
	Register(ctx context.Context, userID, connID string) (cameOnline bool, err error)

	// Unregister removes connID. It returns the owning user and reports
	// whether that was the user's last handle. Unknown handles return an
	// empty user id.
	Unregister(ctx context.Context, connID string) (userID string, wentOffline bool, err error)

	IsOnline(ctx context.Context, userID string) (bool, error)
}

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu     sync.Mutex
	byUser map[string]map[string]struct{}
	byConn map[string]string
}

// NewMemoryTracker creates an empty tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		byUser: make(map[string]map[string]struct{}),
		byConn: make(map[string]string),
	}
}

func (t *MemoryTracker) Register(_ context.Context, userID, connID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if owner, ok := t.byConn[connID]; ok {
		if owner == userID {
			return false, nil
		}
		// A handle belongs to exactly one user.
		t.remove(connID)
	}

	set, ok := t.byUser[userID]
	if !ok {
		set = make(map[string]struct{})
		t.byUser[userID] = set
	}
	set[connID] = struct{}{}
	t.byConn[connID] = userID
	return len(set) == 1, nil
}

func (t *MemoryTracker) Unregister(_ context.Context, connID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.byConn[connID]
	if !ok {
		return "", false, nil
	}
	return userID, t.remove(connID), nil
}

// remove drops connID and reports whether its user has no handles left.
// Callers must hold t.mu.
func (t *MemoryTracker) remove(connID string) bool {
	userID := t.byConn[connID]
	delete(t.byConn, connID)
	set := t.byUser[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(t.byUser, userID)
		return true
	}
	return false
}

func (t *MemoryTracker) IsOnline(_ context.Context, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byUser[userID]) > 0, nil
}
