package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// LockRegistry hands out one exclusive lock per account id. Entries exist
// only while some goroutine holds or waits for them.
type LockRegistry struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*lockSlot
}

type lockSlot struct {
	sem  chan struct{}
	refs int
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{slots: make(map[uuid.UUID]*lockSlot)}
}

// Acquire blocks until the lock for id is held or ctx is done.
func (r *LockRegistry) Acquire(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	slot, ok := r.slots[id]
	if !ok {
		slot = &lockSlot{sem: make(chan struct{}, 1)}
		r.slots[id] = slot
	}
	slot.refs++
	r.mu.Unlock()

	select {
	case slot.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		r.unref(id, slot)
		r.mu.Unlock()
		return ctx.Err()
	}
}

// Release unlocks id. It must only be called by the holder.
func (r *LockRegistry) Release(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[id]
	if !ok {
		return
	}
	<-slot.sem
	r.unref(id, slot)
}

func (r *LockRegistry) unref(id uuid.UUID, slot *lockSlot) {
	slot.refs--
	if slot.refs == 0 {
		delete(r.slots, id)
	}
}

// Len reports how many ids currently have holders or waiters.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}
