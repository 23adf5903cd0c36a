package actor

import "context"

// Turn is a mutex whose Lock honours context cancellation.
// The zero value is not usable, create it with NewTurn.
type Turn struct {
	ch chan struct{}
}

func NewTurn() Turn {
	return Turn{ch: make(chan struct{}, 1)}
}

// Lock blocks until the turn is acquired or ctx is done.
func (t Turn) Lock(ctx context.Context) error {
	select {
	case t.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the turn if it is free.
func (t Turn) TryLock() bool {
	select {
	case t.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (t Turn) Unlock() {
	select {
	case <-t.ch:
	default:
		panic("actor: unlock of unlocked turn")
	}
}
