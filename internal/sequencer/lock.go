package sequencer

import (
	"context"
	"fmt"
	"sync"

	"github.com/bilbercode/gencam/internal/fault"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Lock is the camera-busy lock. Whoever holds its Token owns the driver.
type Lock struct {
	sem *semaphore.Weighted

	mu     sync.Mutex
	holder *Token
}

// Token proves ownership of a Lock. It is passed explicitly to every
// subsystem that drives the camera.
type Token struct {
	ID    uuid.UUID
	Owner string

	lock *Lock
	once sync.Once
}

func NewLock() *Lock {
	return &Lock{sem: semaphore.NewWeighted(1)}
}

// TryAcquire takes the lock without waiting. ErrSequencerBusy is returned when
// somebody else holds it.
func (l *Lock) TryAcquire(owner string) (*Token, error) {
	if !l.sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w: camera held by %s", fault.ErrSequencerBusy, l.Owner())
	}
	return l.grant(owner), nil
}

// Acquire waits for the lock or for ctx to be done.
func (l *Lock) Acquire(ctx context.Context, owner string) (*Token, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return l.grant(owner), nil
}

func (l *Lock) grant(owner string) *Token {
	t := &Token{ID: uuid.New(), Owner: owner, lock: l}
	l.mu.Lock()
	l.holder = t
	l.mu.Unlock()
	return t
}

// Holds reports whether t is the token currently holding the lock.
func (l *Lock) Holds(t *Token) bool {
	if t == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == t
}

// Owner names the current holder, or "nobody".
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == nil {
		return "nobody"
	}
	return l.holder.Owner
}

// Release gives the lock back. Releasing twice is a no-op.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.lock.mu.Lock()
		if t.lock.holder == t {
			t.lock.holder = nil
		}
		t.lock.mu.Unlock()
		t.lock.sem.Release(1)
	})
}
