package module

import (
	"errors"
	"fmt"
	"sync"
)

// ErrScopeClosed is returned by Scope.Run after Close.
var ErrScopeClosed = errors.New("isolation scope closed")

// Scope pins a handle's code while functions run against it.
// Close waits until every running function has returned.
type Scope struct {
	mu     sync.Mutex
	cond   *sync.Cond
	active int
	closed bool
}

// NewScope creates an open scope.
func NewScope() *Scope {
	s := &Scope{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run executes fn inside the scope. A panic in fn is returned as an error.
func (s *Scope) Run(fn func() error) (err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrScopeClosed
	}
	s.active++
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in isolation scope: %v", r)
		}

		s.mu.Lock()
		s.active--
		if s.active == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}()

	return fn()
}

// Active returns the number of functions currently running in the scope.
func (s *Scope) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close refuses new work and blocks until running work has finished.
// It returns false if the scope was already closed.
func (s *Scope) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	for s.active > 0 {
		s.cond.Wait()
	}
	return true
}
