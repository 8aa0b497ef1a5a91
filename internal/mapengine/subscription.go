package mapengine

import "sync"

// Subscription owns a group of listeners and teardown callbacks. Dispose
// detaches everything exactly once, newest first, using the listener ids
// captured at registration time.
type Subscription struct {
	mu       sync.Mutex
	undo     []func()
	disposed bool
}

func NewSubscription() *Subscription {
	return &Subscription{}
}

// Listen registers h on e and records the matching Off.
func (s *Subscription) Listen(e Engine, t EventType, layerID string, h Handler) ListenerID {
	id := e.On(t, layerID, h)
	s.Add(func() { e.Off(id) })
	return id
}

// Add records an arbitrary teardown step. If the subscription is already
// disposed the step runs immediately.
func (s *Subscription) Add(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		fn()
		return
	}
	s.undo = append(s.undo, fn)
	s.mu.Unlock()
}

func (s *Subscription) Dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	undo := s.undo
	s.undo = nil
	s.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (s *Subscription) Disposed() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
