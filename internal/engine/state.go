package engine

import (
	"fmt"
	"sync"
	"time"

	"renderBridge/internal/browser"
)

type State int

const (
	StateUninitialized State = iota
	StateLaunching
	StateChallenged
	StateReady
	StateBusy
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLaunching:
		return "launching"
	case StateChallenged:
		return "challenged"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions - допустимые переходы. Всё движется вперёд, кроме петли
// Degraded → Launching; Closed конечное.
var transitions = map[State][]State{
	StateUninitialized: {StateLaunching, StateClosed},
	StateLaunching:     {StateChallenged, StateReady, StateDegraded, StateClosed},
	StateChallenged:    {StateChallenged, StateReady, StateDegraded, StateClosed},
	StateReady:         {StateBusy, StateDegraded, StateClosed},
	StateBusy:          {StateReady, StateDegraded, StateClosed},
	StateDegraded:      {StateLaunching, StateClosed},
	StateClosed:        {},
}

// CanTransition сообщает, разрешён ли переход from → to.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// StateObserver получает каждый состоявшийся переход.
type StateObserver func(from, to State)

// Session - единственный живой дескриптор браузера, вкладки и авторизации.
type Session struct {
	mu             sync.Mutex
	state          State
	driver         browser.Driver
	lastActivityAt time.Time
	reconnectHint  string
	observer       StateObserver
}

func newSession(observer StateObserver) *Session {
	return &Session{state: StateUninitialized, observer: observer}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// ReconnectHint - последний адрес разговора, куда стоит вернуться при восстановлении.
func (s *Session) ReconnectHint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectHint
}

func (s *Session) Driver() browser.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver
}

func (s *Session) setDriver(d browser.Driver) {
	s.mu.Lock()
	s.driver = d
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time, hint string) {
	s.mu.Lock()
	s.lastActivityAt = now
	if hint != "" {
		s.reconnectHint = hint
	}
	s.mu.Unlock()
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if from == to && to != StateChallenged {
		s.mu.Unlock()
		return nil
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("недопустимый переход состояния сессии %s → %s", from, to)
	}
	s.state = to
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(from, to)
	}
	return nil
}

// tryBusy атомарно переводит Ready → Busy. false - сессия не готова или уже занята.
func (s *Session) tryBusy() (State, bool) {
	s.mu.Lock()
	from := s.state
	if from != StateReady {
		s.mu.Unlock()
		return from, false
	}
	s.state = StateBusy
	observer := s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(from, StateBusy)
	}
	return from, true
}
