package gotransfer

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one authenticated connection checked out of a SessionPool.
// It is owned by exactly one goroutine between Acquire and Release.
type Session struct {
	Transport

	id        uuid.UUID
	createdAt time.Time
	home      string
	dirty     bool

	// checkedOut guards against a session being released twice.
	checkedOut atomic.Bool
}

func newSession(t Transport) *Session {
	s := &Session{
		Transport: t,
		id:        uuid.New(),
		createdAt: time.Now(),
	}
	if home, err := t.CurrentDir(); err == nil {
		s.home = home
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id.String() }

// CreatedAt is when the session was dialed.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Home is the working directory the server assigned at login.
func (s *Session) Home() string { return s.home }

// ChangeDir changes the working directory and remembers that it must be
// reset before the session is reused.
func (s *Session) ChangeDir(dir string) error {
	if err := s.Transport.ChangeDir(dir); err != nil {
		return err
	}
	s.dirty = true
	return nil
}

// resetDir restores the login directory if the session moved away from it.
func (s *Session) resetDir() error {
	if !s.dirty {
		return nil
	}
	if s.home == "" {
		return fmt.Errorf("session %s: home directory unknown", s.ID())
	}
	if err := s.Transport.ChangeDir(s.home); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Session) String() string {
	return "session " + s.id.String()[:8]
}
