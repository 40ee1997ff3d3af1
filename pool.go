package gotransfer

import (
	"context"
	"sync"
	"sync/atomic"
)

// PoolConfig configures a SessionPool.
type PoolConfig struct {
	// Capacity is the maximum number of idle sessions retained (minimum 1).
	Capacity int

	// ConnectPolicy retries session creation.
	ConnectPolicy RetryPolicy

	Logger  Logger
	Metrics Metrics
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Capacity  int
	Idle      int
	InUse     int
	Created   int64
	Discarded int64
}

// SessionPool keeps up to Capacity idle sessions for reuse.
//
// The lock only guards the idle slice; probing, dialing and closing sessions
// always happen outside it.
type SessionPool struct {
	dialer   Dialer
	capacity int
	policy   RetryPolicy
	logger   Logger
	metrics  Metrics

	mu     sync.Mutex
	idle   []*Session
	closed bool

	inUse     atomic.Int64
	created   atomic.Int64
	discarded atomic.Int64
}

// NewSessionPool creates an empty pool that dials through dialer.
func NewSessionPool(dialer Dialer, cfg PoolConfig) *SessionPool {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger{}
	}
	return &SessionPool{
		dialer:   dialer,
		capacity: cfg.Capacity,
		policy:   cfg.ConnectPolicy,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		idle:     make([]*Session, 0, cfg.Capacity),
	}
}

// Capacity returns the maximum number of idle sessions.
func (p *SessionPool) Capacity() int { return p.capacity }

// Acquire returns a live session for exclusive use. The most recently
// released idle session is probed first; if it is dead it is discarded and a
// fresh session is dialed instead.
func (p *SessionPool) Acquire(ctx context.Context) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, newError(ErrConnection, "acquire", "", ErrPoolClosed)
	}
	var s *Session
	if n := len(p.idle); n > 0 {
		s = p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if s != nil {
		if err := s.Probe(); err != nil {
			p.logger.Warnf("%s failed liveness probe, replacing it: %v", s, err)
			p.discard(s, "probe_failed")
		} else {
			p.checkout(s)
			metricsSessionReused(p.metrics)
			return s, nil
		}
	}

	return p.create(ctx)
}

func (p *SessionPool) create(ctx context.Context) (*Session, error) {
	t, err := RetryValue(ctx, p.policy, "connect", func() (Transport, error) {
		return p.dialer.Dial(ctx)
	})
	if err != nil {
		return nil, newError(ErrConnection, "connect", "", err)
	}
	s := newSession(t)
	p.created.Add(1)
	metricsSessionCreated(p.metrics)
	p.logger.Debugf("%s created", s)
	p.checkout(s)
	return s, nil
}

func (p *SessionPool) checkout(s *Session) {
	s.checkedOut.Store(true)
	p.inUse.Add(1)
}

// Release hands a session back. With keep set, a session whose working
// directory was changed is reset first and then stored if there is room;
// otherwise it is closed. Release never blocks on the network while holding
// the lock and never returns an error.
func (p *SessionPool) Release(s *Session, keep bool) {
	if s == nil {
		return
	}
	if !s.checkedOut.CompareAndSwap(true, false) {
		p.logger.Errorf("%s released twice, ignoring", s)
		return
	}
	p.inUse.Add(-1)

	reason := "broken"
	if keep {
		if err := s.resetDir(); err != nil {
			p.logger.Warnf("%s could not return to %q, discarding: %v", s, s.home, err)
			keep = false
			reason = "reset_failed"
		}
	}

	if keep {
		p.mu.Lock()
		switch {
		case p.closed:
			reason = "closed"
		case len(p.idle) >= p.capacity:
			reason = "overflow"
		default:
			p.idle = append(p.idle, s)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}

	p.discard(s, reason)
}

func (p *SessionPool) discard(s *Session, reason string) {
	p.discarded.Add(1)
	metricsSessionDiscarded(p.metrics, reason)
	if err := s.Close(); err != nil {
		p.logger.Debugf("%s close (%s): %v", s, reason, err)
	}
}

// Warm pre-creates up to n sessions, never holding more than Capacity idle.
// Sessions created before a failure are kept.
func (p *SessionPool) Warm(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return newError(ErrConnection, "warm", "", ErrPoolClosed)
	}
	room := p.capacity - len(p.idle)
	p.mu.Unlock()

	if n > room {
		n = room
	}
	for i := 0; i < n; i++ {
		s, err := p.create(ctx)
		if err != nil {
			return err
		}
		p.Release(s, true)
	}
	return nil
}

// Drain closes every idle session. The pool stays usable.
func (p *SessionPool) Drain() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make([]*Session, 0, p.capacity)
	p.mu.Unlock()

	for _, s := range idle {
		p.discard(s, "drained")
	}
}

// Close drains the pool and makes further Acquire calls fail with
// ErrPoolClosed. Sessions released afterwards are closed.
func (p *SessionPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Drain()
}

// Stats returns current pool statistics.
func (p *SessionPool) Stats() PoolStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()

	return PoolStats{
		Capacity:  p.capacity,
		Idle:      idle,
		InUse:     int(p.inUse.Load()),
		Created:   p.created.Load(),
		Discarded: p.discarded.Load(),
	}
}
