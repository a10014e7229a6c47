package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/eniac111/proxyops/internal/logger"
	"github.com/eniac111/proxyops/internal/metrics"
	"github.com/eniac111/proxyops/internal/retry"
	"github.com/eniac111/proxyops/internal/types"
)

// ProbeCommand is the no-op used to check that a cached session still works.
const ProbeCommand = "true"

const defaultDialTimeout = 2 * time.Minute

// Pool keeps one long-lived session per target. Callers never close the
// sessions they acquire; ReleaseAll closes everything at shutdown.
type Pool struct {
	Dialer       Dialer
	Retry        retry.Policy
	ProbeTimeout time.Duration
	DialTimeout  time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	dials    singleflight.Group
	now      func() time.Time
}

type session struct {
	conn     Conn
	connKey  string
	lastUsed time.Time
}

// NewPool returns a pool that dials through d.
func NewPool(d Dialer, policy retry.Policy, log *slog.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		Dialer:       d,
		Retry:        policy,
		ProbeTimeout: 10 * time.Second,
		DialTimeout:  defaultDialTimeout,
		Logger:       logger.OrDefault(log),
		Metrics:      m,
	}
}

// Acquire returns a live session for t, reusing the cached one when its
// liveness probe succeeds.
func (p *Pool) Acquire(ctx context.Context, t types.Target) (Conn, error) {
	if cached := p.cached(t); cached != nil {
		if p.probe(ctx, cached.conn) {
			p.touch(t.ID, cached.conn)
			p.Metrics.SessionReused()
			return cached.conn, nil
		}
		p.log().Info("cached session failed liveness probe", logger.Target(t.ID))
		p.discard(t.ID, cached.conn)
	}

	key := t.ID + "|" + t.ConnKey()
	// The dial is shared by every concurrent caller, so it runs detached
	// from any single caller's cancellation.
	ch := p.dials.DoChan(key, func() (any, error) {
		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.dialTimeout())
		defer cancel()
		return p.dial(dialCtx, t)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Conn), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops and closes the cached session for a target, if any.
func (p *Pool) Invalidate(targetID string) {
	p.mu.Lock()
	s, ok := p.sessions[targetID]
	delete(p.sessions, targetID)
	p.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

// ReleaseAll closes every cached session.
func (p *Pool) ReleaseAll() error {
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of cached sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

func (p *Pool) dial(ctx context.Context, t types.Target) (Conn, error) {
	policy := p.Retry
	policy.Retryable = retry.On(types.ErrConnectivity)
	policy.OnRetry = func(attempt int, err error) {
		p.Metrics.Retried()
		p.log().Warn("ssh dial failed, retrying",
			logger.Target(t.ID), slog.Int("attempt", attempt), logger.Error(err))
	}

	start := p.clock()
	conn, err := retry.Do(ctx, policy, func(ctx context.Context) (Conn, error) {
		return p.Dialer.Dial(ctx, t)
	})
	if err != nil {
		p.Metrics.SessionDialed("error")
		p.log().Error("ssh dial failed", logger.Target(t.ID), logger.Error(err))
		if !errors.Is(err, types.ErrAuthentication) && !errors.Is(err, types.ErrConnectivity) {
			err = fmt.Errorf("%w: %w", types.ErrConnectivity, err)
		}
		return nil, err
	}
	p.Metrics.SessionDialed("ok")
	p.log().Debug("ssh session established", logger.Target(t.ID), logger.Elapsed(start))

	p.mu.Lock()
	if p.sessions == nil {
		p.sessions = make(map[string]*session)
	}
	if old, ok := p.sessions[t.ID]; ok && old.conn != conn {
		_ = old.conn.Close()
	}
	p.sessions[t.ID] = &session{conn: conn, connKey: t.ConnKey(), lastUsed: p.clock()}
	p.mu.Unlock()
	return conn, nil
}

func (p *Pool) cached(t types.Target) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[t.ID]
	if !ok {
		return nil
	}
	if s.connKey != t.ConnKey() {
		delete(p.sessions, t.ID)
		go s.conn.Close()
		return nil
	}
	return s
}

func (p *Pool) probe(ctx context.Context, c Conn) bool {
	timeout := p.ProbeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := c.Run(ctx, ProbeCommand, io.Discard, io.Discard)
	return err == nil && status == 0
}

func (p *Pool) dialTimeout() time.Duration {
	if p.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return p.DialTimeout
}

func (p *Pool) touch(targetID string, c Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[targetID]; ok && s.conn == c {
		s.lastUsed = p.clock()
	}
}

// discard removes c only if it is still the cached session for the target.
func (p *Pool) discard(targetID string, c Conn) {
	p.mu.Lock()
	s, ok := p.sessions[targetID]
	if ok && s.conn == c {
		delete(p.sessions, targetID)
	}
	p.mu.Unlock()
	_ = c.Close()
}

func (p *Pool) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *Pool) log() *slog.Logger {
	return logger.OrDefault(p.Logger)
}
