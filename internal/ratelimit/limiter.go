// Package ratelimit enforces the per-domain politeness delay between
// requests to the same host.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbeltran/campus-search/internal/store"
)

// stateStore is the slice of the store the limiter needs to persist
// last-request times across restarts.
type stateStore interface {
	GetDomainRate(ctx context.Context, domain string) (store.DomainRate, error)
	UpsertDomainRate(ctx context.Context, rate store.DomainRate) error
}

// Config controls limiter behavior.
type Config struct {
	// Delay is the minimum gap between requests to the same domain.
	Delay time.Duration
	// Store persists last-request times. Optional; without it the limiter
	// runs purely in memory.
	Store  stateStore
	Logger *zap.Logger
}

type domainState struct {
	mu          sync.Mutex
	lastRequest time.Time
	loaded      bool
}

// Limiter grants at most one request per domain per Delay. Waiters for the
// same domain are served one at a time; different domains never block each
// other.
type Limiter struct {
	delay  time.Duration
	store  stateStore
	logger *zap.Logger

	mu      sync.Mutex
	domains map[string]*domainState

	warnOnce sync.Once

	now func() time.Time
}

// New constructs a Limiter from the config.
func New(cfg Config) *Limiter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = time.Second
	}
	return &Limiter{
		delay:   delay,
		store:   cfg.Store,
		logger:  logger,
		domains: make(map[string]*domainState),
		now:     time.Now,
	}
}

// Wait blocks until a request to the domain is allowed, then records the
// grant. It returns early with the context's error on cancellation, in
// which case no grant is recorded.
func (l *Limiter) Wait(ctx context.Context, domain string) error {
	state := l.state(domain)

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.loaded {
		l.load(ctx, domain, state)
	}

	next := state.lastRequest.Add(l.delay)
	if wait := next.Sub(l.now()); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	state.lastRequest = l.now()
	l.persist(ctx, domain, state.lastRequest)
	return nil
}

func (l *Limiter) state(domain string) *domainState {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.domains[domain]
	if !ok {
		state = &domainState{}
		l.domains[domain] = state
	}
	return state
}

// load seeds the domain's last-request time from the store so politeness
// survives restarts. Store errors degrade to in-memory tracking.
func (l *Limiter) load(ctx context.Context, domain string, state *domainState) {
	state.loaded = true
	if l.store == nil {
		return
	}
	rate, err := l.store.GetDomainRate(ctx, domain)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			l.warnDegraded(err)
		}
		return
	}
	state.lastRequest = rate.LastRequest
}

func (l *Limiter) persist(ctx context.Context, domain string, lastRequest time.Time) {
	if l.store == nil {
		return
	}
	rate := store.DomainRate{
		Domain:       domain,
		LastRequest:  lastRequest,
		DelaySeconds: l.delay.Seconds(),
	}
	if err := l.store.UpsertDomainRate(ctx, rate); err != nil {
		l.warnDegraded(err)
	}
}

func (l *Limiter) warnDegraded(err error) {
	l.warnOnce.Do(func() {
		l.logger.Warn("domain rate persistence unavailable, continuing in memory", zap.Error(err))
	})
}
