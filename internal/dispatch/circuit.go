package dispatch

import (
	"sync"
	"time"
)

// CircuitConfig tunes the per-account breaker.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// ResetAfter forgets failures older than this.
	ResetAfter time.Duration
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.TripFailures <= 0 {
		c.TripFailures = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 15 * time.Minute
	}
	return c
}

// circuitState tracks consecutive transient failures of one account.
// Once failures reach the trip count the circuit opens for an exponentially
// growing cool-down; a success closes it.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuits struct {
	mu  sync.Mutex
	cfg CircuitConfig
	m   map[string]*circuitState
}

func newCircuits(cfg CircuitConfig) *circuits {
	return &circuits{cfg: cfg.withDefaults(), m: map[string]*circuitState{}}
}

// getLocked returns the state for account. The caller holds mu.
func (c *circuits) getLocked(now time.Time, account string) *circuitState {
	st := c.m[account]
	if st == nil {
		st = &circuitState{}
		c.m[account] = st
	}
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > c.cfg.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
	return st
}

func (c *circuits) isOpen(now time.Time, account string) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.getLocked(now, account)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// success closes the circuit.
func (c *circuits) success(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, account)
}

// failure counts a transient failure and reports whether the circuit is now open.
func (c *circuits) failure(now time.Time, account string) (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.getLocked(now, account)
	st.fails++
	st.lastFailure = now
	if st.fails < c.cfg.TripFailures {
		return false, time.Time{}
	}

	pow := st.fails - c.cfg.TripFailures
	d := c.cfg.BaseDelay
	for i := 0; i < pow; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			d = c.cfg.MaxDelay
			break
		}
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	st.openUntil = now.Add(d)
	return true, st.openUntil
}
