// Package circuitbreaker guards dispatch to remote compute targets (a
// standalone agent, a serverless gateway). While a target's breaker is open
// its partitions fail fast with an InvocationError instead of waiting out a
// transport timeout each.
//
// # State machine
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// The error rate is computed over a sliding window of WindowDuration. All
// methods are safe for concurrent use.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oriys/cumulus/internal/config"
	"github.com/oriys/cumulus/internal/metrics"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls are rejected
	StateHalfOpen              // limited probe calls are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // error percentage that trips the breaker (0-100)
	WindowDuration time.Duration // sliding window for the error rate
	OpenDuration   time.Duration // time spent open before probing
	HalfOpenProbes int           // probe calls allowed while half-open
}

// FromConfig converts the file/env configuration.
func FromConfig(c config.BreakerConfig) Config {
	return Config{
		ErrorPct:       c.ErrorPct,
		WindowDuration: c.Window,
		OpenDuration:   c.OpenDuration,
		HalfOpenProbes: c.HalfOpenProbes,
	}
}

// Enabled reports whether cfg describes a usable breaker.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Breaker is the breaker of one dispatch target.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time // within window
	failures       []time.Time // within window
	openedAt       time.Time
	halfOpenProbes int // probes dispatched since entering half-open
	halfOpenOK     int
	onChange       func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg}
}

// setState must be called under lock.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateHalfOpen {
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return false
		}
		b.setState(StateHalfOpen)
		b.halfOpenProbes++
		return true
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.openedAt = now
		b.setState(StateOpen)
	}
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		b.setState(StateHalfOpen)
	}
	return b.state
}

// maxWindowEntries caps each window slice.
const maxWindowEntries = 10000

// trimWindow must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)
	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 {
		return
	}
	if float64(len(b.failures))/float64(total)*100 >= b.cfg.ErrorPct {
		b.openedAt = now
		b.setState(StateOpen)
	}
}

func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds one breaker per dispatch target and reports their state
// transitions to metrics.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	metrics  *metrics.Metrics
	breakers map[string]*Breaker
}

// NewRegistry creates a registry; m may be nil.
func NewRegistry(cfg Config, m *metrics.Metrics) *Registry {
	return &Registry{
		cfg:      cfg,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for target, or nil when breaking is disabled.
// A nil *Breaker is valid for Do.
func (r *Registry) Get(target string) *Breaker {
	if r == nil || !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[target]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[target]; ok {
		return b
	}
	b = New(r.cfg)
	b.onChange = func(_, to State) {
		r.metrics.SetCircuitBreakerState(target, int(to))
		r.metrics.RecordCircuitBreakerTrip(target, to.String())
	}
	r.metrics.SetCircuitBreakerState(target, int(StateClosed))
	r.breakers[target] = b
	return b
}

// Remove drops the breaker of a decommissioned target.
func (r *Registry) Remove(target string) {
	r.mu.Lock()
	delete(r.breakers, target)
	r.mu.Unlock()
}

// Snapshot maps target to breaker state.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State().String()
	}
	return out
}

// Wrap annotates an ErrOpen rejection with the target name.
func Wrap(target string, err error) error {
	if errors.Is(err, ErrOpen) {
		return fmt.Errorf("%s: %w", target, err)
	}
	return err
}
