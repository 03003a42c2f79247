// Package circuit guards upstream image origins with per-host circuit breakers.
package circuit

import (
	"context"
	stderr "errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixelcache/pixelcache/pkg/errors"
)

// State represents the breaker state
type State int

const (
	// StateClosed lets fetches through
	StateClosed State = iota
	// StateOpen rejects fetches without contacting the origin
	StateOpen
	// StateHalfOpen lets a limited number of probe fetches through
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state by name in JSON stats output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config contains breaker configuration
type Config struct {
	// Probe fetches allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Window after which closed-state counts reset
	Interval time.Duration `yaml:"interval"`

	// How long the breaker stays open before probing
	Timeout time.Duration `yaml:"timeout"`

	// Minimum requests in a window before the failure ratio is considered
	MinRequests uint32 `yaml:"min_requests"`

	// Failure ratio at which the breaker opens
	FailureRatio float64 `yaml:"failure_ratio"`

	// MaxHosts caps how many per-host breakers Hosts keeps
	MaxHosts int `yaml:"max_hosts"`

	// Healthy breakers unused for this long are dropped by Hosts
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	ReadyToTrip   func(counts Counts) bool                `yaml:"-"`
	OnStateChange func(host string, from State, to State) `yaml:"-"`
	IsSuccessful  func(err error) bool                    `yaml:"-"`
	// OnEvict runs when Hosts drops a host's breaker
	OnEvict func(host string) `yaml:"-"`
}

// DefaultConfig returns the breaker settings used for upstream origins.
func DefaultConfig() Config {
	return Config{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  20,
		FailureRatio: 0.5,
		MaxHosts:     1024,
		IdleTimeout:  10 * time.Minute,
	}
}

// Counts holds request outcomes for the current window
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// ErrOpen is returned when a host's breaker rejects a fetch.
var ErrOpen = errors.NewError(errors.ErrCodeUpstreamUnavailable, "upstream circuit open").
	WithComponent("circuit")

// ErrTooManyProbes is returned when half-open probes are exhausted.
var ErrTooManyProbes = errors.NewError(errors.ErrCodeUpstreamUnavailable, "upstream circuit half-open").
	WithComponent("circuit")

// Breaker implements the circuit breaker pattern for one origin host
type Breaker struct {
	host   string
	config Config
	now    func() time.Time

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time

	// lastUsed is unix nanos of the last Hosts.For hit
	lastUsed atomic.Int64
}

// NewBreaker creates a breaker for host
func NewBreaker(host string, config Config) *Breaker {
	return newBreaker(host, config, time.Now)
}

func newBreaker(host string, config Config, now func() time.Time) *Breaker {
	def := DefaultConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}
	if config.ReadyToTrip == nil {
		minRequests, ratio := config.MinRequests, config.FailureRatio
		config.ReadyToTrip = func(c Counts) bool {
			return c.Requests >= minRequests &&
				float64(c.TotalFailures)/float64(c.Requests) >= ratio
		}
	}
	if config.IsSuccessful == nil {
		config.IsSuccessful = CountsAsSuccess
	}

	return &Breaker{
		host:   host,
		config: config,
		now:    now,
		state:  StateClosed,
		expiry: now().Add(config.Interval),
	}
}

// CountsAsSuccess reports whether err should leave the breaker untouched.
// Only transient upstream failures (network errors, 5xx, timeouts) count
// against a host; a 404 or an undecodable body says nothing about its health.
func CountsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if stderr.Is(err, context.Canceled) {
		return true
	}
	var pe *errors.ProxyError
	if stderr.As(err, &pe) {
		return !pe.Retryable && pe.Code != errors.ErrCodeOperationTimeout
	}
	return false
}

// Execute runs fn if the breaker allows it
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err.WithContext("host", b.host)
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() *errors.ProxyError {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState(b.now())
	if state == StateOpen {
		return copyErr(ErrOpen)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return copyErr(ErrTooManyProbes)
	}

	b.counts.onRequest(b.now())
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state := b.currentState(now)

	if b.config.IsSuccessful(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.config.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Timeout)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.host, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Host returns the origin host this breaker guards
func (b *Breaker) Host() string {
	return b.host
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}

func copyErr(e *errors.ProxyError) *errors.ProxyError {
	return errors.NewError(e.Code, e.Message).WithComponent(e.Component)
}

// Hosts hands out one breaker per upstream host. Hosts come from client
// URLs, so the set is bounded: healthy breakers idle past IdleTimeout are
// dropped, and at MaxHosts the least recently used healthy one makes room.
// Open, half-open and failing breakers are never dropped.
type Hosts struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	now      func() time.Time
}

// NewHosts creates an empty per-host breaker set
func NewHosts(config Config) *Hosts {
	return newHosts(config, time.Now)
}

func newHosts(config Config, now func() time.Time) *Hosts {
	def := DefaultConfig()
	if config.MaxHosts <= 0 {
		config.MaxHosts = def.MaxHosts
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	return &Hosts{
		breakers: make(map[string]*Breaker),
		config:   config,
		now:      now,
	}
}

// For returns the breaker for host, creating it on first use. When every
// slot holds a breaker that must be kept, the returned breaker is not
// retained.
func (h *Hosts) For(host string) *Breaker {
	now := h.now()

	h.mu.RLock()
	b, ok := h.breakers[host]
	h.mu.RUnlock()
	if ok {
		b.lastUsed.Store(now.UnixNano())
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.breakers[host]; ok {
		b.lastUsed.Store(now.UnixNano())
		return b
	}
	b = newBreaker(host, h.config, h.now)
	b.lastUsed.Store(now.UnixNano())

	if len(h.breakers) >= h.config.MaxHosts {
		h.pruneLocked(now)
	}
	if len(h.breakers) < h.config.MaxHosts {
		h.breakers[host] = b
	}
	return b
}

// pruneLocked drops idle healthy breakers, then the least recently used
// healthy one if the set is still full
func (h *Hosts) pruneLocked(now time.Time) {
	var lru *Breaker
	for host, b := range h.breakers {
		if !b.droppable() {
			continue
		}
		if now.Sub(time.Unix(0, b.lastUsed.Load())) > h.config.IdleTimeout {
			h.dropLocked(host)
			continue
		}
		if lru == nil || b.lastUsed.Load() < lru.lastUsed.Load() {
			lru = b
		}
	}
	if len(h.breakers) >= h.config.MaxHosts && lru != nil {
		h.dropLocked(lru.host)
	}
}

func (h *Hosts) dropLocked(host string) {
	delete(h.breakers, host)
	if h.config.OnEvict != nil {
		h.config.OnEvict(host)
	}
}

// droppable reports a closed breaker with no failures in its window
func (b *Breaker) droppable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now()) == StateClosed && b.counts.TotalFailures == 0
}

// HostStats is the snapshot of one host's breaker
type HostStats struct {
	Host   string `json:"host"`
	State  State  `json:"state"`
	Counts Counts `json:"counts"`
}

// Stats returns a snapshot of every breaker, sorted by host
func (h *Hosts) Stats() []HostStats {
	h.mu.RLock()
	breakers := make([]*Breaker, 0, len(h.breakers))
	for _, b := range h.breakers {
		breakers = append(breakers, b)
	}
	h.mu.RUnlock()

	stats := make([]HostStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, HostStats{Host: b.host, State: b.State(), Counts: b.Counts()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Host < stats[j].Host })
	return stats
}

// Open returns the hosts whose breakers are currently open
func (h *Hosts) Open() []string {
	var open []string
	for _, s := range h.Stats() {
		if s.State == StateOpen {
			open = append(open, s.Host)
		}
	}
	return open
}
