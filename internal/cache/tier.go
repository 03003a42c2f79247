package cache

import (
	"context"
	stderr "errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/types"
)

// HealthComponent is the name persistent tiers report under
const HealthComponent = "persistent_cache"

// ErrMiss means the key is absent (or expired) in the tier
var ErrMiss = stderr.New("cache miss")

// Kind classifies a persistent tier failure
type Kind int

const (
	KindDisabled Kind = iota
	KindIO
	KindUnavailable
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindDisabled:
		return "disabled"
	case KindIO:
		return "io"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// TierError is returned by a persistent tier for anything other than a miss.
// Err is a *errors.ProxyError carrying the matching TIER_* code.
type TierError struct {
	Tier string
	Op   string
	Kind Kind
	Err  error
}

func (e *TierError) Error() string {
	return fmt.Sprintf("%s tier %s (%s): %v", e.Tier, e.Op, e.Kind, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// PersistentTier is the second cache level. Get returns ErrMiss for absent
// keys and *TierError for everything else. Once a tier reports itself
// disabled it stays disabled for the life of the process.
type PersistentTier interface {
	Name() string
	Enabled() bool
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
	Clear(ctx context.Context) error
	Close() error
}

// tierState is the Enabled -> Disabled state machine shared by every tier
type tierState struct {
	name     string
	disabled atomic.Bool
	logger   *slog.Logger
	health   types.HealthReporter
	onChange func()
}

func newTierState(name string, logger *slog.Logger, health types.HealthReporter) *tierState {
	return &tierState{
		name:   name,
		logger: logger.With("component", "cache", "tier", name),
		health: health,
	}
}

// Name returns the tier name
func (s *tierState) Name() string {
	return s.name
}

// Enabled reports whether the tier still accepts operations
func (s *tierState) Enabled() bool {
	return !s.disabled.Load()
}

// disable moves the tier to Disabled. Only the first call logs and reports.
func (s *tierState) disable(op string, cause error) bool {
	if !s.disabled.CompareAndSwap(false, true) {
		return false
	}
	s.logger.Warn("persistent cache tier disabled, continuing memory-only", "op", op, "error", cause)
	if s.health != nil {
		s.health.MarkDegraded(HealthComponent, fmt.Sprintf("%s tier disabled: %v", s.name, cause))
	}
	if s.onChange != nil {
		s.onChange()
	}
	return true
}

// fail builds a TierError; hard failures also disable the tier
func (s *tierState) fail(op string, kind Kind, cause error, hard bool) error {
	if hard {
		s.disable(op, cause)
	}
	return &TierError{
		Tier: s.name,
		Op:   op,
		Kind: kind,
		Err:  errors.Wrap(codeFor(kind), fmt.Sprintf("%s %s failed", s.name, op), cause).WithComponent("cache").WithOperation(op),
	}
}

func (s *tierState) disabledErr(op string) error {
	return &TierError{
		Tier: s.name,
		Op:   op,
		Kind: KindDisabled,
		Err:  errors.NewError(errors.ErrCodeTierUnavailable, s.name+" tier disabled").WithComponent("cache").WithOperation(op),
	}
}

func codeFor(kind Kind) errors.ErrorCode {
	switch kind {
	case KindIO:
		return errors.ErrCodeTierIO
	case KindTimeout:
		return errors.ErrCodeOperationTimeout
	default:
		return errors.ErrCodeTierUnavailable
	}
}

// callerGone reports whether err is the caller's own cancellation or deadline,
// which says nothing about the tier's health.
func callerGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded))
}

// disabledTier is the memory-only configuration
type disabledTier struct{}

// NewDisabledTier returns a tier that holds nothing
func NewDisabledTier() PersistentTier { return disabledTier{} }

func (disabledTier) Name() string  { return "none" }
func (disabledTier) Enabled() bool { return false }
func (disabledTier) Get(context.Context, string) ([]byte, error) {
	return nil, ErrMiss
}
func (disabledTier) Set(context.Context, string, []byte) error { return nil }
func (disabledTier) Clear(context.Context) error               { return nil }
func (disabledTier) Close() error                              { return nil }
