package cache

import (
	"context"
	stderr "errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixelcache/pixelcache/pkg/errors"
	"github.com/pixelcache/pixelcache/pkg/utils"
)

type fakeHealth struct {
	mu       sync.Mutex
	degraded map[string]string
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{degraded: make(map[string]string)}
}

func (h *fakeHealth) RecordSuccess(string)      {}
func (h *fakeHealth) RecordError(string, error) {}

func (h *fakeHealth) MarkDegraded(component, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.degraded[component] = reason
}

func (h *fakeHealth) reason(component string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.degraded[component]
	return r, ok
}

func testKey(i int) string {
	return DeriveKey(fmt.Sprintf("https://img.example.com/%d.jpg", i), nil, nil, "", nil)
}

func TestTierState_DisableOnce(t *testing.T) {
	health := newFakeHealth()
	s := newTierState("test", utils.DiscardLogger(), health)

	calls := 0
	s.onChange = func() { calls++ }

	assert.True(t, s.Enabled())
	assert.True(t, s.disable("get", stderr.New("boom")))
	assert.False(t, s.disable("get", stderr.New("again")))
	assert.False(t, s.Enabled())
	assert.Equal(t, 1, calls)

	reason, ok := health.reason(HealthComponent)
	require.True(t, ok)
	assert.Contains(t, reason, "boom")
}

func TestTierState_Fail(t *testing.T) {
	s := newTierState("test", utils.DiscardLogger(), nil)

	err := s.fail("get", KindIO, stderr.New("read error"), false)
	assert.True(t, s.Enabled(), "soft failures keep the tier enabled")

	var tierErr *TierError
	require.True(t, stderr.As(err, &tierErr))
	assert.Equal(t, "test", tierErr.Tier)
	assert.Equal(t, KindIO, tierErr.Kind)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTierIO))

	err = s.fail("set", KindUnavailable, stderr.New("down"), true)
	assert.False(t, s.Enabled())
	assert.True(t, errors.HasCode(err, errors.ErrCodeTierUnavailable))

	err = s.disabledErr("get")
	require.True(t, stderr.As(err, &tierErr))
	assert.Equal(t, KindDisabled, tierErr.Kind)
}

func TestCallerGone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, callerGone(ctx, context.Canceled))
	cancel()
	assert.True(t, callerGone(ctx, context.Canceled))
	assert.True(t, callerGone(ctx, fmt.Errorf("dial: %w", context.Canceled)))
	assert.False(t, callerGone(ctx, stderr.New("connection refused")))
}

func TestDisabledTier(t *testing.T) {
	tier := NewDisabledTier()
	ctx := context.Background()

	assert.Equal(t, "none", tier.Name())
	assert.False(t, tier.Enabled())
	_, err := tier.Get(ctx, testKey(1))
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoError(t, tier.Set(ctx, testKey(1), []byte("x")))
	assert.NoError(t, tier.Clear(ctx))
	assert.NoError(t, tier.Close())
}
