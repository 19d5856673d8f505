package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreeConsecutiveFailures(t *testing.T) {
	b := newBreaker(DefaultConfig())

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.NoError(t, b.Allow(), "two failures should not trip the circuit")
	}

	b.RecordFailure()
	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newBreaker(DefaultConfig())

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()

	// The count starts over, so two more failures still leave it closed.
	b.RecordFailure()
	b.RecordFailure()
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_AllowsProbeAfterReset(t *testing.T) {
	b := newBreaker(Config{FailThreshold: 3, Reset: 20 * time.Millisecond})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, b.Allow(), "reset period elapsed, probe should run")

	// A failed probe re-opens immediately, success closes for good.
	b.RecordFailure()
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.NoError(t, b.Allow())
	assert.Equal(t, StateClosed, b.State())
}

func TestRegistry_IsolatesSteps(t *testing.T) {
	reg := NewRegistry(DefaultConfig())

	for i := 0; i < 3; i++ {
		reg.Get("riskSignals").RecordFailure()
	}

	assert.ErrorIs(t, reg.Get("riskSignals").Allow(), ErrCircuitOpen)
	assert.NoError(t, reg.Get("getProfile").Allow())
	assert.Same(t, reg.Get("riskSignals"), reg.Get("riskSignals"))

	stats := reg.Stats()
	require.Len(t, stats, 2)
}
