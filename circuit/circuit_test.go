package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreaker_Allow_ClosedByDefault(t *testing.T) {
	b := NewBreaker(3, time.Minute, 30*time.Second, nil)
	d := b.Allow("example.com", "", time.Now())
	assert.True(t, d.Allowed)
	assert.Equal(t, StateClosed, d.State)
}

func TestBreaker_RecordFailure_TripsOpenAtThreshold(t *testing.T) {
	b := NewBreaker(2, time.Minute, 30*time.Second, nil)
	now := time.Now()

	assert.Equal(t, StateClosed, b.RecordFailure("example.com", "", now))
	assert.Equal(t, StateOpen, b.RecordFailure("example.com", "", now.Add(time.Second)))

	d := b.Allow("example.com", "", now.Add(2*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, StateOpen, d.State)
}

func TestBreaker_Allow_TransitionsToHalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Second, nil)
	now := time.Now()
	b.RecordFailure("example.com", "", now)

	d := b.Allow("example.com", "", now.Add(20*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, StateHalfOpen, d.State)
}

func TestBreaker_RecordSuccess_ClosesHalfOpenCircuit(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Second, nil)
	now := time.Now()
	b.RecordFailure("example.com", "", now)
	b.Allow("example.com", "", now.Add(20*time.Second))

	state := b.RecordSuccess("example.com", "")
	assert.Equal(t, StateClosed, state)

	d := b.Allow("example.com", "", now.Add(21*time.Second))
	assert.True(t, d.Allowed)
	assert.Equal(t, StateClosed, d.State)
}

func TestBreaker_RecordFailure_ReTripsFailedHalfOpenProbe(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Second, nil)
	now := time.Now()
	b.RecordFailure("example.com", "", now)
	b.Allow("example.com", "", now.Add(20*time.Second))

	state := b.RecordFailure("example.com", "", now.Add(21*time.Second))
	assert.Equal(t, StateOpen, state)
}

func TestBreaker_KeysAreScopedPerTenant(t *testing.T) {
	b := NewBreaker(1, time.Minute, 10*time.Second, nil)
	now := time.Now()
	b.RecordFailure("example.com", "tenant-a", now)

	d := b.Allow("example.com", "tenant-b", now)
	assert.True(t, d.Allowed)
	assert.Equal(t, StateClosed, d.State)
}

func TestHealthMonitor_Evaluate_DegradesWithOpenCircuits(t *testing.T) {
	hm := HealthMonitor{}
	snapshot := map[string]DomainSnapshot{
		"a.com": {State: StateOpen},
		"b.com": {State: StateClosed},
	}
	health := hm.Evaluate(3, snapshot)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.OpenCircuits)
	assert.Equal(t, 3, health.ActiveSessions)
}

func TestHealthMonitor_Evaluate_UnhealthyPastFiveOpenCircuits(t *testing.T) {
	hm := HealthMonitor{}
	snapshot := make(map[string]DomainSnapshot)
	for i := 0; i < 6; i++ {
		snapshot[string(rune('a'+i))] = DomainSnapshot{State: StateOpen}
	}
	health := hm.Evaluate(0, snapshot)
	assert.Equal(t, "unhealthy", health.Status)
}
