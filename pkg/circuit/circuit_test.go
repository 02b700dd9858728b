package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		ResetTimeout:        20 * time.Millisecond,
		FailureWindow:       time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func TestClosedAllowsUntilThreshold(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})

	assert.True(t, m.Allow("A"))
	m.RecordFailure("A")
	m.RecordFailure("A")
	assert.Equal(t, Closed, m.GetState("A"))
	m.RecordFailure("A")
	assert.Equal(t, Open, m.GetState("A"))
	assert.False(t, m.Allow("A"))
}

func TestOpenTransitionsToHalfOpenAfterResetTimeout(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})
	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}
	require.Equal(t, Open, m.GetState("A"))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, m.Allow("A"))
	assert.Equal(t, HalfOpen, m.GetState("A"))
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})
	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, m.Allow("A"))

	m.RecordSuccess("A")
	assert.Equal(t, HalfOpen, m.GetState("A"))
	m.RecordSuccess("A")
	assert.Equal(t, Closed, m.GetState("A"))
}

func TestHalfOpenFailureReopens(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})
	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}
	time.Sleep(30 * time.Millisecond)
	require.True(t, m.Allow("A"))

	m.RecordFailure("A")
	assert.Equal(t, Open, m.GetState("A"))
}

func TestHalfOpenRespectsMaxInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.HalfOpenMaxRequests = 1
	m := NewManager(map[string]Config{"A": cfg})
	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}
	time.Sleep(30 * time.Millisecond)

	assert.True(t, m.Allow("A"))
	assert.False(t, m.Allow("A"))
}

func TestFailureWindowEvictsOldFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureWindow = 30 * time.Millisecond
	m := NewManager(map[string]Config{"A": cfg})

	m.RecordFailure("A")
	m.RecordFailure("A")
	time.Sleep(40 * time.Millisecond)
	m.RecordFailure("A")

	assert.Equal(t, Closed, m.GetState("A"))
}

func TestEventListenerReceivesStateChangeAndSwallowsPanic(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})

	var events []Event
	m.OnEvent(func(ev Event) { panic("boom") })
	m.OnEvent(func(ev Event) { events = append(events, ev) })

	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}

	var sawStateChange bool
	for _, ev := range events {
		if ev.Type == EventStateChange && ev.State == Open {
			sawStateChange = true
		}
	}
	assert.True(t, sawStateChange)
}

func TestResetReturnsToClosed(t *testing.T) {
	m := NewManager(map[string]Config{"A": fastConfig()})
	for i := 0; i < 3; i++ {
		m.RecordFailure("A")
	}
	require.Equal(t, Open, m.GetState("A"))

	m.Reset("A")
	assert.Equal(t, Closed, m.GetState("A"))
	assert.True(t, m.Allow("A"))
}
