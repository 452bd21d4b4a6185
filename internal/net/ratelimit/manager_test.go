package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStartsNormalWithBaseDelay(t *testing.T) {
	m := NewManager(ManagerOptions{BaseDelay: 200 * time.Millisecond})

	assert.Equal(t, StateNormal, m.State())
	assert.Equal(t, 200*time.Millisecond, m.Delay())
}

func TestZeroBaseDelayStaysZeroInNormal(t *testing.T) {
	m := NewManager(ManagerOptions{})
	assert.Equal(t, time.Duration(0), m.Delay())
}

func TestErrorsAdvanceToSlowing(t *testing.T) {
	m := NewManager(ManagerOptions{BaseDelay: time.Second})

	m.RecordError()
	m.RecordError()
	assert.Equal(t, StateNormal, m.State())

	m.RecordError() // hits default threshold of 3
	assert.Equal(t, StateSlowing, m.State())
	assert.Equal(t, 2*time.Second, m.Delay())
}

func TestSustainedErrorsAdvanceToRecovering(t *testing.T) {
	m := NewManager(ManagerOptions{BaseDelay: time.Second})

	for i := 0; i < 6; i++ {
		m.RecordError()
	}
	assert.Equal(t, StateRecovering, m.State())
	assert.Equal(t, 4*time.Second, m.Delay())
}

func TestSlowingDelayDefaultsBaseToOneSecond(t *testing.T) {
	m := NewManager(ManagerOptions{})
	for i := 0; i < 3; i++ {
		m.RecordError()
	}
	assert.Equal(t, 2*time.Second, m.Delay())
}

func TestRecoveryNeedsFiveSuccessesAndQuietPeriod(t *testing.T) {
	m := NewManager(ManagerOptions{RecoveryTime: 20 * time.Millisecond})
	for i := 0; i < 3; i++ {
		m.RecordError()
	}
	assert.Equal(t, StateSlowing, m.State())

	// Successes alone are not enough while the quiet period is running.
	for i := 0; i < 4; i++ {
		m.RecordSuccess()
	}
	assert.Equal(t, StateSlowing, m.State())

	time.Sleep(25 * time.Millisecond)
	m.RecordSuccess()
	assert.Equal(t, StateNormal, m.State())
}

func TestErrorResetsSuccessStreak(t *testing.T) {
	m := NewManager(ManagerOptions{RecoveryTime: time.Millisecond})
	for i := 0; i < 3; i++ {
		m.RecordError()
	}
	for i := 0; i < 4; i++ {
		m.RecordSuccess()
	}
	m.RecordError()
	time.Sleep(5 * time.Millisecond)

	// Streak restarted, so one success after the error cannot recover.
	m.RecordSuccess()
	assert.Equal(t, StateSlowing, m.State())
}
