package transaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerScheduleCancelPoll(t *testing.T) {
	timer := NewTimer[string]()
	now := time.Now()

	id := timer.TimeoutAt(now, "task1")
	require.Equal(t, uint64(1), id)

	v, ok := timer.Cancel(id)
	require.True(t, ok)
	require.Equal(t, "task1", v)

	_, ok = timer.Cancel(id)
	require.False(t, ok, "cancel after cancel returns nothing")

	timer.TimeoutAt(now, "task2")
	fired := timer.Poll(now.Add(time.Second))
	require.Equal(t, []string{"task2"}, fired)

	timer.TimeoutAt(now.Add(1001*time.Millisecond), "task3")
	fired = timer.Poll(now.Add(time.Second))
	require.Empty(t, fired)
	require.Equal(t, 1, timer.Len())
}

func TestTimerPollOrder(t *testing.T) {
	timer := NewTimer[int]()
	now := time.Now()

	// Same deadline fires FIFO, earlier deadlines first.
	timer.TimeoutAt(now.Add(20*time.Millisecond), 3)
	timer.TimeoutAt(now.Add(10*time.Millisecond), 1)
	timer.TimeoutAt(now.Add(10*time.Millisecond), 2)

	fired := timer.Poll(now.Add(30 * time.Millisecond))
	require.Equal(t, []int{1, 2, 3}, fired)
}

func TestTimerCancelledNeverFires(t *testing.T) {
	timer := NewTimer[int]()
	now := time.Now()

	var scheduled []uint64
	for i := 0; i < 100; i++ {
		scheduled = append(scheduled, timer.TimeoutAt(now.Add(time.Duration(i)*time.Millisecond), i))
	}
	cancelled := map[int]bool{}
	for i := 0; i < 100; i += 3 {
		_, ok := timer.Cancel(scheduled[i])
		require.True(t, ok)
		cancelled[i] = true
	}

	fired := timer.Poll(now.Add(50 * time.Millisecond))
	for _, v := range fired {
		assert.False(t, cancelled[v], "cancelled payload %d fired", v)
		assert.LessOrEqual(t, v, 50)
	}
	// The rest stays queued.
	remaining := timer.Poll(now.Add(time.Hour))
	for _, v := range remaining {
		assert.False(t, cancelled[v], "cancelled payload %d fired late", v)
	}
	require.Equal(t, 0, timer.Len())
}

func TestTimerTimeoutRelative(t *testing.T) {
	timer := NewTimer[string]()
	timer.Timeout(time.Hour, "later")

	require.Empty(t, timer.Poll(time.Now()))
	require.Equal(t, 1, timer.Len())
}
