package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_StartsAtGivenTime(t *testing.T) {
	c := NewFakeClock(DefaultStart)
	assert.Equal(t, DefaultStart, c.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	c := NewFakeClock(DefaultStart)
	c.Advance(90 * time.Second)
	assert.Equal(t, DefaultStart.Add(90*time.Second), c.Now())
}

func TestFakeClock_SleepAdvancesAndRecords(t *testing.T) {
	c := NewFakeClock(DefaultStart)

	assert.NoError(t, c.Sleep(context.Background(), time.Second))
	assert.NoError(t, c.Sleep(context.Background(), 2*time.Second))

	assert.Equal(t, DefaultStart.Add(3*time.Second), c.Now())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, c.Sleeps())
}

func TestFakeClock_SleepHonoursCancelledContext(t *testing.T) {
	c := NewFakeClock(DefaultStart)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, c.Sleep(ctx, time.Second), context.Canceled)
	assert.Equal(t, DefaultStart, c.Now())
	assert.Empty(t, c.Sleeps())
}

func TestFakeClock_ConcurrentAdvance(t *testing.T) {
	c := NewFakeClock(DefaultStart)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultStart.Add(50*time.Millisecond), c.Now())
}
