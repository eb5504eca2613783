package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newScheduler(t *testing.T) *Scheduler {
	s := NewScheduler(zaptest.NewLogger(t).Sugar())
	t.Cleanup(s.Stop)
	return s
}

func TestScheduleFires(t *testing.T) {
	s := newScheduler(t)
	fired := make(chan string, 1)

	s.Schedule("job-1", 10*time.Millisecond, func(ctx context.Context) { fired <- "job-1" })

	due, ok := s.Pending("job-1")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(10*time.Millisecond), due, 50*time.Millisecond)

	select {
	case id := <-fired:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRescheduleReplacesPrevious(t *testing.T) {
	s := newScheduler(t)
	var first, second atomic.Int32

	s.Schedule("job-1", 20*time.Millisecond, func(ctx context.Context) { first.Add(1) })
	s.Schedule("job-1", 40*time.Millisecond, func(ctx context.Context) { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return second.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced action must not run")
}

func TestCancel(t *testing.T) {
	s := newScheduler(t)
	var ran atomic.Bool

	s.Schedule("job-1", 20*time.Millisecond, func(ctx context.Context) { ran.Store(true) })
	s.Cancel("job-1")
	s.Cancel("job-1")
	s.Cancel("never-scheduled")

	_, ok := s.Pending("job-1")
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestNegativeDelayRunsImmediately(t *testing.T) {
	s := newScheduler(t)
	done := make(chan struct{})

	s.Schedule("overdue", -time.Minute, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue action did not run")
	}
}

func TestConcurrentScheduleLastWriteWins(t *testing.T) {
	s := newScheduler(t)
	var runs atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Schedule("job-1", 30*time.Millisecond, func(ctx context.Context) { runs.Add(1) })
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "exactly one of the racing schedules may run")
}

func TestIndependentJobs(t *testing.T) {
	s := newScheduler(t)
	var runs atomic.Int32

	for i := 0; i < 10; i++ {
		s.Schedule(fmt.Sprintf("job-%d", i), 5*time.Millisecond, func(ctx context.Context) { runs.Add(1) })
	}

	assert.Eventually(t, func() bool { return runs.Load() == 10 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopCancelsPendingAndContext(t *testing.T) {
	s := NewScheduler(nil)
	var ran atomic.Bool
	started := make(chan struct{})
	ctxDone := make(chan struct{})

	s.Schedule("long", 0, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(ctxDone)
	})
	s.Schedule("later", time.Hour, func(ctx context.Context) { ran.Store(true) })

	<-started
	s.Stop()

	select {
	case <-ctxDone:
	default:
		t.Fatal("Stop must wait for running actions after cancelling their context")
	}
	assert.Equal(t, 0, s.Len())
	assert.False(t, ran.Load())

	s.Schedule("after-stop", 0, func(ctx context.Context) { ran.Store(true) })
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestPanickingActionIsContained(t *testing.T) {
	s := newScheduler(t)
	done := make(chan struct{})

	s.Schedule("bad", 0, func(ctx context.Context) { panic("boom") })
	s.Schedule("good", 10*time.Millisecond, func(ctx context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler stopped working after a panic")
	}
}
