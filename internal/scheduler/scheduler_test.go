package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) exec(_ context.Context, job Job) error {
	r.mu.Lock()
	r.order = append(r.order, job.Key)
	r.mu.Unlock()

	return nil
}

func (r *recorder) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitIdle(ctx))
}

func stop(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestSchedulerPriorityOrder(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Workers: 1, Exec: rec.exec})

	for _, job := range []Job{
		{Key: "bg-1", Priority: PriorityBackground},
		{Key: "affected-1", Priority: PriorityAffected},
		{Key: "bg-2", Priority: PriorityBackground},
		{Key: "direct-1", Priority: PriorityDirect},
		{Key: "affected-2", Priority: PriorityAffected},
		{Key: "active-1", Priority: PriorityActive},
	} {
		outcome, err := s.Submit(job)
		require.NoError(t, err)
		assert.Equal(t, Queued, outcome)
	}

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)
	stop(t, s)

	assert.Equal(t, []string{"active-1", "direct-1", "affected-1", "affected-2", "bg-1", "bg-2"}, rec.keys())
}

func TestSchedulerCoalescesQueuedJobs(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Workers: 1, Exec: rec.exec})

	outcome, err := s.Submit(Job{Key: "a", Priority: PriorityBackground, Reason: "full build"})
	require.NoError(t, err)
	assert.Equal(t, Queued, outcome)

	_, err = s.Submit(Job{Key: "b", Priority: PriorityAffected})
	require.NoError(t, err)

	outcome, err = s.Submit(Job{Key: "a", Priority: PriorityDirect, Reason: "edited"})
	require.NoError(t, err)
	assert.Equal(t, Coalesced, outcome)
	assert.Equal(t, 2, s.Pending())

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)
	stop(t, s)

	// the merged job keeps the higher priority
	assert.Equal(t, []string{"a", "b"}, rec.keys())

	snap := s.Metrics().GetSnapshot()
	assert.Equal(t, int64(3), snap.Submitted)
	assert.Equal(t, int64(1), snap.Coalesced)
	assert.Equal(t, int64(2), snap.Succeeded)
}

func TestSchedulerActivePageJumpsQueue(t *testing.T) {
	rec := &recorder{}
	s := New(Config{
		Workers: 1,
		Exec:    rec.exec,
		Resolver: func(permalink string) (string, bool) {
			if permalink == "/b/" {
				return "content/b.html", true
			}

			return "", false
		},
	})

	_, err := s.Submit(Job{Key: "content/a.html", Permalink: "/a/", Priority: PriorityDirect})
	require.NoError(t, err)
	_, err = s.Submit(Job{Key: "content/b.html", Permalink: "/b/", Priority: PriorityBackground})
	require.NoError(t, err)

	s.SetActivePage("/b/")

	_, err = s.Submit(Job{Key: "content/c.html", Permalink: "/c/", Priority: PriorityDirect})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)

	assert.Equal(t, []string{"content/b.html", "content/a.html", "content/c.html"}, rec.keys())

	s.UnsetActivePage("/b/")
	stop(t, s)
}

func TestSchedulerActivePageAppliesToLaterSubmissions(t *testing.T) {
	rec := &recorder{}
	s := New(Config{Workers: 1, Exec: rec.exec})

	s.SetActivePage("/b/")

	_, err := s.Submit(Job{Key: "a", Permalink: "/a/", Priority: PriorityDirect})
	require.NoError(t, err)
	_, err = s.Submit(Job{Key: "b", Permalink: "/b/", Priority: PriorityBackground})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)
	stop(t, s)

	assert.Equal(t, []string{"b", "a"}, rec.keys())
}

func TestSchedulerSingleRerunWhileRunning(t *testing.T) {
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	var calls atomic.Int32

	s := New(Config{
		Workers: 4,
		Exec: func(ctx context.Context, job Job) error {
			if calls.Add(1) == 1 {
				started <- struct{}{}
				<-release
			}

			return nil
		},
	})
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Submit(Job{Key: "page"})
	require.NoError(t, err)
	<-started

	for i := 0; i < 5; i++ {
		outcome, err := s.Submit(Job{Key: "page", Reason: fmt.Sprintf("edit %d", i)})
		require.NoError(t, err)
		assert.Equal(t, Rerun, outcome)
	}

	close(release)
	waitIdle(t, s)
	stop(t, s)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), s.Metrics().GetSnapshot().Reruns)
}

func TestSchedulerConcurrentSubmissionsSamePage(t *testing.T) {
	const n = 50

	var (
		state     atomic.Int64
		inFlight  atomic.Int32
		maxFlight atomic.Int32
		calls     atomic.Int32
		lastSeen  atomic.Int64
	)

	s := New(Config{
		Workers: 8,
		Exec: func(ctx context.Context, job Job) error {
			cur := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				prev := maxFlight.Load()
				if cur <= prev || maxFlight.CompareAndSwap(prev, cur) {
					break
				}
			}
			calls.Add(1)
			snapshot := state.Load()
			time.Sleep(time.Millisecond)
			lastSeen.Store(snapshot)

			return nil
		},
	})
	require.NoError(t, s.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state.Add(1)
			_, err := s.Submit(Job{Key: "page", Priority: PriorityDirect})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	waitIdle(t, s)
	stop(t, s)

	assert.Equal(t, int32(1), maxFlight.Load(), "a page must never compile twice at once")
	assert.LessOrEqual(t, calls.Load(), int32(n+1))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, int64(n), lastSeen.Load(), "final compile must observe the last state")
}

func TestSchedulerFailureDoesNotBlockOtherJobs(t *testing.T) {
	rec := &recorder{}
	s := New(Config{
		Workers: 1,
		Exec: func(ctx context.Context, job Job) error {
			if job.Key == "bad" {
				return errors.New("syntax error")
			}

			return rec.exec(ctx, job)
		},
	})

	_, err := s.Submit(Job{Key: "bad", Priority: PriorityActive})
	require.NoError(t, err)
	_, err = s.Submit(Job{Key: "good"})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)
	stop(t, s)

	assert.Equal(t, []string{"good"}, rec.keys())
	snap := s.Metrics().GetSnapshot()
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Succeeded)
	assert.InDelta(t, 50.0, s.Metrics().GetSuccessRate(), 0.001)
}

func TestSchedulerRecoversPanics(t *testing.T) {
	var good atomic.Bool
	s := New(Config{
		Workers: 1,
		Exec: func(ctx context.Context, job Job) error {
			if job.Key == "panics" {
				panic("boom")
			}
			good.Store(true)

			return nil
		},
	})

	_, err := s.Submit(Job{Key: "panics", Priority: PriorityDirect})
	require.NoError(t, err)
	_, err = s.Submit(Job{Key: "fine"})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	waitIdle(t, s)
	stop(t, s)

	assert.True(t, good.Load())
	assert.Equal(t, int64(1), s.Metrics().GetSnapshot().Failed)
}

func TestSchedulerLifecycleErrors(t *testing.T) {
	s := New(Config{Workers: 2})

	_, err := s.Submit(Job{})
	assert.ErrorIs(t, err, ErrInvalidJob)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerStarted)

	stop(t, s)

	_, err = s.Submit(Job{Key: "late"})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerClosed)
}

func TestSchedulerWaitIdleHonoursContext(t *testing.T) {
	release := make(chan struct{})
	s := New(Config{
		Workers: 1,
		Exec: func(ctx context.Context, job Job) error {
			<-release

			return nil
		},
	})
	require.NoError(t, s.Start(context.Background()))

	_, err := s.Submit(Job{Key: "slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIdle(ctx), context.DeadlineExceeded)

	close(release)
	waitIdle(t, s)
	stop(t, s)
}

func TestPriorityString(t *testing.T) {
	assert.Equal(t, "active", PriorityActive.String())
	assert.Equal(t, "background", PriorityBackground.String())
	assert.Equal(t, "priority(9)", Priority(9).String())
	assert.Equal(t, "rerun", Rerun.String())
}
