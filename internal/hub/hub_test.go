package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/store/memory"
)

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Bus: bus.NewMemoryBus()})
	require.ErrorContains(t, err, "job store is required")

	_, err = New(Config{Store: memory.NewJobStore()})
	require.ErrorContains(t, err, "bus is required")
}

func TestScenarioB_NotifyReachesJobAndUserTopics(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	b := bus.NewMemoryBus()
	h := newTestHub(t, st, b, time.Hour)
	runHub(t, h)
	require.Eventually(t, h.BusConnected, time.Second, 5*time.Millisecond)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "J1"})

	viewer, dashboard := newFakeSender(), newFakeSender()
	c1 := h.Open(ctx, userU, viewer)
	h.Open(ctx, userU, dashboard)
	require.NoError(t, h.JoinJobTopic(ctx, c1.ID, jobID))

	owner := userU.UserID
	h.NotifyJobStatusChange(ctx, jobID, models.JobStatusRunning, &owner, nil)

	for _, s := range []*fakeSender{viewer, dashboard} {
		require.Eventually(t, func() bool { return s.count(TypeJobUpdate) == 1 }, time.Second, 5*time.Millisecond)
		update := s.ofType(TypeJobUpdate)[0].Payload.(JobUpdatePayload)
		require.Equal(t, models.JobStatusRunning, update.Status)
		require.Equal(t, jobID, update.JobID)
	}

	// self-delivery through the bus only, no second local copy
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, viewer.count(TypeJobUpdate))
}

func TestNotifyCrossInstance(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	shared := bus.NewMemoryBus()

	producer := newTestHub(t, st, shared, time.Hour)
	gateway := newTestHub(t, st, shared, time.Hour)
	runHub(t, producer)
	runHub(t, gateway)
	require.Eventually(t, func() bool { return producer.BusConnected() && gateway.BusConnected() }, time.Second, 5*time.Millisecond)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	conn := gateway.Open(ctx, userU, sender)
	require.NoError(t, gateway.JoinJobTopic(ctx, conn.ID, jobID))

	owner := userU.UserID
	throughput := 120.5
	producer.NotifyJobStatusChange(ctx, jobID, models.JobStatusCompleted, &owner, &models.ResultSummary{TotalThroughput: &throughput})

	require.Eventually(t, func() bool { return sender.count(TypeJobUpdate) == 1 }, time.Second, 5*time.Millisecond)
	update := sender.ofType(TypeJobUpdate)[0].Payload.(JobUpdatePayload)
	require.Equal(t, models.JobStatusCompleted, update.Status)
	require.Equal(t, 120.5, *update.Results.TotalThroughput)
}

func TestNotifyFallsBackToLocalDispatchWhenBusDown(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	b := bus.NewMemoryBus()
	b.SetDown(true)

	h := newTestHub(t, st, b, time.Hour)
	runHub(t, h)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	h.Open(ctx, userU, sender)

	owner := userU.UserID
	h.NotifyJobStatusChange(ctx, jobID, models.JobStatusCancelled, &owner, nil)

	require.Eventually(t, func() bool { return sender.count(TypeJobUpdate) == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, h.BusConnected())
}

func TestLivenessUnderBusFailure(t *testing.T) {
	ctx := context.Background()
	const interval = 100 * time.Millisecond

	st := memory.NewJobStore()
	b := bus.NewMemoryBus()
	b.SetDown(true)

	h := newTestHub(t, st, b, interval)
	runHub(t, h)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, DeclaredDurationSeconds: 60})
	sender := newFakeSender()
	h.Open(ctx, userU, sender)

	// outlast one poll interval before mutating the job
	time.Sleep(interval + interval/2)
	require.NoError(t, st.SetStatus(jobID, models.JobStatusRunning))

	require.Eventually(t, func() bool { return sender.count(TypeJobPollUpdate) >= 1 }, 2*interval+interval/2, 5*time.Millisecond)

	refresh := sender.ofType(TypeJobPollUpdate)[0].Payload.(JobPollUpdatePayload)
	require.Equal(t, jobID, refresh.JobID)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func TestPollerRefreshWithinTwoIntervals(t *testing.T) {
	const interval = 10 * time.Second
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		mutateAt    time.Duration
		failedTicks map[int]bool
		wantTick    int
	}{
		{name: "first scan looks one interval back", mutateAt: interval / 2, wantTick: 1},
		{name: "mutation mid interval", mutateAt: interval + interval/2, wantTick: 2},
		{name: "mutation just after a scan", mutateAt: 2*interval + time.Second, wantTick: 3},
		{name: "failed scan keeps its window", mutateAt: interval + interval/2, failedTicks: map[int]bool{2: true}, wantTick: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			clock := &testClock{now: start.Add(-time.Minute)}
			st := memory.NewJobStore().WithClock(clock.Now)
			m := newTestManager(st)

			jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
			sender := newFakeSender()
			m.Open(ctx, userU, sender)

			p := NewPoller(m, st, interval, func() bool { return false }, clock.Now)

			mutated := false
			refreshedAt := 0
			for tick := 1; tick <= 4; tick++ {
				tickAt := time.Duration(tick) * interval

				st.SetUnavailable(false)
				if !mutated && tt.mutateAt <= tickAt {
					clock.Set(start.Add(tt.mutateAt))
					require.NoError(t, st.SetStatus(jobID, models.JobStatusRunning))
					mutated = true
				}
				st.SetUnavailable(tt.failedTicks[tick])

				clock.Set(start.Add(tickAt))
				p.tick(ctx)

				if refreshedAt == 0 && sender.count(TypeJobPollUpdate) > 0 {
					refreshedAt = tick
				}
			}

			require.Equal(t, tt.wantTick, refreshedAt)
			require.LessOrEqual(t, time.Duration(refreshedAt)*interval-tt.mutateAt, 2*interval)
			require.Equal(t, 1, sender.count(TypeJobPollUpdate), "one refresh per mutation")
		})
	}
}

func TestPollerIdleWhileBusConnected(t *testing.T) {
	ctx := context.Background()
	const interval = 20 * time.Millisecond

	st := memory.NewJobStore()
	h := newTestHub(t, st, bus.NewMemoryBus(), interval)
	runHub(t, h)
	require.Eventually(t, h.BusConnected, time.Second, 5*time.Millisecond)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	h.Open(ctx, userU, sender)
	require.NoError(t, st.SetStatus(jobID, models.JobStatusRunning))

	time.Sleep(5 * interval)
	require.Zero(t, sender.count(TypeJobPollUpdate))
}

func TestPollerSkipsOwnersWithoutConnections(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	mine := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	theirs := st.CreateJob(models.JobDetail{OwnerID: userV.UserID})
	require.NoError(t, st.SetStatus(mine, models.JobStatusRunning))
	require.NoError(t, st.SetStatus(theirs, models.JobStatusRunning))

	sender := newFakeSender()
	m.Open(ctx, userU, sender)

	p := NewPoller(m, st, time.Minute, func() bool { return false }, time.Now)
	p.tick(ctx)

	refreshes := sender.ofType(TypeJobPollUpdate)
	require.Len(t, refreshes, 1)
	require.Equal(t, mine, refreshes[0].Payload.(JobPollUpdatePayload).JobID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, memory.NewJobStore(), bus.NewMemoryBus(), time.Hour)

	h.Open(ctx, userU, newFakeSender())
	h.Open(ctx, userU, newFakeSender())
	c := h.Open(ctx, userV, newFakeSender())

	stats := h.Stats()
	require.Equal(t, 2, stats.ConnectedUsers)
	require.Equal(t, 3, stats.Connections)
	require.Equal(t, "memory", stats.Bus)

	h.Close(ctx, c.ID, "test")
	stats = h.Stats()
	require.Equal(t, 1, stats.ConnectedUsers)
	require.Equal(t, 2, stats.Connections)
}

func TestPollerCatchesUpWhenBusReturns(t *testing.T) {
	ctx := context.Background()
	const interval = 10 * time.Second
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	clock := &testClock{now: start.Add(-time.Minute)}
	st := memory.NewJobStore().WithClock(clock.Now)
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	m.Open(ctx, userU, sender)

	connected := false
	p := NewPoller(m, st, interval, func() bool { return connected }, clock.Now)

	clock.Set(start.Add(interval))
	p.tick(ctx)
	require.Zero(t, sender.count(TypeJobPollUpdate))

	// mutated after the last degraded scan, just before the bus came back
	clock.Set(start.Add(interval + interval/2))
	require.NoError(t, st.SetStatus(jobID, models.JobStatusRunning))
	connected = true

	clock.Set(start.Add(interval + interval/2 + time.Second))
	p.tick(ctx)
	require.Equal(t, 1, sender.count(TypeJobPollUpdate))

	clock.Set(start.Add(3 * interval))
	p.tick(ctx)
	require.Equal(t, 1, sender.count(TypeJobPollUpdate), "idle once the bus is back")
}

func TestPollerWakesOnBusLoss(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	b := bus.NewMemoryBus()

	// the ticker never fires during the test
	h := newTestHub(t, st, b, time.Hour)
	runHub(t, h)
	require.Eventually(t, h.BusConnected, time.Second, 5*time.Millisecond)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	require.NoError(t, st.SetStatus(jobID, models.JobStatusRunning))
	sender := newFakeSender()
	h.Open(ctx, userU, sender)

	b.SetDown(true)
	require.Eventually(t, func() bool { return sender.count(TypeJobPollUpdate) == 1 }, time.Second, 5*time.Millisecond)
}
