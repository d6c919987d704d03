package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/snapshot"
	"github.com/wolfeidau/simstream/internal/store"
	"github.com/wolfeidau/simstream/internal/store/memory"
)

var (
	userU = models.Identity{UserID: 10, Email: "u@example.com"}
	userV = models.Identity{UserID: 20, Email: "v@example.com"}
)

func newTestManager(st store.JobStore) *Manager {
	return NewManager(st, snapshot.NewBuilder(st, snapshot.Config{}))
}

// blockingStore holds GetJobDetail until release is closed.
type blockingStore struct {
	*memory.JobStore
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) GetJobDetail(ctx context.Context, jobID string) (*models.JobDetail, error) {
	close(s.entered)
	<-s.release
	return s.JobStore.GetJobDetail(ctx, jobID)
}

// unavailableDetailStore answers ownership lookups but fails snapshot reads.
type unavailableDetailStore struct {
	*memory.JobStore
}

func (s *unavailableDetailStore) GetJobDetail(context.Context, string) (*models.JobDetail, error) {
	return nil, store.ErrUnavailable
}

func TestJoinKeepsMembershipWhenSnapshotFails(t *testing.T) {
	ctx := context.Background()
	st := &unavailableDetailStore{JobStore: memory.NewJobStore()}
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "J1"})
	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)

	m.Handle(ctx, conn.ID, Inbound{Type: TypeSubscribeJob, JobID: jobID})

	require.True(t, m.Registry().IsMember(conn.ID, models.JobTopic(jobID)))
	require.Equal(t, []string{TypeConnected, TypeJobSubscribed, TypeError}, sender.types())

	failure := sender.ofType(TypeError)[0].Payload.(ErrorPayload)
	require.Equal(t, "service unavailable", failure.Message)
	require.Equal(t, TypeGetJobStatus, failure.Context)
	require.Equal(t, jobID, failure.JobID)
}

func TestManagerOpen(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(memory.NewJobStore())

	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)

	require.NotEmpty(t, conn.ID)
	require.True(t, m.Registry().IsMember(conn.ID, models.UserTopic(userU.UserID)))

	connected := sender.ofType(TypeConnected)
	require.Len(t, connected, 1)
	payload := connected[0].Payload.(ConnectedPayload)
	require.Equal(t, userU.UserID, payload.UserID)
	require.Equal(t, conn.ID, payload.ConnectionID)
}

func TestScenarioA_JoinOwnedQueuedJob(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "J1", DeclaredDurationSeconds: 60})

	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)

	closeRequested := m.Handle(ctx, conn.ID, Inbound{Type: TypeSubscribeJob, JobID: jobID})
	require.False(t, closeRequested)

	require.Equal(t, []string{TypeConnected, TypeJobSubscribed, TypeJobStatusUpdate}, sender.types())

	subscribed := sender.ofType(TypeJobSubscribed)[0].Payload.(JobSubscribedPayload)
	require.Equal(t, jobID, subscribed.JobID)
	require.Equal(t, "J1", subscribed.JobName)
	require.Equal(t, models.JobStatusQueued, subscribed.CurrentStatus)

	snap := sender.ofType(TypeJobStatusUpdate)[0].Payload.(*models.Snapshot)
	require.Equal(t, 0, snap.Progress)
	require.Equal(t, models.JobStatusQueued, snap.Status)

	require.True(t, m.Registry().IsMember(conn.ID, models.JobTopic(jobID)))
}

func TestScenarioC_JoinForeignJob(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "J1"})

	sender := newFakeSender()
	conn := m.Open(ctx, userV, sender)

	m.Handle(ctx, conn.ID, Inbound{Type: TypeSubscribeJob, JobID: jobID})

	errs := sender.ofType(TypeError)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(ErrorPayload)
	require.Equal(t, "access denied", payload.Message)
	require.Equal(t, TypeSubscribeJob, payload.Context)
	require.Equal(t, jobID, payload.JobID)

	require.False(t, m.Registry().IsMember(conn.ID, models.JobTopic(jobID)))
	require.Zero(t, sender.count(TypeJobSubscribed))
	require.Zero(t, sender.count(TypeJobStatusUpdate))
}

func TestJoinOwnershipProperty(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	owners := []int64{1, 2, 3}
	var jobs []string
	for _, owner := range owners {
		jobs = append(jobs, st.CreateJob(models.JobDetail{OwnerID: owner}))
	}

	for _, user := range owners {
		conn := m.Open(ctx, models.Identity{UserID: user}, newFakeSender())
		for i, jobID := range jobs {
			err := m.JoinJobTopic(ctx, conn.ID, jobID)
			member := m.Registry().IsMember(conn.ID, models.JobTopic(jobID))
			if owners[i] == user {
				require.NoError(t, err)
				require.True(t, member)
			} else {
				require.ErrorIs(t, err, snapshot.ErrForbidden)
				require.False(t, member)
			}
		}
	}
}

func TestManagerErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		setup   func(st *memory.JobStore) Inbound
		message string
	}{
		{
			name:    "unknown job",
			setup:   func(*memory.JobStore) Inbound { return Inbound{Type: TypeSubscribeJob, JobID: "missing"} },
			message: "job not found",
		},
		{
			name:    "status of unknown job",
			setup:   func(*memory.JobStore) Inbound { return Inbound{Type: TypeGetJobStatus, JobID: "missing"} },
			message: "job not found",
		},
		{
			name: "store unavailable",
			setup: func(st *memory.JobStore) Inbound {
				st.SetUnavailable(true)
				return Inbound{Type: TypeGetActiveJobs}
			},
			message: "service unavailable",
		},
		{
			name:    "unknown type",
			setup:   func(*memory.JobStore) Inbound { return Inbound{Type: "reticulate-splines"} },
			message: "unknown message type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := memory.NewJobStore()
			m := newTestManager(st)
			sender := newFakeSender()
			conn := m.Open(ctx, userU, sender)

			m.Handle(ctx, conn.ID, tt.setup(st))

			errs := sender.ofType(TypeError)
			require.Len(t, errs, 1)
			require.Equal(t, tt.message, errs[0].Payload.(ErrorPayload).Message)

			_, stillOpen := m.Registry().Get(conn.ID)
			require.True(t, stillOpen, "errors never close the connection")
		})
	}
}

func TestUnsubscribeTwice(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)
	require.NoError(t, m.JoinJobTopic(ctx, conn.ID, jobID))

	m.Handle(ctx, conn.ID, Inbound{Type: TypeUnsubscribeJob, JobID: jobID})
	require.False(t, m.Registry().IsMember(conn.ID, models.JobTopic(jobID)))

	m.Handle(ctx, conn.ID, Inbound{Type: TypeUnsubscribeJob, JobID: jobID})
	require.Zero(t, sender.count(TypeError))
	require.True(t, m.Registry().IsMember(conn.ID, models.UserTopic(userU.UserID)))
}

func TestActiveJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	running := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "running", DeclaredDurationSeconds: 3600})
	require.NoError(t, st.SetStatus(running, models.JobStatusRunning))
	st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "queued"})
	done := st.CreateJob(models.JobDetail{OwnerID: userU.UserID, Name: "done"})
	require.NoError(t, st.SetStatus(done, models.JobStatusCompleted))
	st.CreateJob(models.JobDetail{OwnerID: userV.UserID, Name: "other"})

	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)
	m.Handle(ctx, conn.ID, Inbound{Type: TypeGetActiveJobs})

	pushes := sender.ofType(TypeActiveJobs)
	require.Len(t, pushes, 1)
	payload := pushes[0].Payload.(ActiveJobsPayload)
	require.Equal(t, 2, payload.Count)
	require.Len(t, payload.Jobs, 2)
}

func TestScenarioD_LastConnectionCloses(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	first, second := newFakeSender(), newFakeSender()
	c1 := m.Open(ctx, userU, first)
	c2 := m.Open(ctx, userU, second)
	require.NoError(t, m.JoinJobTopic(ctx, c1.ID, jobID))

	m.Close(ctx, c1.ID, "client closed")
	require.True(t, first.isClosed())
	require.True(t, m.Registry().IsConnected(userU.UserID))

	m.Close(ctx, c2.ID, "client closed")
	require.False(t, m.Registry().IsConnected(userU.UserID))

	owner := userU.UserID
	m.Dispatch(ctx, models.StatusEvent{JobID: jobID, OwnerID: &owner, Status: models.JobStatusRunning})
	require.Zero(t, first.count(TypeJobUpdate))
	require.Zero(t, second.count(TypeJobUpdate))
	require.Empty(t, m.Registry().Members(models.JobTopic(jobID), models.UserTopic(owner)))

	// closing again is a no-op
	m.Close(ctx, c2.ID, "client closed")
}

func TestLogout(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(memory.NewJobStore())
	conn := m.Open(ctx, userU, newFakeSender())

	require.True(t, m.Handle(ctx, conn.ID, Inbound{Type: TypeLogout}))
}

func TestDispatchDeduplicatesAndSkipsFullBuffers(t *testing.T) {
	ctx := context.Background()
	st := memory.NewJobStore()
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})

	viewer := newFakeSender()
	dashboard := newFakeSender()
	slow := &fakeSender{limit: 1} // the connected message fills it

	c1 := m.Open(ctx, userU, viewer)
	m.Open(ctx, userU, dashboard)
	c3 := m.Open(ctx, userU, slow)
	require.NoError(t, m.JoinJobTopic(ctx, c1.ID, jobID))
	m.Registry().Join(c3.ID, models.JobTopic(jobID))

	owner := userU.UserID
	progress := 40
	m.Dispatch(ctx, models.StatusEvent{JobID: jobID, OwnerID: &owner, Status: models.JobStatusRunning, Progress: &progress})

	require.Equal(t, 1, viewer.count(TypeJobUpdate))
	require.Equal(t, 1, dashboard.count(TypeJobUpdate))
	require.Zero(t, slow.count(TypeJobUpdate))

	update := viewer.ofType(TypeJobUpdate)[0].Payload.(JobUpdatePayload)
	require.Equal(t, models.JobStatusRunning, update.Status)
	require.Equal(t, 40, *update.Progress)

	// without an owner only the job topic receives it
	m.Dispatch(ctx, models.StatusEvent{JobID: jobID, Status: models.JobStatusCompleted})
	require.Equal(t, 2, viewer.count(TypeJobUpdate))
	require.Equal(t, 1, dashboard.count(TypeJobUpdate))
}

func TestInFlightSnapshotDiscardedAfterClose(t *testing.T) {
	ctx := context.Background()
	st := &blockingStore{
		JobStore: memory.NewJobStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	m := newTestManager(st)

	jobID := st.CreateJob(models.JobDetail{OwnerID: userU.UserID})
	sender := newFakeSender()
	conn := m.Open(ctx, userU, sender)

	done := make(chan error, 1)
	go func() { done <- m.SendJobStatus(ctx, conn.ID, jobID) }()

	<-st.entered
	m.Close(ctx, conn.ID, "client closed")
	close(st.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("snapshot build did not finish")
	}
	require.Zero(t, sender.count(TypeJobStatusUpdate))
}
