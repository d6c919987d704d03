package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
	"github.com/wolfeidau/simstream/internal/snapshot"
	"github.com/wolfeidau/simstream/internal/store"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrConnectionClosed is returned when an operation targets a connection that has
// already been closed.
var ErrConnectionClosed = errors.New("connection closed")

var errUnknownMessage = errors.New("unknown message type")

// Manager drives the connection lifecycle and is the only writer of the registry.
type Manager struct {
	registry  *Registry
	store     store.JobStore
	snapshots *snapshot.Builder
}

// NewManager creates a connection manager.
func NewManager(st store.JobStore, snapshots *snapshot.Builder) *Manager {
	return &Manager{
		registry:  NewRegistry(),
		store:     st,
		snapshots: snapshots,
	}
}

// Registry exposes membership queries.
func (m *Manager) Registry() *Registry { return m.registry }

// Open registers an authenticated connection, joins its user topic and pushes the
// connected message.
func (m *Manager) Open(ctx context.Context, identity models.Identity, sender Sender) *Connection {
	conn := &Connection{
		ID:       uuid.Must(uuid.NewV7()).String(),
		Identity: identity,
		OpenedAt: m.snapshots.Now(),
		sender:   sender,
	}

	first := m.registry.Add(conn)

	metrics := telemetry.GetMetrics()
	metrics.ActiveConnections.Add(ctx, 1)
	if first {
		metrics.ConnectedUsers.Add(ctx, 1)
	}

	log.Info().
		Str("conn_id", conn.ID).
		Int64("user_id", identity.UserID).
		Str("email", identity.Email).
		Msg("Connection opened")

	m.sendTo(ctx, conn.ID, Message{
		Type: TypeConnected,
		Payload: ConnectedPayload{
			Message:      "WebSocket connected successfully",
			UserID:       identity.UserID,
			Email:        identity.Email,
			ConnectionID: conn.ID,
			Timestamp:    conn.OpenedAt,
		},
	})

	return conn
}

// Close removes every membership of the connection and stops its sender. Closing an
// unknown or already closed connection is a no-op.
func (m *Manager) Close(ctx context.Context, connID string, reason string) {
	conn, last := m.registry.Remove(connID)
	if conn == nil {
		return
	}
	conn.sender.Close()

	metrics := telemetry.GetMetrics()
	metrics.ActiveConnections.Add(ctx, -1)
	if last {
		metrics.ConnectedUsers.Add(ctx, -1)
	}

	log.Info().
		Str("conn_id", connID).
		Int64("user_id", conn.Identity.UserID).
		Str("email", conn.Identity.Email).
		Str("reason", reason).
		Dur("duration", time.Since(conn.OpenedAt)).
		Msg("Connection closed")
}

// JoinJobTopic verifies ownership, adds the membership and pushes job-subscribed
// followed by a snapshot to this connection only. Once the membership is added the
// join succeeds even if the snapshot cannot be built.
func (m *Manager) JoinJobTopic(ctx context.Context, connID, jobID string) error {
	conn, ok := m.registry.Get(connID)
	if !ok {
		return ErrConnectionClosed
	}

	own, err := m.store.GetJobOwnerAndStatus(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to look up job owner: %w", err)
	}
	if own.OwnerID != conn.Identity.UserID {
		log.Warn().
			Str("conn_id", connID).
			Int64("user_id", conn.Identity.UserID).
			Str("job_id", jobID).
			Msg("Rejected subscription to job owned by another user")
		return snapshot.ErrForbidden
	}

	topic := models.JobTopic(jobID)
	if !m.registry.Join(connID, topic) {
		return ErrConnectionClosed
	}

	log.Info().
		Str("conn_id", connID).
		Int64("user_id", conn.Identity.UserID).
		Str("topic", string(topic)).
		Msg("Joined job topic")

	m.sendTo(ctx, connID, Message{
		Type: TypeJobSubscribed,
		Payload: JobSubscribedPayload{
			JobID:         jobID,
			JobName:       own.Name,
			CurrentStatus: own.Status,
			Timestamp:     m.snapshots.Now(),
		},
	})

	// the membership stands, so a failed snapshot is reported as a failed status read
	if err := m.SendJobStatus(ctx, connID, jobID); err != nil && !errors.Is(err, ErrConnectionClosed) {
		log.Warn().
			Err(err).
			Str("conn_id", connID).
			Str("job_id", jobID).
			Msg("Snapshot after subscribe failed")
		m.sendTo(ctx, connID, errorMessage(clientError(err), TypeGetJobStatus, jobID))
	}
	return nil
}

// LeaveJobTopic removes the membership. Leaving a topic that was never joined is
// not an error.
func (m *Manager) LeaveJobTopic(connID, jobID string) {
	topic := models.JobTopic(jobID)
	if m.registry.Leave(connID, topic) {
		log.Info().Str("conn_id", connID).Str("topic", string(topic)).Msg("Left job topic")
	}
}

// SendJobStatus builds a fresh snapshot and pushes it to one connection. A
// connection closed while the snapshot was being built is skipped.
func (m *Manager) SendJobStatus(ctx context.Context, connID, jobID string) error {
	conn, ok := m.registry.Get(connID)
	if !ok {
		return ErrConnectionClosed
	}

	snap, err := m.snapshots.Build(ctx, jobID, conn.Identity)
	if err != nil {
		return err
	}

	m.sendTo(ctx, connID, Message{Type: TypeJobStatusUpdate, Payload: snap})
	return nil
}

// SendActiveJobs pushes the identity's queued and running jobs to one connection.
func (m *Manager) SendActiveJobs(ctx context.Context, connID string) error {
	conn, ok := m.registry.Get(connID)
	if !ok {
		return ErrConnectionClosed
	}

	jobs, err := m.snapshots.ActiveJobs(ctx, conn.Identity)
	if err != nil {
		return err
	}

	m.sendTo(ctx, connID, Message{
		Type: TypeActiveJobs,
		Payload: ActiveJobsPayload{
			Jobs:      jobs,
			Count:     len(jobs),
			Timestamp: m.snapshots.Now(),
		},
	})
	return nil
}

// Handle runs one client request. Failures are pushed to the connection as error
// messages. It returns true when the client asked to close the channel.
func (m *Manager) Handle(ctx context.Context, connID string, in Inbound) bool {
	ctx, span := telemetry.Tracer().Start(ctx, "channel."+in.Type, trace.WithAttributes(
		attribute.String("conn_id", connID),
		attribute.String("job_id", in.JobID),
	))
	defer span.End()

	var err error

	switch in.Type {
	case TypeSubscribeJob:
		err = m.JoinJobTopic(ctx, connID, in.JobID)
	case TypeUnsubscribeJob:
		m.LeaveJobTopic(connID, in.JobID)
	case TypeGetJobStatus:
		err = m.SendJobStatus(ctx, connID, in.JobID)
	case TypeGetActiveJobs:
		err = m.SendActiveJobs(ctx, connID)
	case TypeLogout:
		return true
	default:
		err = fmt.Errorf("%w %q", errUnknownMessage, in.Type)
	}

	if err != nil && !errors.Is(err, ErrConnectionClosed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, clientError(err))
		log.Warn().
			Err(err).
			Str("conn_id", connID).
			Str("type", in.Type).
			Str("job_id", in.JobID).
			Msg("Client request failed")
		m.sendTo(ctx, connID, errorMessage(clientError(err), in.Type, in.JobID))
	}

	return false
}

// SendError pushes an error to one connection, for failures the transport detects
// before a request reaches Handle.
func (m *Manager) SendError(ctx context.Context, connID, message, requestType string) {
	m.sendTo(ctx, connID, errorMessage(message, requestType, ""))
}

// clientError maps internal failures onto the messages clients see.
func clientError(err error) string {
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		return "job not found"
	case errors.Is(err, snapshot.ErrForbidden):
		return "access denied"
	case errors.Is(err, store.ErrUnavailable):
		return "service unavailable"
	case errors.Is(err, errUnknownMessage):
		return "unknown message type"
	default:
		return "request failed"
	}
}
