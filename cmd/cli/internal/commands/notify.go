package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/models"
	postgresstore "github.com/wolfeidau/simstream/internal/store/postgres"
)

// NotifyCmd publishes a status event onto a shared bus, as a producer process would.
type NotifyCmd struct {
	JobID  string `arg:"" help:"Job id"`
	Status string `arg:"" help:"New status" enum:"queued,running,completed,failed,cancelled"`

	OwnerID    int64    `help:"Owner user id, also routes the event to the owner's other connections"`
	Progress   *int     `help:"Progress percentage"`
	Message    string   `help:"Status message"`
	Throughput *float64 `help:"Result total throughput"`
	Latency    *float64 `help:"Result average latency"`

	BusType      string        `help:"bus (postgres, nats or kafka)" default:"postgres" env:"SIMSTREAM_BUS_TYPE" enum:"postgres,nats,kafka"`
	BusChannel   string        `help:"bus channel, subject or topic" default:"job-updates" env:"SIMSTREAM_BUS_CHANNEL"`
	ConnString   string        `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	NatsURL      string        `help:"NATS server URL" default:"nats://127.0.0.1:4222" env:"SIMSTREAM_NATS_URL"`
	KafkaBrokers []string      `help:"Kafka broker addresses" env:"SIMSTREAM_KAFKA_BROKERS"`
	Timeout      time.Duration `help:"publish timeout" default:"10s"`
}

func (n *NotifyCmd) Validate() error {
	if n.Progress != nil && (*n.Progress < 0 || *n.Progress > 100) {
		return errors.New("progress must be between 0 and 100")
	}
	return nil
}

func (n *NotifyCmd) event() models.StatusEvent {
	event := models.StatusEvent{
		JobID:     n.JobID,
		Status:    models.JobStatus(n.Status),
		Progress:  n.Progress,
		Message:   n.Message,
		EmittedAt: time.Now(),
	}
	if n.OwnerID > 0 {
		owner := n.OwnerID
		event.OwnerID = &owner
	}
	if n.Throughput != nil || n.Latency != nil {
		event.Result = &models.ResultSummary{TotalThroughput: n.Throughput, AverageLatency: n.Latency}
	}
	return event
}

func (n *NotifyCmd) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.Timeout)
	defer cancel()

	origin := "cli-" + uuid.Must(uuid.NewV7()).String()

	var (
		b   bus.Bus
		err error
	)
	switch n.BusType {
	case "nats":
		b, err = bus.NewNatsBus(bus.NatsConfig{ServerURI: n.NatsURL, Subject: n.BusChannel, MaxReconnectAttempt: 1}, origin)
	case "kafka":
		b, err = bus.NewKafkaBus(bus.KafkaConfig{Brokers: n.KafkaBrokers, Topic: n.BusChannel}, origin)
	default:
		pool, perr := postgresstore.NewPool(ctx, &postgresstore.PoolConfig{ConnString: n.ConnString, MaxConns: 1, MinConns: 1})
		if perr != nil {
			return perr
		}
		defer pool.Close()
		b = bus.NewPostgresBus(pool, n.BusChannel, origin)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s bus: %w", n.BusType, err)
	}

	return n.publish(ctx, b, os.Stdout)
}

// publish sends the event and closes b.
func (n *NotifyCmd) publish(ctx context.Context, b bus.Bus, w io.Writer) error {
	defer func() {
		if err := b.Close(); err != nil {
			log.Error().Err(err).Str("bus", b.Name()).Msg("Failed to close bus")
		}
	}()

	event := n.event()
	if err := b.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}

	fmt.Fprintf(w, "published %s %s to %s %q\n", event.JobID, event.Status, b.Name(), n.BusChannel)
	return nil
}
