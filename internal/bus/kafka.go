package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/wolfeidau/simstream/internal/models"
	"golang.org/x/sync/errgroup"
)

// KafkaConfig holds the Kafka connection settings.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Partitions and ReplicationFactor are used only when the topic has to be created.
	Partitions        int
	ReplicationFactor int
	MaxWait           time.Duration
	DialTimeout       time.Duration
	// HealthInterval is how often a subscription checks that a broker still answers.
	HealthInterval time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *KafkaConfig) ApplyDefaults() {
	if c.Topic == "" {
		c.Topic = DefaultChannel
	}
	if c.Partitions <= 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
}

// KafkaBus publishes keyed by job id so events for one job share a partition.
// Subscribers read every partition directly without a consumer group, so each
// instance sees every event and nothing is left behind on the brokers.
type KafkaBus struct {
	cfg    KafkaConfig
	origin string
	dialer *kafka.Dialer
	writer *kafka.Writer
}

var _ Bus = (*KafkaBus)(nil)

// NewKafkaBus creates a Kafka-backed bus. Connections are opened lazily.
func NewKafkaBus(cfg KafkaConfig, origin string) (*KafkaBus, error) {
	cfg.ApplyDefaults()
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers list is empty")
	}

	return &KafkaBus{
		cfg:    cfg,
		origin: origin,
		dialer: &kafka.Dialer{Timeout: cfg.DialTimeout},
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
	}, nil
}

// Name implements Bus.
func (b *KafkaBus) Name() string { return "kafka" }

// Publish implements Bus.
func (b *KafkaBus) Publish(ctx context.Context, event models.StatusEvent) error {
	payload, err := Encode(b.origin, event)
	if err != nil {
		return err
	}

	err = b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.JobID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDown, err)
	}
	return nil
}

// dial connects to the first broker that answers and returns its address.
func (b *KafkaBus) dial(ctx context.Context) (*kafka.Conn, string, error) {
	var errs []error
	for _, broker := range b.cfg.Brokers {
		conn, err := b.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return conn, broker, nil
	}
	return nil, "", fmt.Errorf("no reachable kafka broker: %w", errors.Join(errs...))
}

// endOffsets returns the current end offset of every partition of the topic,
// creating the topic when it does not exist yet.
func (b *KafkaBus) endOffsets(ctx context.Context) (map[int]int64, error) {
	conn, broker, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(b.cfg.Topic)
	if (err != nil && errors.Is(err, kafka.UnknownTopicOrPartition)) || (err == nil && len(partitions) == 0) {
		if err := b.createTopic(ctx, conn); err != nil {
			return nil, err
		}
		partitions, err = conn.ReadPartitions(b.cfg.Topic)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions of %s: %w", b.cfg.Topic, err)
	}
	if len(partitions) == 0 {
		return nil, fmt.Errorf("topic %s has no partitions yet", b.cfg.Topic)
	}

	offsets := make(map[int]int64, len(partitions))
	for _, p := range partitions {
		leader, err := b.dialer.DialLeader(ctx, "tcp", broker, b.cfg.Topic, p.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to dial leader of partition %d: %w", p.ID, err)
		}
		offset, err := leader.ReadLastOffset()
		_ = leader.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read end offset of partition %d: %w", p.ID, err)
		}
		offsets[p.ID] = offset
	}
	return offsets, nil
}

func (b *KafkaBus) createTopic(ctx context.Context, conn *kafka.Conn) error {
	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to find kafka controller: %w", err)
	}

	ctrl, err := b.dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             b.cfg.Topic,
		NumPartitions:     b.cfg.Partitions,
		ReplicationFactor: b.cfg.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("failed to create topic %s: %w", b.cfg.Topic, err)
	}

	log.Info().Str("bus", b.Name()).Str("topic", b.cfg.Topic).Int("partitions", b.cfg.Partitions).Msg("Created topic")
	return nil
}

// Subscribe implements Bus. End offsets are resolved before ready is called, so
// any event acknowledged after ready is consumed. The subscription fails when no
// broker answers a health check.
func (b *KafkaBus) Subscribe(ctx context.Context, handler Handler, ready func()) error {
	offsets, err := b.endOffsets(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDown, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for partition, offset := range offsets {
		g.Go(func() error {
			return b.consume(gctx, partition, offset, handler)
		})
	}
	g.Go(func() error {
		return b.watch(gctx)
	})

	log.Info().
		Str("bus", b.Name()).
		Str("topic", b.cfg.Topic).
		Int("partitions", len(offsets)).
		Msg("Consuming status events")
	ready()

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *KafkaBus) consume(ctx context.Context, partition int, offset int64, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   b.cfg.Brokers,
		Topic:     b.cfg.Topic,
		Partition: partition,
		MaxWait:   b.cfg.MaxWait,
		Dialer:    b.dialer,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Debug().Err(err).Str("bus", b.Name()).Int("partition", partition).Msg("Error closing kafka reader")
		}
	}()

	if err := reader.SetOffset(offset); err != nil {
		return fmt.Errorf("%w: failed to position partition %d: %v", ErrDown, partition, err)
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: kafka read failed: %v", ErrDown, err)
		}

		event, origin, err := Decode(msg.Value)
		if err != nil {
			log.Warn().Err(err).Str("bus", b.Name()).Int("partition", partition).Int64("offset", msg.Offset).Msg("Dropping undecodable status event")
			continue
		}

		log.Debug().Str("bus", b.Name()).Str("job_id", event.JobID).Str("origin", origin).Msg("Received status event")
		handler(ctx, event)
	}
}

// watch fails once no broker answers, since partition readers retry silently.
func (b *KafkaBus) watch(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			conn, _, err := b.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("%w: %v", ErrDown, err)
			}
			_ = conn.Close()
		}
	}
}

// Close implements Bus.
func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
