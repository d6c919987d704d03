package bus

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
)

// maxNotifyPayload is the PostgreSQL limit on NOTIFY payloads.
const maxNotifyPayload = 8000

// PostgresBus uses LISTEN/NOTIFY on the job store's database.
type PostgresBus struct {
	pool    *pgxpool.Pool
	channel string
	origin  string
}

var _ Bus = (*PostgresBus)(nil)

// NewPostgresBus creates a bus on channel sharing pool with the job store.
func NewPostgresBus(pool *pgxpool.Pool, channel, origin string) *PostgresBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresBus{pool: pool, channel: channel, origin: origin}
}

// Name implements Bus.
func (b *PostgresBus) Name() string { return "postgres" }

// Publish implements Bus.
func (b *PostgresBus) Publish(ctx context.Context, event models.StatusEvent) error {
	payload, err := Encode(b.origin, event)
	if err != nil {
		return err
	}
	if len(payload) > maxNotifyPayload {
		return fmt.Errorf("status event for job %s exceeds notify payload limit (%d bytes)", event.JobID, len(payload))
	}

	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrDown, err)
	}
	return nil
}

// Subscribe implements Bus. The listening connection is taken out of the pool for the
// lifetime of the subscription.
func (b *PostgresBus) Subscribe(ctx context.Context, handler Handler, ready func()) error {
	pooled, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquire listen connection: %v", ErrDown, err)
	}
	conn := pooled.Hijack()
	defer func() {
		_ = conn.Close(context.WithoutCancel(ctx))
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrDown, b.channel, err)
	}

	log.Info().Str("bus", b.Name()).Str("channel", b.channel).Msg("Listening for status events")
	ready()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: wait for notification: %v", ErrDown, err)
		}

		event, origin, err := Decode([]byte(notification.Payload))
		if err != nil {
			log.Warn().Err(err).Str("bus", b.Name()).Msg("Dropping undecodable status event")
			continue
		}

		log.Debug().Str("bus", b.Name()).Str("job_id", event.JobID).Str("origin", origin).Msg("Received status event")
		handler(ctx, event)
	}
}

// Close implements Bus. The pool belongs to the caller.
func (b *PostgresBus) Close() error { return nil }
