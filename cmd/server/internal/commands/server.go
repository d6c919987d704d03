package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/simstream/internal/auth"
	"github.com/wolfeidau/simstream/internal/bus"
	"github.com/wolfeidau/simstream/internal/hub"
	"github.com/wolfeidau/simstream/internal/logger"
	"github.com/wolfeidau/simstream/internal/server"
	"github.com/wolfeidau/simstream/internal/snapshot"
	"github.com/wolfeidau/simstream/internal/store"
	memorystore "github.com/wolfeidau/simstream/internal/store/memory"
	postgresstore "github.com/wolfeidau/simstream/internal/store/postgres"
	"github.com/wolfeidau/simstream/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

type ServerCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"SIMSTREAM_LISTEN"`
	Cert   string `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"SIMSTREAM_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"SIMSTREAM_TLS_KEY"`

	CORSOrigins []string `help:"allowed origins for browser channels" default:"*" env:"SIMSTREAM_CORS_ORIGINS"`

	// Channel authentication
	JWTSecret string `help:"shared secret used to verify channel credentials" env:"SIMSTREAM_JWT_SECRET"`

	Tracing          bool    `help:"enable tracing" default:"false" env:"SIMSTREAM_TRACING"`
	TraceSampleRatio float64 `help:"fraction of traces to sample" default:"1" env:"SIMSTREAM_TRACE_SAMPLE_RATIO"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"SIMSTREAM_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	// Bus configuration
	BusType    string     `help:"fan-out bus (memory, postgres, nats or kafka)" default:"memory" env:"SIMSTREAM_BUS_TYPE" enum:"memory,postgres,nats,kafka"`
	BusChannel string     `help:"bus channel, subject or topic" default:"job-updates" env:"SIMSTREAM_BUS_CHANNEL"`
	Nats       NatsFlags  `embed:"" prefix:"nats-"`
	Kafka      KafkaFlags `embed:"" prefix:"kafka-"`

	Hub     HubFlags     `embed:""`
	Channel ChannelFlags `embed:"" prefix:"channel-"`
}

type PostgresStoreFlags struct {
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`
	QueryTimeout    time.Duration `help:"timeout applied to every store query" default:"5s"`

	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"SIMSTREAM_POSTGRES_AUTO_MIGRATE"`
}

type NatsFlags struct {
	URL           string        `help:"NATS server URL" default:"nats://127.0.0.1:4222" env:"SIMSTREAM_NATS_URL"`
	ReconnectWait time.Duration `help:"wait between NATS reconnect attempts" default:"2s"`
}

type KafkaFlags struct {
	Brokers        []string      `help:"Kafka broker addresses" env:"SIMSTREAM_KAFKA_BROKERS"`
	Partitions     int           `help:"partitions used when creating the topic" default:"1"`
	HealthInterval time.Duration `help:"interval between broker health checks" default:"5s"`
}

type HubFlags struct {
	PollInterval time.Duration `help:"degraded poll interval while the bus is down" default:"10s" env:"SIMSTREAM_POLL_INTERVAL"`
	LogLimit     int           `help:"recent logs included in a snapshot" default:"5"`
	MetricLimit  int           `help:"metrics included in a completed job snapshot" default:"20"`
	PublishQueue int           `help:"producer events buffered while publishing" default:"1024"`
}

type ChannelFlags struct {
	SendBuffer   int     `help:"pushes buffered per connection before dropping" default:"64"`
	MessageRate  float64 `help:"client requests per second per connection" default:"20"`
	MessageBurst int     `help:"client request burst per connection" default:"40"`
}

// Validate is called by kong after parsing and refuses start on bad configuration.
func (c *ServerCmd) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("channel secret is required (--jwt-secret or SIMSTREAM_JWT_SECRET)")
	}
	if c.StoreType == "postgres" && c.PostgresStore.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if c.BusType == "postgres" && c.StoreType != "postgres" {
		return errors.New("the postgres bus shares the store's database and requires --store-type=postgres")
	}
	if c.BusType == "kafka" && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka brokers are required (--kafka-brokers or SIMSTREAM_KAFKA_BROKERS)")
	}
	if (c.Cert == "") != (c.Key == "") {
		return errors.New("TLS needs both --cert and --key")
	}
	return nil
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// identifies this instance on the bus and in telemetry
	instanceID := uuid.Must(uuid.NewV7()).String()

	if c.Tracing {
		log.Info().Float64("sample_ratio", c.TraceSampleRatio).Msg("Tracing is enabled")
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			Version:     globals.Version,
			InstanceID:  instanceID,
			BusType:     c.BusType,
			StoreType:   c.StoreType,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	var (
		pool     *pgxpool.Pool
		jobStore store.JobStore
		err      error
	)

	switch c.StoreType {
	case "postgres":
		pool, err = postgresstore.NewPool(ctx, &postgresstore.PoolConfig{
			ConnString:      c.PostgresStore.ConnString,
			MaxConns:        c.PostgresStore.MaxConns,
			MinConns:        c.PostgresStore.MinConns,
			MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
			MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to create connection pool: %w", err)
		}
		defer pool.Close()

		jobStore, err = postgresstore.NewJobStore(ctx, pool, &postgresstore.JobStoreConfig{
			QueryTimeout: c.PostgresStore.QueryTimeout,
			AutoMigrate:  c.PostgresStore.AutoMigrate,
		})
		if err != nil {
			return fmt.Errorf("failed to create job store: %w", err)
		}
		log.Info().Msg("Using PostgreSQL job store")

	default:
		jobStore = memorystore.NewJobStore()
		log.Info().Msg("Using in-memory job store")
	}

	// Start job store if it supports Start()
	if startable, ok := jobStore.(interface{ Start() error }); ok {
		if err = startable.Start(); err != nil {
			return err
		}
		defer func() {
			if stoppable, ok := jobStore.(interface{ Stop() error }); ok {
				if err := stoppable.Stop(); err != nil {
					log.Error().Err(err).Msg("Failed to stop job store")
				}
			}
		}()
	}

	if err := jobStore.Ping(ctx); err != nil {
		return fmt.Errorf("job store is unreachable: %w", err)
	}

	fanout, err := c.newBus(pool, instanceID)
	if err != nil {
		return fmt.Errorf("failed to create %s bus: %w", c.BusType, err)
	}
	defer func() {
		if err := fanout.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close bus")
		}
	}()

	h, err := hub.New(hub.Config{
		Store: jobStore,
		Bus:   fanout,
		Snapshot: snapshot.Config{
			LogLimit:    c.Hub.LogLimit,
			MetricLimit: c.Hub.MetricLimit,
		},
		PollInterval: c.Hub.PollInterval,
		PublishQueue: c.Hub.PublishQueue,
	})
	if err != nil {
		return err
	}

	srv := server.NewServer(server.Config{
		Hub:  h,
		Auth: auth.NewAuthenticator(c.JWTSecret),
		Channel: server.ChannelConfig{
			SendBuffer:   c.Channel.SendBuffer,
			MessageRate:  c.Channel.MessageRate,
			MessageBurst: c.Channel.MessageBurst,
		},
		CORSOrigins: c.CORSOrigins,
		Tracing:     c.Tracing,
	})

	g, gctx := errgroup.WithContext(ctx)

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log))
	// channels end with the group, Shutdown does not close hijacked connections
	httpServer.BaseContext = func(net.Listener) context.Context { return gctx }

	g.Go(func() error {
		return h.Run(gctx)
	})

	g.Go(func() error {
		var err error
		if c.Cert != "" {
			log.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
			err = httpServer.ListenAndServeTLS(c.Cert, c.Key)
		} else {
			log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// newBus builds the configured bus. Only construction errors are returned: an
// unreachable broker leaves the server running degraded.
func (c *ServerCmd) newBus(pool *pgxpool.Pool, origin string) (bus.Bus, error) {
	switch c.BusType {
	case "postgres":
		return bus.NewPostgresBus(pool, c.BusChannel, origin), nil
	case "nats":
		return bus.NewNatsBus(bus.NatsConfig{
			ServerURI:     c.Nats.URL,
			Subject:       c.BusChannel,
			ReconnectWait: c.Nats.ReconnectWait,
		}, origin)
	case "kafka":
		return bus.NewKafkaBus(bus.KafkaConfig{
			Brokers:        c.Kafka.Brokers,
			Topic:          c.BusChannel,
			Partitions:     c.Kafka.Partitions,
			HealthInterval: c.Kafka.HealthInterval,
		}, origin)
	default:
		return bus.NewMemoryBus(), nil
	}
}
