package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/client"
	"github.com/wolfeidau/simstream/internal/hub"
)

type MonitorCmd struct {
	Server string   `help:"Channel URL" default:"ws://localhost:8080/ws" env:"SIMSTREAM_SERVER"`
	Token  string   `help:"Bearer credential, see the token command" required:"" env:"SIMSTREAM_TOKEN"`
	JobIDs []string `arg:"" optional:"" help:"Jobs to subscribe to"`
	Active bool     `help:"Request the active job list on connect"`
	JSON   bool     `help:"Print raw pushes as JSON lines"`
}

func (m *MonitorCmd) Run(ctx context.Context, globals *Globals) error {
	c, err := client.Dial(ctx, client.Config{
		ServerURL:        m.Server,
		Token:            m.Token,
		HandshakeTimeout: client.DefaultConfig().HandshakeTimeout,
	})
	if err != nil {
		return err
	}

	// Next blocks on the socket, closing it is the only way to interrupt a read
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	for _, jobID := range m.JobIDs {
		if err := c.Subscribe(jobID); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", jobID, err)
		}
	}
	if m.Active {
		if err := c.GetActiveJobs(); err != nil {
			return fmt.Errorf("failed to request active jobs: %w", err)
		}
	}

	err = monitor(ctx, c, os.Stdout, m.JSON)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "Monitoring finished")
		return nil
	}
	return err
}

type pushSource interface {
	Next() (client.Message, error)
	GetJobStatus(jobID string) error
}

// monitor prints pushes until the channel closes.
func monitor(ctx context.Context, src pushSource, w io.Writer, raw bool) error {
	view := client.NewJobView()
	enc := json.NewEncoder(w)

	for {
		msg, err := src.Next()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		if raw {
			if err := enc.Encode(msg); err != nil {
				return err
			}
			continue
		}

		switch msg.Type {
		case hub.TypeConnected:
			var p hub.ConnectedPayload
			if err := msg.Decode(&p); err == nil {
				fmt.Fprintf(w, "connected as user %d (%s)\n", p.UserID, p.ConnectionID)
			}

		case hub.TypeActiveJobs:
			var p hub.ActiveJobsPayload
			if err := msg.Decode(&p); err != nil {
				return err
			}
			fmt.Fprintf(w, "%d active jobs\n", p.Count)
			for _, j := range p.Jobs {
				printState(w, client.JobState{JobID: j.ID, Name: j.Name, Status: j.Status, Progress: j.Progress})
			}

		case hub.TypeJobPollUpdate:
			// degraded server, ask for a fresh snapshot
			var p hub.JobPollUpdatePayload
			if err := msg.Decode(&p); err == nil {
				if err := src.GetJobStatus(p.JobID); err != nil {
					return err
				}
			}

		case hub.TypeError:
			var p hub.ErrorPayload
			if err := msg.Decode(&p); err == nil {
				fmt.Fprintf(w, "error: %s [%s %s]\n", p.Message, p.Context, p.JobID)
			}

		default:
			jobID, changed, err := view.Apply(msg)
			if err != nil {
				log.Warn().Err(err).Str("type", msg.Type).Msg("Ignoring undecodable push")
				continue
			}
			if changed {
				state, _ := view.Get(jobID)
				printState(w, state)
			}
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return nil
		}
	}
}
