package bus

import (
	"encoding/json"
	"fmt"

	"github.com/wolfeidau/simstream/internal/models"
)

const envelopeVersion = 1

// envelope is the wire form of a status event on every backend.
type envelope struct {
	Version int                `json:"v"`
	Origin  string             `json:"origin,omitempty"`
	Topics  []models.TopicKey  `json:"topics"`
	Event   models.StatusEvent `json:"event"`
}

// Encode serialises an event with its routing topics.
func Encode(origin string, event models.StatusEvent) ([]byte, error) {
	data, err := json.Marshal(envelope{
		Version: envelopeVersion,
		Origin:  origin,
		Topics:  event.Topics(),
		Event:   event,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status event: %w", err)
	}
	return data, nil
}

// Decode parses a payload produced by Encode and returns the event and the
// instance that published it.
func Decode(data []byte) (models.StatusEvent, string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.StatusEvent{}, "", fmt.Errorf("failed to decode status event: %w", err)
	}
	if env.Version != envelopeVersion {
		return models.StatusEvent{}, "", fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Event.JobID == "" {
		return models.StatusEvent{}, "", fmt.Errorf("status event missing job id")
	}
	if !env.Event.Status.Valid() {
		return models.StatusEvent{}, "", fmt.Errorf("status event has unknown status %q", env.Event.Status)
	}
	if err := checkTopics(env); err != nil {
		return models.StatusEvent{}, "", err
	}
	return env.Event, env.Origin, nil
}

// checkTopics rejects envelopes whose routing topics disagree with the event.
func checkTopics(env envelope) error {
	var job, user bool
	for _, raw := range env.Topics {
		topic, err := models.ParseTopic(string(raw))
		if err != nil {
			return fmt.Errorf("status event routing: %w", err)
		}
		switch {
		case topic.IsJob():
			if topic != models.JobTopic(env.Event.JobID) {
				return fmt.Errorf("status event routing: %s does not match job %s", topic, env.Event.JobID)
			}
			job = true
		case topic.IsUser():
			if env.Event.OwnerID == nil || topic != models.UserTopic(*env.Event.OwnerID) {
				return fmt.Errorf("status event routing: %s does not match the event owner", topic)
			}
			user = true
		}
	}
	if !job {
		return fmt.Errorf("status event routing: missing job topic")
	}
	if env.Event.OwnerID != nil && !user {
		return fmt.Errorf("status event routing: missing user topic")
	}
	return nil
}
