package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is the authenticated principal bound to a connection. It is decided once
// when the channel is opened and passed explicitly to every later call.
type Identity struct {
	UserID int64
	Email  string // logging only
}

// TopicKey names a multiplexing group, either "user:<id>" or "job:<id>".
type TopicKey string

const (
	userTopicPrefix = "user:"
	jobTopicPrefix  = "job:"
)

// UserTopic returns the implicit topic every connection of an identity joins.
func UserTopic(userID int64) TopicKey {
	return TopicKey(userTopicPrefix + strconv.FormatInt(userID, 10))
}

// JobTopic returns the topic for a single job.
func JobTopic(jobID string) TopicKey {
	return TopicKey(jobTopicPrefix + jobID)
}

// IsUser returns true for "user:" topics.
func (t TopicKey) IsUser() bool {
	return strings.HasPrefix(string(t), userTopicPrefix)
}

// IsJob returns true for "job:" topics.
func (t TopicKey) IsJob() bool {
	return strings.HasPrefix(string(t), jobTopicPrefix)
}

// ParseTopic validates a topic key received from outside the process.
func ParseTopic(s string) (TopicKey, error) {
	switch {
	case strings.HasPrefix(s, userTopicPrefix):
		if _, err := strconv.ParseInt(strings.TrimPrefix(s, userTopicPrefix), 10, 64); err != nil {
			return "", fmt.Errorf("invalid user topic %q: %w", s, err)
		}
	case strings.HasPrefix(s, jobTopicPrefix):
		if strings.TrimPrefix(s, jobTopicPrefix) == "" {
			return "", fmt.Errorf("invalid job topic %q", s)
		}
	default:
		return "", fmt.Errorf("unknown topic %q", s)
	}
	return TopicKey(s), nil
}
