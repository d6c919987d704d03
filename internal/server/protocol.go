package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/wolfeidau/simstream/internal/hub"
)

// ErrInvalidMessage is returned for frames that are not a well formed request.
var ErrInvalidMessage = errors.New("invalid message")

// Frame is the wire form of a client request: {"type": "...", "jobId": "..."}.
type Frame struct {
	Type  string `json:"type" validate:"required,max=64"`
	JobID string `json:"jobId" validate:"omitempty,max=128,printascii"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		f := sl.Current().Interface().(Frame)
		if requiresJobID(f.Type) && f.JobID == "" {
			sl.ReportError(f.JobID, "JobID", "jobId", "required", "")
		}
	}, Frame{})
	return v
}

func requiresJobID(msgType string) bool {
	switch msgType {
	case hub.TypeSubscribeJob, hub.TypeUnsubscribeJob, hub.TypeGetJobStatus:
		return true
	}
	return false
}

// DecodeFrame parses and validates one client frame. Unknown types pass through so
// the hub can report them.
func DecodeFrame(data []byte) (hub.Inbound, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return hub.Inbound{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := validate.Struct(f); err != nil {
		return hub.Inbound{Type: f.Type}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return hub.Inbound{Type: f.Type, JobID: f.JobID}, nil
}
