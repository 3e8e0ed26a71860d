package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ResyncPassesPayload is the payload of a bulk_resync_passes job.
type ResyncPassesPayload struct {
	ProgramID string `json:"program_id" validate:"required"`
}

// NotificationSentPayload records a composed notification.
type NotificationSentPayload struct {
	ParticipantUUID string `json:"participant_uuid" validate:"required"`
	ProgramID       string `json:"program_id"`
	Rule            Rule   `json:"rule" validate:"required,notification_rule"`
	Message         string `json:"message"`
	EventsMerged    int    `json:"events_merged" validate:"min=1"`
	PointsDelta     *int64 `json:"points_delta,omitempty"`
	NewPoints       *int64 `json:"new_points,omitempty"`
}

// FlushBufferPayload asks the worker to flush one generation of a buffer.
type FlushBufferPayload struct {
	ParticipantUUID string `json:"participant_uuid" validate:"required"`
	Rule            Rule   `json:"rule" validate:"required,notification_rule"`
	Generation      string `json:"generation" validate:"required"`
}

// Key returns the buffer key the flush targets.
func (p FlushBufferPayload) Key() BufferKey {
	return BufferKey{ParticipantUUID: p.ParticipantUUID, Rule: p.Rule}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// notification_rule accepts only rules the composer knows.
	if err := v.RegisterValidation("notification_rule", func(fl validator.FieldLevel) bool {
		return Rule(fl.Field().String()).Valid()
	}); err != nil {
		panic(err)
	}
	return v
}

// payloadShapes maps job types to a constructor of their payload struct.
// Types not listed carry opaque JSON objects.
var payloadShapes = map[string]func() any{
	TypeBulkResyncPasses: func() any { return &ResyncPassesPayload{} },
	TypeNotificationSent: func() any { return &NotificationSentPayload{} },
	TypeFlushBuffer:      func() any { return &FlushBufferPayload{} },
}

// ValidateStruct runs struct tag validation on v.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}

// ValidatePayload checks raw against the registered shape for jobType.
func ValidatePayload(jobType string, raw json.RawMessage) error {
	if jobType == "" {
		return errors.New("job type is required")
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload must be a JSON object")
	}
	shape, ok := payloadShapes[jobType]
	if !ok {
		var obj map[string]any
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return nil
	}
	dst := shape()
	if err := json.Unmarshal(trimmed, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%s payload: %w", jobType, err)
	}
	return nil
}

// DecodePayload unmarshals a job's payload into dst and validates it.
func DecodePayload(job Job, dst any) error {
	if err := json.Unmarshal(job.Payload, dst); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
