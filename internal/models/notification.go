package models

import (
	"fmt"
	"time"
)

// Rule is the trigger that produced a notification event.
type Rule string

const (
	RulePointsUpdated Rule = "points_updated"
	RuleRewardEarned  Rule = "reward_earned"
	RuleLocationEnter Rule = "location_enter"
	RuleManual        Rule = "manual"
)

// Valid reports whether r is one of the known rules.
func (r Rule) Valid() bool {
	switch r {
	case RulePointsUpdated, RuleRewardEarned, RuleLocationEnter, RuleManual:
		return true
	}
	return false
}

// Points display modes select which balance a points notification reports.
const (
	PointsDisplayUnused = "unused_points"
	PointsDisplayTotal  = "points"
)

// NotificationEvent is a single domain occurrence to be communicated to a participant.
type NotificationEvent struct {
	ID              string         `json:"id"`
	ProgramID       string         `json:"program_id" validate:"required"`
	ParticipantUUID string         `json:"participant_uuid" validate:"required"`
	Rule            Rule           `json:"rule" validate:"required,notification_rule"`
	Data            map[string]any `json:"data,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// BufferKey identifies the accumulation state for one participant and rule.
type BufferKey struct {
	ParticipantUUID string `json:"participant_uuid"`
	Rule            Rule   `json:"rule"`
}

func (k BufferKey) String() string {
	return fmt.Sprintf("%s:%s", k.ParticipantUUID, k.Rule)
}

// KeyOf returns the buffer key for an event.
func KeyOf(ev NotificationEvent) BufferKey {
	return BufferKey{ParticipantUUID: ev.ParticipantUUID, Rule: ev.Rule}
}

// NotificationSettings are the per-program knobs for merging and throttling.
type NotificationSettings struct {
	MergeWindow   time.Duration `json:"merge_window"`
	Throttle      time.Duration `json:"throttle"`
	PointsDisplay string        `json:"points_display"`
	// Template is the message used for points_updated; empty selects the default.
	Template string `json:"template,omitempty"`
}

// DefaultNotificationSettings mirrors the documented defaults.
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		MergeWindow:   120 * time.Second,
		Throttle:      300 * time.Second,
		PointsDisplay: PointsDisplayUnused,
	}
}

// WithDefaults fills zero fields from DefaultNotificationSettings. A
// negative Throttle disables throttling and is kept as is.
func (s NotificationSettings) WithDefaults() NotificationSettings {
	def := DefaultNotificationSettings()
	if s.MergeWindow <= 0 {
		s.MergeWindow = def.MergeWindow
	}
	if s.Throttle == 0 {
		s.Throttle = def.Throttle
	}
	if s.PointsDisplay == "" {
		s.PointsDisplay = def.PointsDisplay
	}
	return s
}

// NotificationBuffer accumulates events for one key within a merge window.
type NotificationBuffer struct {
	Key             BufferKey            `json:"key"`
	Generation      string               `json:"generation"`
	ProgramID       string               `json:"program_id"`
	Events          []NotificationEvent  `json:"events"`
	MergeWindowEnds time.Time            `json:"merge_window_ends"`
	Settings        NotificationSettings `json:"settings"`
}

// FirstEventTime is the timestamp of the first buffered event.
func (b *NotificationBuffer) FirstEventTime() time.Time {
	if len(b.Events) == 0 {
		return time.Time{}
	}
	return b.Events[0].Timestamp
}

// LastEventTime is the timestamp of the last buffered event.
func (b *NotificationBuffer) LastEventTime() time.Time {
	if len(b.Events) == 0 {
		return time.Time{}
	}
	return b.Events[len(b.Events)-1].Timestamp
}
