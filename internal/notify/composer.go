package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"loyalty-notify/internal/clock"
	"loyalty-notify/internal/mergetag"
	"loyalty-notify/internal/models"
	"loyalty-notify/internal/participants"
	"loyalty-notify/internal/telemetry"
	"loyalty-notify/internal/throttle"
)

// DefaultPointsTemplate is used for points_updated when settings carry no template.
const DefaultPointsTemplate = "Hi {first_name}, your {points_name} changed by {points_delta}. You now have {new_points} {points_name}."

// Lookup resolves the records a message may reference.
type Lookup interface {
	GetParticipant(ctx context.Context, programID, participantUUID string) (*participants.Participant, error)
	GetProgram(ctx context.Context, programID string) (*participants.Program, error)
}

// TagResolver builds and applies merge tags.
type TagResolver interface {
	Resolve(c mergetag.Context) map[string]string
	Substitute(template string, tags map[string]string) string
}

// Recorder persists composed notifications as completed jobs.
type Recorder interface {
	Record(ctx context.Context, jobType string, payload, result any) (models.Job, error)
}

// FlushOutcome describes what a flush produced.
type FlushOutcome struct {
	Throttled bool
	Message   string
	Job       *models.Job
}

// Composer turns a closed buffer into a single recorded notification.
type Composer struct {
	lookup   Lookup
	tags     TagResolver
	recorder Recorder
	throttle throttle.Tracker
	clock    clock.Clock
	logger   *zap.Logger
}

// NewComposer wires a composer. lookup may be nil, in which case templates
// resolve participant tags to empty strings.
func NewComposer(lookup Lookup, tags TagResolver, recorder Recorder, tracker throttle.Tracker, clk clock.Clock, logger *zap.Logger) *Composer {
	if tags == nil {
		tags = mergetag.NewResolver()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		lookup:   lookup,
		tags:     tags,
		recorder: recorder,
		throttle: tracker,
		clock:    clk,
		logger:   logger,
	}
}

// Flush composes and records buf unless the key was notified within the
// throttle window. A throttled flush leaves the last-sent time untouched.
func (c *Composer) Flush(ctx context.Context, buf *models.NotificationBuffer) (FlushOutcome, error) {
	if buf == nil || len(buf.Events) == 0 {
		return FlushOutcome{}, nil
	}
	settings := buf.Settings.WithDefaults()
	now := c.clock.Now()
	log := c.logger.With(
		zap.String("participant_uuid", buf.Key.ParticipantUUID),
		zap.String("rule", string(buf.Key.Rule)),
		zap.Int("events", len(buf.Events)),
	)

	last, ok, err := c.throttle.LastSent(ctx, buf.Key)
	if err != nil {
		// Fail open: a lost throttle record must not swallow the notification.
		log.Warn("throttle lookup failed", zap.Error(err))
		ok = false
	}
	if throttle.Throttled(last, ok, now, settings.Throttle) {
		telemetry.FlushesThrottled.WithLabelValues(string(buf.Key.Rule)).Inc()
		log.Info("notification throttled", zap.Time("last_sent", last))
		return FlushOutcome{Throttled: true}, nil
	}

	payload := models.NotificationSentPayload{
		ParticipantUUID: buf.Key.ParticipantUUID,
		ProgramID:       buf.ProgramID,
		Rule:            buf.Key.Rule,
		EventsMerged:    len(buf.Events),
	}

	switch buf.Key.Rule {
	case models.RulePointsUpdated:
		before, after := pointsRange(buf.Events, settings.PointsDisplay)
		delta := after - before
		payload.PointsDelta = &delta
		payload.NewPoints = &after

		tmpl := settings.Template
		if tmpl == "" {
			tmpl = DefaultPointsTemplate
		}
		tags := c.tags.Resolve(c.tagContext(ctx, buf, map[string]string{
			"points_delta":  signed(delta),
			"new_points":    strconv.FormatInt(after, 10),
			"points_before": strconv.FormatInt(before, 10),
			"events_merged": strconv.Itoa(len(buf.Events)),
		}))
		payload.Message = c.tags.Substitute(tmpl, tags)
	default:
		payload.Message = fmt.Sprintf("You have %d new notification(s)", len(buf.Events))
	}

	job, err := c.recorder.Record(ctx, models.TypeNotificationSent, payload, nil)
	if err != nil {
		return FlushOutcome{}, fmt.Errorf("record notification: %w", err)
	}
	telemetry.NotificationsSent.WithLabelValues(string(buf.Key.Rule)).Inc()

	if err := c.throttle.MarkSent(ctx, buf.Key, now, settings.Throttle); err != nil {
		log.Error("mark sent failed", zap.Error(err))
		return FlushOutcome{Message: payload.Message, Job: &job}, fmt.Errorf("mark sent: %w", err)
	}
	log.Info("notification recorded", zap.String("job_id", job.ID))
	return FlushOutcome{Message: payload.Message, Job: &job}, nil
}

func (c *Composer) tagContext(ctx context.Context, buf *models.NotificationBuffer, extra map[string]string) mergetag.Context {
	mc := mergetag.Context{Extra: extra}
	if c.lookup == nil {
		return mc
	}
	p, err := c.lookup.GetParticipant(ctx, buf.ProgramID, buf.Key.ParticipantUUID)
	if err != nil {
		c.logger.Warn("participant lookup failed", zap.String("participant_uuid", buf.Key.ParticipantUUID), zap.Error(err))
	}
	mc.Participant = p
	pr, err := c.lookup.GetProgram(ctx, buf.ProgramID)
	if err != nil {
		c.logger.Warn("program lookup failed", zap.String("program_id", buf.ProgramID), zap.Error(err))
	}
	mc.Program = pr
	return mc
}

// pointsRange returns the balance before the earliest event and after the
// latest one for the selected display mode.
func pointsRange(events []models.NotificationEvent, display string) (before, after int64) {
	sorted := append([]models.NotificationEvent(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	prefix := "unused_points"
	if display == models.PointsDisplayTotal {
		prefix = "points"
	}
	before = number(sorted[0].Data[prefix+"_before"])
	after = number(sorted[len(sorted)-1].Data[prefix+"_after"])
	return before, after
}

func number(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int64(f)
		}
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func signed(n int64) string {
	if n > 0 {
		return "+" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
