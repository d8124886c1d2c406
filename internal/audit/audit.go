// Package audit records append-only audit events. Recording never blocks or fails
// the calling flow: persistence errors are logged and swallowed.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event types recorded by the service.
const (
	TypeRoleUpgradeRequested = "role_upgrade_requested"
	TypeRoleUpgradeDecided   = "role_upgrade_decided"
	TypeSessionSignedIn      = "session_signed_in"
	TypeSessionSignedOut     = "session_signed_out"
)

// Event is a single audit record.
type Event struct {
	ID         string    `gorm:"column:event_id;primaryKey;size:64;not null"`
	Type       string    `gorm:"column:event_type;size:64;not null;index:idx_audit_user_time,priority:2"`
	Message    string    `gorm:"column:message;type:text;not null;default:''"`
	UserID     string    `gorm:"column:user_id;size:190;index:idx_audit_user_time,priority:1"`
	TargetRole string    `gorm:"column:target_role;size:32"`
	Reason     string    `gorm:"column:reason;type:text"`
	Context    string    `gorm:"column:context;size:190"`
	ExtraJSON  string    `gorm:"column:extra_json;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at;not null;index:idx_audit_user_time,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "audit_events"
}

// Entry is the caller-facing shape of an audit record.
type Entry struct {
	Type       string
	Message    string
	UserID     string
	TargetRole string
	Reason     string
	Context    string
	Extra      map[string]any
}

// Recorder is the audit sink consumed by workflows.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// SinkConfig configures the gorm-backed sink.
type SinkConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Sink persists audit events and mirrors them to the structured log.
type Sink struct {
	db     *gorm.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewSink constructs a sink. A nil database yields a log-only sink.
func NewSink(cfg SinkConfig) *Sink {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sink{db: cfg.Database, logger: logger, now: clock}
}

// Record implements Recorder.
func (s *Sink) Record(ctx context.Context, entry Entry) {
	fields := []zap.Field{
		zap.String("event", entry.Type),
		zap.String("user_id", entry.UserID),
	}
	if entry.TargetRole != "" {
		fields = append(fields, zap.String("target_role", entry.TargetRole))
	}
	if entry.Context != "" {
		fields = append(fields, zap.String("context", entry.Context))
	}
	s.logger.Info(entry.Message, fields...)

	if s.db == nil {
		return
	}
	event, err := s.newEvent(entry)
	if err != nil {
		s.logger.Warn("audit event encode failed", zap.String("event", entry.Type), zap.Error(err))
		return
	}
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logger.Warn("audit event persist failed", zap.String("event", entry.Type), zap.Error(err))
	}
}

// List returns the user's audit events, newest first.
func (s *Sink) List(ctx context.Context, userID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	var events []Event
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (s *Sink) newEvent(entry Entry) (Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Event{}, err
	}
	extra := ""
	if len(entry.Extra) > 0 {
		encoded, err := json.Marshal(entry.Extra)
		if err != nil {
			return Event{}, err
		}
		extra = string(encoded)
	}
	return Event{
		ID:         id.String(),
		Type:       entry.Type,
		Message:    entry.Message,
		UserID:     entry.UserID,
		TargetRole: entry.TargetRole,
		Reason:     entry.Reason,
		Context:    entry.Context,
		ExtraJSON:  extra,
		CreatedAt:  s.now().UTC(),
	}, nil
}
