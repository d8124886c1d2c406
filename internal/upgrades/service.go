package upgrades

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"github.com/MarcoPoloResearchLab/homestead/internal/notify"
	"github.com/MarcoPoloResearchLab/homestead/internal/profiles"
	"github.com/MarcoPoloResearchLab/homestead/internal/realtime"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUnauthorized indicates the caller has no authenticated identity.
	ErrUnauthorized = errors.New("upgrades: authentication required")
	// ErrValidation indicates the submitted form was rejected before any write.
	ErrValidation = errors.New("upgrades: invalid request")
	// ErrWriteFailure indicates the request document could not be written.
	ErrWriteFailure = errors.New("upgrades: write failed")
	// ErrNotFound indicates the user holds no request.
	ErrNotFound = errors.New("upgrades: request not found")
	// ErrNotPending indicates a decision on a request that is no longer pending.
	ErrNotPending = errors.New("upgrades: request is not pending")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opServiceNew = "upgrades.service.new"
	opSubmit     = "upgrades.submit"
	opGet        = "upgrades.get"
	opWatch      = "upgrades.watch"
	opDecide     = "upgrades.decide"
	opList       = "upgrades.list"

	auditContext    = "role-requests"
	defaultPageSize = 100
)

// ServiceError carries an operation.reason code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Feed delivers request changes keyed by user id.
type Feed interface {
	Subscribe(ctx context.Context, key string) (<-chan Change, func())
}

// ServiceConfig describes the collaborators of the workflow.
type ServiceConfig struct {
	Database  *gorm.DB
	Clock     func() time.Time
	Publisher realtime.Publisher[Change]
	Feed      Feed
	Audit     audit.Recorder
	Notifier  notify.Enqueuer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Service runs the upgrade-request workflow.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	publisher realtime.Publisher[Change]
	feed      Feed
	audit     audit.Recorder
	notifier  notify.Enqueuer
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewService validates the configuration and constructs the workflow.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		publisher: cfg.Publisher,
		feed:      cfg.Feed,
		audit:     cfg.Audit,
		notifier:  cfg.Notifier,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

// Submit merge-writes the caller's request with status forced to pending. Nothing
// is written when the caller is anonymous or the form is invalid.
func (s *Service) Submit(ctx context.Context, current *identity.Identity, form Form) (Request, error) {
	if current == nil || !current.Valid() {
		s.metrics.UpgradeRequest("submit", "unauthorized")
		return Request{}, newServiceError(opSubmit, "unauthorized", ErrUnauthorized)
	}
	request, err := s.buildRequest(*current, form)
	if err != nil {
		s.metrics.UpgradeRequest("submit", "invalid")
		return Request{}, err
	}

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"email", "full_name", "target_role", "reason", "status",
			"requested_at", "decided_at", "decided_by", "updated_at",
		}),
	}).Create(&request).Error
	if err != nil {
		s.metrics.UpgradeRequest("submit", "failed")
		s.logger.Error("upgrade request write failed",
			zap.String("user_id", request.UserID),
			zap.Error(err))
		return Request{}, newServiceError(opSubmit, "write_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
	}

	s.metrics.UpgradeRequest("submit", "ok")
	s.record(ctx, audit.Entry{
		Type:       audit.TypeRoleUpgradeRequested,
		Message:    "role upgrade requested",
		UserID:     request.UserID,
		TargetRole: request.TargetRole.String(),
		Reason:     request.Reason,
		Context:    auditContext,
		Extra:      map[string]any{"fullName": request.FullName, "email": request.Email},
	})
	s.publish(request)
	if s.notifier != nil {
		s.notifier.Enqueue(notify.Event{
			Kind:       notify.KindRoleUpgradeRequest,
			DocumentID: request.UserID,
			Fields: map[string]string{
				"userId":     request.UserID,
				"email":      request.Email,
				"fullName":   request.FullName,
				"targetRole": request.TargetRole.String(),
				"reason":     request.Reason,
			},
		})
	}
	return request, nil
}

func (s *Service) buildRequest(current identity.Identity, form Form) (Request, error) {
	reason := strings.TrimSpace(form.Reason)
	if reason == "" {
		return Request{}, newServiceError(opSubmit, "missing_reason", ErrValidation)
	}
	target, err := roles.ParseRole(form.TargetRole)
	if err != nil || !target.Elevated() {
		return Request{}, newServiceError(opSubmit, "invalid_target_role", ErrValidation)
	}
	fullName := strings.TrimSpace(form.FullName)
	if fullName == "" {
		fullName = strings.TrimSpace(current.DisplayName)
	}
	if fullName == "" {
		return Request{}, newServiceError(opSubmit, "missing_full_name", ErrValidation)
	}
	email := strings.TrimSpace(current.Email)
	if email == "" {
		return Request{}, newServiceError(opSubmit, "missing_email", ErrValidation)
	}
	return Request{
		UserID:      strings.TrimSpace(current.ID),
		Email:       email,
		FullName:    fullName,
		TargetRole:  target,
		Reason:      reason,
		Status:      StatusPending,
		RequestedAt: s.clock().UTC(),
	}, nil
}

// Get returns the user's request, reporting false when none exists.
func (s *Service) Get(ctx context.Context, userID string) (Request, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Request{}, false, newServiceError(opGet, "missing_user_id", ErrUnauthorized)
	}
	var request Request
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, newServiceError(opGet, "query_failed", err)
	}
	return request, true, nil
}

// Watch streams the user's request: the current snapshot first, then every change.
// The stream closes when ctx ends or the disposer runs.
func (s *Service) Watch(ctx context.Context, userID string) (<-chan Change, func(), error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, newServiceError(opWatch, "missing_user_id", ErrUnauthorized)
	}
	if s.feed == nil {
		return nil, nil, newServiceError(opWatch, "missing_feed", errors.New("change feed is not configured"))
	}

	watchCtx, cancel := context.WithCancel(ctx)
	changes, unsubscribe := s.feed.Subscribe(watchCtx, userID)

	current, found, err := s.Get(watchCtx, userID)
	if err != nil {
		unsubscribe()
		cancel()
		s.logger.Warn("upgrade request subscription failed", zap.String("user_id", userID), zap.Error(err))
		return nil, nil, newServiceError(opWatch, "snapshot_failed", err)
	}
	snapshot := Change{UserID: userID}
	if found {
		snapshot.Request = &current
	}

	out := make(chan Change, 1)
	out <- snapshot
	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			select {
			case <-watchCtx.Done():
				return
			case change, ok := <-changes:
				if !ok {
					return
				}
				select {
				case out <- change:
				case <-watchCtx.Done():
					return
				}
			}
		}
	}()
	return out, cancel, nil
}

// Decide approves or rejects a pending request. Approval assigns the target role
// to the user's profile in the same transaction.
func (s *Service) Decide(ctx context.Context, userID string, decision Decision) (Request, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Request{}, newServiceError(opDecide, "missing_user_id", ErrValidation)
	}
	decidedBy := strings.TrimSpace(decision.DecidedBy)
	if decidedBy == "" {
		return Request{}, newServiceError(opDecide, "missing_decider", ErrValidation)
	}

	now := s.clock().UTC()
	var decided Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var request Request
		if err := tx.Where("user_id = ?", userID).Take(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return newServiceError(opDecide, "not_found", ErrNotFound)
			}
			return newServiceError(opDecide, "query_failed", err)
		}
		if request.Status != StatusPending {
			return newServiceError(opDecide, "not_pending", ErrNotPending)
		}

		request.Status = StatusRejected
		if decision.Approve {
			request.Status = StatusApproved
		}
		request.DecidedAt = &now
		request.DecidedBy = decidedBy
		if err := tx.Model(&Request{}).Where("user_id = ?", userID).Updates(map[string]any{
			"status":     request.Status,
			"decided_at": now,
			"decided_by": decidedBy,
			"updated_at": now,
		}).Error; err != nil {
			return newServiceError(opDecide, "write_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
		}
		if decision.Approve {
			if err := profiles.AssignRole(tx, userID, request.TargetRole, now); err != nil {
				return newServiceError(opDecide, "assign_role_failed", fmt.Errorf("%w: %v", ErrWriteFailure, err))
			}
		}
		decided = request
		return nil
	})
	if err != nil {
		s.metrics.UpgradeRequest("decide", "failed")
		s.logger.Warn("upgrade request decision failed", zap.String("user_id", userID), zap.Error(err))
		return Request{}, err
	}

	s.metrics.UpgradeRequest("decide", string(decided.Status))
	s.record(ctx, audit.Entry{
		Type:       audit.TypeRoleUpgradeDecided,
		Message:    "role upgrade " + string(decided.Status),
		UserID:     decided.UserID,
		TargetRole: decided.TargetRole.String(),
		Context:    auditContext,
		Extra:      map[string]any{"decidedBy": decidedBy, "status": string(decided.Status)},
	})
	s.publish(decided)
	return decided, nil
}

// List returns requests ordered by submission time, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	query := s.db.WithContext(ctx).Order("requested_at ASC").Limit(limit)
	if status != "" && status != StatusNone {
		query = query.Where("status = ?", status)
	}
	var requests []Request
	if err := query.Find(&requests).Error; err != nil {
		return nil, newServiceError(opList, "query_failed", err)
	}
	return requests, nil
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, entry)
}

func (s *Service) publish(request Request) {
	if s.publisher == nil {
		return
	}
	published := request
	s.publisher.Publish(request.UserID, Change{UserID: request.UserID, Request: &published})
}
