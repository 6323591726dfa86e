package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/pkg/models"
)

// AuditService records and queries operator and system actions.
// Entries are append-only; nothing in the API mutates or deletes them.
type AuditService interface {
	Start() error
	Stop() error
	Record(ctx context.Context, actor, action, targetType, targetID string, details map[string]interface{}) error
	Query(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error)
}

// Service implements AuditService
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates a new AuditService
func NewService(logger *zap.Logger, db *gorm.DB) (AuditService, error) {
	return &Service{logger: logger, db: db}, nil
}

// Start starts the audit service
func (s *Service) Start() error {
	s.logger.Info("Audit service started")
	return nil
}

// Stop stops the audit service
func (s *Service) Stop() error {
	s.logger.Info("Audit service stopped")
	return nil
}

// Record appends an audit entry. Failures are logged and returned but
// callers treat them as non-fatal so audit problems never block the
// underlying operation.
func (s *Service) Record(ctx context.Context, actor, action, targetType, targetID string, details map[string]interface{}) error {
	var detailsJSON string
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to encode audit details: %w", err)
		}
		detailsJSON = string(raw)
	}

	entry := &models.AuditLog{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    detailsJSON,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		s.logger.Error("Failed to record audit entry",
			zap.String("action", action),
			zap.String("target", targetID),
			zap.Error(err))
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Query returns audit entries matching the filter, newest first
func (s *Service) Query(ctx context.Context, filter *models.AuditFilter) ([]*models.AuditLog, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AuditLog{})

	if filter.Actor != "" {
		query = query.Where("actor = ?", filter.Actor)
	}
	if filter.Action != "" {
		query = query.Where("action = ?", filter.Action)
	}
	if filter.TargetType != "" {
		query = query.Where("target_type = ?", filter.TargetType)
	}
	if filter.TargetID != "" {
		query = query.Where("target_id = ?", filter.TargetID)
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if filter.Until != nil {
		query = query.Where("created_at < ?", filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count audit entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []*models.AuditLog
	if err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}

	return entries, total, nil
}
