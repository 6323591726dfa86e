package compliance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/pkg/models"
)

// ComplianceService manages the transfer-review queue gating regulated orders.
type ComplianceService interface {
	Start() error
	Stop() error

	ListPending(ctx context.Context) ([]*models.ComplianceTransfer, error)
	Approve(ctx context.Context, transferID uuid.UUID, reviewer, note string) error
	Reject(ctx context.Context, transferID uuid.UUID, reviewer, note string) error
}

// Service implements ComplianceService
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ordersSvc orders.OrderService
	auditSvc  audit.AuditService
}

// NewService creates a new ComplianceService
func NewService(logger *zap.Logger, db *gorm.DB, ordersSvc orders.OrderService, auditSvc audit.AuditService) (ComplianceService, error) {
	return &Service{
		logger:    logger,
		db:        db,
		ordersSvc: ordersSvc,
		auditSvc:  auditSvc,
	}, nil
}

// Start starts the compliance service
func (s *Service) Start() error {
	s.logger.Info("Compliance service started")
	return nil
}

// Stop stops the compliance service
func (s *Service) Stop() error {
	s.logger.Info("Compliance service stopped")
	return nil
}

// ListPending returns the review queue, oldest first. A transfer row is
// created lazily for any gated order that does not have one yet, so
// orders created before the reviewer opened the queue still show up.
func (s *Service) ListPending(ctx context.Context) ([]*models.ComplianceTransfer, error) {
	var gated []*models.Order
	if err := s.db.WithContext(ctx).
		Where("compliance_required = ? AND compliance_status = ?", true, models.ComplianceStatusPending).
		Find(&gated).Error; err != nil {
		return nil, fmt.Errorf("failed to load gated orders: %w", err)
	}
	for _, o := range gated {
		if err := s.ensureTransfer(ctx, o); err != nil {
			return nil, err
		}
	}

	var transfers []*models.ComplianceTransfer
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.ComplianceStatusPending).
		Order("created_at ASC").
		Find(&transfers).Error; err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// Approve clears a transfer and unblocks its order for shipment
func (s *Service) Approve(ctx context.Context, transferID uuid.UUID, reviewer, note string) error {
	transfer, err := s.loadPending(ctx, transferID)
	if err != nil {
		return err
	}
	if err := s.decide(ctx, transfer, models.ComplianceStatusApproved, reviewer, note); err != nil {
		return err
	}
	if err := s.ordersSvc.ApproveCompliance(ctx, transfer.OrderID, reviewer); err != nil {
		return fmt.Errorf("transfer approved but order update failed: %w", err)
	}
	s.record(ctx, reviewer, "compliance.approved", transfer, note)
	return nil
}

// Reject denies a transfer, which cancels and refunds the gated order
func (s *Service) Reject(ctx context.Context, transferID uuid.UUID, reviewer, note string) error {
	transfer, err := s.loadPending(ctx, transferID)
	if err != nil {
		return err
	}
	if err := s.decide(ctx, transfer, models.ComplianceStatusRejected, reviewer, note); err != nil {
		return err
	}
	if err := s.ordersSvc.RejectCompliance(ctx, transfer.OrderID, reviewer); err != nil {
		return fmt.Errorf("transfer rejected but order update failed: %w", err)
	}
	s.record(ctx, reviewer, "compliance.rejected", transfer, note)
	return nil
}

func (s *Service) ensureTransfer(ctx context.Context, order *models.Order) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.ComplianceTransfer{}).
		Where("order_id = ?", order.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check transfer: %w", err)
	}
	if count > 0 {
		return nil
	}
	transfer := &models.ComplianceTransfer{
		ID:           uuid.New(),
		OrderID:      order.ID,
		DocumentType: "transfer_of_ownership",
		Status:       models.ComplianceStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(transfer).Error; err != nil {
		return fmt.Errorf("failed to create transfer: %w", err)
	}
	return nil
}

func (s *Service) loadPending(ctx context.Context, transferID uuid.UUID) (*models.ComplianceTransfer, error) {
	var transfer models.ComplianceTransfer
	if err := s.db.WithContext(ctx).Where("id = ?", transferID).First(&transfer).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("transfer not found")
		}
		return nil, fmt.Errorf("failed to load transfer: %w", err)
	}
	if transfer.Status != models.ComplianceStatusPending {
		return nil, fmt.Errorf("transfer already decided: %s", transfer.Status)
	}
	return &transfer, nil
}

func (s *Service) decide(ctx context.Context, transfer *models.ComplianceTransfer, status, reviewer, note string) error {
	now := time.Now()
	if err := s.db.WithContext(ctx).Model(transfer).Updates(map[string]interface{}{
		"status":     status,
		"reviewer":   reviewer,
		"note":       note,
		"decided_at": now,
	}).Error; err != nil {
		return fmt.Errorf("failed to update transfer: %w", err)
	}
	transfer.Status = status
	transfer.Reviewer = reviewer
	transfer.DecidedAt = &now
	return nil
}

func (s *Service) record(ctx context.Context, actor, action string, transfer *models.ComplianceTransfer, note string) {
	if s.auditSvc == nil {
		return
	}
	details := map[string]interface{}{"order_id": transfer.OrderID.String(), "note": note}
	if err := s.auditSvc.Record(ctx, actor, action, "compliance_transfer", transfer.ID.String(), details); err != nil {
		s.logger.Warn("Audit record failed", zap.String("action", action), zap.Error(err))
	}
}
