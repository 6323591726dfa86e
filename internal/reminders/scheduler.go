package reminders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/models"
)

// Scheduler periodically scans for orders whose ship or delivery
// deadline falls inside the reminder window and mails the seller.
// Reminder rows deduplicate sends across restarts.
type Scheduler struct {
	logger   *zap.Logger
	db       *gorm.DB
	mail     mailer.Mailer
	auditSvc audit.AuditService
	interval time.Duration
	window   time.Duration

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a reminder scheduler
func NewScheduler(logger *zap.Logger, db *gorm.DB, mail mailer.Mailer, auditSvc audit.AuditService, interval, window time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Scheduler{
		logger:   logger,
		db:       db,
		mail:     mail,
		auditSvc: auditSvc,
		interval: interval,
		window:   window,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop
func (s *Scheduler) Start() error {
	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				if n, err := s.Sweep(context.Background()); err != nil {
					s.logger.Error("Reminder sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("Reminders sent", zap.Int("count", n))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("Reminder scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("window", s.window))
	return nil
}

// Stop stops the sweep loop
func (s *Scheduler) Stop() error {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Reminder scheduler stopped")
	return nil
}

// Sweep sends reminders for every order whose deadline is inside the
// window and not already reminded. It returns the number of reminders sent.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	horizon := now.Add(s.window)
	sent := 0

	var awaiting []*models.Order
	err := s.db.WithContext(ctx).
		Where("status IN ? AND ship_by IS NOT NULL AND ship_by > ? AND ship_by <= ?",
			[]string{models.OrderStatusPaid, models.OrderStatusAwaitingShipment}, now, horizon).
		Find(&awaiting).Error
	if err != nil {
		return sent, fmt.Errorf("failed to scan ship deadlines: %w", err)
	}
	for _, o := range awaiting {
		if s.remind(ctx, o, models.ReminderKindShipBy, *o.ShipBy) {
			sent++
		}
	}

	var shipped []*models.Order
	err = s.db.WithContext(ctx).
		Where("status = ? AND deliver_by IS NOT NULL AND deliver_by > ? AND deliver_by <= ?",
			models.OrderStatusShipped, now, horizon).
		Find(&shipped).Error
	if err != nil {
		return sent, fmt.Errorf("failed to scan delivery deadlines: %w", err)
	}
	for _, o := range shipped {
		if s.remind(ctx, o, models.ReminderKindDeliverBy, *o.DeliverBy) {
			sent++
		}
	}

	return sent, nil
}

func (s *Scheduler) remind(ctx context.Context, order *models.Order, kind string, deadline time.Time) bool {
	reminder := &models.Reminder{
		ID:      uuid.New(),
		OrderID: order.ID,
		Kind:    kind,
		SentAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(reminder).Error; err != nil {
		// Unique index on order+kind: already reminded.
		return false
	}

	var seller models.User
	if err := s.db.WithContext(ctx).Where("id = ?", order.SellerID).First(&seller).Error; err != nil {
		s.logger.Warn("Failed to load seller for reminder",
			zap.String("orderID", order.ID.String()), zap.Error(err))
		return false
	}

	subject := fmt.Sprintf("Reminder: order %s deadline approaching", order.ID)
	body := fmt.Sprintf("Order %s must advance before %s.", order.ID, deadline.Format(time.RFC3339))
	if err := s.mail.Send(ctx, seller.Email, subject, body); err != nil {
		s.logger.Warn("Failed to send reminder mail",
			zap.String("orderID", order.ID.String()), zap.Error(err))
	}

	metrics.RemindersSent.WithLabelValues(kind).Inc()
	if s.auditSvc != nil {
		details := map[string]interface{}{"kind": kind, "deadline": deadline.Format(time.RFC3339)}
		if err := s.auditSvc.Record(ctx, "scheduler", "order.reminder", "order", order.ID.String(), details); err != nil {
			s.logger.Warn("Audit record failed", zap.Error(err))
		}
	}
	return true
}
