package support

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/pkg/metrics"
	"github.com/quillmarket/quill/pkg/models"
	"github.com/quillmarket/quill/pkg/validation"
)

// ListResult carries the ticket page plus a warning when the list was
// served by the degraded fallback path.
type ListResult struct {
	Tickets []*models.SupportTicket `json:"tickets"`
	Total   int64                   `json:"total"`
	Warning string                  `json:"warning,omitempty"`
}

// SupportService defines support ticket operations.
type SupportService interface {
	Start() error
	Stop() error

	Create(ctx context.Context, requesterID uuid.UUID, req *models.TicketCreateRequest) (*models.SupportTicket, error)
	Get(ctx context.Context, ticketID uuid.UUID, includeInternal bool) (*models.SupportTicket, []*models.TicketReply, error)
	List(ctx context.Context, filter *models.TicketFilter) (*ListResult, error)
	ListForRequester(ctx context.Context, requesterID uuid.UUID) ([]*models.SupportTicket, error)

	Reply(ctx context.Context, ticketID uuid.UUID, author *models.User, body string, internal bool) (*models.TicketReply, error)
	Assign(ctx context.Context, ticketID uuid.UUID, assignedTo, actor string) error
	SetStatus(ctx context.Context, ticketID uuid.UUID, status, actor string) error
}

// Service implements SupportService
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	auditSvc  audit.AuditService
	mail      mailer.Mailer
	validator *validation.Validator
}

// NewService creates a new SupportService
func NewService(logger *zap.Logger, db *gorm.DB, auditSvc audit.AuditService, mail mailer.Mailer, validator *validation.Validator) (SupportService, error) {
	return &Service{
		logger:    logger,
		db:        db,
		auditSvc:  auditSvc,
		mail:      mail,
		validator: validator,
	}, nil
}

// Start starts the support service
func (s *Service) Start() error {
	s.logger.Info("Support service started")
	return nil
}

// Stop stops the support service
func (s *Service) Stop() error {
	s.logger.Info("Support service stopped")
	return nil
}

// Create opens a new ticket
func (s *Service) Create(ctx context.Context, requesterID uuid.UUID, req *models.TicketCreateRequest) (*models.SupportTicket, error) {
	priority := req.Priority
	if priority == "" {
		priority = models.TicketPriorityNormal
	}

	ticket := &models.SupportTicket{
		ID:             uuid.New(),
		RequesterID:    requesterID,
		OrderID:        req.OrderID,
		Subject:        s.validator.Sanitize(req.Subject),
		Body:           s.validator.Sanitize(req.Body),
		Status:         models.TicketStatusOpen,
		Priority:       priority,
		Category:       s.validator.Sanitize(req.Category),
		LastActivityAt: time.Now(),
	}
	if err := s.validator.ValidateStruct(ticket); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return nil, fmt.Errorf("failed to create ticket: %w", err)
	}

	s.logger.Info("Ticket created",
		zap.String("ticketID", ticket.ID.String()),
		zap.String("priority", ticket.Priority),
		zap.String("category", ticket.Category))
	return ticket, nil
}

// Get loads a ticket with its replies. Internal operator notes are
// stripped unless includeInternal is set.
func (s *Service) Get(ctx context.Context, ticketID uuid.UUID, includeInternal bool) (*models.SupportTicket, []*models.TicketReply, error) {
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, nil, err
	}

	query := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID)
	if !includeInternal {
		query = query.Where("internal = ?", false)
	}
	var replies []*models.TicketReply
	if err := query.Order("created_at ASC").Find(&replies).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load replies: %w", err)
	}
	return ticket, replies, nil
}

// List returns the admin ticket queue. The primary path relies on the
// status+priority index; if the store rejects the shaped query the list
// is rebuilt by a full scan with in-memory filtering and the response
// carries a warning so operators know the ordering may be slow.
func (s *Service) List(ctx context.Context, filter *models.TicketFilter) (*ListResult, error) {
	tickets, total, err := s.listIndexed(ctx, filter)
	if err == nil {
		return &ListResult{Tickets: tickets, Total: total}, nil
	}

	s.logger.Warn("Indexed ticket query failed, using fallback scan", zap.Error(err))
	metrics.TicketFallbackQueries.Inc()

	tickets, total, ferr := s.listFallback(ctx, filter)
	if ferr != nil {
		return nil, fmt.Errorf("fallback ticket scan failed: %w", ferr)
	}
	return &ListResult{
		Tickets: tickets,
		Total:   total,
		Warning: "ticket list served by degraded fallback query; results may be slow",
	}, nil
}

func (s *Service) listIndexed(ctx context.Context, filter *models.TicketFilter) ([]*models.SupportTicket, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.SupportTicket{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", filter.Priority)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.AssignedTo != "" {
		query = query.Where("assigned_to = ?", filter.AssignedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tickets []*models.SupportTicket
	if err := query.Order(orderClause(filter.SortBy)).
		Limit(pageLimit(filter.Limit)).Offset(filter.Offset).
		Find(&tickets).Error; err != nil {
		return nil, 0, err
	}
	return tickets, total, nil
}

func (s *Service) listFallback(ctx context.Context, filter *models.TicketFilter) ([]*models.SupportTicket, int64, error) {
	var all []*models.SupportTicket
	if err := s.db.WithContext(ctx).Find(&all).Error; err != nil {
		return nil, 0, err
	}

	matched := make([]*models.SupportTicket, 0, len(all))
	for _, t := range all {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && t.Priority != filter.Priority {
			continue
		}
		if filter.Category != "" && t.Category != filter.Category {
			continue
		}
		if filter.AssignedTo != "" && t.AssignedTo != filter.AssignedTo {
			continue
		}
		matched = append(matched, t)
	}

	switch filter.SortBy {
	case "last_activity":
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].LastActivityAt.After(matched[j].LastActivityAt)
		})
	case "priority":
		sort.SliceStable(matched, func(i, j int) bool {
			return priorityRank(matched[i].Priority) > priorityRank(matched[j].Priority)
		})
	default:
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
	}

	total := int64(len(matched))
	limit := pageLimit(filter.Limit)
	offset := filter.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

// ListForRequester returns the user's own tickets, newest activity first
func (s *Service) ListForRequester(ctx context.Context, requesterID uuid.UUID) ([]*models.SupportTicket, error) {
	var tickets []*models.SupportTicket
	if err := s.db.WithContext(ctx).
		Where("requester_id = ?", requesterID).
		Order("last_activity_at DESC").
		Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	return tickets, nil
}

// Reply appends a message to a ticket. Closed tickets reject replies.
// A requester reply reopens a resolved ticket; a public staff reply
// moves an open ticket to pending and mails the requester.
func (s *Service) Reply(ctx context.Context, ticketID uuid.UUID, author *models.User, body string, internal bool) (*models.TicketReply, error) {
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status == models.TicketStatusClosed {
		return nil, fmt.Errorf("ticket is closed")
	}
	if internal && !author.IsStaff() {
		return nil, fmt.Errorf("only staff can post internal notes")
	}
	if !author.IsStaff() && ticket.RequesterID != author.ID {
		return nil, fmt.Errorf("ticket not found")
	}

	reply := &models.TicketReply{
		ID:       uuid.New(),
		TicketID: ticketID,
		AuthorID: author.ID,
		Body:     s.validator.Sanitize(body),
		Internal: internal,
	}
	if err := s.validator.ValidateStruct(reply); err != nil {
		return nil, err
	}

	newStatus := ticket.Status
	if !author.IsStaff() && ticket.Status == models.TicketStatusResolved {
		newStatus = models.TicketStatusOpen
	}
	if author.IsStaff() && !internal && ticket.Status == models.TicketStatusOpen {
		newStatus = models.TicketStatusPending
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reply).Error; err != nil {
			return fmt.Errorf("failed to create reply: %w", err)
		}
		return tx.Model(ticket).Updates(map[string]interface{}{
			"status":           newStatus,
			"last_activity_at": time.Now(),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	ticket.Status = newStatus

	if author.IsStaff() && !internal {
		s.notifyRequester(ctx, ticket, reply)
	}
	s.record(ctx, author.Email, "ticket.reply", ticket.ID, map[string]interface{}{"internal": internal})
	return reply, nil
}

// Assign routes a ticket to an operator
func (s *Service) Assign(ctx context.Context, ticketID uuid.UUID, assignedTo, actor string) error {
	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(ticket).Updates(map[string]interface{}{
		"assigned_to":      assignedTo,
		"last_activity_at": time.Now(),
	}).Error; err != nil {
		return fmt.Errorf("failed to assign ticket: %w", err)
	}
	s.record(ctx, actor, "ticket.assigned", ticket.ID, map[string]interface{}{"assigned_to": assignedTo})
	return nil
}

// SetStatus moves a ticket to a new status
func (s *Service) SetStatus(ctx context.Context, ticketID uuid.UUID, status, actor string) error {
	switch status {
	case models.TicketStatusOpen, models.TicketStatusPending, models.TicketStatusResolved, models.TicketStatusClosed:
	default:
		return fmt.Errorf("invalid ticket status %q", status)
	}

	ticket, err := s.load(ctx, ticketID)
	if err != nil {
		return err
	}
	if ticket.Status == status {
		return nil
	}
	if err := s.db.WithContext(ctx).Model(ticket).Updates(map[string]interface{}{
		"status":           status,
		"last_activity_at": time.Now(),
	}).Error; err != nil {
		return fmt.Errorf("failed to update ticket status: %w", err)
	}
	s.record(ctx, actor, "ticket.status", ticket.ID, map[string]interface{}{"from": ticket.Status, "to": status})
	return nil
}

func (s *Service) load(ctx context.Context, ticketID uuid.UUID) (*models.SupportTicket, error) {
	var ticket models.SupportTicket
	if err := s.db.WithContext(ctx).Where("id = ?", ticketID).First(&ticket).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("ticket not found")
		}
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	return &ticket, nil
}

func (s *Service) notifyRequester(ctx context.Context, ticket *models.SupportTicket, reply *models.TicketReply) {
	var requester models.User
	if err := s.db.WithContext(ctx).Where("id = ?", ticket.RequesterID).First(&requester).Error; err != nil {
		s.logger.Warn("Failed to load requester for notification",
			zap.String("ticketID", ticket.ID.String()), zap.Error(err))
		return
	}
	subject := fmt.Sprintf("Re: %s", ticket.Subject)
	if err := s.mail.Send(ctx, requester.Email, subject, reply.Body); err != nil {
		s.logger.Warn("Failed to mail ticket reply",
			zap.String("ticketID", ticket.ID.String()), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, actor, action string, ticketID uuid.UUID, details map[string]interface{}) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.Record(ctx, actor, action, "ticket", ticketID.String(), details); err != nil {
		s.logger.Warn("Audit record failed", zap.String("action", action), zap.Error(err))
	}
}

func orderClause(sortBy string) string {
	switch sortBy {
	case "last_activity":
		return "last_activity_at DESC"
	case "priority":
		return "CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, created_at DESC"
	default:
		return "created_at DESC"
	}
}

func priorityRank(p string) int {
	switch p {
	case models.TicketPriorityUrgent:
		return 3
	case models.TicketPriorityHigh:
		return 2
	case models.TicketPriorityNormal:
		return 1
	}
	return 0
}

func pageLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
