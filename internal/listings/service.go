package listings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/orders"
	"github.com/quillmarket/quill/pkg/models"
	"github.com/quillmarket/quill/pkg/validation"
)

// BrowseFilter narrows the public listing catalogue
type BrowseFilter struct {
	Category string `form:"category"`
	Kind     string `form:"kind" binding:"omitempty,oneof=fixed auction"`
	Query    string `form:"q"`
	Limit    int    `form:"limit"`
	Offset   int    `form:"offset"`
}

// ListingService defines listing and auction operations.
type ListingService interface {
	Start() error
	Stop() error

	Create(ctx context.Context, sellerID uuid.UUID, req *models.ListingRequest) (*models.Listing, error)
	Publish(ctx context.Context, sellerID, listingID uuid.UUID) error
	Remove(ctx context.Context, actorID uuid.UUID, isStaff bool, listingID uuid.UUID) error
	Get(ctx context.Context, listingID uuid.UUID) (*models.Listing, error)
	Browse(ctx context.Context, filter *BrowseFilter) ([]*models.Listing, int64, error)

	PlaceBid(ctx context.Context, bidderID, listingID uuid.UUID, amount decimal.Decimal) (*models.Bid, error)
	ListBids(ctx context.Context, listingID uuid.UUID) ([]*models.Bid, error)
	CloseDueAuctions(ctx context.Context) (int, error)
}

// Service implements ListingService
type Service struct {
	logger    *zap.Logger
	db        *gorm.DB
	ordersSvc orders.OrderService
	validator *validation.Validator

	closeTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewService creates a new ListingService
func NewService(logger *zap.Logger, db *gorm.DB, ordersSvc orders.OrderService, validator *validation.Validator) (ListingService, error) {
	return &Service{
		logger:    logger,
		db:        db,
		ordersSvc: ordersSvc,
		validator: validator,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start launches the auction close loop
func (s *Service) Start() error {
	s.closeTicker = time.NewTicker(time.Minute)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.closeTicker.C:
				if n, err := s.CloseDueAuctions(context.Background()); err != nil {
					s.logger.Error("Auction close sweep failed", zap.Error(err))
				} else if n > 0 {
					s.logger.Info("Closed due auctions", zap.Int("count", n))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
	s.logger.Info("Listing service started")
	return nil
}

// Stop stops the auction close loop
func (s *Service) Stop() error {
	if s.closeTicker != nil {
		s.closeTicker.Stop()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Listing service stopped")
	return nil
}

// Create stores a draft listing for the seller
func (s *Service) Create(ctx context.Context, sellerID uuid.UUID, req *models.ListingRequest) (*models.Listing, error) {
	if req.Kind == models.ListingKindAuction && req.EndsAt == nil {
		return nil, fmt.Errorf("auction listings require an end time")
	}
	if req.EndsAt != nil && !req.EndsAt.After(time.Now()) {
		return nil, fmt.Errorf("auction end time must be in the future")
	}

	listing := &models.Listing{
		ID:           uuid.New(),
		SellerID:     sellerID,
		Title:        s.validator.Sanitize(req.Title),
		Description:  s.validator.Sanitize(req.Description),
		Kind:         req.Kind,
		Category:     s.validator.Sanitize(req.Category),
		Price:        req.Price,
		Currency:     req.Currency,
		Quantity:     req.Quantity,
		Status:       models.ListingStatusDraft,
		Regulated:    req.Regulated,
		EndsAt:       req.EndsAt,
		ReservePrice: req.ReservePrice,
	}
	if listing.Quantity <= 0 {
		listing.Quantity = 1
	}
	if err := s.validator.ValidateStruct(listing); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(listing).Error; err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}

	s.logger.Info("Listing created",
		zap.String("listingID", listing.ID.String()),
		zap.String("kind", listing.Kind),
		zap.String("sellerID", sellerID.String()))
	return listing, nil
}

// Publish makes a draft listing visible to buyers
func (s *Service) Publish(ctx context.Context, sellerID, listingID uuid.UUID) error {
	listing, err := s.load(ctx, listingID)
	if err != nil {
		return err
	}
	if listing.SellerID != sellerID {
		return fmt.Errorf("only the seller can publish a listing")
	}
	if listing.Status != models.ListingStatusDraft {
		return fmt.Errorf("listing is not a draft")
	}
	if listing.Kind == models.ListingKindAuction && listing.EndsAt != nil && !listing.EndsAt.After(time.Now()) {
		return fmt.Errorf("auction end time has already passed")
	}
	if err := s.db.WithContext(ctx).Model(listing).
		Update("status", models.ListingStatusActive).Error; err != nil {
		return fmt.Errorf("failed to publish listing: %w", err)
	}
	return nil
}

// Remove takes a listing off the catalogue. Sellers may remove their
// own listing while it has no bids; staff may remove any listing.
func (s *Service) Remove(ctx context.Context, actorID uuid.UUID, isStaff bool, listingID uuid.UUID) error {
	listing, err := s.load(ctx, listingID)
	if err != nil {
		return err
	}
	if !isStaff {
		if listing.SellerID != actorID {
			return fmt.Errorf("only the seller can remove a listing")
		}
		var bidCount int64
		if err := s.db.WithContext(ctx).Model(&models.Bid{}).
			Where("listing_id = ?", listingID).Count(&bidCount).Error; err != nil {
			return fmt.Errorf("failed to count bids: %w", err)
		}
		if bidCount > 0 {
			return fmt.Errorf("cannot remove a listing with active bids")
		}
	}
	if listing.Status == models.ListingStatusSold {
		return fmt.Errorf("cannot remove a sold listing")
	}
	if err := s.db.WithContext(ctx).Model(listing).
		Update("status", models.ListingStatusRemoved).Error; err != nil {
		return fmt.Errorf("failed to remove listing: %w", err)
	}
	return nil
}

// Get loads a single listing
func (s *Service) Get(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	return s.load(ctx, listingID)
}

// Browse lists active listings, newest first
func (s *Service) Browse(ctx context.Context, filter *BrowseFilter) ([]*models.Listing, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Listing{}).
		Where("status = ?", models.ListingStatusActive)
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Query != "" {
		pattern := "%" + filter.Query + "%"
		query = query.Where("title LIKE ? OR description LIKE ?", pattern, pattern)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count listings: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var listings []*models.Listing
	if err := query.Order("created_at DESC").Limit(limit).Offset(filter.Offset).Find(&listings).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list listings: %w", err)
	}
	return listings, total, nil
}

// PlaceBid records a bid on an active auction. The bid must beat the
// current high bid, or the start price when no bids exist yet.
func (s *Service) PlaceBid(ctx context.Context, bidderID, listingID uuid.UUID, amount decimal.Decimal) (*models.Bid, error) {
	listing, err := s.load(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if listing.Kind != models.ListingKindAuction {
		return nil, fmt.Errorf("listing is not an auction")
	}
	if listing.Status != models.ListingStatusActive {
		return nil, fmt.Errorf("auction is not open for bids")
	}
	if listing.EndsAt != nil && !time.Now().Before(*listing.EndsAt) {
		return nil, fmt.Errorf("auction has ended")
	}
	if listing.SellerID == bidderID {
		return nil, fmt.Errorf("sellers cannot bid on their own auction")
	}

	high, err := s.highBid(ctx, listingID)
	if err != nil {
		return nil, err
	}
	floor := listing.Price
	if high != nil {
		floor = high.Amount
	}
	if amount.LessThanOrEqual(floor) {
		return nil, fmt.Errorf("bid must exceed %s", floor.String())
	}

	bid := &models.Bid{
		ID:        uuid.New(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    amount,
	}
	if err := s.db.WithContext(ctx).Create(bid).Error; err != nil {
		return nil, fmt.Errorf("failed to place bid: %w", err)
	}

	s.logger.Info("Bid placed",
		zap.String("listingID", listingID.String()),
		zap.String("bidderID", bidderID.String()),
		zap.String("amount", amount.String()))
	return bid, nil
}

// ListBids returns bids on a listing, highest first
func (s *Service) ListBids(ctx context.Context, listingID uuid.UUID) ([]*models.Bid, error) {
	var bids []*models.Bid
	if err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("amount DESC").
		Find(&bids).Error; err != nil {
		return nil, fmt.Errorf("failed to list bids: %w", err)
	}
	return bids, nil
}

// CloseDueAuctions finds active auctions past their end time and closes
// them. Auctions whose high bid meets the reserve produce an order for
// the winner; the rest close unsold.
func (s *Service) CloseDueAuctions(ctx context.Context) (int, error) {
	var due []*models.Listing
	if err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND ends_at <= ?", models.ListingKindAuction, models.ListingStatusActive, time.Now()).
		Find(&due).Error; err != nil {
		return 0, fmt.Errorf("failed to find due auctions: %w", err)
	}

	closed := 0
	for _, listing := range due {
		if err := s.closeAuction(ctx, listing); err != nil {
			s.logger.Error("Failed to close auction",
				zap.String("listingID", listing.ID.String()), zap.Error(err))
			continue
		}
		closed++
	}
	return closed, nil
}

func (s *Service) closeAuction(ctx context.Context, listing *models.Listing) error {
	high, err := s.highBid(ctx, listing.ID)
	if err != nil {
		return err
	}

	won := high != nil
	if won && listing.ReservePrice != nil && high.Amount.LessThan(*listing.ReservePrice) {
		won = false
	}

	if err := s.db.WithContext(ctx).Model(listing).
		Update("status", models.ListingStatusClosed).Error; err != nil {
		return fmt.Errorf("failed to close auction: %w", err)
	}

	if !won {
		s.logger.Info("Auction closed unsold", zap.String("listingID", listing.ID.String()))
		return nil
	}

	order, err := s.ordersSvc.CreateFromAuction(ctx, listing, high)
	if err != nil {
		return fmt.Errorf("failed to create winner order: %w", err)
	}
	s.logger.Info("Auction won",
		zap.String("listingID", listing.ID.String()),
		zap.String("orderID", order.ID.String()),
		zap.String("winnerID", high.BidderID.String()),
		zap.String("amount", high.Amount.String()))
	return nil
}

func (s *Service) load(ctx context.Context, listingID uuid.UUID) (*models.Listing, error) {
	var listing models.Listing
	if err := s.db.WithContext(ctx).Where("id = ?", listingID).First(&listing).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("listing not found")
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	return &listing, nil
}

func (s *Service) highBid(ctx context.Context, listingID uuid.UUID) (*models.Bid, error) {
	var bid models.Bid
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("amount DESC").
		First(&bid).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load high bid: %w", err)
	}
	return &bid, nil
}
