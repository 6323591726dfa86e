package support

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillmarket/quill/internal/audit"
	"github.com/quillmarket/quill/internal/mailer"
	"github.com/quillmarket/quill/pkg/models"
	"github.com/quillmarket/quill/pkg/validation"
)

const testHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func setupSupportService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{}, &models.SupportTicket{}, &models.TicketReply{}, &models.AuditLog{},
	))

	logger := zap.NewNop()
	auditSvc, err := audit.NewService(logger, db)
	require.NoError(t, err)

	svc, err := NewService(logger, db, auditSvc, mailer.NewNopMailer(logger), validation.NewValidator(logger))
	require.NoError(t, err)
	return svc.(*Service), db
}

func seedUsers(t *testing.T, db *gorm.DB) (*models.User, *models.User) {
	t.Helper()
	requester := &models.User{ID: uuid.New(), Email: "buyer@example.com", PasswordHash: testHash, DisplayName: "Buyer", Role: "buyer"}
	agent := &models.User{ID: uuid.New(), Email: "agent@quillmarket.io", PasswordHash: testHash, DisplayName: "Agent", Role: "support"}
	require.NoError(t, db.Create(requester).Error)
	require.NoError(t, db.Create(agent).Error)
	return requester, agent
}

func seedTicket(t *testing.T, svc *Service, requesterID uuid.UUID, priority string) *models.SupportTicket {
	t.Helper()
	ticket, err := svc.Create(context.Background(), requesterID, &models.TicketCreateRequest{
		Subject:  "Order never arrived",
		Body:     "Tracking shows no movement for a week.",
		Category: "shipping",
		Priority: priority,
	})
	require.NoError(t, err)
	return ticket
}

func TestCreateTicket(t *testing.T) {
	svc, db := setupSupportService(t)
	requester, _ := seedUsers(t, db)

	t.Run("DefaultsToNormalPriority", func(t *testing.T) {
		ticket := seedTicket(t, svc, requester.ID, "")
		assert.Equal(t, models.TicketStatusOpen, ticket.Status)
		assert.Equal(t, models.TicketPriorityNormal, ticket.Priority)
		assert.False(t, ticket.LastActivityAt.IsZero())
	})

	t.Run("SanitizesMarkup", func(t *testing.T) {
		ticket, err := svc.Create(context.Background(), requester.ID, &models.TicketCreateRequest{
			Subject:  "Help <script>alert(1)</script>",
			Body:     "Please look at this",
			Category: "account",
		})
		require.NoError(t, err)
		assert.NotContains(t, ticket.Subject, "<script>")
	})
}

func TestTicketReplies(t *testing.T) {
	svc, db := setupSupportService(t)
	requester, agent := seedUsers(t, db)
	ctx := context.Background()

	t.Run("StaffReplyMovesOpenToPending", func(t *testing.T) {
		ticket := seedTicket(t, svc, requester.ID, "")
		_, err := svc.Reply(ctx, ticket.ID, agent, "We are checking with the carrier.", false)
		require.NoError(t, err)

		var got models.SupportTicket
		require.NoError(t, db.First(&got, "id = ?", ticket.ID).Error)
		assert.Equal(t, models.TicketStatusPending, got.Status)
	})

	t.Run("RequesterReplyReopensResolved", func(t *testing.T) {
		ticket := seedTicket(t, svc, requester.ID, "")
		require.NoError(t, svc.SetStatus(ctx, ticket.ID, models.TicketStatusResolved, agent.Email))

		_, err := svc.Reply(ctx, ticket.ID, requester, "The problem is back.", false)
		require.NoError(t, err)

		var got models.SupportTicket
		require.NoError(t, db.First(&got, "id = ?", ticket.ID).Error)
		assert.Equal(t, models.TicketStatusOpen, got.Status)
	})

	t.Run("ClosedTicketRejectsReplies", func(t *testing.T) {
		ticket := seedTicket(t, svc, requester.ID, "")
		require.NoError(t, svc.SetStatus(ctx, ticket.ID, models.TicketStatusClosed, agent.Email))

		_, err := svc.Reply(ctx, ticket.ID, requester, "Anyone there?", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})

	t.Run("InternalNotesAreStaffOnly", func(t *testing.T) {
		ticket := seedTicket(t, svc, requester.ID, "")
		_, err := svc.Reply(ctx, ticket.ID, requester, "secret note", true)
		require.Error(t, err)

		_, err = svc.Reply(ctx, ticket.ID, agent, "requester seems legit", true)
		require.NoError(t, err)

		// Internal notes do not change the requester-facing status.
		var got models.SupportTicket
		require.NoError(t, db.First(&got, "id = ?", ticket.ID).Error)
		assert.Equal(t, models.TicketStatusOpen, got.Status)

		// And stay hidden from the requester view.
		_, replies, err := svc.Get(ctx, ticket.ID, false)
		require.NoError(t, err)
		assert.Empty(t, replies)

		_, replies, err = svc.Get(ctx, ticket.ID, true)
		require.NoError(t, err)
		assert.Len(t, replies, 1)
	})

	t.Run("StrangerCannotReply", func(t *testing.T) {
		stranger := &models.User{ID: uuid.New(), Email: "other@example.com", PasswordHash: testHash, DisplayName: "Other", Role: "buyer"}
		require.NoError(t, db.Create(stranger).Error)

		ticket := seedTicket(t, svc, requester.ID, "")
		_, err := svc.Reply(ctx, ticket.ID, stranger, "let me in", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("MissingTicketIs404", func(t *testing.T) {
		_, err := svc.Reply(ctx, uuid.New(), agent, "hello", false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestTicketQueue(t *testing.T) {
	svc, db := setupSupportService(t)
	requester, agent := seedUsers(t, db)
	ctx := context.Background()

	low := seedTicket(t, svc, requester.ID, models.TicketPriorityLow)
	urgent := seedTicket(t, svc, requester.ID, models.TicketPriorityUrgent)
	normal := seedTicket(t, svc, requester.ID, models.TicketPriorityNormal)
	require.NoError(t, svc.Assign(ctx, urgent.ID, agent.Email, agent.Email))
	require.NoError(t, svc.SetStatus(ctx, low.ID, models.TicketStatusResolved, agent.Email))

	t.Run("FilterByStatus", func(t *testing.T) {
		result, err := svc.List(ctx, &models.TicketFilter{Status: models.TicketStatusOpen})
		require.NoError(t, err)
		assert.Equal(t, int64(2), result.Total)
		assert.Empty(t, result.Warning)
	})

	t.Run("FilterByAssignee", func(t *testing.T) {
		result, err := svc.List(ctx, &models.TicketFilter{AssignedTo: agent.Email})
		require.NoError(t, err)
		require.Len(t, result.Tickets, 1)
		assert.Equal(t, urgent.ID, result.Tickets[0].ID)
	})

	t.Run("SortByPriority", func(t *testing.T) {
		result, err := svc.List(ctx, &models.TicketFilter{SortBy: "priority"})
		require.NoError(t, err)
		require.Len(t, result.Tickets, 3)
		assert.Equal(t, urgent.ID, result.Tickets[0].ID)
		assert.Equal(t, normal.ID, result.Tickets[1].ID)
		assert.Equal(t, low.ID, result.Tickets[2].ID)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := svc.List(ctx, &models.TicketFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, result.Tickets, 2)
		assert.Equal(t, int64(3), result.Total)
	})
}

func TestFallbackScan(t *testing.T) {
	svc, db := setupSupportService(t)
	requester, _ := seedUsers(t, db)

	seedTicket(t, svc, requester.ID, models.TicketPriorityLow)
	seedTicket(t, svc, requester.ID, models.TicketPriorityUrgent)
	seedTicket(t, svc, requester.ID, models.TicketPriorityHigh)

	t.Run("MatchesIndexedOrdering", func(t *testing.T) {
		filter := &models.TicketFilter{SortBy: "priority"}
		indexed, _, err := svc.listIndexed(context.Background(), filter)
		require.NoError(t, err)
		fallback, total, err := svc.listFallback(context.Background(), filter)
		require.NoError(t, err)

		require.Equal(t, int64(3), total)
		require.Len(t, fallback, len(indexed))
		for i := range indexed {
			assert.Equal(t, indexed[i].ID, fallback[i].ID)
		}
	})

	t.Run("AppliesFiltersAndPaging", func(t *testing.T) {
		fallback, total, err := svc.listFallback(context.Background(), &models.TicketFilter{
			Status: models.TicketStatusOpen,
			Limit:  1,
			Offset: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, fallback, 1)
	})

	t.Run("OffsetPastEndIsEmpty", func(t *testing.T) {
		fallback, _, err := svc.listFallback(context.Background(), &models.TicketFilter{Offset: 50})
		require.NoError(t, err)
		assert.Empty(t, fallback)
	})
}

func TestLastActivityTracking(t *testing.T) {
	svc, db := setupSupportService(t)
	requester, agent := seedUsers(t, db)
	ctx := context.Background()

	ticket := seedTicket(t, svc, requester.ID, "")
	before := ticket.LastActivityAt

	time.Sleep(10 * time.Millisecond)
	_, err := svc.Reply(ctx, ticket.ID, agent, "on it", false)
	require.NoError(t, err)

	var got models.SupportTicket
	require.NoError(t, db.First(&got, "id = ?", ticket.ID).Error)
	assert.True(t, got.LastActivityAt.After(before))
}
