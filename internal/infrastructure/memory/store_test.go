package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/audit"
	"github.com/escrow-hub/escrow-hub/internal/domain/message"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
	"github.com/escrow-hub/escrow-hub/internal/domain/transaction"
)

func TestRoomRepository_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomRepository()
	rm, err := room.NewRoom(uuid.New(), decimal.NewFromInt(100), "desk", nil)
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, rm))

	a, err := repo.GetByID(ctx, rm.ID)
	require.NoError(t, err)
	b, err := repo.GetByID(ctx, rm.ID)
	require.NoError(t, err)

	a.Description = "first writer"
	require.NoError(t, repo.Update(ctx, a))
	assert.Equal(t, int64(2), a.Version)

	b.Description = "second writer"
	assert.True(t, errors.Is(repo.Update(ctx, b), apperr.ErrVersionConflict))

	stored, err := repo.GetByID(ctx, rm.ID)
	require.NoError(t, err)
	assert.Equal(t, "first writer", stored.Description)

	missing, err := repo.GetByID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRoomRepository_ListFilter(t *testing.T) {
	ctx := context.Background()
	repo := NewRoomRepository()
	user := uuid.New()
	for i := 0; i < 3; i++ {
		rm, err := room.NewRoom(uuid.New(), decimal.NewFromInt(100), "job", nil)
		require.NoError(t, err)
		if i == 1 {
			_, err = rm.Assign(room.Participant{UserID: user}, room.RoleSeller)
			require.NoError(t, err)
		}
		require.NoError(t, repo.Create(ctx, rm))
	}

	all, err := repo.List(ctx, room.Filter{}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	mine, err := repo.List(ctx, room.Filter{ParticipantID: &user}, 10, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.True(t, mine[0].IsSeller(user))

	paged, err := repo.List(ctx, room.Filter{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestTransactionRepository_OneActivePerRoom(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()
	roomID, buyer, seller := uuid.New(), uuid.New(), uuid.New()

	first, err := transaction.New(roomID, buyer, seller, decimal.NewFromInt(500))
	require.NoError(t, err)
	require.NoError(t, repo.Create(ctx, first))

	second, err := transaction.New(roomID, buyer, seller, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.True(t, errors.Is(repo.Create(ctx, second), transaction.ErrDuplicateTransaction))

	first.PaymentStatus = transaction.StatusRefunded
	require.NoError(t, repo.Update(ctx, first))
	require.NoError(t, repo.Create(ctx, second))

	history, err := repo.ListByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// reactivating the old transaction would give the room two
	first.PaymentStatus = transaction.StatusSuccess
	assert.True(t, errors.Is(repo.Update(ctx, first), transaction.ErrDuplicateTransaction))
	stored, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusRefunded, stored.PaymentStatus)
}

func TestTransactionRepository_SettlementSurvivesReads(t *testing.T) {
	ctx := context.Background()
	repo := NewTransactionRepository()
	tx, err := transaction.New(uuid.New(), uuid.New(), uuid.New(), decimal.NewFromInt(10))
	require.NoError(t, err)
	tx.GatewayOrderID = "order_1"
	require.NoError(t, repo.Create(ctx, tx))

	tx.PaymentStatus = transaction.StatusSuccess
	require.NoError(t, tx.ClaimRelease())
	require.NoError(t, repo.Update(ctx, tx))

	got, err := repo.GetByOrderID(ctx, "order_1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, transaction.SettlementReleasing, got.Settlement)
	assert.True(t, errors.Is(got.ClaimRelease(), transaction.ErrReleaseInProgress))
}

func TestMessageRepository_ReadReceipts(t *testing.T) {
	ctx := context.Background()
	repo := NewMessageRepository()
	roomID, alice, bob := uuid.New(), uuid.New(), uuid.New()

	var ids []uuid.UUID
	for i, sender := range []uuid.UUID{alice, bob, alice} {
		s := sender
		m, err := message.New(roomID, &s, "", "msg", message.TypeText, nil)
		require.NoError(t, err)
		m.CreatedAt = m.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		require.NoError(t, repo.Create(ctx, m))
		ids = append(ids, m.ID)
	}

	changed, err := repo.MarkRoomRead(ctx, roomID, bob, time.Now())
	require.NoError(t, err)
	assert.Len(t, changed, 2)

	again, err := repo.MarkRoomRead(ctx, roomID, bob, time.Now())
	require.NoError(t, err)
	assert.Empty(t, again)

	m, ok, err := repo.MarkDelivered(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, message.StatusDelivered, m.Status)

	_, ok, err = repo.MarkRead(ctx, ids[0], bob, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	recent, err := repo.List(ctx, roomID, nil, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[1], recent[0].ID)
	assert.Equal(t, ids[2], recent[1].ID)

	_, _, err = repo.MarkDelivered(ctx, uuid.New())
	assert.True(t, errors.Is(err, message.ErrNotFound))
}

func TestAuditRepository_QueryCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewAuditRepository()
	for i := 0; i < 5; i++ {
		log, err := audit.NewAuditLog(&audit.AuditEntry{EntityType: audit.EntityTypeRoom, EntityID: "r", Action: audit.ActionStatusChange, Actor: "system"})
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, log))
	}

	first, cursor, err := repo.Query(ctx, audit.QueryFilter{}, nil, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	require.NotNil(t, cursor)
	assert.Equal(t, int64(5), first[0].ID)

	rest, cursor, err := repo.Query(ctx, audit.QueryFilter{}, cursor, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.Nil(t, cursor)
}
