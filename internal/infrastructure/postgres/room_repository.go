package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/escrow-hub/escrow-hub/internal/domain/apperr"
	"github.com/escrow-hub/escrow-hub/internal/domain/room"
)

// RoomRepository implements room.Repository. The aggregate is stored as a
// JSONB document; the columns next to it exist for filtering.
type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func participantID(p *room.Participant) *uuid.UUID {
	if p == nil {
		return nil
	}
	id := p.UserID
	return &id
}

func adminStatus(r *room.Room) room.AdminStatus {
	if d := r.WorkStatus.Dispute; d != nil {
		return d.AdminReview.Status
	}
	return room.AdminNone
}

func (r *RoomRepository) Create(ctx context.Context, rm *room.Room) error {
	rm.Version = 1
	doc, err := json.Marshal(rm)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO rooms (id, status, buyer_id, seller_id, created_by, admin_status, doc, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rm.ID, rm.Status, participantID(rm.Buyer), participantID(rm.Seller), rm.CreatedBy, adminStatus(rm), doc, rm.Version, rm.CreatedAt, rm.UpdatedAt)
	if isUniqueViolation(err, "rooms_pkey") {
		return apperr.ErrVersionConflict
	}
	return err
}

func (r *RoomRepository) GetByID(ctx context.Context, id uuid.UUID) (*room.Room, error) {
	row := r.pool.QueryRow(ctx, `SELECT doc, version FROM rooms WHERE id=$1`, id)
	return scanRoom(row)
}

// Update writes rm only when the stored version still equals rm.Version.
func (r *RoomRepository) Update(ctx context.Context, rm *room.Room) error {
	next := rm.Version + 1
	snapshot := *rm
	snapshot.Version = next
	doc, err := json.Marshal(&snapshot)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE rooms
		SET status=$3, buyer_id=$4, seller_id=$5, admin_status=$6, doc=$7, version=$8, updated_at=$9
		WHERE id=$1 AND version=$2
	`, rm.ID, rm.Version, rm.Status, participantID(rm.Buyer), participantID(rm.Seller), adminStatus(rm), doc, next, rm.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		rm.Version = next
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id=$1)`, rm.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return room.ErrNotFound
	}
	return apperr.ErrVersionConflict
}

func (r *RoomRepository) List(ctx context.Context, filter room.Filter, limit, offset int) ([]*room.Room, error) {
	query := `SELECT doc, version FROM rooms`
	args := []any{}
	if filter.ParticipantID != nil {
		n := itoa(len(args) + 1)
		query += addWhere(query) + " (buyer_id=$" + n + " OR seller_id=$" + n + " OR created_by=$" + n + ")"
		args = append(args, *filter.ParticipantID)
	}
	if filter.Status != nil {
		query += addWhere(query) + " status=$" + itoa(len(args)+1)
		args = append(args, *filter.Status)
	}
	if filter.Escalated {
		query += addWhere(query) + " admin_status=$" + itoa(len(args)+1)
		args = append(args, room.AdminInProgress)
	}
	query += " ORDER BY created_at DESC, id"
	query, args = page(query, args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]*room.Room, 0)
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, rm)
	}
	return rooms, rows.Err()
}

func scanRoom(row pgx.Row) (*room.Room, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var rm room.Room
	if err := json.Unmarshal(doc, &rm); err != nil {
		return nil, err
	}
	rm.Version = version
	return &rm, nil
}
