package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/escrow-hub/escrow-hub/internal/domain/message"
)

const messageColumns = `id, room_id, sender_id, sender_name, content, message_type, attachments, status, read_by, created_at, delivered_at`

// MessageRepository implements message.Repository. Status and read-set
// changes lock the row, apply the domain rule and write it back.
type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Create(ctx context.Context, m *message.Message) error {
	attachments, readBy, err := encodeMessageSets(m)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, m.Type, attachments, m.Status, readBy, m.CreatedAt, m.DeliveredAt)
	return err
}

func (r *MessageRepository) GetByID(ctx context.Context, id uuid.UUID) (*message.Message, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	return scanMessage(row)
}

func (r *MessageRepository) List(ctx context.Context, roomID uuid.UUID, before *time.Time, limit int) ([]*message.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE room_id=$1`
	args := []any{roomID}
	if before != nil {
		query += " AND created_at < $2"
		args = append(args, *before)
	}
	query += " ORDER BY created_at DESC, id DESC"
	query, args = page(query, args, limit, 0)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]*message.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest were selected; callers get them oldest first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID) (*message.Message, bool, error) {
	return r.mutate(ctx, id, func(m *message.Message) bool {
		return m.Advance(message.StatusDelivered)
	})
}

func (r *MessageRepository) MarkRead(ctx context.Context, id, userID uuid.UUID, at time.Time) (*message.Message, bool, error) {
	return r.mutate(ctx, id, func(m *message.Message) bool {
		return m.MarkReadBy(userID, at)
	})
}

func (r *MessageRepository) MarkRoomRead(ctx context.Context, roomID, userID uuid.UUID, at time.Time) ([]*message.Message, error) {
	changed := make([]*message.Message, 0)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE room_id=$1 AND (sender_id IS NULL OR sender_id <> $2)
			  AND (status <> $3 OR NOT read_by ? $4)
			ORDER BY created_at
			FOR UPDATE
		`, roomID, userID, message.StatusRead, userID.String())
		if err != nil {
			return err
		}
		pending := make([]*message.Message, 0)
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, m := range pending {
			if !m.MarkReadBy(userID, at) {
				continue
			}
			if err := writeMessageState(ctx, tx, m); err != nil {
				return err
			}
			changed = append(changed, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

func (r *MessageRepository) mutate(ctx context.Context, id uuid.UUID, fn func(*message.Message) bool) (*message.Message, bool, error) {
	var (
		out     *message.Message
		changed bool
	)
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if m == nil {
			return message.ErrNotFound
		}
		out = m
		if changed = fn(m); !changed {
			return nil
		}
		return writeMessageState(ctx, tx, m)
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

func writeMessageState(ctx context.Context, tx pgx.Tx, m *message.Message) error {
	_, readBy, err := encodeMessageSets(m)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `UPDATE messages SET status=$2, read_by=$3, delivered_at=$4 WHERE id=$1`,
		m.ID, m.Status, readBy, m.DeliveredAt)
	return err
}

func encodeMessageSets(m *message.Message) ([]byte, []byte, error) {
	attachments := m.Attachments
	if attachments == nil {
		attachments = []string{}
	}
	a, err := json.Marshal(attachments)
	if err != nil {
		return nil, nil, err
	}
	readBy := m.ReadBy
	if readBy == nil {
		readBy = map[uuid.UUID]time.Time{}
	}
	rb, err := json.Marshal(readBy)
	if err != nil {
		return nil, nil, err
	}
	return a, rb, nil
}

func scanMessage(row pgx.Row) (*message.Message, error) {
	var (
		m                   message.Message
		attachments, readBy []byte
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &m.Type, &attachments, &m.Status, &readBy, &m.CreatedAt, &m.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return nil, err
		}
	}
	m.ReadBy = map[uuid.UUID]time.Time{}
	if len(readBy) > 0 {
		if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
			return nil, err
		}
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return &m, nil
}
