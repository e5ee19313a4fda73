package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ChuLiYu/groupmesh/internal/history"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// MessageRepo implements history.MessageStore on PostgreSQL.
type MessageRepo struct{ db *DB }

// NewMessageRepo constructs a message repository.
func NewMessageRepo(db *DB) *MessageRepo { return &MessageRepo{db: db} }

var (
	_ history.MessageStore = (*MessageRepo)(nil)
	_ history.RangeStore   = (*MessageRepo)(nil)
)

// GetMessages returns one page in ascending timestamp order. An empty first
// page of an unregistered chat is history.ErrChatNotFound.
func (r *MessageRepo) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]types.Message, error) {
	const q = `
SELECT id, chat_id, sender_id, content, type, ts, size, important
FROM group_messages
WHERE chat_id=$1
ORDER BY ts ASC, id ASC
LIMIT $2 OFFSET $3`
	rows, err := r.db.Pool.Query(ctx, q, chatID, limit, offset)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows, chatID, limit, offset)
}

// GetMessagesSince pages the messages with ts >= since, served by the
// (chat_id, ts) index.
func (r *MessageRepo) GetMessagesSince(ctx context.Context, chatID string, since int64, limit, offset int) ([]types.Message, error) {
	const q = `
SELECT id, chat_id, sender_id, content, type, ts, size, important
FROM group_messages
WHERE chat_id=$1 AND ts >= $2
ORDER BY ts ASC, id ASC
LIMIT $3 OFFSET $4`
	rows, err := r.db.Pool.Query(ctx, q, chatID, since, limit, offset)
	if err != nil {
		return nil, err
	}
	return r.collect(ctx, rows, chatID, limit, offset)
}

// collect scans a page and maps an empty first page of an unregistered chat
// to history.ErrChatNotFound.
func (r *MessageRepo) collect(ctx context.Context, rows pgx.Rows, chatID string, limit, offset int) ([]types.Message, error) {
	defer rows.Close()

	out := make([]types.Message, 0, limit)
	for rows.Next() {
		var (
			m   types.Message
			typ string
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &typ, &m.Timestamp, &m.Size, &m.Important); err != nil {
			return nil, err
		}
		m.Type = types.MessageType(typ)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) == 0 && offset == 0 {
		const exists = `SELECT EXISTS(SELECT 1 FROM group_chats WHERE chat_id=$1)`
		var ok bool
		if err := r.db.Pool.QueryRow(ctx, exists, chatID).Scan(&ok); err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", history.ErrChatNotFound, chatID)
		}
	}
	return out, nil
}

// SaveMessage registers the chat if needed and upserts the message.
func (r *MessageRepo) SaveMessage(ctx context.Context, msg types.Message) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const chat = `INSERT INTO group_chats (chat_id) VALUES ($1) ON CONFLICT (chat_id) DO NOTHING`
	const ups = `
INSERT INTO group_messages (id, chat_id, sender_id, content, type, ts, size, important)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
  chat_id=EXCLUDED.chat_id, sender_id=EXCLUDED.sender_id, content=EXCLUDED.content,
  type=EXCLUDED.type, ts=EXCLUDED.ts, size=EXCLUDED.size, important=EXCLUDED.important`

	if _, err = tx.Exec(ctx, chat, msg.ChatID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, ups, msg.ID, msg.ChatID, msg.SenderID, msg.Content, string(msg.Type), msg.Timestamp, msg.Size, msg.Important)
	return err
}

// DeleteMessages removes messages by id and reports how many existed.
func (r *MessageRepo) DeleteMessages(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `DELETE FROM group_messages WHERE id = ANY($1)`
	tag, err := r.db.Pool.Exec(ctx, q, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
