package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/pkg/errors"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
)

type messageRow struct {
	ID      int64           `db:"id"`
	TopicID int64           `db:"topic_id"`
	UserID  int64           `db:"user_id"`
	Author  string          `db:"author"`
	Seq     int             `db:"seq"`
	Ts      time.Time       `db:"ts"`
	Status  int             `db:"status"`
	Content json.RawMessage `db:"content"`
}

func (r *messageRow) toRecord() *store.Message {
	return &store.Message{
		ID:      r.ID,
		TopicID: r.TopicID,
		UserID:  r.UserID,
		From:    r.Author,
		Seq:     r.Seq,
		Ts:      r.Ts,
		Status:  r.Status,
		Content: r.Content,
	}
}

const advanceWatermarkSQL = `
UPDATE topics SET
	seq           = GREATEST(seq, $2),
	max_local_seq = GREATEST(max_local_seq, $2),
	min_local_seq = CASE WHEN min_local_seq = 0 OR $2 < min_local_seq THEN $2 ELSE min_local_seq END,
	updated       = GREATEST(updated, $3)
WHERE id = $1`

// MsgReceived inserts a server-sent message and advances the topic watermark
// in one transaction. An author that resolves to no user refuses the write.
func (s *PgStore) MsgReceived(ctx context.Context, topic *store.Topic, sub *store.Subscription, data *store.IncomingData) int64 {
	if data == nil || topic == nil {
		return -1
	}
	var msgID int64 = -1
	err := s.RunAtomically(ctx, "msgReceived", func(ctx context.Context) error {
		q := s.querierFromCtx(ctx)

		var topicID, userID int64 = -1, -1
		if sub != nil && sub.ID > 0 {
			topicID = sub.TopicID
			userID = sub.UserID
		} else {
			topicID = topic.ID
			if err := q.QueryRow(ctx, `SELECT id FROM users WHERE uid = $1`, data.From).Scan(&userID); err != nil {
				userID = -1
			}
		}
		if topicID <= 0 || userID <= 0 {
			return errors.Errorf("unresolvable author %s", data.From)
		}

		err := q.QueryRow(ctx,
			`INSERT INTO messages (topic_id, user_id, author, seq, ts, status, content)
			 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
			topicID, userID, data.From, data.Seq, data.Ts, store.StatusSynced, data.Content).Scan(&msgID)
		if err != nil {
			return errors.Wrap(err, "message insert")
		}

		tag, err := q.Exec(ctx, advanceWatermarkSQL, topicID, data.Seq, data.Ts)
		if err != nil {
			return errors.Wrap(err, "watermark update")
		}
		if tag.RowsAffected() == 0 {
			return errors.Errorf("no topic %d", topicID)
		}
		return nil
	})
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return -1
	}
	return msgID
}

// insertLocal writes a message authored by the local user. Seq stays 0 until
// delivery.
func (s *PgStore) insertLocal(ctx context.Context, topic *store.Topic, content json.RawMessage, status int) int64 {
	if !s.IsReady() || topic == nil || topic.ID <= 0 {
		return -1
	}
	s.mu.Lock()
	uid := s.uid
	adj := s.timeAdj
	s.mu.Unlock()

	var id int64
	err := s.querierFromCtx(ctx).QueryRow(ctx,
		`INSERT INTO messages (topic_id, user_id, author, seq, ts, status, content)
		 SELECT $1, u.id, $2, 0, $3, $4, $5 FROM users u WHERE u.uid = $2
		 RETURNING id`,
		topic.ID, uid, time.Now().Add(adj), status, content).Scan(&id)
	if err != nil {
		logger.Warnf("pgstore: local message insert: %v", err)
		return -1
	}
	return id
}

func (s *PgStore) MsgSend(ctx context.Context, topic *store.Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, store.StatusUndefined)
}

func (s *PgStore) MsgDraft(ctx context.Context, topic *store.Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, store.StatusDraft)
}

func (s *PgStore) setStatusContent(ctx context.Context, msgID int64, status int, content json.RawMessage) bool {
	if !s.IsReady() {
		return false
	}
	var (
		tagSQL string
		args   []any
	)
	if content != nil {
		tagSQL = `UPDATE messages SET status = $2, content = $3 WHERE id = $1`
		args = []any{msgID, status, content}
	} else {
		tagSQL = `UPDATE messages SET status = $2 WHERE id = $1`
		args = []any{msgID, status}
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx, tagSQL, args...)
	if err != nil {
		logger.Warnf("pgstore: message %d status: %v", msgID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (s *PgStore) MsgDraftUpdate(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, store.StatusUndefined, content)
}

func (s *PgStore) MsgReady(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, store.StatusQueued, content)
}

func (s *PgStore) MsgFailed(ctx context.Context, msgID int64) bool {
	return s.setStatusContent(ctx, msgID, store.StatusFailed, nil)
}

// MsgDiscard hard-deletes a message that never reached the server.
func (s *PgStore) MsgDiscard(ctx context.Context, msgID int64) bool {
	if !s.IsReady() {
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx,
		`DELETE FROM messages WHERE id = $1 AND status <> $2`, msgID, store.StatusSynced)
	if err != nil {
		logger.Warnf("pgstore: message %d discard: %v", msgID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

// MsgDelivered promotes a pending message to its server-assigned seq and
// advances the topic watermark in the same transaction.
func (s *PgStore) MsgDelivered(ctx context.Context, topic *store.Topic, msgID int64, ts time.Time, seq int) bool {
	if topic == nil {
		return false
	}
	err := s.RunAtomically(ctx, "msgDelivered", func(ctx context.Context) error {
		q := s.querierFromCtx(ctx)
		tag, err := q.Exec(ctx,
			`UPDATE messages SET seq = $2, ts = $3, status = $4 WHERE id = $1`,
			msgID, seq, ts, store.StatusSynced)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Errorf("no message %d", msgID)
		}
		if _, err := q.Exec(ctx, advanceWatermarkSQL, topic.ID, seq, ts); err != nil {
			return errors.Wrap(err, "watermark update")
		}
		return nil
	})
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	return true
}

// MsgMarkToDelete hides (soft) or removes (hard) the messages in the
// inclusive [loSeq,hiSeq] span.
func (s *PgStore) MsgMarkToDelete(ctx context.Context, topicID int64, loSeq, hiSeq int, hard bool) bool {
	if loSeq <= 0 || hiSeq < loSeq {
		return false
	}
	err := s.RunAtomically(ctx, "msgDelete", func(ctx context.Context) error {
		q := s.querierFromCtx(ctx)
		if hard {
			_, err := q.Exec(ctx,
				`DELETE FROM messages WHERE topic_id = $1 AND seq BETWEEN $2 AND $3`,
				topicID, loSeq, hiSeq)
			return err
		}
		_, err := q.Exec(ctx,
			`UPDATE messages SET status = $4, content = NULL
			 WHERE topic_id = $1 AND seq BETWEEN $2 AND $3`,
			topicID, loSeq, hiSeq, store.StatusDeleted)
		return err
	})
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	return true
}

// markByRemote advances a peer watermark. A stale value is a successful
// no-op; an unknown sub reports false.
func (s *PgStore) markByRemote(ctx context.Context, subID int64, val int, column string) bool {
	if !s.IsReady() {
		return false
	}
	sql := `UPDATE subs SET ` + column + ` = GREATEST(` + column + `, $2) WHERE id = $1`
	tag, err := s.querierFromCtx(ctx).Exec(ctx, sql, subID, val)
	if err != nil {
		logger.Warnf("pgstore: sub %d %s receipt: %v", subID, column, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (s *PgStore) MsgRecvByRemote(ctx context.Context, subID int64, recv int) bool {
	return s.markByRemote(ctx, subID, recv, "recv")
}

func (s *PgStore) MsgReadByRemote(ctx context.Context, subID int64, read int) bool {
	return s.markByRemote(ctx, subID, read, "read")
}

func (s *PgStore) MessageByID(ctx context.Context, msgID int64) *store.Message {
	if !s.IsReady() {
		return nil
	}
	var row messageRow
	err := pgxscan.Get(ctx, s.querierFromCtx(ctx), &row,
		`SELECT id, topic_id, user_id, author, seq, ts, status, content
		 FROM messages WHERE id = $1`, msgID)
	if err != nil {
		if !pgxscan.NotFound(err) {
			logger.Warnf("pgstore: message get %d: %v", msgID, err)
		}
		return nil
	}
	return row.toRecord()
}

// QueuedMessages lists the topic's messages still awaiting transmission, in
// local insertion order.
func (s *PgStore) QueuedMessages(ctx context.Context, topicID int64) []*store.Message {
	if !s.IsReady() {
		return nil
	}
	var rows []messageRow
	err := pgxscan.Select(ctx, s.querierFromCtx(ctx), &rows,
		`SELECT id, topic_id, user_id, author, seq, ts, status, content
		 FROM messages WHERE topic_id = $1 AND status IN ($2, $3) ORDER BY id`,
		topicID, store.StatusUndefined, store.StatusQueued)
	if err != nil {
		logger.Warnf("pgstore: queued messages for %d: %v", topicID, err)
		return nil
	}
	out := make([]*store.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out
}
