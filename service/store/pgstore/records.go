package pgstore

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/pkg/errors"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
)

var topicColumns = []string{
	"id", "name", "updated", "seq", "read", "recv",
	"min_local_seq", "max_local_seq", "public", "private",
}

type topicRow struct {
	ID          int64           `db:"id"`
	Name        string          `db:"name"`
	Updated     time.Time       `db:"updated"`
	Seq         int             `db:"seq"`
	Read        int             `db:"read"`
	Recv        int             `db:"recv"`
	MinLocalSeq int             `db:"min_local_seq"`
	MaxLocalSeq int             `db:"max_local_seq"`
	Public      json.RawMessage `db:"public"`
	Private     json.RawMessage `db:"private"`
}

func (r *topicRow) toRecord() *store.Topic {
	return &store.Topic{
		ID:          r.ID,
		Name:        r.Name,
		Updated:     r.Updated,
		Seq:         r.Seq,
		Read:        r.Read,
		Recv:        r.Recv,
		MinLocalSeq: r.MinLocalSeq,
		MaxLocalSeq: r.MaxLocalSeq,
		Public:      r.Public,
		Private:     r.Private,
	}
}

func (s *PgStore) TopicGetAll(ctx context.Context) []*store.Topic {
	if !s.IsReady() {
		return nil
	}
	sql, args, err := psql.Select(topicColumns...).From("topics").OrderBy("id").ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return nil
	}
	var rows []topicRow
	if err := pgxscan.Select(ctx, s.querierFromCtx(ctx), &rows, sql, args...); err != nil {
		logger.Warnf("pgstore: topic list: %v", err)
		return nil
	}
	out := make([]*store.Topic, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out
}

func (s *PgStore) TopicGet(ctx context.Context, name string) *store.Topic {
	if !s.IsReady() {
		return nil
	}
	sql, args, err := psql.Select(topicColumns...).From("topics").
		Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return nil
	}
	var row topicRow
	if err := pgxscan.Get(ctx, s.querierFromCtx(ctx), &row, sql, args...); err != nil {
		if !pgxscan.NotFound(err) {
			logger.Warnf("pgstore: topic get %s: %v", name, err)
		}
		return nil
	}
	return row.toRecord()
}

// TopicAdd inserts the topic, or returns the id of the existing row with the
// same name.
func (s *PgStore) TopicAdd(ctx context.Context, t *store.Topic) int64 {
	if !s.IsReady() || t == nil || t.Name == "" {
		return -1
	}
	sql, args, err := psql.Insert("topics").
		Columns("name", "updated", "seq", "read", "recv", "min_local_seq", "max_local_seq", "public", "private").
		Values(t.Name, defaultNow(t.Updated), t.Seq, t.Read, t.Recv, t.MinLocalSeq, t.MaxLocalSeq, t.Public, t.Private).
		Suffix("ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name RETURNING id").
		ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return -1
	}
	var id int64
	if err := s.querierFromCtx(ctx).QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		logger.Warnf("pgstore: topic add %s: %v", t.Name, err)
		return -1
	}
	return id
}

func (s *PgStore) TopicUpdate(ctx context.Context, t *store.Topic) bool {
	if !s.IsReady() || t == nil || t.ID <= 0 {
		return false
	}
	sql, args, err := psql.Update("topics").
		Set("name", t.Name).
		Set("updated", t.Updated).
		Set("seq", t.Seq).
		Set("read", t.Read).
		Set("recv", t.Recv).
		Set("min_local_seq", t.MinLocalSeq).
		Set("max_local_seq", t.MaxLocalSeq).
		Set("public", t.Public).
		Set("private", t.Private).
		Where(sq.Eq{"id": t.ID}).
		ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx, sql, args...)
	if err != nil {
		logger.Warnf("pgstore: topic update %d: %v", t.ID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

// TopicDelete removes the topic with its subscriptions and messages in one
// transaction.
func (s *PgStore) TopicDelete(ctx context.Context, topicID int64) bool {
	err := s.RunAtomically(ctx, "topicDelete", func(ctx context.Context) error {
		q := s.querierFromCtx(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM messages WHERE topic_id = $1`, topicID); err != nil {
			return err
		}
		if _, err := q.Exec(ctx, `DELETE FROM subs WHERE topic_id = $1`, topicID); err != nil {
			return err
		}
		tag, err := q.Exec(ctx, `DELETE FROM topics WHERE id = $1`, topicID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errors.Errorf("no topic %d", topicID)
		}
		return nil
	})
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	return true
}

func (s *PgStore) SetRead(ctx context.Context, topicID int64, read int) bool {
	return s.advanceTopicWatermark(ctx, topicID, "read", read)
}

func (s *PgStore) SetRecv(ctx context.Context, topicID int64, recv int) bool {
	return s.advanceTopicWatermark(ctx, topicID, "recv", recv)
}

// advanceTopicWatermark bumps one of the monotonic counters; a stale value
// matches no row and reports false.
func (s *PgStore) advanceTopicWatermark(ctx context.Context, topicID int64, column string, val int) bool {
	if !s.IsReady() {
		return false
	}
	sql, args, err := psql.Update("topics").
		Set(column, val).
		Where(sq.Eq{"id": topicID}).
		Where(sq.Lt{column: val}).
		ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx, sql, args...)
	if err != nil {
		logger.Warnf("pgstore: %s watermark: %v", column, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (s *PgStore) CachedMessageRange(ctx context.Context, topicID int64) (store.Range, bool) {
	if !s.IsReady() {
		return store.Range{}, false
	}
	var min, max int
	err := s.querierFromCtx(ctx).QueryRow(ctx,
		`SELECT min_local_seq, max_local_seq FROM topics WHERE id = $1`, topicID).
		Scan(&min, &max)
	if err != nil || max == 0 {
		return store.Range{}, false
	}
	return store.Range{Min: min, Max: max}, true
}

var subColumns = []string{
	"id", "topic_id", "user_id", "uid", "mode", "status", "read", "recv", "updated",
}

type subRow struct {
	ID      int64     `db:"id"`
	TopicID int64     `db:"topic_id"`
	UserID  int64     `db:"user_id"`
	UID     string    `db:"uid"`
	Mode    string    `db:"mode"`
	Status  int       `db:"status"`
	Read    int       `db:"read"`
	Recv    int       `db:"recv"`
	Updated time.Time `db:"updated"`
}

func (r *subRow) toRecord() *store.Subscription {
	return &store.Subscription{
		ID:      r.ID,
		TopicID: r.TopicID,
		UserID:  r.UserID,
		UID:     r.UID,
		Mode:    r.Mode,
		Status:  r.Status,
		Read:    r.Read,
		Recv:    r.Recv,
		Updated: r.Updated,
	}
}

func (s *PgStore) subInsert(ctx context.Context, topicID int64, sub *store.Subscription, status int) int64 {
	if !s.IsReady() || sub == nil || topicID <= 0 {
		return -1
	}
	sql, args, err := psql.Insert("subs").
		Columns("topic_id", "user_id", "uid", "mode", "status", "read", "recv", "updated").
		Values(topicID, sub.UserID, sub.UID, sub.Mode, status, sub.Read, sub.Recv, defaultNow(sub.Updated)).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return -1
	}
	var id int64
	if err := s.querierFromCtx(ctx).QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		logger.Warnf("pgstore: sub insert for %s: %v", sub.UID, err)
		return -1
	}
	return id
}

func (s *PgStore) SubAdd(ctx context.Context, topicID int64, sub *store.Subscription) int64 {
	return s.subInsert(ctx, topicID, sub, store.StatusSynced)
}

func (s *PgStore) SubNew(ctx context.Context, topicID int64, sub *store.Subscription) int64 {
	return s.subInsert(ctx, topicID, sub, store.StatusQueued)
}

func (s *PgStore) SubUpdate(ctx context.Context, sub *store.Subscription) bool {
	if !s.IsReady() || sub == nil || sub.ID <= 0 {
		return false
	}
	sql, args, err := psql.Update("subs").
		Set("mode", sub.Mode).
		Set("status", sub.Status).
		Set("read", sub.Read).
		Set("recv", sub.Recv).
		Set("updated", sub.Updated).
		Where(sq.Eq{"id": sub.ID}).
		ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx, sql, args...)
	if err != nil {
		logger.Warnf("pgstore: sub update %d: %v", sub.ID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (s *PgStore) SubDelete(ctx context.Context, subID int64) bool {
	if !s.IsReady() {
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx, `DELETE FROM subs WHERE id = $1`, subID)
	if err != nil {
		logger.Warnf("pgstore: sub delete %d: %v", subID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func (s *PgStore) SubsForTopic(ctx context.Context, topicID int64) []*store.Subscription {
	if !s.IsReady() {
		return nil
	}
	sql, args, err := psql.Select(subColumns...).From("subs").
		Where(sq.Eq{"topic_id": topicID}).OrderBy("id").ToSql()
	if err != nil {
		logger.Warnf("pgstore: %v", err)
		return nil
	}
	var rows []subRow
	if err := pgxscan.Select(ctx, s.querierFromCtx(ctx), &rows, sql, args...); err != nil {
		logger.Warnf("pgstore: subs for topic %d: %v", topicID, err)
		return nil
	}
	out := make([]*store.Subscription, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toRecord())
	}
	return out
}

type userRow struct {
	ID      int64           `db:"id"`
	UID     string          `db:"uid"`
	Updated time.Time       `db:"updated"`
	Public  json.RawMessage `db:"public"`
}

func (s *PgStore) UserGet(ctx context.Context, uid string) *store.User {
	if !s.IsReady() {
		return nil
	}
	var row userRow
	err := pgxscan.Get(ctx, s.querierFromCtx(ctx), &row,
		`SELECT id, uid, updated, public FROM users WHERE uid = $1`, uid)
	if err != nil {
		if !pgxscan.NotFound(err) {
			logger.Warnf("pgstore: user get %s: %v", uid, err)
		}
		return nil
	}
	return &store.User{ID: row.ID, UID: row.UID, Updated: row.Updated, Public: row.Public}
}

func (s *PgStore) UserID(ctx context.Context, uid string) int64 {
	if !s.IsReady() || uid == "" {
		return -1
	}
	var id int64
	err := s.querierFromCtx(ctx).QueryRow(ctx, `SELECT id FROM users WHERE uid = $1`, uid).Scan(&id)
	if err != nil {
		return -1
	}
	return id
}

func (s *PgStore) UserAdd(ctx context.Context, u *store.User) int64 {
	if !s.IsReady() || u == nil || u.UID == "" {
		return -1
	}
	var id int64
	err := s.querierFromCtx(ctx).QueryRow(ctx,
		`INSERT INTO users (uid, updated, public) VALUES ($1, $2, $3)
		 ON CONFLICT (uid) DO UPDATE SET uid = EXCLUDED.uid RETURNING id`,
		u.UID, defaultNow(u.Updated), u.Public).Scan(&id)
	if err != nil {
		logger.Warnf("pgstore: user add %s: %v", u.UID, err)
		return -1
	}
	return id
}

func (s *PgStore) UserUpdate(ctx context.Context, u *store.User) bool {
	if !s.IsReady() || u == nil || u.ID <= 0 {
		return false
	}
	tag, err := s.querierFromCtx(ctx).Exec(ctx,
		`UPDATE users SET updated = $2, public = $3 WHERE id = $1`,
		u.ID, u.Updated, u.Public)
	if err != nil {
		logger.Warnf("pgstore: user update %d: %v", u.ID, err)
		return false
	}
	return tag.RowsAffected() > 0
}

func defaultNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}
