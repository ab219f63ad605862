package pgstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgr-im/msgr/service/store"
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := New(mock)
	s.ready = true
	return s, mock
}

func expectationsMet(t *testing.T, mock pgxmock.PgxPoolIface) {
	t.Helper()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMsgReceivedCommitsInsertAndWatermark(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	topic := &store.Topic{ID: 3, Name: "grpTest"}
	sub := &store.Subscription{ID: 5, TopicID: 3, UserID: 9, UID: "usrBob"}
	data := &store.IncomingData{From: "usrBob", Seq: 14, Ts: time.Now(), Content: json.RawMessage(`"hi"`)}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(3), int64(9), "usrBob", 14, data.Ts, store.StatusSynced, data.Content).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec(`UPDATE topics SET`).
		WithArgs(int64(3), 14, data.Ts).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	assert.Equal(t, int64(21), s.MsgReceived(ctx, topic, sub, data))
	expectationsMet(t, mock)
}

func TestMsgReceivedUnknownAuthorRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	topic := &store.Topic{ID: 3, Name: "grpTest"}
	data := &store.IncomingData{From: "usrGhost", Seq: 2, Ts: time.Now(), Content: json.RawMessage(`"x"`)}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users`).
		WithArgs("usrGhost").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	assert.Equal(t, int64(-1), s.MsgReceived(ctx, topic, nil, data))
	expectationsMet(t, mock)
}

func TestMsgReceivedRollsBackOnWatermarkFailure(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	topic := &store.Topic{ID: 3, Name: "grpTest"}
	sub := &store.Subscription{ID: 5, TopicID: 3, UserID: 9, UID: "usrBob"}
	data := &store.IncomingData{From: "usrBob", Seq: 14, Ts: time.Now(), Content: json.RawMessage(`"hi"`)}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO messages`).
		WithArgs(int64(3), int64(9), "usrBob", 14, data.Ts, store.StatusSynced, data.Content).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(21)))
	mock.ExpectExec(`UPDATE topics SET`).
		WithArgs(int64(3), 14, data.Ts).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	assert.Equal(t, int64(-1), s.MsgReceived(ctx, topic, sub, data))
	expectationsMet(t, mock)
}

func TestMsgDeliveredPromotesAndAdvances(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET seq`).
		WithArgs(int64(8), 30, now, store.StatusSynced).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE topics SET`).
		WithArgs(int64(3), 30, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	assert.True(t, s.MsgDelivered(ctx, &store.Topic{ID: 3}, 8, now, 30))
	expectationsMet(t, mock)
}

func TestMsgDeliveredUnknownMessageRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET seq`).
		WithArgs(int64(8), 30, now, store.StatusSynced).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	assert.False(t, s.MsgDelivered(ctx, &store.Topic{ID: 3}, 8, now, 30))
	expectationsMet(t, mock)
}

func TestTopicDeleteRemovesDependentsFirst(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM messages WHERE topic_id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))
	mock.ExpectExec(`DELETE FROM subs WHERE topic_id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM topics WHERE id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	assert.True(t, s.TopicDelete(ctx, 3))
	expectationsMet(t, mock)
}

func TestTopicDeleteMissingTopicRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM messages WHERE topic_id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM subs WHERE topic_id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM topics WHERE id`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectRollback()

	assert.False(t, s.TopicDelete(ctx, 3))
	expectationsMet(t, mock)
}

func TestTopicAddUpsertsByName(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`INSERT INTO topics`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	id := s.TopicAdd(ctx, &store.Topic{Name: "grpTest"})
	assert.Equal(t, int64(3), id)
	expectationsMet(t, mock)
}

func TestSetReadStaleValueReportsFalse(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE topics SET read`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.False(t, s.SetRead(ctx, 3, 2))
	expectationsMet(t, mock)
}

func TestRecvByRemoteUnknownSubReportsFalse(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE subs SET recv = GREATEST`).
		WithArgs(int64(404), 7).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.False(t, s.MsgRecvByRemote(ctx, 404, 7))
	expectationsMet(t, mock)
}

func TestReadByRemoteStaleValueIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	// GREATEST keeps the higher stored value; the row still matches.
	mock.ExpectExec(`UPDATE subs SET read = GREATEST`).
		WithArgs(int64(5), 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	assert.True(t, s.MsgReadByRemote(ctx, 5, 2))
	expectationsMet(t, mock)
}

func TestMsgMarkToDeleteSoft(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE messages SET status`).
		WithArgs(int64(3), 2, 5, store.StatusDeleted).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	mock.ExpectCommit()

	assert.True(t, s.MsgMarkToDelete(ctx, 3, 2, 5, false))
	expectationsMet(t, mock)
}

func TestMsgMarkToDeleteRejectsBadRange(t *testing.T) {
	s, mock := newMockStore(t)
	assert.False(t, s.MsgMarkToDelete(context.Background(), 3, 0, 5, false))
	assert.False(t, s.MsgMarkToDelete(context.Background(), 3, 6, 5, true))
	expectationsMet(t, mock)
}

func TestRunAtomicallyRejectsNesting(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := s.RunAtomically(context.Background(), "outer", func(ctx context.Context) error {
		inner := s.RunAtomically(ctx, "inner", func(ctx context.Context) error { return nil })
		assert.Error(t, inner)
		return nil
	})
	require.NoError(t, err)
	expectationsMet(t, mock)
}

func TestUnreadyStoreReturnsEmpty(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := New(mock)
	ctx := context.Background()

	assert.Nil(t, s.TopicGetAll(ctx))
	assert.Nil(t, s.TopicGet(ctx, "grpTest"))
	assert.Equal(t, int64(-1), s.TopicAdd(ctx, &store.Topic{Name: "grpTest"}))
	assert.Nil(t, s.UserGet(ctx, "usrBob"))
	_, ok := s.CachedMessageRange(ctx, 1)
	assert.False(t, ok)
	expectationsMet(t, mock)
}
