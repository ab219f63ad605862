package mgostore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
)

type messageDoc struct {
	ID      int64     `bson:"_id"`
	TopicID int64     `bson:"topic_id"`
	UserID  int64     `bson:"user_id"`
	Author  string    `bson:"author"`
	Seq     int       `bson:"seq"`
	Ts      time.Time `bson:"ts"`
	Status  int       `bson:"status"`
	Content []byte    `bson:"content,omitempty"`
}

func (d *messageDoc) toRecord() *store.Message {
	return &store.Message{
		ID:      d.ID,
		TopicID: d.TopicID,
		UserID:  d.UserID,
		From:    d.Author,
		Seq:     d.Seq,
		Ts:      d.Ts,
		Status:  d.Status,
		Content: json.RawMessage(d.Content),
	}
}

// advanceWatermark lifts the topic's seq span and updated timestamp to cover
// (seq, ts). min_local_seq treats zero as unset.
func (s *MgoStore) advanceWatermark(ctx context.Context, topicID int64, seq int, ts time.Time) error {
	pipeline := bson.A{bson.M{"$set": bson.M{
		"seq":           bson.M{"$max": bson.A{"$seq", seq}},
		"max_local_seq": bson.M{"$max": bson.A{"$max_local_seq", seq}},
		"min_local_seq": bson.M{"$cond": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"$eq": bson.A{"$min_local_seq", 0}},
				bson.M{"$gt": bson.A{"$min_local_seq", seq}},
			}},
			seq,
			"$min_local_seq",
		}},
		"updated": bson.M{"$max": bson.A{"$updated", ts}},
	}}}
	res, err := s.db.Collection(topicsColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: topicID}}, pipeline)
	if err != nil {
		return errors.Wrap(err, "watermark update")
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("no topic %d", topicID)
	}
	return nil
}

// MsgReceived inserts a server-sent message and advances the topic watermark
// in one transaction. An author that resolves to no user refuses the write.
func (s *MgoStore) MsgReceived(ctx context.Context, topic *store.Topic, sub *store.Subscription, data *store.IncomingData) int64 {
	if data == nil || topic == nil {
		return -1
	}
	var msgID int64 = -1
	err := s.RunAtomically(ctx, "msgReceived", func(ctx context.Context) error {
		var topicID, userID int64 = -1, -1
		if sub != nil && sub.ID > 0 {
			topicID = sub.TopicID
			userID = sub.UserID
		} else {
			topicID = topic.ID
			userID = s.UserID(ctx, data.From)
		}
		if topicID <= 0 || userID <= 0 {
			return errors.Errorf("unresolvable author %s", data.From)
		}

		id, err := s.nextID(ctx, messagesColl)
		if err != nil {
			return err
		}
		doc := messageDoc{
			ID:      id,
			TopicID: topicID,
			UserID:  userID,
			Author:  data.From,
			Seq:     data.Seq,
			Ts:      data.Ts,
			Status:  store.StatusSynced,
			Content: data.Content,
		}
		if _, err := s.db.Collection(messagesColl).InsertOne(ctx, doc); err != nil {
			return errors.Wrap(err, "message insert")
		}
		if err := s.advanceWatermark(ctx, topicID, data.Seq, data.Ts); err != nil {
			return err
		}
		msgID = id
		return nil
	})
	if err != nil {
		logger.Warnf("mgostore: %v", err)
		return -1
	}
	return msgID
}

// insertLocal stores a locally authored message with seq 0. The local user
// must already be cached.
func (s *MgoStore) insertLocal(ctx context.Context, topic *store.Topic, content json.RawMessage, status int) int64 {
	if !s.IsReady() || topic == nil || topic.ID <= 0 {
		return -1
	}
	s.mu.Lock()
	uid := s.uid
	adj := s.timeAdj
	s.mu.Unlock()

	userID := s.UserID(ctx, uid)
	if userID <= 0 {
		logger.Warnf("mgostore: local user %s not cached", uid)
		return -1
	}
	id, err := s.nextID(ctx, messagesColl)
	if err != nil {
		logger.Warnf("mgostore: local message: %v", err)
		return -1
	}
	doc := messageDoc{
		ID:      id,
		TopicID: topic.ID,
		UserID:  userID,
		Author:  uid,
		Seq:     0,
		Ts:      time.Now().Add(adj),
		Status:  status,
		Content: content,
	}
	if _, err := s.db.Collection(messagesColl).InsertOne(ctx, doc); err != nil {
		logger.Warnf("mgostore: local message: %v", err)
		return -1
	}
	return id
}

func (s *MgoStore) MsgSend(ctx context.Context, topic *store.Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, store.StatusUndefined)
}

func (s *MgoStore) MsgDraft(ctx context.Context, topic *store.Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, store.StatusDraft)
}

func (s *MgoStore) setStatusContent(ctx context.Context, msgID int64, status int, content json.RawMessage) bool {
	if !s.IsReady() {
		return false
	}
	set := bson.D{{Key: "status", Value: status}}
	if content != nil {
		set = append(set, bson.E{Key: "content", Value: []byte(content)})
	}
	res, err := s.db.Collection(messagesColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: msgID}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		logger.Warnf("mgostore: message %d status: %v", msgID, err)
		return false
	}
	return res.MatchedCount > 0
}

func (s *MgoStore) MsgDraftUpdate(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, store.StatusUndefined, content)
}

func (s *MgoStore) MsgReady(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, store.StatusQueued, content)
}

func (s *MgoStore) MsgFailed(ctx context.Context, msgID int64) bool {
	return s.setStatusContent(ctx, msgID, store.StatusFailed, nil)
}

// MsgDiscard hard-deletes a message that never reached the server.
func (s *MgoStore) MsgDiscard(ctx context.Context, msgID int64) bool {
	if !s.IsReady() {
		return false
	}
	res, err := s.db.Collection(messagesColl).DeleteOne(ctx, bson.D{
		{Key: "_id", Value: msgID},
		{Key: "status", Value: bson.D{{Key: "$ne", Value: store.StatusSynced}}},
	})
	if err != nil {
		logger.Warnf("mgostore: message %d discard: %v", msgID, err)
		return false
	}
	return res.DeletedCount > 0
}

// MsgDelivered promotes a pending message to its server seq and timestamp,
// advancing the topic watermark in the same transaction.
func (s *MgoStore) MsgDelivered(ctx context.Context, topic *store.Topic, msgID int64, ts time.Time, seq int) bool {
	if topic == nil {
		return false
	}
	err := s.RunAtomically(ctx, "msgDelivered", func(ctx context.Context) error {
		res, err := s.db.Collection(messagesColl).UpdateOne(ctx,
			bson.D{{Key: "_id", Value: msgID}},
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "seq", Value: seq},
				{Key: "ts", Value: ts},
				{Key: "status", Value: store.StatusSynced},
			}}})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return errors.Errorf("no message %d", msgID)
		}
		return s.advanceWatermark(ctx, topic.ID, seq, ts)
	})
	if err != nil {
		logger.Warnf("mgostore: %v", err)
		return false
	}
	return true
}

// MsgMarkToDelete hides (soft) or removes (hard) messages in the inclusive
// seq range as one transaction.
func (s *MgoStore) MsgMarkToDelete(ctx context.Context, topicID int64, loSeq, hiSeq int, hard bool) bool {
	if loSeq <= 0 || hiSeq < loSeq {
		return false
	}
	filter := bson.D{
		{Key: "topic_id", Value: topicID},
		{Key: "seq", Value: bson.D{{Key: "$gte", Value: loSeq}, {Key: "$lte", Value: hiSeq}}},
	}
	err := s.RunAtomically(ctx, "msgDelete", func(ctx context.Context) error {
		coll := s.db.Collection(messagesColl)
		if hard {
			_, err := coll.DeleteMany(ctx, filter)
			return err
		}
		_, err := coll.UpdateMany(ctx, filter, bson.D{
			{Key: "$set", Value: bson.D{{Key: "status", Value: store.StatusDeleted}}},
			{Key: "$unset", Value: bson.D{{Key: "content", Value: ""}}},
		})
		return err
	})
	if err != nil {
		logger.Warnf("mgostore: %v", err)
		return false
	}
	return true
}

// markByRemote advances a peer watermark. A stale value is a successful
// no-op; an unknown sub reports false.
func (s *MgoStore) markByRemote(ctx context.Context, subID int64, val int, field string) bool {
	if !s.IsReady() {
		return false
	}
	res, err := s.db.Collection(subsColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: subID}},
		bson.D{{Key: "$max", Value: bson.D{{Key: field, Value: val}}}})
	if err != nil {
		logger.Warnf("mgostore: sub %d %s receipt: %v", subID, field, err)
		return false
	}
	return res.MatchedCount > 0
}

func (s *MgoStore) MsgRecvByRemote(ctx context.Context, subID int64, recv int) bool {
	return s.markByRemote(ctx, subID, recv, "recv")
}

func (s *MgoStore) MsgReadByRemote(ctx context.Context, subID int64, read int) bool {
	return s.markByRemote(ctx, subID, read, "read")
}

func (s *MgoStore) MessageByID(ctx context.Context, msgID int64) *store.Message {
	if !s.IsReady() {
		return nil
	}
	var doc messageDoc
	err := s.db.Collection(messagesColl).FindOne(ctx, bson.D{{Key: "_id", Value: msgID}}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.Warnf("mgostore: message get %d: %v", msgID, err)
		}
		return nil
	}
	return doc.toRecord()
}

func (s *MgoStore) QueuedMessages(ctx context.Context, topicID int64) []*store.Message {
	if !s.IsReady() {
		return nil
	}
	cur, err := s.db.Collection(messagesColl).Find(ctx,
		bson.D{
			{Key: "topic_id", Value: topicID},
			{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{store.StatusUndefined, store.StatusQueued}}}},
		},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		logger.Warnf("mgostore: queued messages for %d: %v", topicID, err)
		return nil
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		logger.Warnf("mgostore: queued messages for %d: %v", topicID, err)
		return nil
	}
	out := make([]*store.Message, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toRecord())
	}
	return out
}
