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

type topicDoc struct {
	ID          int64     `bson:"_id"`
	Name        string    `bson:"name"`
	Updated     time.Time `bson:"updated"`
	Seq         int       `bson:"seq"`
	Read        int       `bson:"read"`
	Recv        int       `bson:"recv"`
	MinLocalSeq int       `bson:"min_local_seq"`
	MaxLocalSeq int       `bson:"max_local_seq"`
	Public      []byte    `bson:"public,omitempty"`
	Private     []byte    `bson:"private,omitempty"`
}

func (d *topicDoc) toRecord() *store.Topic {
	return &store.Topic{
		ID:          d.ID,
		Name:        d.Name,
		Updated:     d.Updated,
		Seq:         d.Seq,
		Read:        d.Read,
		Recv:        d.Recv,
		MinLocalSeq: d.MinLocalSeq,
		MaxLocalSeq: d.MaxLocalSeq,
		Public:      json.RawMessage(d.Public),
		Private:     json.RawMessage(d.Private),
	}
}

func topicToDoc(id int64, t *store.Topic) topicDoc {
	return topicDoc{
		ID:          id,
		Name:        t.Name,
		Updated:     defaultNow(t.Updated),
		Seq:         t.Seq,
		Read:        t.Read,
		Recv:        t.Recv,
		MinLocalSeq: t.MinLocalSeq,
		MaxLocalSeq: t.MaxLocalSeq,
		Public:      t.Public,
		Private:     t.Private,
	}
}

func defaultNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

func (s *MgoStore) TopicGetAll(ctx context.Context) []*store.Topic {
	if !s.IsReady() {
		return nil
	}
	cur, err := s.db.Collection(topicsColl).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		logger.Warnf("mgostore: topics: %v", err)
		return nil
	}
	var docs []topicDoc
	if err := cur.All(ctx, &docs); err != nil {
		logger.Warnf("mgostore: topics: %v", err)
		return nil
	}
	out := make([]*store.Topic, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toRecord())
	}
	return out
}

func (s *MgoStore) TopicGet(ctx context.Context, name string) *store.Topic {
	if !s.IsReady() {
		return nil
	}
	var doc topicDoc
	err := s.db.Collection(topicsColl).FindOne(ctx, bson.D{{Key: "name", Value: name}}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.Warnf("mgostore: topic %s: %v", name, err)
		}
		return nil
	}
	return doc.toRecord()
}

// TopicAdd inserts the topic, or returns the id of the existing document
// with the same name.
func (s *MgoStore) TopicAdd(ctx context.Context, t *store.Topic) int64 {
	if !s.IsReady() || t == nil || t.Name == "" {
		return -1
	}
	id, err := s.nextID(ctx, topicsColl)
	if err != nil {
		logger.Warnf("mgostore: topic add %s: %v", t.Name, err)
		return -1
	}
	var doc topicDoc
	err = s.db.Collection(topicsColl).FindOneAndUpdate(ctx,
		bson.D{{Key: "name", Value: t.Name}},
		bson.D{{Key: "$setOnInsert", Value: topicToDoc(id, t)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		logger.Warnf("mgostore: topic add %s: %v", t.Name, err)
		return -1
	}
	return doc.ID
}

func (s *MgoStore) TopicUpdate(ctx context.Context, t *store.Topic) bool {
	if !s.IsReady() || t == nil || t.ID <= 0 {
		return false
	}
	res, err := s.db.Collection(topicsColl).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: t.ID}}, topicToDoc(t.ID, t))
	if err != nil {
		logger.Warnf("mgostore: topic update %d: %v", t.ID, err)
		return false
	}
	return res.MatchedCount > 0
}

// TopicDelete removes the topic with its subscriptions and messages in one
// transaction.
func (s *MgoStore) TopicDelete(ctx context.Context, topicID int64) bool {
	err := s.RunAtomically(ctx, "topicDelete", func(ctx context.Context) error {
		byTopic := bson.D{{Key: "topic_id", Value: topicID}}
		if _, err := s.db.Collection(messagesColl).DeleteMany(ctx, byTopic); err != nil {
			return err
		}
		if _, err := s.db.Collection(subsColl).DeleteMany(ctx, byTopic); err != nil {
			return err
		}
		res, err := s.db.Collection(topicsColl).DeleteOne(ctx, bson.D{{Key: "_id", Value: topicID}})
		if err != nil {
			return err
		}
		if res.DeletedCount == 0 {
			return errors.Errorf("no topic %d", topicID)
		}
		return nil
	})
	if err != nil {
		logger.Warnf("mgostore: %v", err)
		return false
	}
	return true
}

func (s *MgoStore) SetRead(ctx context.Context, topicID int64, read int) bool {
	return s.advanceTopicWatermark(ctx, topicID, "read", read)
}

func (s *MgoStore) SetRecv(ctx context.Context, topicID int64, recv int) bool {
	return s.advanceTopicWatermark(ctx, topicID, "recv", recv)
}

// advanceTopicWatermark bumps one of the monotonic counters; a stale value
// matches no document and reports false.
func (s *MgoStore) advanceTopicWatermark(ctx context.Context, topicID int64, field string, val int) bool {
	if !s.IsReady() {
		return false
	}
	res, err := s.db.Collection(topicsColl).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: topicID},
			{Key: field, Value: bson.D{{Key: "$lt", Value: val}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: field, Value: val}}}})
	if err != nil {
		logger.Warnf("mgostore: topic %d %s: %v", topicID, field, err)
		return false
	}
	return res.ModifiedCount > 0
}

func (s *MgoStore) CachedMessageRange(ctx context.Context, topicID int64) (store.Range, bool) {
	if !s.IsReady() {
		return store.Range{}, false
	}
	var doc topicDoc
	err := s.db.Collection(topicsColl).FindOne(ctx, bson.D{{Key: "_id", Value: topicID}}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.Warnf("mgostore: range %d: %v", topicID, err)
		}
		return store.Range{}, false
	}
	if doc.MaxLocalSeq == 0 {
		return store.Range{}, false
	}
	return store.Range{Min: doc.MinLocalSeq, Max: doc.MaxLocalSeq}, true
}

type subDoc struct {
	ID      int64     `bson:"_id"`
	TopicID int64     `bson:"topic_id"`
	UserID  int64     `bson:"user_id"`
	UID     string    `bson:"uid"`
	Mode    string    `bson:"mode"`
	Status  int       `bson:"status"`
	Read    int       `bson:"read"`
	Recv    int       `bson:"recv"`
	Updated time.Time `bson:"updated"`
}

func (d *subDoc) toRecord() *store.Subscription {
	return &store.Subscription{
		ID:      d.ID,
		TopicID: d.TopicID,
		UserID:  d.UserID,
		UID:     d.UID,
		Mode:    d.Mode,
		Status:  d.Status,
		Read:    d.Read,
		Recv:    d.Recv,
		Updated: d.Updated,
	}
}

func (s *MgoStore) subInsert(ctx context.Context, topicID int64, sub *store.Subscription, status int) int64 {
	if !s.IsReady() || sub == nil || topicID <= 0 {
		return -1
	}
	id, err := s.nextID(ctx, subsColl)
	if err != nil {
		logger.Warnf("mgostore: sub add: %v", err)
		return -1
	}
	doc := subDoc{
		ID:      id,
		TopicID: topicID,
		UserID:  sub.UserID,
		UID:     sub.UID,
		Mode:    sub.Mode,
		Status:  status,
		Read:    sub.Read,
		Recv:    sub.Recv,
		Updated: defaultNow(sub.Updated),
	}
	if _, err := s.db.Collection(subsColl).InsertOne(ctx, doc); err != nil {
		logger.Warnf("mgostore: sub add: %v", err)
		return -1
	}
	return id
}

func (s *MgoStore) SubAdd(ctx context.Context, topicID int64, sub *store.Subscription) int64 {
	return s.subInsert(ctx, topicID, sub, store.StatusSynced)
}

func (s *MgoStore) SubNew(ctx context.Context, topicID int64, sub *store.Subscription) int64 {
	return s.subInsert(ctx, topicID, sub, store.StatusQueued)
}

func (s *MgoStore) SubUpdate(ctx context.Context, sub *store.Subscription) bool {
	if !s.IsReady() || sub == nil || sub.ID <= 0 {
		return false
	}
	res, err := s.db.Collection(subsColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: sub.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "mode", Value: sub.Mode},
			{Key: "status", Value: sub.Status},
			{Key: "read", Value: sub.Read},
			{Key: "recv", Value: sub.Recv},
			{Key: "updated", Value: sub.Updated},
		}}})
	if err != nil {
		logger.Warnf("mgostore: sub update %d: %v", sub.ID, err)
		return false
	}
	return res.MatchedCount > 0
}

func (s *MgoStore) SubDelete(ctx context.Context, subID int64) bool {
	if !s.IsReady() {
		return false
	}
	res, err := s.db.Collection(subsColl).DeleteOne(ctx, bson.D{{Key: "_id", Value: subID}})
	if err != nil {
		logger.Warnf("mgostore: sub delete %d: %v", subID, err)
		return false
	}
	return res.DeletedCount > 0
}

func (s *MgoStore) SubsForTopic(ctx context.Context, topicID int64) []*store.Subscription {
	if !s.IsReady() {
		return nil
	}
	cur, err := s.db.Collection(subsColl).Find(ctx,
		bson.D{{Key: "topic_id", Value: topicID}},
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		logger.Warnf("mgostore: subs for %d: %v", topicID, err)
		return nil
	}
	var docs []subDoc
	if err := cur.All(ctx, &docs); err != nil {
		logger.Warnf("mgostore: subs for %d: %v", topicID, err)
		return nil
	}
	out := make([]*store.Subscription, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toRecord())
	}
	return out
}

type userDoc struct {
	ID      int64     `bson:"_id"`
	UID     string    `bson:"uid"`
	Updated time.Time `bson:"updated"`
	Public  []byte    `bson:"public,omitempty"`
}

func (s *MgoStore) UserGet(ctx context.Context, uid string) *store.User {
	if !s.IsReady() {
		return nil
	}
	var doc userDoc
	err := s.db.Collection(usersColl).FindOne(ctx, bson.D{{Key: "uid", Value: uid}}).Decode(&doc)
	if err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			logger.Warnf("mgostore: user %s: %v", uid, err)
		}
		return nil
	}
	return &store.User{ID: doc.ID, UID: doc.UID, Updated: doc.Updated, Public: json.RawMessage(doc.Public)}
}

func (s *MgoStore) UserID(ctx context.Context, uid string) int64 {
	if u := s.UserGet(ctx, uid); u != nil {
		return u.ID
	}
	return -1
}

func (s *MgoStore) UserAdd(ctx context.Context, u *store.User) int64 {
	if !s.IsReady() || u == nil || u.UID == "" {
		return -1
	}
	id, err := s.nextID(ctx, usersColl)
	if err != nil {
		logger.Warnf("mgostore: user add %s: %v", u.UID, err)
		return -1
	}
	doc := userDoc{ID: id, UID: u.UID, Updated: defaultNow(u.Updated), Public: u.Public}
	var got userDoc
	err = s.db.Collection(usersColl).FindOneAndUpdate(ctx,
		bson.D{{Key: "uid", Value: u.UID}},
		bson.D{{Key: "$setOnInsert", Value: doc}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&got)
	if err != nil {
		logger.Warnf("mgostore: user add %s: %v", u.UID, err)
		return -1
	}
	return got.ID
}

func (s *MgoStore) UserUpdate(ctx context.Context, u *store.User) bool {
	if !s.IsReady() || u == nil || u.ID <= 0 {
		return false
	}
	res, err := s.db.Collection(usersColl).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: u.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "updated", Value: defaultNow(u.Updated)},
			{Key: "public", Value: []byte(u.Public)},
		}}})
	if err != nil {
		logger.Warnf("mgostore: user update %d: %v", u.ID, err)
		return false
	}
	return res.MatchedCount > 0
}
