// Package mgostore implements the store.Store contract on MongoDB.
//
// Records keep store-assigned int64 ids handed out by a counters collection,
// so ids stay comparable across backends. Atomic units run as driver
// transactions; the session travels in the context, so nested calls reuse it
// and a second RunAtomically inside a unit is refused.
package mgostore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/msgr-im/msgr/config"
	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/tools/errs"
)

const (
	topicsColl   = "topics"
	subsColl     = "subs"
	usersColl    = "users"
	messagesColl = "messages"
	stateColl    = "client_state"
	countersColl = "counters"

	connectTimeout = 15 * time.Second
)

// MgoStore is a MongoDB-backed Store. Transactions require the server to run
// as a replica set.
type MgoStore struct {
	client *mongo.Client
	db     *mongo.Database

	mu          sync.Mutex
	ready       bool
	uid         string
	deviceToken string
	timeAdj     time.Duration
}

var _ store.Store = (*MgoStore)(nil)

// New wraps an existing client. Open must still be called.
func New(client *mongo.Client, database string) *MgoStore {
	return &MgoStore{client: client, db: client.Database(database)}
}

// Connect dials MongoDB per cfg and returns an unopened store.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*MgoStore, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(uint64(cfg.MaxConns)).
		SetConnectTimeout(connectTimeout)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping")
	}
	return New(client, cfg.MongoDatabase), nil
}

// Open creates the indexes and loads the persisted session fields.
func (s *MgoStore) Open(ctx context.Context) error {
	if err := s.ensureIndexes(ctx); err != nil {
		return errors.Wrap(err, "mgostore: indexes")
	}
	if err := s.loadState(ctx); err != nil {
		return errors.Wrap(err, "mgostore: state")
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

func (s *MgoStore) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		topicsColl: {{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("topics_name_unique"),
		}},
		usersColl: {{
			Keys:    bson.D{{Key: "uid", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("users_uid_unique"),
		}},
		subsColl: {{
			Keys:    bson.D{{Key: "topic_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("subs_topic_user_unique"),
		}},
		messagesColl: {{
			Keys:    bson.D{{Key: "topic_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("messages_topic_seq"),
		}},
	}
	for coll, models := range indexes {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects the client.
func (s *MgoStore) Close() {
	s.mu.Lock()
	s.ready = false
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		logger.Warnf("mgostore: disconnect: %v", err)
	}
}

func (s *MgoStore) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

type stateDoc struct {
	Key   string `bson:"_id"`
	Value string `bson:"value"`
}

func (s *MgoStore) loadState(ctx context.Context) error {
	cur, err := s.db.Collection(stateColl).Find(ctx, bson.D{})
	if err != nil {
		return err
	}
	var docs []stateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		switch d.Key {
		case "uid":
			s.uid = d.Value
		case "device_token":
			s.deviceToken = d.Value
		case "time_adj_ns":
			if ns, err := strconv.ParseInt(d.Value, 10, 64); err == nil {
				s.timeAdj = time.Duration(ns)
			}
		}
	}
	return nil
}

func (s *MgoStore) saveState(key, value string) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_, err := s.db.Collection(stateColl).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}},
		stateDoc{Key: key, Value: value},
		options.Replace().SetUpsert(true))
	if err != nil {
		logger.Warnf("mgostore: state %s: %v", key, err)
	}
}

func (s *MgoStore) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *MgoStore) SetUID(uid string) {
	s.mu.Lock()
	s.uid = uid
	s.mu.Unlock()
	s.saveState("uid", uid)
}

func (s *MgoStore) DeviceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceToken
}

func (s *MgoStore) SetDeviceToken(token string) {
	s.mu.Lock()
	s.deviceToken = token
	s.mu.Unlock()
	s.saveState("device_token", token)
}

func (s *MgoStore) TimeAdjustment() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeAdj
}

func (s *MgoStore) SetTimeAdjustment(adj time.Duration) {
	s.mu.Lock()
	s.timeAdj = adj
	s.mu.Unlock()
	s.saveState("time_adj_ns", strconv.FormatInt(int64(adj), 10))
}

// Logout clears the session-scoped fields; cached records survive.
func (s *MgoStore) Logout() {
	s.mu.Lock()
	s.uid = ""
	s.deviceToken = ""
	s.timeAdj = 0
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if _, err := s.db.Collection(stateColl).DeleteMany(ctx, bson.D{}); err != nil {
		logger.Warnf("mgostore: logout: %v", err)
	}
}

// nextID hands out the next id for the named sequence.
func (s *MgoStore) nextID(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersColl).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: name}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return -1, errors.Wrapf(err, "counter %s", name)
	}
	return doc.Seq, nil
}

// RunAtomically executes body inside one transaction. The driver session
// rides in the context, so store calls made from body join the transaction.
func (s *MgoStore) RunAtomically(ctx context.Context, label string, body func(ctx context.Context) error) error {
	if mongo.SessionFromContext(ctx) != nil {
		return errs.Storage(label, errors.New("nested atomic unit"))
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return errs.Storage(label, errors.Wrap(err, "session"))
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, body(sc)
	})
	if err != nil {
		return errs.Storage(label, err)
	}
	return nil
}
