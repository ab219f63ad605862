package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/tools/errs"
)

// MemoryStore is the in-memory Store implementation. It backs tests and
// cache-less deployments; nothing survives a restart.
//
// Atomic units snapshot the whole table set and restore it on failure. The
// engine-wide mutex serializes every operation, so snapshots are cheap
// relative to the table sizes a single client accumulates.
type MemoryStore struct {
	mu    sync.Mutex
	ready bool

	uid         string
	deviceToken string
	timeAdj     time.Duration

	nextID       int64
	topics       map[int64]*Topic
	topicsByName map[string]int64
	subs         map[int64]*Subscription
	users        map[int64]*User
	usersByUID   map[string]int64
	msgs         map[int64]*Message

	failpoint string
}

var _ Store = (*MemoryStore)(nil)

// txKey marks a context as running inside an atomic unit, so store methods
// called from the unit body skip re-locking the engine mutex.
type txKey struct{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		topics:       make(map[int64]*Topic),
		topicsByName: make(map[string]int64),
		subs:         make(map[int64]*Subscription),
		users:        make(map[int64]*User),
		usersByUID:   make(map[string]int64),
		msgs:         make(map[int64]*Message),
	}
}

// SetFailpoint makes the named sub-step or atomic unit fail. Used by tests
// to verify rollback; an empty name clears it.
func (s *MemoryStore) SetFailpoint(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failpoint = name
}

func (s *MemoryStore) failing(name string) bool { return s.failpoint == name }

func (s *MemoryStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = true
	return nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = false
}

func (s *MemoryStore) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *MemoryStore) UID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

func (s *MemoryStore) SetUID(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = uid
}

func (s *MemoryStore) DeviceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceToken
}

func (s *MemoryStore) SetDeviceToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceToken = token
}

func (s *MemoryStore) TimeAdjustment() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeAdj
}

func (s *MemoryStore) SetTimeAdjustment(adj time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeAdj = adj
}

func (s *MemoryStore) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uid = ""
	s.deviceToken = ""
	s.timeAdj = 0
}

// lock acquires the engine mutex unless ctx already runs inside an atomic
// unit, in which case the unit holds it.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	topics       map[int64]*Topic
	topicsByName map[string]int64
	subs         map[int64]*Subscription
	users        map[int64]*User
	usersByUID   map[string]int64
	msgs         map[int64]*Message
	nextID       int64
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		topics:       make(map[int64]*Topic, len(s.topics)),
		topicsByName: make(map[string]int64, len(s.topicsByName)),
		subs:         make(map[int64]*Subscription, len(s.subs)),
		users:        make(map[int64]*User, len(s.users)),
		usersByUID:   make(map[string]int64, len(s.usersByUID)),
		msgs:         make(map[int64]*Message, len(s.msgs)),
		nextID:       s.nextID,
	}
	for id, t := range s.topics {
		cp := *t
		snap.topics[id] = &cp
	}
	for name, id := range s.topicsByName {
		snap.topicsByName[name] = id
	}
	for id, sub := range s.subs {
		cp := *sub
		snap.subs[id] = &cp
	}
	for id, u := range s.users {
		cp := *u
		snap.users[id] = &cp
	}
	for uid, id := range s.usersByUID {
		snap.usersByUID[uid] = id
	}
	for id, m := range s.msgs {
		cp := *m
		snap.msgs[id] = &cp
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.topics = snap.topics
	s.topicsByName = snap.topicsByName
	s.subs = snap.subs
	s.users = snap.users
	s.usersByUID = snap.usersByUID
	s.msgs = snap.msgs
	s.nextID = snap.nextID
}

func (s *MemoryStore) RunAtomically(ctx context.Context, label string, body func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return errs.Storage(label, errors.New("nested atomic unit"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	err := body(context.WithValue(ctx, txKey{}, label))
	if err == nil && s.failing(label) {
		err = errors.New("injected failure")
	}
	if err != nil {
		s.restore(snap)
		return errs.Storage(label, err)
	}
	return nil
}

func (s *MemoryStore) allocID() int64 {
	s.nextID++
	return s.nextID
}

// --- topics ---

func (s *MemoryStore) TopicGetAll(ctx context.Context) []*Topic {
	defer s.lock(ctx)()
	if !s.ready {
		return nil
	}
	out := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func (s *MemoryStore) TopicGet(ctx context.Context, name string) *Topic {
	defer s.lock(ctx)()
	if !s.ready {
		return nil
	}
	id, ok := s.topicsByName[name]
	if !ok {
		return nil
	}
	cp := *s.topics[id]
	return &cp
}

func (s *MemoryStore) TopicAdd(ctx context.Context, t *Topic) int64 {
	defer s.lock(ctx)()
	if !s.ready || t == nil || t.Name == "" {
		return -1
	}
	if id, ok := s.topicsByName[t.Name]; ok {
		return id
	}
	cp := *t
	cp.ID = s.allocID()
	s.topics[cp.ID] = &cp
	s.topicsByName[cp.Name] = cp.ID
	return cp.ID
}

func (s *MemoryStore) TopicUpdate(ctx context.Context, t *Topic) bool {
	defer s.lock(ctx)()
	if !s.ready || t == nil || t.ID <= 0 {
		return false
	}
	if s.failing("topic.update") {
		return false
	}
	old, ok := s.topics[t.ID]
	if !ok {
		return false
	}
	if old.Name != t.Name {
		delete(s.topicsByName, old.Name)
		s.topicsByName[t.Name] = t.ID
	}
	cp := *t
	s.topics[t.ID] = &cp
	return true
}

func (s *MemoryStore) TopicDelete(ctx context.Context, topicID int64) bool {
	err := s.RunAtomically(ctx, "topicDelete", func(ctx context.Context) error {
		t, ok := s.topics[topicID]
		if !ok {
			return errors.Errorf("no topic %d", topicID)
		}
		for id, sub := range s.subs {
			if sub.TopicID == topicID {
				if s.failing("sub.delete") {
					return errors.New("injected failure at sub.delete")
				}
				delete(s.subs, id)
			}
		}
		for id, m := range s.msgs {
			if m.TopicID == topicID {
				delete(s.msgs, id)
			}
		}
		delete(s.topicsByName, t.Name)
		delete(s.topics, topicID)
		return nil
	})
	if err != nil {
		logger.Warnf("store: topic delete failed: %v", err)
		return false
	}
	return true
}

func (s *MemoryStore) SetRead(ctx context.Context, topicID int64, read int) bool {
	defer s.lock(ctx)()
	t, ok := s.topics[topicID]
	if !s.ready || !ok || read <= t.Read {
		return false
	}
	t.Read = read
	return true
}

func (s *MemoryStore) SetRecv(ctx context.Context, topicID int64, recv int) bool {
	defer s.lock(ctx)()
	t, ok := s.topics[topicID]
	if !s.ready || !ok || recv <= t.Recv {
		return false
	}
	t.Recv = recv
	return true
}

func (s *MemoryStore) CachedMessageRange(ctx context.Context, topicID int64) (Range, bool) {
	defer s.lock(ctx)()
	t, ok := s.topics[topicID]
	if !s.ready || !ok || t.MaxLocalSeq == 0 {
		return Range{}, false
	}
	return Range{Min: t.MinLocalSeq, Max: t.MaxLocalSeq}, true
}

// advances the topic watermarks for a message with the given seq; caller
// holds the engine lock.
func (s *MemoryStore) topicMsgReceived(topicID int64, ts time.Time, seq int) bool {
	if s.failing("topic.watermark") {
		return false
	}
	t, ok := s.topics[topicID]
	if !ok {
		return false
	}
	if seq > t.Seq {
		t.Seq = seq
	}
	if seq > t.MaxLocalSeq {
		t.MaxLocalSeq = seq
	}
	if t.MinLocalSeq == 0 || seq < t.MinLocalSeq {
		t.MinLocalSeq = seq
	}
	if ts.After(t.Updated) {
		t.Updated = ts
	}
	return true
}

// --- subscriptions ---

func (s *MemoryStore) subInsert(topicID int64, sub *Subscription, status int) int64 {
	if !s.ready || sub == nil || topicID <= 0 {
		return -1
	}
	if _, ok := s.topics[topicID]; !ok {
		return -1
	}
	if _, ok := s.users[sub.UserID]; !ok {
		return -1
	}
	cp := *sub
	cp.ID = s.allocID()
	cp.TopicID = topicID
	cp.Status = status
	s.subs[cp.ID] = &cp
	return cp.ID
}

func (s *MemoryStore) SubAdd(ctx context.Context, topicID int64, sub *Subscription) int64 {
	defer s.lock(ctx)()
	return s.subInsert(topicID, sub, StatusSynced)
}

func (s *MemoryStore) SubNew(ctx context.Context, topicID int64, sub *Subscription) int64 {
	defer s.lock(ctx)()
	return s.subInsert(topicID, sub, StatusQueued)
}

func (s *MemoryStore) SubUpdate(ctx context.Context, sub *Subscription) bool {
	defer s.lock(ctx)()
	if !s.ready || sub == nil || sub.ID <= 0 {
		return false
	}
	if _, ok := s.subs[sub.ID]; !ok {
		return false
	}
	cp := *sub
	s.subs[sub.ID] = &cp
	return true
}

func (s *MemoryStore) SubDelete(ctx context.Context, subID int64) bool {
	defer s.lock(ctx)()
	if !s.ready {
		return false
	}
	if _, ok := s.subs[subID]; !ok {
		return false
	}
	delete(s.subs, subID)
	return true
}

func (s *MemoryStore) SubsForTopic(ctx context.Context, topicID int64) []*Subscription {
	defer s.lock(ctx)()
	if !s.ready {
		return nil
	}
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.TopicID == topicID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out
}

// --- users ---

func (s *MemoryStore) UserGet(ctx context.Context, uid string) *User {
	defer s.lock(ctx)()
	if !s.ready {
		return nil
	}
	id, ok := s.usersByUID[uid]
	if !ok {
		return nil
	}
	cp := *s.users[id]
	return &cp
}

func (s *MemoryStore) UserID(ctx context.Context, uid string) int64 {
	defer s.lock(ctx)()
	if !s.ready || uid == "" {
		return -1
	}
	id, ok := s.usersByUID[uid]
	if !ok {
		return -1
	}
	return id
}

func (s *MemoryStore) UserAdd(ctx context.Context, u *User) int64 {
	defer s.lock(ctx)()
	if !s.ready || u == nil || u.UID == "" {
		return -1
	}
	if id, ok := s.usersByUID[u.UID]; ok {
		return id
	}
	cp := *u
	cp.ID = s.allocID()
	s.users[cp.ID] = &cp
	s.usersByUID[cp.UID] = cp.ID
	return cp.ID
}

func (s *MemoryStore) UserUpdate(ctx context.Context, u *User) bool {
	defer s.lock(ctx)()
	if !s.ready || u == nil || u.ID <= 0 {
		return false
	}
	if _, ok := s.users[u.ID]; !ok {
		return false
	}
	cp := *u
	s.users[u.ID] = &cp
	return true
}

// --- messages ---

func (s *MemoryStore) msgInsert(m *Message) int64 {
	if s.failing("msg.insert") {
		return -1
	}
	if _, ok := s.topics[m.TopicID]; !ok {
		return -1
	}
	if _, ok := s.users[m.UserID]; !ok {
		return -1
	}
	m.ID = s.allocID()
	s.msgs[m.ID] = m
	return m.ID
}

func (s *MemoryStore) MsgReceived(ctx context.Context, topic *Topic, sub *Subscription, data *IncomingData) int64 {
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
			logger.Debugf("store: message from unknown subscriber %s", data.From)
			topicID = topic.ID
			if id, ok := s.usersByUID[data.From]; ok {
				userID = id
			}
		}
		if topicID <= 0 || userID <= 0 {
			return errors.Errorf("unresolvable author: topicID=%d userID=%d", topicID, userID)
		}
		m := &Message{
			TopicID: topicID,
			UserID:  userID,
			From:    data.From,
			Seq:     data.Seq,
			Ts:      data.Ts,
			Status:  StatusSynced,
			Content: data.Content,
		}
		if id := s.msgInsert(m); id <= 0 {
			return errors.New("message insert failed")
		}
		if !s.topicMsgReceived(topicID, data.Ts, data.Seq) {
			return errors.New("watermark update failed")
		}
		msgID = m.ID
		return nil
	})
	if err != nil {
		logger.Warnf("store: %v", err)
		return -1
	}
	return msgID
}

func (s *MemoryStore) insertLocal(ctx context.Context, topic *Topic, content json.RawMessage, status int) int64 {
	defer s.lock(ctx)()
	if !s.ready || topic == nil || topic.ID <= 0 {
		return -1
	}
	uid := s.uid
	userID, ok := s.usersByUID[uid]
	if !ok {
		return -1
	}
	m := &Message{
		TopicID: topic.ID,
		UserID:  userID,
		From:    uid,
		Seq:     0,
		Ts:      time.Now().Add(s.timeAdj),
		Status:  status,
		Content: content,
	}
	return s.msgInsert(m)
}

func (s *MemoryStore) MsgSend(ctx context.Context, topic *Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, StatusUndefined)
}

func (s *MemoryStore) MsgDraft(ctx context.Context, topic *Topic, content json.RawMessage) int64 {
	return s.insertLocal(ctx, topic, content, StatusDraft)
}

func (s *MemoryStore) setStatusContent(ctx context.Context, msgID int64, status int, content json.RawMessage) bool {
	defer s.lock(ctx)()
	m, ok := s.msgs[msgID]
	if !s.ready || !ok {
		return false
	}
	m.Status = status
	if content != nil {
		m.Content = content
	}
	return true
}

func (s *MemoryStore) MsgDraftUpdate(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, StatusUndefined, content)
}

func (s *MemoryStore) MsgReady(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return s.setStatusContent(ctx, msgID, StatusQueued, content)
}

func (s *MemoryStore) MsgFailed(ctx context.Context, msgID int64) bool {
	return s.setStatusContent(ctx, msgID, StatusFailed, nil)
}

func (s *MemoryStore) MsgDiscard(ctx context.Context, msgID int64) bool {
	defer s.lock(ctx)()
	m, ok := s.msgs[msgID]
	if !s.ready || !ok || m.Status == StatusSynced {
		return false
	}
	delete(s.msgs, msgID)
	return true
}

func (s *MemoryStore) MsgDelivered(ctx context.Context, topic *Topic, msgID int64, ts time.Time, seq int) bool {
	err := s.RunAtomically(ctx, "msgDelivered", func(ctx context.Context) error {
		m, ok := s.msgs[msgID]
		if !ok {
			return errors.Errorf("no message %d", msgID)
		}
		if s.failing("msg.delivered") {
			return errors.New("injected failure at msg.delivered")
		}
		m.Seq = seq
		m.Ts = ts
		m.Status = StatusSynced
		if !s.topicMsgReceived(m.TopicID, ts, seq) {
			return errors.New("watermark update failed")
		}
		return nil
	})
	if err != nil {
		logger.Warnf("store: %v", err)
		return false
	}
	return true
}

func (s *MemoryStore) MsgMarkToDelete(ctx context.Context, topicID int64, loSeq, hiSeq int, hard bool) bool {
	if loSeq <= 0 || hiSeq < loSeq {
		return false
	}
	err := s.RunAtomically(ctx, "msgDelete", func(ctx context.Context) error {
		if _, ok := s.topics[topicID]; !ok {
			return errors.Errorf("no topic %d", topicID)
		}
		for id, m := range s.msgs {
			if m.TopicID != topicID || m.Seq < loSeq || m.Seq > hiSeq {
				continue
			}
			if hard {
				delete(s.msgs, id)
			} else {
				m.Status = StatusDeleted
				m.Content = nil
			}
		}
		return nil
	})
	if err != nil {
		logger.Warnf("store: %v", err)
		return false
	}
	return true
}

func (s *MemoryStore) markByRemote(ctx context.Context, subID int64, val int, read bool) bool {
	defer s.lock(ctx)()
	sub, ok := s.subs[subID]
	if !s.ready || !ok {
		return false
	}
	if read {
		if val > sub.Read {
			sub.Read = val
		}
	} else {
		if val > sub.Recv {
			sub.Recv = val
		}
	}
	return true
}

func (s *MemoryStore) MsgRecvByRemote(ctx context.Context, subID int64, recv int) bool {
	return s.markByRemote(ctx, subID, recv, false)
}

func (s *MemoryStore) MsgReadByRemote(ctx context.Context, subID int64, read int) bool {
	return s.markByRemote(ctx, subID, read, true)
}

func (s *MemoryStore) MessageByID(ctx context.Context, msgID int64) *Message {
	defer s.lock(ctx)()
	m, ok := s.msgs[msgID]
	if !s.ready || !ok {
		return nil
	}
	cp := *m
	return &cp
}

func (s *MemoryStore) QueuedMessages(ctx context.Context, topicID int64) []*Message {
	defer s.lock(ctx)()
	if !s.ready {
		return nil
	}
	var out []*Message
	for _, m := range s.msgs {
		if m.TopicID == topicID && (m.Status == StatusUndefined || m.Status == StatusQueued) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out
}
