package session

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/service/wire"
)

// Reserved topic names and name prefixes.
const (
	TopicMe  = "me"
	TopicFnd = "fnd"
	TopicNew = "new"

	topicUsrPrefix = "usr"
	topicGrpPrefix = "grp"
)

// TopicType is a bitmask so filters can select several categories at once.
type TopicType int

const (
	TopicTypeUnknown TopicType = 0x00
	TopicTypeMe      TopicType = 0x01
	TopicTypeFnd     TopicType = 0x02
	TopicTypeGrp     TopicType = 0x04
	TopicTypeP2P     TopicType = 0x08
	TopicTypeUser    TopicType = TopicTypeGrp | TopicTypeP2P
	TopicTypeAny     TopicType = TopicTypeMe | TopicTypeFnd | TopicTypeGrp | TopicTypeP2P
)

// TopicTypeByName derives the topic category from its name.
func TopicTypeByName(name string) TopicType {
	switch {
	case name == "":
		return TopicTypeUnknown
	case name == TopicMe:
		return TopicTypeMe
	case name == TopicFnd:
		return TopicTypeFnd
	case strings.HasPrefix(name, topicUsrPrefix):
		return TopicTypeP2P
	case strings.HasPrefix(name, topicGrpPrefix) || strings.HasPrefix(name, TopicNew):
		return TopicTypeGrp
	}
	return TopicTypeUnknown
}

// TopicListener receives per-topic routed frames. All methods fire
// synchronously on the dispatch goroutine.
type TopicListener interface {
	OnMeta(meta *wire.MsgServerMeta)
	OnData(data *wire.MsgServerData)
	OnPres(pres *wire.MsgServerPres)
	OnInfo(info *wire.MsgServerInfo)
	OnAllMessagesReceived(count int)
}

// Topic is the in-memory handle of one topic. It belongs to the session's
// registry and reaches the storage engine through the session it belongs to,
// never through a handle of its own.
type Topic struct {
	sn       *Session
	name     string
	ttype    TopicType
	rec      *store.Topic
	listener TopicListener
	subs     map[string]*store.Subscription // by uid, lazily loaded
	online   bool
}

func newTopic(sn *Session, name string) *Topic {
	return &Topic{
		sn:    sn,
		name:  name,
		ttype: TopicTypeByName(name),
		rec:   &store.Topic{Name: name},
	}
}

func newTopicFromDesc(sn *Session, name string, desc *wire.Description) *Topic {
	t := newTopic(sn, name)
	t.mergeDesc(desc)
	return t
}

// newTopicFromRecord rebuilds a handle from a durable row at startup.
func newTopicFromRecord(sn *Session, rec *store.Topic) *Topic {
	return &Topic{
		sn:    sn,
		name:  rec.Name,
		ttype: TopicTypeByName(rec.Name),
		rec:   rec,
	}
}

func (t *Topic) Name() string          { return t.name }
func (t *Topic) Type() TopicType       { return t.ttype }
func (t *Topic) Updated() time.Time    { return t.rec.Updated }
func (t *Topic) Persisted() bool       { return t.rec.ID > 0 }
func (t *Topic) RecordID() int64       { return t.rec.ID }
func (t *Topic) Online() bool          { return t.online }
func (t *Topic) LastSeq() int          { return t.rec.Seq }

func (t *Topic) SetListener(l TopicListener) { t.listener = l }

func (t *Topic) mergeDesc(desc *wire.Description) {
	if desc == nil {
		return
	}
	if desc.Updated.After(t.rec.Updated) {
		t.rec.Updated = desc.Updated
	}
	if desc.Seq > t.rec.Seq {
		t.rec.Seq = desc.Seq
	}
	if desc.Read > t.rec.Read {
		t.rec.Read = desc.Read
	}
	if desc.Recv > t.rec.Recv {
		t.rec.Recv = desc.Recv
	}
	if desc.Public != nil {
		t.rec.Public = desc.Public
	}
	if desc.Private != nil {
		t.rec.Private = desc.Private
	}
}

// subscription returns the cached subscription record for uid, loading the
// topic's subscriptions from the store on first use.
func (t *Topic) subscription(ctx context.Context, uid string) *store.Subscription {
	if t.subs == nil {
		t.subs = make(map[string]*store.Subscription)
		if t.Persisted() {
			for _, sub := range t.sn.store.SubsForTopic(ctx, t.rec.ID) {
				t.subs[sub.UID] = sub
			}
		}
	}
	return t.subs[uid]
}

// routeMeta applies a meta frame: description changes first, then the
// subscription roster.
func (t *Topic) routeMeta(ctx context.Context, meta *wire.MsgServerMeta) {
	if meta.Desc != nil {
		t.mergeDesc(meta.Desc)
		if t.Persisted() {
			if !t.sn.store.TopicUpdate(ctx, t.rec) {
				logger.Warnf("topic %s: description update not persisted", t.name)
			}
		}
	}
	for i := range meta.Sub {
		t.processSub(ctx, &meta.Sub[i])
	}
	if meta.Ts.After(t.rec.Updated) {
		t.rec.Updated = meta.Ts
	}
	if t.listener != nil {
		t.listener.OnMeta(meta)
	}
}

func (t *Topic) processSub(ctx context.Context, sub *wire.Subscription) {
	uid := sub.User
	if uid == "" {
		return
	}
	t.sn.updateUser(ctx, uid, sub.Public)

	cached := t.subscription(ctx, uid)
	if cached != nil {
		cached.Mode = sub.Mode
		if sub.Read > cached.Read {
			cached.Read = sub.Read
		}
		if sub.Recv > cached.Recv {
			cached.Recv = sub.Recv
		}
		cached.Status = store.StatusSynced
		cached.Updated = sub.Updated
		if !t.sn.store.SubUpdate(ctx, cached) {
			logger.Warnf("topic %s: subscription update for %s not persisted", t.name, uid)
		}
		return
	}

	rec := &store.Subscription{
		UID:     uid,
		UserID:  t.sn.store.UserID(ctx, uid),
		Mode:    sub.Mode,
		Read:    sub.Read,
		Recv:    sub.Recv,
		Updated: sub.Updated,
	}
	if t.Persisted() {
		if id := t.sn.store.SubAdd(ctx, t.rec.ID, rec); id > 0 {
			rec.ID = id
			rec.TopicID = t.rec.ID
			rec.Status = store.StatusSynced
		} else {
			logger.Warnf("topic %s: subscription for %s not persisted", t.name, uid)
		}
	}
	t.subs[uid] = rec
}

// routeData persists a delivered message. Storage failure refuses the write
// and is logged; it never propagates past the dispatch boundary.
func (t *Topic) routeData(ctx context.Context, data *wire.MsgServerData) {
	sub := t.subscription(ctx, data.From)
	inc := &store.IncomingData{
		From:    data.From,
		Seq:     data.Seq,
		Ts:      data.Ts,
		Content: data.Content,
	}
	msgID := t.sn.store.MsgReceived(ctx, t.rec, sub, inc)
	if msgID <= 0 {
		logger.Warnf("topic %s: message seq=%d from %s refused by store", t.name, data.Seq, data.From)
		return
	}
	// Mirror the persisted watermark advance in the cached record.
	if data.Seq > t.rec.Seq {
		t.rec.Seq = data.Seq
	}
	if data.Seq > t.rec.MaxLocalSeq {
		t.rec.MaxLocalSeq = data.Seq
	}
	if t.rec.MinLocalSeq == 0 || data.Seq < t.rec.MinLocalSeq {
		t.rec.MinLocalSeq = data.Seq
	}
	if data.Ts.After(t.rec.Updated) {
		t.rec.Updated = data.Ts
	}
	if t.listener != nil {
		t.listener.OnData(data)
	}
}

func (t *Topic) routePres(ctx context.Context, pres *wire.MsgServerPres) {
	switch pres.What {
	case "on":
		t.online = true
	case "off":
		t.online = false
	}
	if t.listener != nil {
		t.listener.OnPres(pres)
	}
}

// routeInfo applies peer receipts to the peer's subscription watermarks.
// Typing indicators pass straight to the listener.
func (t *Topic) routeInfo(ctx context.Context, info *wire.MsgServerInfo) {
	switch info.What {
	case wire.NoteRecv:
		if sub := t.subscription(ctx, info.From); sub != nil {
			if t.sn.store.MsgRecvByRemote(ctx, sub.ID, info.Seq) && info.Seq > sub.Recv {
				sub.Recv = info.Seq
			}
		}
	case wire.NoteRead:
		if sub := t.subscription(ctx, info.From); sub != nil {
			if t.sn.store.MsgReadByRemote(ctx, sub.ID, info.Seq) && info.Seq > sub.Read {
				sub.Read = info.Seq
			}
		}
	}
	if t.listener != nil {
		t.listener.OnInfo(info)
	}
}

func (t *Topic) allMessagesReceived(count int) {
	if t.listener != nil {
		t.listener.OnAllMessagesReceived(count)
	}
}

// CachedMessageRange returns the topic's locally cached sequence span.
func (t *Topic) CachedMessageRange(ctx context.Context) (store.Range, bool) {
	if !t.Persisted() {
		return store.Range{}, false
	}
	return t.sn.store.CachedMessageRange(ctx, t.rec.ID)
}

// SaveDraft stores a message composed locally but not yet destined to send.
func (t *Topic) SaveDraft(ctx context.Context, content json.RawMessage) int64 {
	return t.sn.store.MsgDraft(ctx, t.rec, content)
}

// UpdateDraft replaces a draft's content, resetting it to pending-send.
func (t *Topic) UpdateDraft(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return t.sn.store.MsgDraftUpdate(ctx, msgID, content)
}

// QueueDraft finalizes a draft for transmission.
func (t *Topic) QueueDraft(ctx context.Context, msgID int64, content json.RawMessage) bool {
	return t.sn.store.MsgReady(ctx, msgID, content)
}

// DiscardMessage hard-deletes a message that was never delivered.
func (t *Topic) DiscardMessage(ctx context.Context, msgID int64) bool {
	return t.sn.store.MsgDiscard(ctx, msgID)
}

// DeleteMessages hides or removes the messages in [loSeq,hiSeq].
func (t *Topic) DeleteMessages(ctx context.Context, loSeq, hiSeq int, hard bool) bool {
	if !t.Persisted() {
		return false
	}
	return t.sn.store.MsgMarkToDelete(ctx, t.rec.ID, loSeq, hiSeq, hard)
}
