// Package store defines the local persistence contract of the client core:
// transactional CRUD over topics, subscriptions, users and messages, plus the
// session-scoped fields the client needs across restarts.
//
// Multi-row writes that must be all-or-nothing run inside a named atomic
// unit. A failed unit rolls back completely and is reported as a boolean or
// negative-id result; store methods never panic across the call boundary.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// Message and subscription lifecycle statuses.
const (
	StatusUndefined = 0 // content finalized pending nothing, or send pending
	StatusDraft     = 1 // composed locally, not yet destined to send
	StatusQueued    = 2 // finalized, pending transmission
	StatusSynced    = 3 // acknowledged by the server
	StatusFailed    = 4 // send failed
	StatusDeleted   = 5 // soft-deleted, row retained
)

// Range is a topic's cached [Min,Max] known-sequence span.
type Range struct {
	Min int
	Max int
}

// Topic is the durable record of a topic.
type Topic struct {
	ID          int64
	Name        string
	Updated     time.Time
	Seq         int // highest server-assigned seq seen
	Read        int // read watermark of the local user
	Recv        int // receive watermark of the local user
	MinLocalSeq int
	MaxLocalSeq int
	Public      json.RawMessage
	Private     json.RawMessage
}

// Subscription is the durable record of one user's attachment to one topic.
type Subscription struct {
	ID      int64
	TopicID int64
	UserID  int64
	UID     string
	Mode    string
	Status  int // StatusQueued until the server acknowledges, then StatusSynced
	Read    int
	Recv    int
	Updated time.Time
}

// User is the durable record of a user profile.
type User struct {
	ID      int64
	UID     string
	Updated time.Time
	Public  json.RawMessage
}

// Message is the durable record of one message.
//
// A locally authored message starts with Seq 0 and status draft or pending
// send; the delivered transition rewrites seq, timestamp and status as one
// atomic unit with the topic watermark update.
type Message struct {
	ID      int64 // local id, store-assigned, monotonic
	TopicID int64
	UserID  int64
	From    string
	Seq     int // server-assigned, 0 until acknowledged
	Ts      time.Time
	Status  int
	Content json.RawMessage
}

// IncomingData is the portion of a received data frame the store persists.
type IncomingData struct {
	From    string
	Seq     int
	Ts      time.Time
	Content json.RawMessage
}

// Store is the transactional backend consumed by the session layer.
//
// Read methods tolerate an unready (not yet opened) backing store by
// returning empty or absent results. Write methods report failure as a
// boolean or a negative id. Atomic units serialize engine-wide: no nested or
// concurrent units.
type Store interface {
	// Open prepares the backing store. IsReady reports whether it succeeded.
	Open(ctx context.Context) error
	Close()
	IsReady() bool

	// Session-scoped fields.
	UID() string
	SetUID(uid string)
	DeviceToken() string
	SetDeviceToken(token string)
	TimeAdjustment() time.Duration
	SetTimeAdjustment(adj time.Duration)
	// Logout clears the session-scoped fields; cached records survive.
	Logout()

	// RunAtomically executes body as one all-or-nothing unit named label.
	// Any error from body rolls the whole unit back.
	RunAtomically(ctx context.Context, label string, body func(ctx context.Context) error) error

	// Topics.
	TopicGetAll(ctx context.Context) []*Topic
	TopicGet(ctx context.Context, name string) *Topic
	TopicAdd(ctx context.Context, t *Topic) int64
	TopicUpdate(ctx context.Context, t *Topic) bool
	// TopicDelete removes the topic row, its subscriptions and its messages
	// as one atomic unit.
	TopicDelete(ctx context.Context, topicID int64) bool
	SetRead(ctx context.Context, topicID int64, read int) bool
	SetRecv(ctx context.Context, topicID int64, recv int) bool
	CachedMessageRange(ctx context.Context, topicID int64) (Range, bool)

	// Subscriptions. SubAdd stores a server-acknowledged subscription,
	// SubNew a locally created one pending acknowledgment.
	SubAdd(ctx context.Context, topicID int64, sub *Subscription) int64
	SubNew(ctx context.Context, topicID int64, sub *Subscription) int64
	SubUpdate(ctx context.Context, sub *Subscription) bool
	SubDelete(ctx context.Context, subID int64) bool
	SubsForTopic(ctx context.Context, topicID int64) []*Subscription

	// Users.
	UserGet(ctx context.Context, uid string) *User
	UserID(ctx context.Context, uid string) int64
	UserAdd(ctx context.Context, u *User) int64
	UserUpdate(ctx context.Context, u *User) bool

	// Message lifecycle.
	//
	// MsgReceived persists a server-sent message and advances the topic
	// watermark as one unit. Author resolution: topic/user ids come from sub
	// when known, otherwise the user id is looked up by the author uid and
	// the topic id comes from the topic record; a negative id refuses the
	// write.
	MsgReceived(ctx context.Context, topic *Topic, sub *Subscription, data *IncomingData) int64
	MsgSend(ctx context.Context, topic *Topic, content json.RawMessage) int64
	MsgDraft(ctx context.Context, topic *Topic, content json.RawMessage) int64
	MsgDraftUpdate(ctx context.Context, msgID int64, content json.RawMessage) bool
	MsgReady(ctx context.Context, msgID int64, content json.RawMessage) bool
	MsgDiscard(ctx context.Context, msgID int64) bool
	MsgFailed(ctx context.Context, msgID int64) bool
	// MsgDelivered promotes a pending message to its server seq and
	// timestamp, advancing the topic watermark in the same unit.
	MsgDelivered(ctx context.Context, topic *Topic, msgID int64, ts time.Time, seq int) bool
	// MsgMarkToDelete hides (soft) or removes (hard) messages in the
	// inclusive seq range [loSeq,hiSeq] as one atomic unit.
	MsgMarkToDelete(ctx context.Context, topicID int64, loSeq, hiSeq int, hard bool) bool
	// MsgRecvByRemote / MsgReadByRemote advance a peer subscription's
	// watermarks; regressions are no-ops reported as success.
	MsgRecvByRemote(ctx context.Context, subID int64, recv int) bool
	MsgReadByRemote(ctx context.Context, subID int64, read int) bool
	MessageByID(ctx context.Context, msgID int64) *Message
	QueuedMessages(ctx context.Context, topicID int64) []*Message
}
