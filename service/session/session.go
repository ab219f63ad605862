// Package session implements the client core: one Session owns the transport
// connection, the correlation table of in-flight requests, the registry of
// live topics and the hook into the local store. Inbound frames are
// classified and routed by the dispatcher in this package.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/service/transport"
	"github.com/msgr-im/msgr/service/wire"
	"github.com/msgr-im/msgr/tools/errs"
)

const (
	protocolVersion = "0"
	libVersion      = "0.16"
)

// Transport is the connection surface the session consumes. *transport.Conn
// implements it; tests substitute a fake.
type Transport interface {
	Connect() error
	Send(payload []byte) error
	Disconnect()
	IsConnected() bool
}

// EventListener observes session-level events. Every callback fires
// synchronously from the dispatch or teardown path and must not block.
type EventListener interface {
	OnConnect(code int, reason string, params map[string]json.RawMessage)
	OnDisconnect(byServer bool, code int, reason string)
	OnLogin(code int, text string)
	OnMessage(msg *wire.ServerMessage)
	OnRawMessage(raw []byte)
	OnCtrlMessage(ctrl *wire.MsgServerCtrl)
	OnMetaMessage(meta *wire.MsgServerMeta)
	OnDataMessage(data *wire.MsgServerData)
	OnPresMessage(pres *wire.MsgServerPres)
	OnInfoMessage(info *wire.MsgServerInfo)
}

// NopListener is an embeddable no-op EventListener.
type NopListener struct{}

func (NopListener) OnConnect(int, string, map[string]json.RawMessage) {}
func (NopListener) OnDisconnect(bool, int, string)                    {}
func (NopListener) OnLogin(int, string)                               {}
func (NopListener) OnMessage(*wire.ServerMessage)                     {}
func (NopListener) OnRawMessage([]byte)                               {}
func (NopListener) OnCtrlMessage(*wire.MsgServerCtrl)                 {}
func (NopListener) OnMetaMessage(*wire.MsgServerMeta)                 {}
func (NopListener) OnDataMessage(*wire.MsgServerData)                 {}
func (NopListener) OnPresMessage(*wire.MsgServerPres)                 {}
func (NopListener) OnInfoMessage(*wire.MsgServerInfo)                 {}

// Dialer builds a transport for Connect. Overridable for tests.
type Dialer func(host string, useTLS bool, apiKey string, l transport.Listener) Transport

// Session is the single live client instance: exactly one per process-wide
// client, created at construction and torn down on logout or disconnect.
type Session struct {
	appName  string
	apiKey   string
	deviceID string
	store    store.Store
	listener EventListener
	dial     Dialer

	futures *futureMap
	topics  *topicRegistry

	mu            sync.Mutex
	conn          Transport
	connected     *Reply
	connActive    bool
	nextID        int64
	nameCounter   int64
	myUID         string
	authToken     string
	authenticated bool
	serverVersion string
	serverBuild   string
	timeAdj       time.Duration
	topicsLoaded  bool
}

// NewSession builds the client core on top of a store. The listener may be
// nil. Previously persisted identity (uid, device id) is picked up from the
// store; a missing device id is minted once and persisted.
func NewSession(appName, apiKey string, st store.Store, l EventListener) *Session {
	if l == nil {
		l = NopListener{}
	}
	s := &Session{
		appName:  appName,
		apiKey:   apiKey,
		store:    st,
		listener: l,
		futures:  newFutureMap(),
		topics:   newTopicRegistry(),
	}
	s.dial = func(host string, useTLS bool, apiKey string, tl transport.Listener) Transport {
		return transport.NewConn(host, useTLS, apiKey, tl)
	}
	s.myUID = st.UID()
	s.deviceID = st.DeviceToken()
	if s.deviceID == "" {
		s.deviceID = uuid.NewString()
		st.SetDeviceToken(s.deviceID)
	}
	s.loadTopics(context.Background())
	return s
}

// SetDialer replaces the transport factory. Intended for tests.
func (s *Session) SetDialer(d Dialer) { s.dial = d }

// MyUID returns the uid of the authenticated user, or "".
func (s *Session) MyUID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.myUID
}

// IsAuthenticated reports whether the server accepted credentials on this
// connection.
func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// IsConnected reports whether the transport is live.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn != nil && conn.IsConnected()
}

// ServerVersion returns the version string reported by the handshake reply.
func (s *Session) ServerVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverVersion
}

// TimeAdjustment is the local-minus-server clock skew computed from the
// handshake.
func (s *Session) TimeAdjustment() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeAdj
}

func (s *Session) loadTopics(ctx context.Context) {
	s.mu.Lock()
	loaded := s.topicsLoaded
	s.mu.Unlock()
	if loaded || !s.store.IsReady() {
		return
	}
	for _, rec := range s.store.TopicGetAll(ctx) {
		s.topics.put(newTopicFromRecord(s, rec))
	}
	s.mu.Lock()
	s.topicsLoaded = true
	s.mu.Unlock()
}

// updateUser refreshes or creates the cached user record for uid.
func (s *Session) updateUser(ctx context.Context, uid string, public json.RawMessage) {
	if uid == "" {
		return
	}
	now := time.Now().Add(s.TimeAdjustment())
	if u := s.store.UserGet(ctx, uid); u != nil {
		if public != nil {
			u.Public = public
		}
		u.Updated = now
		if !s.store.UserUpdate(ctx, u) {
			logger.Debugf("session: user %s not updated", uid)
		}
		return
	}
	if id := s.store.UserAdd(ctx, &store.User{UID: uid, Public: public, Updated: now}); id <= 0 {
		logger.Debugf("session: user %s not persisted", uid)
	}
}

func (s *Session) nextRequestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}

// NextUniqueString mints a process-unique string for naming locally created
// topics before the server assigns the real name.
func (s *Session) NextUniqueString() string {
	s.mu.Lock()
	s.nameCounter++
	c := s.nameCounter
	s.mu.Unlock()
	v := (time.Now().UnixMilli()-1414213562373)<<16 + (c & 0xffff)
	return strconv.FormatInt(v, 32)
}

func (s *Session) userAgent() string {
	return fmt.Sprintf("%s; msgr-go/%s", s.appName, libVersion)
}

func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !conn.IsConnected() {
		return errs.ErrNotConnected
	}
	return conn.Send(payload)
}

// sendRequest registers a continuation under id, then hands the frame to the
// transport. A marshal or send failure unregisters the id and returns an
// already-rejected reply.
func (s *Session) sendRequest(id string, msg *wire.ClientMessage) *Reply {
	r := NewReply()
	s.futures.add(id, r)
	payload, err := msg.Marshal()
	if err != nil {
		s.futures.remove(id)
		return RejectedReply(err)
	}
	if err := s.send(payload); err != nil {
		s.futures.remove(id)
		return RejectedReply(err)
	}
	return r
}

// connEventHandler feeds transport events into the session.
type connEventHandler struct {
	sn *Session
}

func (h *connEventHandler) OnOpen() {
	h.sn.hello()
}

func (h *connEventHandler) OnFrame(raw []byte) {
	h.sn.dispatch(raw)
}

func (h *connEventHandler) OnClose(serverInitiated bool, code int, reason string) {
	h.sn.handleDisconnect(serverInitiated, code, reason)
}

func (h *connEventHandler) OnError(err error) {
	h.sn.mu.Lock()
	connected := h.sn.connected
	h.sn.mu.Unlock()
	if connected != nil && !connected.IsDone() {
		connected.Reject(err)
	}
	h.sn.handleDisconnect(true, 0, err.Error())
}

// Connect dials the server. It is idempotent: connecting a live session
// returns an already-resolved reply rather than an error. The returned reply
// completes when the protocol handshake does.
func (s *Session) Connect(host string, useTLS bool) *Reply {
	s.mu.Lock()
	if s.conn != nil && s.conn.IsConnected() {
		s.mu.Unlock()
		logger.Debugf("session: already connected")
		return ResolvedReply(nil)
	}
	conn := s.dial(host, useTLS, s.apiKey, &connEventHandler{sn: s})
	s.conn = conn
	s.connected = NewReply()
	s.connActive = true
	r := s.connected
	s.mu.Unlock()

	if err := conn.Connect(); err != nil {
		s.mu.Lock()
		s.conn = nil
		s.connActive = false
		s.mu.Unlock()
		r.Reject(err)
	}
	return r
}

// hello performs the protocol handshake and derives the clock-skew
// adjustment from the reply's server timestamp.
func (s *Session) hello() {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Hi: &wire.MsgClientHi{
		ID:        id,
		Version:   protocolVersion,
		UserAgent: s.userAgent(),
		DeviceID:  s.deviceID,
	}}
	s.sendRequest(id, msg).Then(func(pkt *wire.ServerMessage) (*wire.ServerMessage, error) {
		if pkt == nil || pkt.Ctrl == nil {
			return nil, errs.InvalidReply("handshake reply without ctrl")
		}
		ctrl := pkt.Ctrl
		adj := time.Since(ctrl.Ts)

		s.mu.Lock()
		s.serverVersion = ctrl.StringParam("ver")
		s.serverBuild = ctrl.StringParam("build")
		s.timeAdj = adj
		connected := s.connected
		s.mu.Unlock()

		s.store.SetTimeAdjustment(adj)
		if connected != nil && !connected.IsDone() {
			connected.Resolve(pkt)
		}
		s.listener.OnConnect(ctrl.Code, ctrl.Text, ctrl.Params)
		return nil, nil
	}, func(err error) (*wire.ServerMessage, error) {
		logger.Warnf("session: handshake failed: %v", err)
		return nil, err
	})
}

// handleDisconnect is the single teardown routine. Both a clean close and a
// socket error funnel here, so it is idempotent.
func (s *Session) handleDisconnect(byServer bool, code int, reason string) {
	s.mu.Lock()
	if !s.connActive {
		s.mu.Unlock()
		return
	}
	s.connActive = false
	s.conn = nil
	s.serverVersion = ""
	s.serverBuild = ""
	s.authenticated = false
	connected := s.connected
	s.connected = nil
	s.mu.Unlock()

	// A close racing the handshake must not strand the Connect caller.
	if connected != nil && !connected.IsDone() {
		connected.Reject(errs.ErrDisconnected)
	}
	s.futures.drainAll(errs.ErrDisconnected)
	s.listener.OnDisconnect(byServer, code, reason)
}

// Disconnect drops the transport. Teardown completes when the reader
// goroutine observes the close.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

// Logout disconnects, forgets the authenticated identity and clears the
// store's session-scoped state. No auth token is retained.
func (s *Session) Logout() {
	s.Disconnect()
	s.mu.Lock()
	s.myUID = ""
	s.authToken = ""
	s.authenticated = false
	s.mu.Unlock()
	s.store.Logout()
}

// LoginBasic authenticates with a username and password.
func (s *Session) LoginBasic(uname, password string) *Reply {
	return s.Login(wire.AuthSchemeBasic, wire.EncodeBasicAuth(uname, password), nil)
}

// LoginToken authenticates with a previously issued token.
func (s *Session) LoginToken(token string, creds []wire.Credential) *Reply {
	return s.Login(wire.AuthSchemeToken, token, creds)
}

// Login sends a login request. Re-login while already authenticated is a
// no-op returning an already-resolved reply.
func (s *Session) Login(scheme, secret string, creds []wire.Credential) *Reply {
	s.mu.Lock()
	if s.authenticated {
		s.mu.Unlock()
		return ResolvedReply(nil)
	}
	s.mu.Unlock()

	id := s.nextRequestID()
	msg := &wire.ClientMessage{Login: &wire.MsgClientLogin{
		ID:     id,
		Scheme: scheme,
		Secret: secret,
		Cred:   creds,
	}}
	return s.sendRequest(id, msg).Then(s.loginSuccessful, s.loginFailed)
}

// CreateAccountBasic creates an account with the basic scheme, optionally
// logging in with it immediately.
func (s *Session) CreateAccountBasic(uname, password string, login bool, tags []string, desc *wire.MetaSetDesc, creds []wire.Credential) *Reply {
	return s.Account("", wire.AuthSchemeBasic, wire.EncodeBasicAuth(uname, password), login, tags, desc, creds)
}

// Account creates or updates an account. With login set, the success
// continuation runs the same authentication bookkeeping as Login.
func (s *Session) Account(uid, scheme, secret string, login bool, tags []string, desc *wire.MetaSetDesc, creds []wire.Credential) *Reply {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Acc: &wire.MsgClientAcc{
		ID:     id,
		User:   uid,
		Scheme: scheme,
		Secret: secret,
		Login:  login,
		Tags:   tags,
		Desc:   desc,
		Cred:   creds,
	}}
	r := s.sendRequest(id, msg)
	if !login {
		return r
	}
	return r.Then(s.loginSuccessful, s.loginFailed)
}

func (s *Session) loginSuccessful(pkt *wire.ServerMessage) (*wire.ServerMessage, error) {
	if pkt == nil || pkt.Ctrl == nil {
		return nil, errs.InvalidReply("login reply without ctrl")
	}
	ctrl := pkt.Ctrl
	newUID := ctrl.StringParam("user")

	s.mu.Lock()
	curUID := s.myUID
	s.mu.Unlock()
	if curUID != "" && newUID != "" && curUID != newUID {
		s.Logout()
		s.listener.OnLogin(400, "UID mismatch")
		return nil, errs.InvalidState("uid mismatch on login")
	}

	s.mu.Lock()
	s.myUID = newUID
	s.authToken = ctrl.StringParam("token")
	authed := ctrl.Code < 300
	if authed {
		s.authenticated = true
	}
	s.mu.Unlock()

	s.store.SetUID(newUID)
	s.loadTopics(context.Background())
	if authed {
		s.syncQueuedMessages(context.Background())
		s.listener.OnLogin(ctrl.Code, ctrl.Text)
	}
	return nil, nil
}

func (s *Session) loginFailed(err error) (*wire.ServerMessage, error) {
	if se, ok := errs.AsServerError(err); ok {
		s.mu.Lock()
		s.authenticated = false
		if se.IsAuthFailure() {
			s.authToken = ""
		}
		s.mu.Unlock()
		s.listener.OnLogin(se.Code, se.Text)
	}
	return nil, err
}

// Subscribe attaches the session to a topic, optionally setting metadata and
// querying state in the same request. Attaching a locally created topic
// renames it to the server-assigned name carried in the reply.
func (s *Session) Subscribe(topic string, set *wire.MsgSetMeta, get *wire.MsgGetMeta) *Reply {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Sub: &wire.MsgClientSub{
		ID:    id,
		Topic: topic,
		Set:   set,
		Get:   get,
	}}
	r := s.sendRequest(id, msg)
	if !strings.HasPrefix(topic, TopicNew) {
		return r
	}
	return r.ThenSuccess(func(pkt *wire.ServerMessage) (*wire.ServerMessage, error) {
		if pkt == nil || pkt.Ctrl == nil {
			return nil, nil
		}
		assigned := pkt.Ctrl.Topic
		if assigned == "" || assigned == topic {
			return nil, nil
		}
		if t := s.topics.get(topic); t != nil {
			s.ChangeTopicName(context.Background(), t, assigned)
		}
		return nil, nil
	})
}

// GetMeta queries topic metadata or message history.
func (s *Session) GetMeta(topic string, query wire.MsgGetMeta) *Reply {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Get: &wire.MsgClientGet{
		ID:         id,
		Topic:      topic,
		MsgGetMeta: query,
	}}
	return s.sendRequest(id, msg)
}

// Leave detaches from a topic; with unsub it also deletes the subscription.
func (s *Session) Leave(topic string, unsub bool) *Reply {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Leave: &wire.MsgClientLeave{
		ID:    id,
		Topic: topic,
		Unsub: unsub,
	}}
	return s.sendRequest(id, msg)
}

// Publish sends content to a topic. When the topic is registered and
// persisted, a local pending-send row is written first and promoted to the
// server-assigned seq, or marked failed, when the reply arrives.
func (s *Session) Publish(ctx context.Context, topicName string, content json.RawMessage) *Reply {
	var msgID int64 = -1
	t := s.GetTopic(topicName)
	if t != nil && t.Persisted() {
		msgID = s.store.MsgSend(ctx, t.rec, content)
		if msgID <= 0 {
			logger.Warnf("session: outgoing message for %s not persisted", topicName)
		}
	}

	if msgID > 0 {
		return s.deliverStored(ctx, t, msgID, content)
	}
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Pub: &wire.MsgClientPub{
		ID:      id,
		Topic:   topicName,
		NoEcho:  true,
		Content: content,
	}}
	return s.sendRequest(id, msg)
}

// deliverStored sends the stored pending message msgID and promotes it to
// the server-assigned seq, or marks it failed, when the reply arrives.
func (s *Session) deliverStored(ctx context.Context, t *Topic, msgID int64, content json.RawMessage) *Reply {
	id := s.nextRequestID()
	msg := &wire.ClientMessage{Pub: &wire.MsgClientPub{
		ID:      id,
		Topic:   t.name,
		NoEcho:  true,
		Content: content,
	}}
	return s.sendRequest(id, msg).Then(func(pkt *wire.ServerMessage) (*wire.ServerMessage, error) {
		if pkt == nil || pkt.Ctrl == nil {
			return nil, errs.InvalidReply("publish reply without ctrl")
		}
		seq := pkt.Ctrl.IntParam("seq")
		if !s.store.MsgDelivered(ctx, t.rec, msgID, pkt.Ctrl.Ts, seq) {
			return nil, errs.Storage("msgDelivered", nil)
		}
		return nil, nil
	}, func(err error) (*wire.ServerMessage, error) {
		s.store.MsgFailed(ctx, msgID)
		return nil, err
	})
}

// syncQueuedMessages resends messages that were still pending when the
// previous connection went down.
func (s *Session) syncQueuedMessages(ctx context.Context) {
	if !s.store.IsReady() {
		return
	}
	for _, t := range s.topics.all() {
		if !t.Persisted() {
			continue
		}
		for _, m := range s.store.QueuedMessages(ctx, t.rec.ID) {
			s.deliverStored(ctx, t, m.ID, m.Content)
		}
	}
}

// note sends a fire-and-forget notification; failures are logged only.
func (s *Session) note(topic, what string, seq int) {
	msg := &wire.ClientMessage{Note: &wire.MsgClientNote{Topic: topic, What: what, Seq: seq}}
	payload, err := msg.Marshal()
	if err != nil {
		return
	}
	if err := s.send(payload); err != nil {
		logger.Debugf("session: note %s/%s dropped: %v", topic, what, err)
	}
}

// NoteRead reports that messages up to seq were read by the local user.
func (s *Session) NoteRead(topic string, seq int) { s.note(topic, wire.NoteRead, seq) }

// NoteRecv reports that messages up to seq reached this client.
func (s *Session) NoteRecv(topic string, seq int) { s.note(topic, wire.NoteRecv, seq) }

// NoteKeyPress sends a typing indicator.
func (s *Session) NoteKeyPress(topic string) { s.note(topic, wire.NoteKeyPress, 0) }
