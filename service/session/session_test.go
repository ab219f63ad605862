package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msgr-im/msgr/service/store"
	"github.com/msgr-im/msgr/service/transport"
	"github.com/msgr-im/msgr/service/wire"
	"github.com/msgr-im/msgr/tools/errs"
)

// fakeConn is an in-process transport double. Frames "sent" are captured for
// inspection; server frames are injected with push.
type fakeConn struct {
	mu       sync.Mutex
	l        transport.Listener
	sent     [][]byte
	live     bool
	failSend bool
}

func (c *fakeConn) Connect() error {
	c.mu.Lock()
	c.live = true
	c.mu.Unlock()
	c.l.OnOpen()
	return nil
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live {
		return errs.ErrNotConnected
	}
	if c.failSend {
		return errs.ErrNotConnected
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	if !c.live {
		c.mu.Unlock()
		return
	}
	c.live = false
	c.mu.Unlock()
	c.l.OnClose(false, 1000, "closed by client")
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *fakeConn) push(t *testing.T, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	c.l.OnFrame(raw)
}

// sentFrame decodes the i-th captured outbound frame.
func (c *fakeConn) sentFrame(t *testing.T, i int) map[string]json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.Greater(t, len(c.sent), i, "expected at least %d outbound frames", i+1)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(c.sent[i], &m))
	return m
}

type recordingListener struct {
	NopListener
	mu          sync.Mutex
	connects    int
	disconnects int
	loginCodes  []int
	loginTexts  []string
	dataFrames  int
}

func (l *recordingListener) OnConnect(code int, reason string, params map[string]json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *recordingListener) OnDisconnect(byServer bool, code int, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnects++
}

func (l *recordingListener) OnLogin(code int, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loginCodes = append(l.loginCodes, code)
	l.loginTexts = append(l.loginTexts, text)
}

func (l *recordingListener) OnDataMessage(data *wire.MsgServerData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dataFrames++
}

func newTestSession(t *testing.T) (*Session, *fakeConn, *store.MemoryStore, *recordingListener) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.Open(context.Background()))

	fc := &fakeConn{}
	rl := &recordingListener{}
	s := NewSession("msgr-test", "key-000", st, rl)
	s.SetDialer(func(host string, useTLS bool, apiKey string, l transport.Listener) Transport {
		fc.l = l
		return fc
	})
	return s, fc, st, rl
}

func ctrlFrame(id string, code int, text string, params map[string]any) map[string]any {
	ctrl := map[string]any{
		"id":   id,
		"code": code,
		"text": text,
		"ts":   time.Now().UTC().Format(time.RFC3339),
	}
	if params != nil {
		ctrl["params"] = params
	}
	return map[string]any{"ctrl": ctrl}
}

// connect performs the dial plus handshake exchange. The handshake consumes
// request id "1".
func connect(t *testing.T, s *Session, fc *fakeConn) {
	t.Helper()
	r := s.Connect("localhost:6060", false)
	fc.push(t, ctrlFrame("1", 201, "created", map[string]any{"ver": "0", "build": "test"}))
	_, err := r.Wait(context.Background())
	require.NoError(t, err)
}

func TestConnectHandshake(t *testing.T) {
	s, fc, st, rl := newTestSession(t)
	connect(t, s, fc)

	frame := fc.sentFrame(t, 0)
	require.Contains(t, frame, "hi")
	var hi wire.MsgClientHi
	require.NoError(t, json.Unmarshal(frame["hi"], &hi))
	assert.Equal(t, "1", hi.ID)
	assert.Equal(t, "0", hi.Version)
	assert.NotEmpty(t, hi.DeviceID)

	assert.True(t, s.IsConnected())
	assert.Equal(t, "0", s.ServerVersion())
	assert.Equal(t, 1, rl.connects)
	assert.Equal(t, s.TimeAdjustment(), st.TimeAdjustment())
}

func TestConnectIdempotent(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	r := s.Connect("localhost:6060", false)
	assert.True(t, r.IsDone())
	_, err := r.Wait(context.Background())
	assert.NoError(t, err)
}

func TestLoginAuthenticates(t *testing.T) {
	s, fc, st, rl := newTestSession(t)
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	fc.push(t, ctrlFrame("2", 200, "ok", map[string]any{"user": "usrAbc", "token": "tok-1"}))

	_, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, s.IsAuthenticated())
	assert.Equal(t, "usrAbc", s.MyUID())
	assert.Equal(t, "usrAbc", st.UID())
	require.Len(t, rl.loginCodes, 1)
	assert.Equal(t, 200, rl.loginCodes[0])
}

func TestLoginRejected(t *testing.T) {
	s, fc, _, rl := newTestSession(t)
	connect(t, s, fc)

	r := s.LoginBasic("alice", "wrong")
	fc.push(t, ctrlFrame("2", 401, "authentication failed", nil))

	_, err := r.Wait(context.Background())
	require.Error(t, err)
	se, ok := errs.AsServerError(err)
	require.True(t, ok)
	assert.Equal(t, 401, se.Code)
	assert.False(t, s.IsAuthenticated())
	require.Len(t, rl.loginCodes, 1)
	assert.Equal(t, 401, rl.loginCodes[0])
}

func TestLoginUIDMismatchForcesLogout(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.Open(context.Background()))
	st.SetUID("usrOld")

	fc := &fakeConn{}
	rl := &recordingListener{}
	s := NewSession("msgr-test", "key-000", st, rl)
	s.SetDialer(func(host string, useTLS bool, apiKey string, l transport.Listener) Transport {
		fc.l = l
		return fc
	})
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	fc.push(t, ctrlFrame("2", 200, "ok", map[string]any{"user": "usrNew"}))

	_, err := r.Wait(context.Background())
	require.Error(t, err)
	assert.False(t, s.IsAuthenticated())
	assert.Empty(t, s.MyUID())
	require.Len(t, rl.loginCodes, 1)
	assert.Equal(t, 400, rl.loginCodes[0])
	assert.Equal(t, "UID mismatch", rl.loginTexts[0])
}

func TestReloginWhileAuthenticated(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	fc.push(t, ctrlFrame("2", 200, "ok", map[string]any{"user": "usrAbc"}))
	_, err := r.Wait(context.Background())
	require.NoError(t, err)

	again := s.LoginBasic("alice", "secret123")
	assert.True(t, again.IsDone())
	_, err = again.Wait(context.Background())
	assert.NoError(t, err)
}

func TestMetaCreatesTopicImplicitly(t *testing.T) {
	s, fc, st, _ := newTestSession(t)
	connect(t, s, fc)

	fc.push(t, map[string]any{"meta": map[string]any{
		"topic": "grpXYZ",
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"desc":  map[string]any{"public": map[string]any{"fn": "Gophers"}},
	}})

	topic := s.GetTopic("grpXYZ")
	require.NotNil(t, topic)
	assert.Equal(t, TopicTypeGrp, topic.Type())
	assert.True(t, topic.Persisted())
	assert.NotNil(t, st.TopicGet(context.Background(), "grpXYZ"))
}

func TestMetaWithoutDescIsDropped(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	fc.push(t, map[string]any{"meta": map[string]any{"topic": "grpNope"}})
	assert.Nil(t, s.GetTopic("grpNope"))
}

func TestDataFromRosteredAuthorPersists(t *testing.T) {
	s, fc, st, rl := newTestSession(t)
	connect(t, s, fc)

	now := time.Now().UTC().Format(time.RFC3339)
	fc.push(t, map[string]any{"meta": map[string]any{
		"topic": "grpXYZ",
		"ts":    now,
		"desc":  map[string]any{},
		"sub": []map[string]any{
			{"user": "usrBob", "mode": "JRWP", "updated": now},
		},
	}})
	topic := s.GetTopic("grpXYZ")
	require.NotNil(t, topic)

	fc.push(t, map[string]any{"data": map[string]any{
		"topic":   "grpXYZ",
		"from":    "usrBob",
		"seq":     4,
		"ts":      now,
		"content": "hello",
	}})

	assert.Equal(t, 4, topic.LastSeq())
	rng, ok := st.CachedMessageRange(context.Background(), topic.RecordID())
	require.True(t, ok)
	assert.Equal(t, 4, rng.Min)
	assert.Equal(t, 4, rng.Max)
	assert.Equal(t, 1, rl.dataFrames)
}

func TestDataFromUnknownAuthorRefused(t *testing.T) {
	s, fc, st, _ := newTestSession(t)
	connect(t, s, fc)

	now := time.Now().UTC().Format(time.RFC3339)
	fc.push(t, map[string]any{"meta": map[string]any{
		"topic": "grpXYZ",
		"ts":    now,
		"desc":  map[string]any{},
	}})
	topic := s.GetTopic("grpXYZ")
	require.NotNil(t, topic)

	fc.push(t, map[string]any{"data": map[string]any{
		"topic":   "grpXYZ",
		"from":    "usrGhost",
		"seq":     4,
		"ts":      now,
		"content": "orphan",
	}})

	// The write is refused whole: no message row, no watermark advance.
	assert.Equal(t, 0, topic.LastSeq())
	_, ok := st.CachedMessageRange(context.Background(), topic.RecordID())
	assert.False(t, ok)
}

func TestMePresenceFansOutToP2PTopic(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	ctx := context.Background()
	s.RegisterTopic(ctx, newTopic(s, TopicMe))
	bob := newTopic(s, "usrBob")
	s.RegisterTopic(ctx, bob)
	require.False(t, bob.Online())

	fc.push(t, map[string]any{"pres": map[string]any{
		"topic": "me",
		"src":   "usrBob",
		"what":  "on",
	}})
	assert.True(t, bob.Online())

	fc.push(t, map[string]any{"pres": map[string]any{
		"topic": "me",
		"src":   "usrBob",
		"what":  "off",
	}})
	assert.False(t, bob.Online())
}

func TestInfoAdvancesPeerWatermarks(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	now := time.Now().UTC().Format(time.RFC3339)
	fc.push(t, map[string]any{"meta": map[string]any{
		"topic": "grpXYZ",
		"ts":    now,
		"desc":  map[string]any{},
		"sub": []map[string]any{
			{"user": "usrBob", "mode": "JRWP", "updated": now},
		},
	}})
	topic := s.GetTopic("grpXYZ")
	require.NotNil(t, topic)

	fc.push(t, map[string]any{"info": map[string]any{
		"topic": "grpXYZ", "from": "usrBob", "what": "read", "seq": 7,
	}})
	// Stale receipt below the watermark is ignored.
	fc.push(t, map[string]any{"info": map[string]any{
		"topic": "grpXYZ", "from": "usrBob", "what": "read", "seq": 3,
	}})

	sub := topic.subscription(context.Background(), "usrBob")
	require.NotNil(t, sub)
	assert.Equal(t, 7, sub.Read)
}

func TestDuplicateCtrlReplyIsNoOp(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	fc.push(t, ctrlFrame("2", 200, "ok", map[string]any{"user": "usrAbc"}))
	fc.push(t, ctrlFrame("2", 500, "duplicate", nil))

	_, err := r.Wait(context.Background())
	assert.NoError(t, err)
	assert.True(t, s.IsAuthenticated())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	fc.l.OnFrame([]byte(`{"nonsense": true}`))
	fc.l.OnFrame([]byte(`not json at all`))
	assert.True(t, s.IsConnected())
}

func TestPublishDeliversLocalMessage(t *testing.T) {
	s, fc, st, _ := newTestSession(t)
	connect(t, s, fc)

	ctx := context.Background()
	st.SetUID("usrMe")
	st.UserAdd(ctx, &store.User{UID: "usrMe"})
	topic := newTopic(s, "grpXYZ")
	s.RegisterTopic(ctx, topic)
	require.True(t, topic.Persisted())

	r := s.Publish(ctx, "grpXYZ", json.RawMessage(`"hello"`))
	msgs := st.QueuedMessages(ctx, topic.RecordID())
	require.Len(t, msgs, 1)
	assert.Equal(t, store.StatusUndefined, msgs[0].Status)
	assert.Equal(t, 0, msgs[0].Seq)
	mid := msgs[0].ID

	fc.push(t, ctrlFrame("2", 202, "accepted", map[string]any{"seq": 11}))
	_, err := r.Wait(ctx)
	require.NoError(t, err)

	m := st.MessageByID(ctx, mid)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusSynced, m.Status)
	assert.Equal(t, 11, m.Seq)
	assert.Empty(t, st.QueuedMessages(ctx, topic.RecordID()))
}

func TestPublishFailureMarksMessageFailed(t *testing.T) {
	s, fc, st, _ := newTestSession(t)
	connect(t, s, fc)

	ctx := context.Background()
	st.SetUID("usrMe")
	st.UserAdd(ctx, &store.User{UID: "usrMe"})
	topic := newTopic(s, "grpXYZ")
	s.RegisterTopic(ctx, topic)

	r := s.Publish(ctx, "grpXYZ", json.RawMessage(`"hello"`))
	msgs := st.QueuedMessages(ctx, topic.RecordID())
	require.Len(t, msgs, 1)
	mid := msgs[0].ID

	fc.push(t, ctrlFrame("2", 500, "internal", nil))
	_, err := r.Wait(ctx)
	require.Error(t, err)

	m := st.MessageByID(ctx, mid)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusFailed, m.Status)
}

func TestDisconnectDrainsPending(t *testing.T) {
	s, fc, _, rl := newTestSession(t)
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	s.Disconnect()

	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, errs.ErrDisconnected)
	assert.False(t, s.IsAuthenticated())
	assert.False(t, s.IsConnected())
	assert.Equal(t, 1, rl.disconnects)

	// A second close notification is absorbed.
	fc.l.OnClose(true, 1006, "abnormal")
	assert.Equal(t, 1, rl.disconnects)
}

func TestSendWhileDisconnected(t *testing.T) {
	s, _, _, _ := newTestSession(t)

	r := s.LoginBasic("alice", "secret123")
	require.True(t, r.IsDone())
	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestCtrlWhatDataSignalsEndOfHistory(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	ctx := context.Background()
	topic := newTopic(s, "grpXYZ")
	s.RegisterTopic(ctx, topic)

	done := make(chan int, 1)
	topic.SetListener(&funcTopicListener{onAll: func(count int) { done <- count }})

	fc.push(t, map[string]any{"ctrl": map[string]any{
		"code":   208,
		"topic":  "grpXYZ",
		"ts":     time.Now().UTC().Format(time.RFC3339),
		"params": map[string]any{"what": "data", "count": 24},
	}})

	select {
	case n := <-done:
		assert.Equal(t, 24, n)
	default:
		t.Fatal("history completion was not signaled")
	}
}

func TestMetaReplyResolvesRequest(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	r := s.GetMeta("grpXYZ", wire.MsgGetMeta{What: "desc"})
	fc.push(t, map[string]any{"meta": map[string]any{
		"id":    "2",
		"topic": "grpXYZ",
		"ts":    time.Now().UTC().Format(time.RFC3339),
		"desc":  map[string]any{},
	}})

	require.True(t, r.IsDone())
	pkt, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.NotNil(t, pkt.Meta)
	assert.Equal(t, "grpXYZ", pkt.Meta.Topic)
	// Routing happens before the request settles: the topic exists by now.
	assert.NotNil(t, s.GetTopic("grpXYZ"))
}

func TestEchoedDataResolvesRequest(t *testing.T) {
	s, fc, _, _ := newTestSession(t)
	connect(t, s, fc)

	r := s.Publish(context.Background(), "grpUnknown", json.RawMessage(`"ping"`))
	fc.push(t, map[string]any{"data": map[string]any{
		"id":      "2",
		"topic":   "grpUnknown",
		"from":    "usrMe",
		"seq":     1,
		"ts":      time.Now().UTC().Format(time.RFC3339),
		"content": "ping",
	}})

	require.True(t, r.IsDone())
	pkt, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pkt)
	require.NotNil(t, pkt.Data)
	assert.Equal(t, 1, pkt.Data.Seq)
}

func TestServerCloseMidHandshakeRejectsConnect(t *testing.T) {
	s, fc, _, rl := newTestSession(t)

	r := s.Connect("localhost:6060", false)
	fc.l.OnClose(true, 1001, "going away")

	require.True(t, r.IsDone())
	_, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, errs.ErrDisconnected)
	assert.False(t, s.IsConnected())
	assert.Equal(t, 1, rl.disconnects)
}

func TestSubscribeNewTopicAdoptsAssignedName(t *testing.T) {
	s, fc, st, _ := newTestSession(t)
	connect(t, s, fc)

	ctx := context.Background()
	local := "new" + s.NextUniqueString()
	s.RegisterTopic(ctx, newTopic(s, local))

	r := s.Subscribe(local, nil, nil)
	fc.push(t, map[string]any{"ctrl": map[string]any{
		"id":    "2",
		"code":  200,
		"text":  "ok",
		"topic": "grpServerAssigned",
		"ts":    time.Now().UTC().Format(time.RFC3339),
	}})
	_, err := r.Wait(ctx)
	require.NoError(t, err)

	assert.Nil(t, s.GetTopic(local))
	renamed := s.GetTopic("grpServerAssigned")
	require.NotNil(t, renamed)
	assert.Equal(t, TopicTypeGrp, renamed.Type())
	assert.NotNil(t, st.TopicGet(ctx, "grpServerAssigned"))
	assert.Nil(t, st.TopicGet(ctx, local))
}

func TestQueuedMessagesResentAfterLogin(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.Open(ctx))
	st.SetUID("usrMe")
	st.UserAdd(ctx, &store.User{UID: "usrMe"})
	rec := &store.Topic{Name: "grpXYZ"}
	rec.ID = st.TopicAdd(ctx, rec)
	mid := st.MsgSend(ctx, rec, json.RawMessage(`"left behind"`))
	require.Greater(t, mid, int64(0))

	fc := &fakeConn{}
	s := NewSession("msgr-test", "key-000", st, &recordingListener{})
	s.SetDialer(func(host string, useTLS bool, apiKey string, l transport.Listener) Transport {
		fc.l = l
		return fc
	})
	connect(t, s, fc)

	r := s.LoginBasic("alice", "secret123")
	fc.push(t, ctrlFrame("2", 200, "ok", map[string]any{"user": "usrMe"}))
	_, err := r.Wait(ctx)
	require.NoError(t, err)

	// The stranded message goes back on the wire right after login.
	frame := fc.sentFrame(t, 2)
	require.Contains(t, frame, "pub")
	var pub wire.MsgClientPub
	require.NoError(t, json.Unmarshal(frame["pub"], &pub))
	assert.Equal(t, "3", pub.ID)
	assert.Equal(t, "grpXYZ", pub.Topic)

	fc.push(t, ctrlFrame("3", 202, "accepted", map[string]any{"seq": 5}))
	m := st.MessageByID(ctx, mid)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusSynced, m.Status)
	assert.Equal(t, 5, m.Seq)
	assert.Empty(t, st.QueuedMessages(ctx, rec.ID))
}

func TestNextUniqueStringDistinct(t *testing.T) {
	s, _, _, _ := newTestSession(t)
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		v := s.NextUniqueString()
		require.False(t, seen[v], fmt.Sprintf("duplicate unique string %q", v))
		seen[v] = true
	}
}

// funcTopicListener adapts callbacks for tests.
type funcTopicListener struct {
	onAll func(count int)
}

func (l *funcTopicListener) OnMeta(*wire.MsgServerMeta) {}
func (l *funcTopicListener) OnData(*wire.MsgServerData) {}
func (l *funcTopicListener) OnPres(*wire.MsgServerPres) {}
func (l *funcTopicListener) OnInfo(*wire.MsgServerInfo) {}
func (l *funcTopicListener) OnAllMessagesReceived(count int) {
	if l.onAll != nil {
		l.onAll(count)
	}
}
