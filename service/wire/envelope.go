// Package wire defines the JSON envelope of the chat protocol: one object
// per frame, with exactly one top-level key identifying the frame kind.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Note kinds carried by {note} frames.
const (
	NoteKeyPress = "kp"
	NoteRead     = "read"
	NoteRecv     = "recv"
)

// FrameKind classifies an inbound server frame.
type FrameKind int

const (
	KindMalformed FrameKind = iota
	KindCtrl
	KindMeta
	KindData
	KindPres
	KindInfo
)

func (k FrameKind) String() string {
	switch k {
	case KindCtrl:
		return "ctrl"
	case KindMeta:
		return "meta"
	case KindData:
		return "data"
	case KindPres:
		return "pres"
	case KindInfo:
		return "info"
	}
	return "malformed"
}

// ServerMessage is the envelope of a server-to-client frame. Exactly one of
// the five fields is set; a frame with none is malformed and gets dropped by
// the dispatcher.
type ServerMessage struct {
	Ctrl *MsgServerCtrl `json:"ctrl,omitempty"`
	Meta *MsgServerMeta `json:"meta,omitempty"`
	Data *MsgServerData `json:"data,omitempty"`
	Pres *MsgServerPres `json:"pres,omitempty"`
	Info *MsgServerInfo `json:"info,omitempty"`
}

// Kind returns the frame kind of the envelope.
func (m *ServerMessage) Kind() FrameKind {
	switch {
	case m.Ctrl != nil:
		return KindCtrl
	case m.Meta != nil:
		return KindMeta
	case m.Data != nil:
		return KindData
	case m.Pres != nil:
		return KindPres
	case m.Info != nil:
		return KindInfo
	}
	return KindMalformed
}

// ParseServerMessage decodes one raw frame.
func ParseServerMessage(raw []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MsgServerCtrl is a control frame: a reply to a client request or an
// unsolicited notification such as {what: data, count: N}.
type MsgServerCtrl struct {
	ID     string                     `json:"id,omitempty"`
	Topic  string                     `json:"topic,omitempty"`
	Code   int                        `json:"code"`
	Text   string                     `json:"text,omitempty"`
	Ts     time.Time                  `json:"ts,omitempty"`
	Params map[string]json.RawMessage `json:"params,omitempty"`
}

// StringParam returns the named string parameter or "".
func (c *MsgServerCtrl) StringParam(key string) string {
	raw, ok := c.Params[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// IntParam returns the named integer parameter or 0.
func (c *MsgServerCtrl) IntParam(key string) int {
	raw, ok := c.Params[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// MsgServerMeta carries topic metadata: description and/or subscriptions.
type MsgServerMeta struct {
	ID    string         `json:"id,omitempty"`
	Topic string         `json:"topic"`
	Ts    time.Time      `json:"ts,omitempty"`
	Desc  *Description   `json:"desc,omitempty"`
	Sub   []Subscription `json:"sub,omitempty"`
}

// MsgServerData is a published message delivered to a subscriber.
type MsgServerData struct {
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic"`
	From    string          `json:"from,omitempty"`
	Seq     int             `json:"seq"`
	Ts      time.Time       `json:"ts"`
	Content json.RawMessage `json:"content"`
}

// MsgServerPres is a presence notification.
type MsgServerPres struct {
	Topic string `json:"topic"`
	Src   string `json:"src,omitempty"`
	What  string `json:"what"`
	Seq   int    `json:"seq,omitempty"`
}

// MsgServerInfo is an ephemeral notification forwarded from another client:
// read/recv receipts and typing indicators.
type MsgServerInfo struct {
	Topic string `json:"topic"`
	From  string `json:"from"`
	What  string `json:"what"`
	Seq   int    `json:"seq,omitempty"`
}

// Description is a topic or user description embedded in meta frames.
type Description struct {
	Created time.Time       `json:"created,omitempty"`
	Updated time.Time       `json:"updated,omitempty"`
	DefAcs  *DefAcs         `json:"defacs,omitempty"`
	Acs     *Acs            `json:"acs,omitempty"`
	Seq     int             `json:"seq,omitempty"`
	Read    int             `json:"read,omitempty"`
	Recv    int             `json:"recv,omitempty"`
	Public  json.RawMessage `json:"public,omitempty"`
	Private json.RawMessage `json:"private,omitempty"`
}

// Subscription describes one user's attachment to one topic.
type Subscription struct {
	User    string          `json:"user,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Updated time.Time       `json:"updated,omitempty"`
	Mode    string          `json:"mode,omitempty"`
	Read    int             `json:"read,omitempty"`
	Recv    int             `json:"recv,omitempty"`
	Public  json.RawMessage `json:"public,omitempty"`
	Private json.RawMessage `json:"private,omitempty"`
}

// DefAcs holds default access modes for new subscribers.
type DefAcs struct {
	Auth string `json:"auth,omitempty"`
	Anon string `json:"anon,omitempty"`
}

// Acs holds the actual access mode of a subscriber.
type Acs struct {
	Want  string `json:"want,omitempty"`
	Given string `json:"given,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// Credential is an account credential such as a validated email or phone.
type Credential struct {
	Method string `json:"meth,omitempty"`
	Value  string `json:"val,omitempty"`
	Resp   string `json:"resp,omitempty"`
}

// ClientMessage is the envelope of a client-to-server frame. Exactly one
// field is set per frame.
type ClientMessage struct {
	Hi    *MsgClientHi    `json:"hi,omitempty"`
	Acc   *MsgClientAcc   `json:"acc,omitempty"`
	Login *MsgClientLogin `json:"login,omitempty"`
	Sub   *MsgClientSub   `json:"sub,omitempty"`
	Get   *MsgClientGet   `json:"get,omitempty"`
	Leave *MsgClientLeave `json:"leave,omitempty"`
	Pub   *MsgClientPub   `json:"pub,omitempty"`
	Note  *MsgClientNote  `json:"note,omitempty"`
}

// Marshal encodes the envelope for the transport.
func (m *ClientMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// MsgClientHi is the protocol handshake.
type MsgClientHi struct {
	ID        string `json:"id,omitempty"`
	Version   string `json:"ver"`
	UserAgent string `json:"ua,omitempty"`
	DeviceID  string `json:"dev,omitempty"`
	Lang      string `json:"lang,omitempty"`
}

// MsgClientAcc creates or updates an account.
type MsgClientAcc struct {
	ID     string       `json:"id,omitempty"`
	User   string       `json:"user,omitempty"`
	Scheme string       `json:"scheme,omitempty"`
	Secret string       `json:"secret,omitempty"`
	Login  bool         `json:"login,omitempty"`
	Tags   []string     `json:"tags,omitempty"`
	Desc   *MetaSetDesc `json:"desc,omitempty"`
	Cred   []Credential `json:"cred,omitempty"`
}

// MsgClientLogin authenticates the session.
type MsgClientLogin struct {
	ID     string       `json:"id,omitempty"`
	Scheme string       `json:"scheme"`
	Secret string       `json:"secret"`
	Cred   []Credential `json:"cred,omitempty"`
}

// MsgClientSub attaches the session to a topic.
type MsgClientSub struct {
	ID    string      `json:"id,omitempty"`
	Topic string      `json:"topic"`
	Set   *MsgSetMeta `json:"set,omitempty"`
	Get   *MsgGetMeta `json:"get,omitempty"`
}

// MsgClientGet queries topic metadata or message history.
type MsgClientGet struct {
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	MsgGetMeta
}

// MsgClientLeave detaches from a topic, optionally deleting the subscription.
type MsgClientLeave struct {
	ID    string `json:"id,omitempty"`
	Topic string `json:"topic"`
	Unsub bool   `json:"unsub,omitempty"`
}

// MsgClientPub publishes content to a topic.
type MsgClientPub struct {
	ID      string          `json:"id,omitempty"`
	Topic   string          `json:"topic"`
	NoEcho  bool            `json:"noecho,omitempty"`
	Head    map[string]any  `json:"head,omitempty"`
	Content json.RawMessage `json:"content"`
}

// MsgClientNote is a fire-and-forget notification: typing indicator or
// read/received receipt. Receipts carry the acknowledged sequence number.
type MsgClientNote struct {
	Topic string `json:"topic"`
	What  string `json:"what"`
	Seq   int    `json:"seq,omitempty"`
}

// MsgGetMeta selects which parts of topic metadata a sub/get request wants.
type MsgGetMeta struct {
	What string       `json:"what,omitempty"`
	Desc *MetaGetDesc `json:"desc,omitempty"`
	Sub  *MetaGetSub  `json:"sub,omitempty"`
	Data *MetaGetData `json:"data,omitempty"`
}

// MsgSetMeta carries metadata updates attached to a sub request.
type MsgSetMeta struct {
	Desc *MetaSetDesc `json:"desc,omitempty"`
	Sub  *MetaSetSub  `json:"sub,omitempty"`
}

// MetaGetDesc limits a description query to changes after IfModifiedSince.
type MetaGetDesc struct {
	IfModifiedSince *time.Time `json:"ims,omitempty"`
}

// MetaGetSub limits a subscription query.
type MetaGetSub struct {
	User            string     `json:"user,omitempty"`
	IfModifiedSince *time.Time `json:"ims,omitempty"`
	Limit           int        `json:"limit,omitempty"`
}

// MetaGetData selects a message range.
type MetaGetData struct {
	Since  int `json:"since,omitempty"`
	Before int `json:"before,omitempty"`
	Limit  int `json:"limit,omitempty"`
}

// MetaSetDesc sets default access and public/private payloads.
type MetaSetDesc struct {
	DefAcs  *DefAcs         `json:"defacs,omitempty"`
	Public  json.RawMessage `json:"public,omitempty"`
	Private json.RawMessage `json:"private,omitempty"`
}

// MetaSetSub requests a subscription mode change.
type MetaSetSub struct {
	User string `json:"user,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// EncodeBasicAuth packs a username and password into the secret of the
// "basic" authentication scheme.
func EncodeBasicAuth(uname, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(uname + ":" + password))
}

// Authentication scheme names.
const (
	AuthSchemeBasic = "basic"
	AuthSchemeToken = "token"
)
