package session

import (
	"context"

	"github.com/msgr-im/msgr/logger"
	"github.com/msgr-im/msgr/service/wire"
	"github.com/msgr-im/msgr/tools/errs"
)

// dispatch classifies one inbound frame and routes it. Malformed frames are
// logged and dropped; they never tear down the connection.
func (s *Session) dispatch(raw []byte) {
	s.listener.OnRawMessage(raw)

	pkt, err := wire.ParseServerMessage(raw)
	if err != nil {
		logger.Warnf("session: dropping malformed frame: %v", err)
		return
	}

	ctx := context.Background()
	s.listener.OnMessage(pkt)

	switch pkt.Kind() {
	case wire.KindCtrl:
		s.routeCtrl(pkt)
	case wire.KindMeta:
		s.routeMeta(ctx, pkt)
	case wire.KindData:
		s.routeData(ctx, pkt)
	case wire.KindPres:
		s.routePres(ctx, pkt.Pres)
	case wire.KindInfo:
		s.routeInfo(ctx, pkt.Info)
	default:
		logger.Warnf("session: dropping frame with no recognized section")
	}
}

// routeCtrl settles the in-flight request matching the reply id, if any.
// Taking the continuation out of the table first makes duplicate and late
// replies no-ops.
func (s *Session) routeCtrl(pkt *wire.ServerMessage) {
	ctrl := pkt.Ctrl
	s.listener.OnCtrlMessage(ctrl)

	if ctrl.ID != "" {
		if r := s.futures.take(ctrl.ID); r != nil {
			if ctrl.Code >= 200 && ctrl.Code < 400 {
				r.Resolve(pkt)
			} else {
				r.Reject(&errs.ServerError{
					Code: ctrl.Code,
					Text: ctrl.Text,
					What: ctrl.StringParam("what"),
				})
			}
		}
	}

	// A ctrl addressed to a topic with what=data closes out a history
	// fetch: the server has sent everything it is going to send.
	if ctrl.Topic != "" && ctrl.StringParam("what") == "data" {
		if t := s.topics.get(ctrl.Topic); t != nil {
			t.allMessagesReceived(ctrl.IntParam("count"))
		}
	}
}

// routeMeta delivers a meta frame to its topic, creating the topic on the
// fly when the frame describes one the client has not seen yet. A meta frame
// answering a request settles that request with the full envelope after
// routing.
func (s *Session) routeMeta(ctx context.Context, pkt *wire.ServerMessage) {
	meta := pkt.Meta
	s.listener.OnMetaMessage(meta)

	t := s.topics.get(meta.Topic)
	if t == nil {
		t = s.maybeCreateTopic(ctx, meta)
	}
	if t == nil {
		logger.Debugf("session: meta for unknown topic %s dropped", meta.Topic)
	} else {
		t.routeMeta(ctx, meta)
	}

	if meta.ID != "" {
		if r := s.futures.take(meta.ID); r != nil {
			r.Resolve(pkt)
		}
	}
}

// maybeCreateTopic materializes a topic from a meta frame carrying a
// description. Meta without desc is not enough to create one.
func (s *Session) maybeCreateTopic(ctx context.Context, meta *wire.MsgServerMeta) *Topic {
	if meta.Desc == nil {
		return nil
	}
	t := newTopicFromDesc(s, meta.Topic, meta.Desc)
	s.RegisterTopic(ctx, t)
	return t
}

// routeData persists and fans out a published message. An echoed data frame
// carrying a request id settles that request with the full envelope.
func (s *Session) routeData(ctx context.Context, pkt *wire.ServerMessage) {
	data := pkt.Data
	s.listener.OnDataMessage(data)

	t := s.topics.get(data.Topic)
	if t == nil {
		logger.Debugf("session: data for unknown topic %s dropped", data.Topic)
	} else {
		t.routeData(ctx, data)
	}

	if data.ID != "" {
		if r := s.futures.take(data.ID); r != nil {
			r.Resolve(pkt)
		}
	}
}

// routePres delivers presence. Presence published on the me topic about a
// p2p contact is additionally fanned out to that contact's topic when it is
// registered.
func (s *Session) routePres(ctx context.Context, pres *wire.MsgServerPres) {
	s.listener.OnPresMessage(pres)

	t := s.topics.get(pres.Topic)
	if t != nil {
		t.routePres(ctx, pres)
	}
	if pres.Topic == TopicMe && pres.Src != "" {
		if fwd := s.topics.get(pres.Src); fwd != nil && fwd.Type() == TopicTypeP2P {
			fwd.routePres(ctx, pres)
		}
	}
}

func (s *Session) routeInfo(ctx context.Context, info *wire.MsgServerInfo) {
	s.listener.OnInfoMessage(info)

	t := s.topics.get(info.Topic)
	if t == nil {
		return
	}
	t.routeInfo(ctx, info)
}
