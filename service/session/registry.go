package session

import (
	"context"
	"sync"
	"time"

	"github.com/msgr-im/msgr/logger"
)

// topicRegistry is the name-to-handle map of live topics. Registration and
// dispatch mutate it from different goroutines, so every access goes through
// its mutex.
type topicRegistry struct {
	mu sync.Mutex
	m  map[string]*Topic
}

func newTopicRegistry() *topicRegistry {
	return &topicRegistry{m: make(map[string]*Topic)}
}

func (r *topicRegistry) get(name string) *Topic {
	if name == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[name]
}

func (r *topicRegistry) put(t *Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[t.name] = t
}

func (r *topicRegistry) del(name string) *Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[name]
	if !ok {
		return nil
	}
	delete(r.m, name)
	return t
}

func (r *topicRegistry) all() []*Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Topic, 0, len(r.m))
	for _, t := range r.m {
		out = append(out, t)
	}
	return out
}

func (r *topicRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m = make(map[string]*Topic)
}

// RegisterTopic inserts the topic into the registry, creating its durable
// record first if it has none. A stale entry under the same name is
// overwritten.
func (s *Session) RegisterTopic(ctx context.Context, t *Topic) {
	if !t.Persisted() {
		if id := s.store.TopicAdd(ctx, t.rec); id > 0 {
			t.rec.ID = id
		} else {
			logger.Warnf("registry: topic %s not persisted", t.name)
		}
	}
	s.topics.put(t)
}

// UnregisterTopic removes the topic from the registry and deletes its
// durable record, subscriptions included, as one atomic unit.
func (s *Session) UnregisterTopic(ctx context.Context, name string) {
	t := s.topics.del(name)
	if t == nil {
		return
	}
	if t.Persisted() && !s.store.TopicDelete(ctx, t.rec.ID) {
		logger.Warnf("registry: durable record of %s not deleted", name)
	}
}

// ChangeTopicName renames the topic to newName, moving its registry entry
// and its durable record, and reports whether an entry existed under the old
// name. Used when the server assigns the real name of a locally created
// topic.
func (s *Session) ChangeTopicName(ctx context.Context, t *Topic, newName string) bool {
	existed := s.topics.del(t.name) != nil
	t.name = newName
	t.ttype = TopicTypeByName(newName)
	t.rec.Name = newName
	if t.Persisted() && !s.store.TopicUpdate(ctx, t.rec) {
		logger.Warnf("registry: rename to %s not persisted", newName)
	}
	s.RegisterTopic(ctx, t)
	return existed
}

// GetTopic returns the registered topic handle, or nil for an empty or
// unknown name.
func (s *Session) GetTopic(name string) *Topic {
	return s.topics.get(name)
}

// GetMeTopic returns the handle of the "me" topic if registered.
func (s *Session) GetMeTopic() *Topic {
	return s.topics.get(TopicMe)
}

// GetFilteredTopics returns topics matching the type mask, updated after the
// given time. A zero time disables the time filter.
func (s *Session) GetFilteredTopics(mask TopicType, updatedSince time.Time) []*Topic {
	var out []*Topic
	for _, t := range s.topics.all() {
		if t.ttype&mask == 0 {
			continue
		}
		if !updatedSince.IsZero() && !t.Updated().After(updatedSince) {
			continue
		}
		out = append(out, t)
	}
	return out
}
