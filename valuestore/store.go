package valuestore

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/metric"
	"github.com/krishna-esrlabs/flux-mcf/value"
)

type entry struct {
	mu        sync.RWMutex
	value     value.Value
	receivers []Receiver
}

// Store holds the latest value per topic and fans every write out to the
// receivers registered for it. The store keeps no history.
type Store struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	allTopic []Receiver

	metrics *metric.Metrics
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics records value writes on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLogger sets the logger used for receiver diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates an empty value store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// entryLocked returns the entry for topic, creating it if needed. s.mu must
// be held for writing.
func (s *Store) entryLocked(topic string) *entry {
	e, ok := s.entries[topic]
	if !ok {
		e = &entry{}
		s.entries[topic] = e
	}
	return e
}

// SetValue replaces the value of topic and notifies its receivers: first
// the all-topic receivers, then the topic receivers, each in registration
// order. Notification happens after all store locks are released.
func (s *Store) SetValue(topic string, v value.Value) error {
	if v == nil {
		return errors.WrapInvalid(errors.ErrNilValue, "Store", "SetValue",
			fmt.Sprintf("set value on %s", topic))
	}

	s.mu.Lock()
	e := s.entryLocked(topic)
	all := append([]Receiver(nil), s.allTopic...)
	e.mu.Lock()
	s.mu.Unlock()

	e.value = v
	receivers := append([]Receiver(nil), e.receivers...)
	e.mu.Unlock()

	s.metrics.RecordValueSet(topic)

	var expiredAll, expiredTopic []Receiver
	for _, r := range all {
		if r.Receive(topic, v) {
			expiredAll = append(expiredAll, r)
		}
	}
	for _, r := range receivers {
		if r.Receive(topic, v) {
			expiredTopic = append(expiredTopic, r)
		}
	}

	for _, r := range expiredAll {
		s.RemoveAllTopicReceiver(r)
	}
	for _, r := range expiredTopic {
		s.RemoveReceiver(topic, r)
	}
	if n := len(expiredAll) + len(expiredTopic); n > 0 {
		s.logger.Debug("Pruned expired receivers", "topic", topic, "count", n)
	}
	return nil
}

// Value returns the latest value of topic.
func (s *Store) Value(topic string) (value.Value, bool) {
	s.mu.RLock()
	e, ok := s.entries[topic]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.value, e.value != nil
}

// HasValue reports whether topic holds a value.
func (s *Store) HasValue(topic string) bool {
	_, ok := s.Value(topic)
	return ok
}

// Topics returns all topics that have a value or receivers, sorted.
func (s *Store) Topics() []string {
	s.mu.RLock()
	topics := make([]string, 0, len(s.entries))
	for topic := range s.entries {
		topics = append(topics, topic)
	}
	s.mu.RUnlock()

	sort.Strings(topics)
	return topics
}

// AddReceiver registers r for topic. Registering the same receiver twice
// has no effect.
func (s *Store) AddReceiver(topic string, r Receiver) {
	s.mu.Lock()
	e := s.entryLocked(topic)
	e.mu.Lock()
	s.mu.Unlock()
	defer e.mu.Unlock()

	if indexOf(e.receivers, r) < 0 {
		e.receivers = append(e.receivers, r)
	}
}

// RemoveReceiver unregisters r from topic.
func (s *Store) RemoveReceiver(topic string, r Receiver) {
	s.mu.RLock()
	e, ok := s.entries[topic]
	s.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.receivers = without(e.receivers, r)
}

// AddAllTopicReceiver registers r for every topic.
func (s *Store) AddAllTopicReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.allTopic, r) < 0 {
		s.allTopic = append(s.allTopic, r)
	}
}

// RemoveAllTopicReceiver unregisters an all-topic receiver.
func (s *Store) RemoveAllTopicReceiver(r Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allTopic = without(s.allTopic, r)
}

func indexOf(rs []Receiver, r Receiver) int {
	for i, existing := range rs {
		if existing == r {
			return i
		}
	}
	return -1
}

func without(rs []Receiver, r Receiver) []Receiver {
	i := indexOf(rs, r)
	if i < 0 {
		return rs
	}
	out := make([]Receiver, 0, len(rs)-1)
	out = append(out, rs[:i]...)
	return append(out, rs[i+1:]...)
}
