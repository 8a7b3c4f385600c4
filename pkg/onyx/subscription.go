package onyx

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"reportgate/pkg/models"

	"github.com/google/uuid"
)

// Callback receives the (possibly projected) entry after every change.
type Callback func(Entry)

// Selector projects an entry before it is delivered. Callbacks only fire
// when the projection changes.
type Selector func(Entry) Entry

type Subscription struct {
	ID string

	seq      uint64
	key      string
	prefix   string
	fn       Callback
	canEvict bool
	selector Selector

	last      Entry
	delivered bool

	store *Store
	once  sync.Once
}

type SubscribeOption func(*Subscription)

// WithCanEvict(false) pins the key in memory for the subscription lifetime.
func WithCanEvict(canEvict bool) SubscribeOption {
	return func(sub *Subscription) { sub.canEvict = canEvict }
}

func WithSelector(sel Selector) SubscribeOption {
	return func(sub *Subscription) { sub.selector = sel }
}

// Subscribe registers fn for changes to key and returns the current,
// projected entry. fn is not called for the returned snapshot, so it is
// safe to subscribe from inside another callback.
func (s *Store) Subscribe(key string, fn Callback, opts ...SubscribeOption) (*Subscription, Entry) {
	sub := s.newSubscription(fn, opts)
	sub.key = key

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keySubs[key] == nil {
		s.keySubs[key] = map[uint64]*Subscription{}
	}
	s.keySubs[key][sub.seq] = sub
	if !sub.canEvict {
		s.pins[key]++
	}
	entry := sub.project(s.entryLocked(key))
	sub.last, sub.delivered = entry, true
	return sub, entry
}

// SubscribeCollection registers fn for changes to any member of the
// collection. The entry value is a JSON object of member ID to value.
func (s *Store) SubscribeCollection(prefix string, fn Callback, opts ...SubscribeOption) (*Subscription, Entry) {
	sub := s.newSubscription(fn, opts)
	sub.prefix = prefix

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collSubs[prefix] == nil {
		s.collSubs[prefix] = map[uint64]*Subscription{}
	}
	s.collSubs[prefix][sub.seq] = sub
	entry := sub.project(s.collectionEntryLocked(prefix))
	sub.last, sub.delivered = entry, true
	return sub, entry
}

// Unsubscribe is idempotent.
func (sub *Subscription) Unsubscribe() {
	if sub == nil || sub.store == nil {
		return
	}
	sub.once.Do(func() {
		s := sub.store
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub.prefix != "" {
			delete(s.collSubs[sub.prefix], sub.seq)
			if len(s.collSubs[sub.prefix]) == 0 {
				delete(s.collSubs, sub.prefix)
			}
			return
		}
		delete(s.keySubs[sub.key], sub.seq)
		if len(s.keySubs[sub.key]) == 0 {
			delete(s.keySubs, sub.key)
		}
		if !sub.canEvict {
			s.pins[sub.key]--
			if s.pins[sub.key] <= 0 {
				delete(s.pins, sub.key)
			}
		}
	})
}

// Key returns the subscribed key or collection prefix.
func (sub *Subscription) Key() string {
	if sub.prefix != "" {
		return sub.prefix
	}
	return sub.key
}

func (s *Store) newSubscription(fn Callback, opts []SubscribeOption) *Subscription {
	sub := &Subscription{ID: uuid.NewString(), fn: fn, canEvict: true, store: s}
	for _, opt := range opts {
		opt(sub)
	}
	s.mu.Lock()
	s.nextID++
	sub.seq = s.nextID
	s.mu.Unlock()
	return sub
}

func (sub *Subscription) project(e Entry) Entry {
	if sub.selector == nil {
		return e
	}
	return sub.selector(e)
}

type pendingCall struct {
	fn    Callback
	entry Entry
}

func (sub *Subscription) pendingLocked(s *Store) (pendingCall, bool) {
	var raw Entry
	if sub.prefix != "" {
		raw = s.collectionEntryLocked(sub.prefix)
	} else {
		raw = s.entryLocked(sub.key)
	}
	entry := sub.project(raw)
	if sub.delivered && entry.Resolved == sub.last.Resolved && bytes.Equal(entry.Value, sub.last.Value) {
		return pendingCall{}, false
	}
	sub.last, sub.delivered = entry, true
	if sub.fn == nil {
		return pendingCall{}, false
	}
	return pendingCall{fn: sub.fn, entry: entry}, true
}

// pendingLocked collects callbacks for a write to key: exact subscribers
// first, then collection subscribers, each in subscription order.
func (s *Store) pendingLocked(key string) []pendingCall {
	var calls []pendingCall
	for _, sub := range sortedSubs(s.keySubs[key]) {
		if c, ok := sub.pendingLocked(s); ok {
			calls = append(calls, c)
		}
	}
	if collection, _, ok := models.SplitCollectionKey(key); ok {
		for _, sub := range sortedSubs(s.collSubs[collection]) {
			if c, ok := sub.pendingLocked(s); ok {
				calls = append(calls, c)
			}
		}
	}
	return calls
}

func (s *Store) collectionEntryLocked(prefix string) Entry {
	if !s.resolvedColl[prefix] {
		return Entry{Key: prefix}
	}
	members := map[string]json.RawMessage{}
	for key, rec := range s.values {
		if rec.value == nil || !strings.HasPrefix(key, prefix) {
			continue
		}
		members[strings.TrimPrefix(key, prefix)] = rec.value
	}
	if len(members) == 0 {
		return Entry{Key: prefix, Resolved: true}
	}
	raw, _ := json.Marshal(members)
	return Entry{Key: prefix, Value: raw, Resolved: true}
}

func sortedSubs(m map[uint64]*Subscription) []*Subscription {
	out := make([]*Subscription, 0, len(m))
	for _, sub := range m {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
