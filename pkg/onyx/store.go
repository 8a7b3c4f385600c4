// Package onyx is a reactive key-value store. Readers subscribe to a key or
// a collection prefix and are called back on every write. A key reads as
// unresolved until the store has either seen a write for it or resolved it
// against the durable tier.
package onyx

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reportgate/pkg/models"
	"reportgate/pkg/store"

	"github.com/rs/zerolog"
)

var ErrInvalidKey = errors.New("onyx: invalid key")

// Entry is the observed state of one key.
type Entry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
	Resolved bool            `json:"resolved"`
}

// Empty reports whether the entry is unresolved or holds an empty value.
func (e Entry) Empty() bool {
	return !e.Resolved || models.IsEmptyJSON(e.Value)
}

type Store struct {
	mu           sync.Mutex
	values       map[string]*record
	resolvedColl map[string]bool
	keySubs      map[string]map[uint64]*Subscription
	collSubs     map[string]map[uint64]*Subscription
	pins         map[string]int
	lru          *list.List
	nextID       uint64
	flushes      map[string]*flushState
	version      uint64

	backend      store.Cache
	ttl          time.Duration
	maxEvictable int
	evictable    []string
	log          zerolog.Logger
}

type record struct {
	value json.RawMessage
	elem  *list.Element
}

// flushState orders backend writes of one key. pending counts writes that
// have been committed in memory but not yet flushed.
type flushState struct {
	mu      sync.Mutex
	pending int
	flushed uint64
}

type flushTicket struct {
	state   *flushState
	version uint64
}

type Option func(*Store)

// WithBackend writes every change through to cache and resolves unknown
// keys against it.
func WithBackend(cache store.Cache, ttl time.Duration) Option {
	return func(s *Store) {
		s.backend = cache
		s.ttl = ttl
	}
}

// WithMaxEvictableKeys bounds how many evictable keys stay in memory.
// Eviction only happens when a backend is configured.
func WithMaxEvictableKeys(n int) Option {
	return func(s *Store) { s.maxEvictable = n }
}

// WithEvictableCollections replaces the collection prefixes whose members
// may be evicted.
func WithEvictableCollections(prefixes ...string) Option {
	return func(s *Store) { s.evictable = append([]string(nil), prefixes...) }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func New(opts ...Option) *Store {
	s := &Store{
		values:       map[string]*record{},
		resolvedColl: map[string]bool{},
		keySubs:      map[string]map[uint64]*Subscription{},
		collSubs:     map[string]map[uint64]*Subscription{},
		pins:         map[string]int{},
		flushes:      map[string]*flushState{},
		lru:          list.New(),
		evictable:    []string{models.CollectionReportActions},
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the current entry for key without subscribing.
func (s *Store) Get(key string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(key)
}

// Set replaces the value of key. An empty value resolves the key as absent.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	value = normalize(value)
	_, ticket, _ := s.update(key, func(json.RawMessage) (json.RawMessage, error) { return value, nil })
	return s.persist(ctx, key, value, ticket)
}

// Merge deep-merges a JSON object patch into the current value. Null
// fields in the patch delete the field.
func (s *Store) Merge(ctx context.Context, key string, patch json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	merged, ticket, err := s.update(key, func(current json.RawMessage) (json.RawMessage, error) {
		return mergeJSON(current, patch)
	})
	if err != nil {
		return fmt.Errorf("merge %s: %w", key, err)
	}
	return s.persist(ctx, key, merged, ticket)
}

// MergeCollection merges one patch per member of a collection.
func (s *Store) MergeCollection(ctx context.Context, prefix string, members map[string]json.RawMessage) error {
	if !models.IsCollectionKey(prefix) {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidKey, prefix)
	}
	var errs []error
	for id, patch := range members {
		if err := s.Merge(ctx, prefix+id, patch); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.resolvedColl[prefix] = true
	s.mu.Unlock()
	return errors.Join(errs...)
}

// Remove resolves key as absent.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.Set(ctx, key, nil)
}

// Resolve settles an unresolved key. With a backend the key is loaded from
// it; without one the store is authoritative and the key resolves absent.
func (s *Store) Resolve(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	_, known := s.values[key]
	s.mu.Unlock()
	if known {
		return nil
	}
	var value json.RawMessage
	if s.backend != nil {
		raw, err := s.backend.Get(ctx, key)
		switch {
		case err == nil:
			value = json.RawMessage(raw)
		case store.IsMiss(err):
		default:
			return fmt.Errorf("resolve %s: %w", key, err)
		}
	}
	// A write that landed while the backend was read wins.
	s.write(key, normalize(value), true)
	return nil
}

// ResolveCollection loads every member of a collection from the backend
// and marks the collection resolved.
func (s *Store) ResolveCollection(ctx context.Context, prefix string) error {
	if !models.IsCollectionKey(prefix) {
		return fmt.Errorf("%w: %q is not a collection", ErrInvalidKey, prefix)
	}
	if s.backend != nil {
		members, err := s.backend.Scan(ctx, prefix)
		if err != nil {
			return fmt.Errorf("resolve collection %s: %w", prefix, err)
		}
		for key, raw := range members {
			s.write(key, normalize(json.RawMessage(raw)), true)
		}
	}
	s.mu.Lock()
	already := s.resolvedColl[prefix]
	s.resolvedColl[prefix] = true
	s.mu.Unlock()
	if !already {
		s.notifyCollection(prefix)
	}
	return nil
}

// Len returns the number of keys held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// write stores value and runs the resulting callbacks outside the lock.
// With onlyIfUnknown it leaves keys already held in memory untouched.
func (s *Store) write(key string, value json.RawMessage, onlyIfUnknown bool) bool {
	s.mu.Lock()
	if _, ok := s.values[key]; ok && onlyIfUnknown {
		s.mu.Unlock()
		return false
	}
	s.commitLocked(key, value)
	return true
}

// update derives the new value from the current one under the store lock.
// The returned ticket orders the backend write against later writes.
func (s *Store) update(key string, fn func(current json.RawMessage) (json.RawMessage, error)) (json.RawMessage, flushTicket, error) {
	s.mu.Lock()
	var current json.RawMessage
	if rec, ok := s.values[key]; ok {
		current = rec.value
	}
	next, err := fn(current)
	if err != nil {
		s.mu.Unlock()
		return nil, flushTicket{}, err
	}
	next = normalize(next)
	ticket := s.claimFlushLocked(key)
	s.commitLocked(key, next)
	return next, ticket, nil
}

func (s *Store) claimFlushLocked(key string) flushTicket {
	if s.backend == nil {
		return flushTicket{}
	}
	st, ok := s.flushes[key]
	if !ok {
		st = &flushState{}
		s.flushes[key] = st
	}
	st.pending++
	s.version++
	return flushTicket{state: st, version: s.version}
}

// commitLocked stores value, then releases the lock and runs callbacks.
func (s *Store) commitLocked(key string, value json.RawMessage) {
	rec, ok := s.values[key]
	if !ok {
		rec = &record{}
		s.values[key] = rec
	}
	rec.value = value
	if collection, _, isMember := models.SplitCollectionKey(key); isMember {
		s.resolvedColl[collection] = true
	}
	s.touchLocked(key, rec)
	calls := s.pendingLocked(key)
	s.mu.Unlock()
	for _, c := range calls {
		c.fn(c.entry)
	}
}

func (s *Store) notifyCollection(prefix string) {
	s.mu.Lock()
	var calls []pendingCall
	for _, sub := range sortedSubs(s.collSubs[prefix]) {
		if c, ok := sub.pendingLocked(s); ok {
			calls = append(calls, c)
		}
	}
	s.mu.Unlock()
	for _, c := range calls {
		c.fn(c.entry)
	}
}

// persist writes one committed value through to the backend. Writes of a
// key are serialized, and a value older than one already flushed is
// dropped, so the backend ends on the value memory ended on.
func (s *Store) persist(ctx context.Context, key string, value json.RawMessage, t flushTicket) error {
	if s.backend == nil || t.state == nil {
		return nil
	}
	err := s.flush(ctx, key, value, t)
	s.mu.Lock()
	t.state.pending--
	if t.state.pending == 0 && s.flushes[key] == t.state {
		delete(s.flushes, key)
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("onyx backend write failed")
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

func (s *Store) flush(ctx context.Context, key string, value json.RawMessage, t flushTicket) error {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.version < t.state.flushed {
		return nil
	}
	var err error
	if value == nil {
		err = s.backend.Del(ctx, key)
	} else {
		err = s.backend.Set(ctx, key, string(value), s.ttl)
	}
	if err == nil {
		t.state.flushed = t.version
	}
	return err
}

func (s *Store) entryLocked(key string) Entry {
	rec, ok := s.values[key]
	if !ok {
		return Entry{Key: key}
	}
	return Entry{Key: key, Value: rec.value, Resolved: true}
}

func (s *Store) isEvictable(key string) bool {
	for _, prefix := range s.evictable {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) touchLocked(key string, rec *record) {
	if s.backend == nil || s.maxEvictable <= 0 || !s.isEvictable(key) {
		return
	}
	if rec.elem != nil {
		s.lru.MoveToFront(rec.elem)
	} else {
		rec.elem = s.lru.PushFront(key)
	}
	for s.lru.Len() > s.maxEvictable {
		victim := s.lru.Back()
		for victim != nil && (victim.Value.(string) == key || s.pins[victim.Value.(string)] > 0) {
			victim = victim.Prev()
		}
		if victim == nil {
			return
		}
		evicted := victim.Value.(string)
		s.lru.Remove(victim)
		delete(s.values, evicted)
		s.log.Debug().Str("key", evicted).Msg("onyx evicted key")
	}
}

func normalize(value json.RawMessage) json.RawMessage {
	if models.IsEmptyJSON(value) {
		return nil
	}
	return append(json.RawMessage(nil), bytes.TrimSpace(value)...)
}

func validateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if models.IsCollectionKey(key) {
		return fmt.Errorf("%w: %q names a collection", ErrInvalidKey, key)
	}
	return nil
}
