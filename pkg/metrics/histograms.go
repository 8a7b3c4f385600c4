package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Histogram families.
const (
	// KindRoute is request latency keyed by route pattern.
	KindRoute = "route"
	// KindSettle is the time a one-shot gate took to leave LOADING, keyed by
	// the verdict it settled on.
	KindSettle = "settle"
)

// Upper bounds in seconds. A settled gate is usually one OpenReport round
// trip away, so the low end is finer.
var latencyBounds = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3}

// Histogram counts observations per bucket. counts has one extra slot for
// values above the last bound.
type Histogram struct {
	mu     sync.Mutex
	counts []int64
	sum    float64
	total  int64
}

func newHistogram() *Histogram {
	return &Histogram{counts: make([]int64, len(latencyBounds)+1)}
}

func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	if sec < 0 {
		sec = 0
	}
	i := sort.SearchFloat64s(latencyBounds, sec)
	h.mu.Lock()
	h.counts[i]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

type Bucket struct {
	Le    float64 `json:"le"`
	Count int64   `json:"count"`
}

// HistogramSnapshot holds cumulative bucket counts, as Prometheus expects.
// The +Inf bucket is Count.
type HistogramSnapshot struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Buckets []Bucket `json:"buckets"`
	Sum     float64  `json:"sum"`
	Count   int64    `json:"count"`
}

func (h *Histogram) snapshot(kind, name string) HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Kind:    kind,
		Name:    name,
		Buckets: make([]Bucket, len(latencyBounds)),
		Sum:     h.sum,
		Count:   h.total,
	}
	var running int64
	for i, le := range latencyBounds {
		running += h.counts[i]
		snap.Buckets[i] = Bucket{Le: le, Count: running}
	}
	return snap
}

// Quantile returns the upper bound of the bucket holding the q-th
// observation. Observations past the last bound report that bound.
func (s HistogramSnapshot) Quantile(q float64) float64 {
	if s.Count == 0 {
		return 0
	}
	rank := int64(math.Ceil(q * float64(s.Count)))
	if rank < 1 {
		rank = 1
	}
	for _, b := range s.Buckets {
		if b.Count >= rank {
			return b.Le
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

type histKey struct {
	kind string
	name string
}

type histogramSet struct {
	mu     sync.Mutex
	byName map[histKey]*Histogram
}

func (s *histogramSet) get(kind, name string) *Histogram {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byName == nil {
		s.byName = map[histKey]*Histogram{}
	}
	k := histKey{kind: kind, name: name}
	h, ok := s.byName[k]
	if !ok {
		h = newHistogram()
		s.byName[k] = h
	}
	return h
}

// snapshots is ordered by kind then name so exposition is stable.
func (s *histogramSet) snapshots() []HistogramSnapshot {
	s.mu.Lock()
	keys := make([]histKey, 0, len(s.byName))
	hs := make(map[histKey]*Histogram, len(s.byName))
	for k, h := range s.byName {
		keys = append(keys, k)
		hs[k] = h
	}
	s.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].kind != keys[j].kind {
			return keys[i].kind < keys[j].kind
		}
		return keys[i].name < keys[j].name
	})
	out := make([]HistogramSnapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, hs[k].snapshot(k.kind, k.name))
	}
	return out
}
