package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	verdict       map[string]int64
	reason        map[string]int64
	gauges        map[string]float64
	verdictReason map[string]int64
	fetches       map[string]int64
	busMessages   map[string]int64
	fetchLatency  LatencyStat
	hist          histogramSet
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Verdicts       map[string]int64        `json:"verdicts"`
	Reasons        map[string]int64        `json:"reasons"`
	Gauges         map[string]float64      `json:"gauges"`
	VerdictReason  map[string]int64        `json:"verdict_reason"`
	Fetches        map[string]int64        `json:"fetches"`
	BusMessages    map[string]int64        `json:"bus_messages"`
	FetchLatencyMS LatencyStat             `json:"fetch_latency_ms"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

// Fetch outcomes counted by IncFetch.
const (
	FetchStarted = "started"
	FetchOK      = "ok"
	FetchFailed  = "failed"
)

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		verdict:       map[string]int64{},
		reason:        map[string]int64{},
		gauges:        map[string]float64{},
		verdictReason: map[string]int64{},
		fetches:       map[string]int64{},
		busMessages:   map[string]int64{},
	}
}

func (r *Registry) ObserveLatency(route string, d time.Duration) {
	r.hist.get(KindRoute, route).Observe(d)
}

// ObserveSettle records how long a gate stayed LOADING before it reached
// state.
func (r *Registry) ObserveSettle(state string, d time.Duration) {
	r.hist.get(KindSettle, state).Observe(d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

func (r *Registry) IncReason(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.reason[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncVerdictReason(verdict, reason string) {
	verdict = strings.TrimSpace(verdict)
	reason = strings.TrimSpace(reason)
	if verdict == "" {
		return
	}
	if reason == "" {
		reason = "UNKNOWN"
	}
	key := verdict + "|" + reason
	r.mu.Lock()
	r.verdictReason[key]++
	r.mu.Unlock()
}

// RecordVerdict counts one emitted gate verdict.
func (r *Registry) RecordVerdict(state, reason string) {
	r.IncVerdict(state)
	r.IncReason(reason)
	r.IncVerdictReason(state, reason)
}

// ObserveFetch records one OpenReport load and its outcome.
func (r *Registry) ObserveFetch(d time.Duration, err error) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	outcome := FetchOK
	if err != nil {
		outcome = FetchFailed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetches[outcome]++
	r.fetchLatency.Count++
	r.fetchLatency.TotalMS += ms
	r.fetchLatency.LastMS = ms
	if ms > r.fetchLatency.MaxMS {
		r.fetchLatency.MaxMS = ms
	}
	r.fetchLatency.AvgMS = float64(r.fetchLatency.TotalMS) / float64(r.fetchLatency.Count)
}

func (r *Registry) IncFetchStarted() {
	r.mu.Lock()
	r.fetches[FetchStarted]++
	r.mu.Unlock()
}

// IncBusMessage counts one state bus message by op and outcome.
func (r *Registry) IncBusMessage(op string, err error) {
	op = strings.TrimSpace(op)
	if op == "" {
		op = "unknown"
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.mu.Lock()
	r.busMessages[op+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:       copyCounts(r.verdict),
		Reasons:        copyCounts(r.reason),
		Gauges:         make(map[string]float64, len(r.gauges)),
		VerdictReason:  copyCounts(r.verdictReason),
		Fetches:        copyCounts(r.fetches),
		BusMessages:    copyCounts(r.busMessages),
		FetchLatencyMS: r.fetchLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.hist.snapshots()
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP reportgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE reportgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reportgate_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP reportgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE reportgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reportgate_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP reportgate_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE reportgate_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reportgate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP reportgate_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE reportgate_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reportgate_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP reportgate_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE reportgate_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "reportgate_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP reportgate_verdict_total total gate verdicts by state\n")
		b.WriteString("# TYPE reportgate_verdict_total counter\n")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "reportgate_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		b.WriteString("# HELP reportgate_reason_total total gate verdicts by reason code\n")
		b.WriteString("# TYPE reportgate_reason_total counter\n")
		for _, reason := range SortedKeys(snap.Reasons) {
			fmt.Fprintf(b, "reportgate_reason_total{reason=%q} %d\n", reason, snap.Reasons[reason])
		}
		b.WriteString("# HELP reportgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE reportgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "reportgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		writeHistograms(b, snap.Histograms)

		b.WriteString("# HELP reportgate_gate_verdict_total gate verdicts by state and reason\n")
		b.WriteString("# TYPE reportgate_gate_verdict_total counter\n")
		for _, key := range SortedKeys(snap.VerdictReason) {
			state, reason := splitPair(key, "UNKNOWN")
			fmt.Fprintf(b, "reportgate_gate_verdict_total{state=%q,reason=%q} %d\n", state, reason, snap.VerdictReason[key])
		}

		b.WriteString("# HELP reportgate_fetch_total OpenReport loads by outcome\n")
		b.WriteString("# TYPE reportgate_fetch_total counter\n")
		for _, outcome := range SortedKeys(snap.Fetches) {
			fmt.Fprintf(b, "reportgate_fetch_total{outcome=%q} %d\n", outcome, snap.Fetches[outcome])
		}

		b.WriteString("# HELP reportgate_fetch_latency_ms OpenReport load latency in ms\n")
		b.WriteString("# TYPE reportgate_fetch_latency_ms gauge\n")
		fmt.Fprintf(b, "reportgate_fetch_latency_ms{stat=%q} %d\n", "last", snap.FetchLatencyMS.LastMS)
		fmt.Fprintf(b, "reportgate_fetch_latency_ms{stat=%q} %.3f\n", "avg", snap.FetchLatencyMS.AvgMS)
		fmt.Fprintf(b, "reportgate_fetch_latency_ms{stat=%q} %d\n", "max", snap.FetchLatencyMS.MaxMS)

		b.WriteString("# HELP reportgate_statebus_messages_total state bus messages by op and outcome\n")
		b.WriteString("# TYPE reportgate_statebus_messages_total counter\n")
		for _, key := range SortedKeys(snap.BusMessages) {
			op, outcome := splitPair(key, "ok")
			fmt.Fprintf(b, "reportgate_statebus_messages_total{op=%q,outcome=%q} %d\n", op, outcome, snap.BusMessages[key])
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func splitPair(key, fallback string) (string, string) {
	parts := strings.SplitN(key, "|", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], fallback
}

var histogramFamilies = map[string]struct{ metric, label, help string }{
	KindRoute:  {"reportgate_route_latency_seconds", "route", "request latency by route pattern"},
	KindSettle: {"reportgate_gate_settle_seconds", "state", "time a gate stayed LOADING, by settled state"},
}

func writeHistograms(b *strings.Builder, hs []HistogramSnapshot) {
	lastKind := ""
	for _, h := range hs {
		fam, ok := histogramFamilies[h.Kind]
		if !ok {
			continue
		}
		if h.Kind != lastKind {
			fmt.Fprintf(b, "# HELP %s %s\n", fam.metric, fam.help)
			fmt.Fprintf(b, "# TYPE %s histogram\n", fam.metric)
			lastKind = h.Kind
		}
		for _, bucket := range h.Buckets {
			fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"%g\"} %d\n", fam.metric, fam.label, h.Name, bucket.Le, bucket.Count)
		}
		fmt.Fprintf(b, "%s_bucket{%s=%q,le=\"+Inf\"} %d\n", fam.metric, fam.label, h.Name, h.Count)
		fmt.Fprintf(b, "%s_sum{%s=%q} %.6f\n", fam.metric, fam.label, h.Name, h.Sum)
		fmt.Fprintf(b, "%s_count{%s=%q} %d\n", fam.metric, fam.label, h.Name, h.Count)
	}
}
