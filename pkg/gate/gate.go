package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"reportgate/pkg/access"
	"reportgate/pkg/models"
	"reportgate/pkg/onyx"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Fetcher asks the data layer for a report. Results arrive through the
// store, never through a return value.
type Fetcher interface {
	OpenReport(reportID string)
}

type FetcherFunc func(reportID string)

func (f FetcherFunc) OpenReport(reportID string) { f(reportID) }

type role int

const (
	roleReport role = iota
	roleParentReport
	roleReportMetadata
	roleIsLoadingReportData
	roleBetas
	rolePolicies
	roleReportActions
	roleParentReportAction
)

// Gate hosts one mounted report screen. It subscribes to every input key,
// re-evaluates synchronously on each change and reports verdict changes to
// OnVerdict.
type Gate struct {
	ID string

	store   *onyx.Store
	fetcher Fetcher
	checker access.Checker
	log     zerolog.Logger

	onVerdict func(Verdict)

	mu        sync.Mutex
	in        Inputs
	verdict   Verdict
	verdictJS []byte
	seq       uint64
	mounted   bool
	subs      map[role]*onyx.Subscription
	parent    parentKey
	guard     EffectGuard

	emitMu  sync.Mutex
	emitted uint64
}

type parentKey struct {
	reportID       string
	reportActionID string
	resolved       bool
}

type Option func(*Gate)

func WithFetcher(f Fetcher) Option { return func(g *Gate) { g.fetcher = f } }

func WithAccessChecker(c access.Checker) Option { return func(g *Gate) { g.checker = c } }

func WithLogger(l zerolog.Logger) Option { return func(g *Gate) { g.log = l } }

// WithOnVerdict registers the verdict listener. It runs outside the gate's
// lock and must not block for long.
func WithOnVerdict(fn func(Verdict)) Option { return func(g *Gate) { g.onVerdict = fn } }

func New(store *onyx.Store, opts ...Option) *Gate {
	g := &Gate{
		ID:      uuid.NewString(),
		store:   store,
		checker: access.Default,
		log:     zerolog.Nop(),
		subs:    map[role]*onyx.Subscription{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.log = g.log.With().Str("gate_id", g.ID).Logger()
	return g
}

// Mount subscribes to the route's keys, evaluates once, runs the fetch
// effect and then asks the store to resolve keys it has not seen yet. Each
// Mount starts a new lifetime: earlier subscriptions are dropped and the
// fetch effect fires again.
func (g *Gate) Mount(ctx context.Context, route Route, smallScreen bool) Verdict {
	g.mu.Lock()
	g.unsubscribeLocked()
	g.guard = EffectGuard{}
	g.mounted = true
	g.in = Inputs{Route: route, IsSmallScreenWidth: smallScreen}
	g.subscribeLocked()
	v, seq := g.evaluateLocked()
	fetch := g.effectLocked()
	g.mu.Unlock()

	g.emit(v, seq)
	g.dispatch(fetch)
	g.resolvePending(ctx)
	return g.Verdict()
}

// SetSmallScreen updates the layout flag and re-runs the fetch effect if
// the flag changed.
func (g *Gate) SetSmallScreen(smallScreen bool) {
	g.mu.Lock()
	if !g.mounted {
		g.mu.Unlock()
		return
	}
	g.in.IsSmallScreenWidth = smallScreen
	v, seq := g.evaluateLocked()
	fetch := g.effectLocked()
	g.mu.Unlock()

	g.emit(v, seq)
	g.dispatch(fetch)
}

// SetRoute switches the screen to another report or action. A new
// reportID replaces every subscription.
func (g *Gate) SetRoute(ctx context.Context, route Route) {
	g.mu.Lock()
	if !g.mounted {
		g.mu.Unlock()
		return
	}
	changedReport := route.ReportID != g.in.Route.ReportID
	g.in.Route = route
	if changedReport {
		g.unsubscribeLocked()
		small := g.in.IsSmallScreenWidth
		g.in = Inputs{Route: route, IsSmallScreenWidth: small}
		g.subscribeLocked()
	}
	v, seq := g.evaluateLocked()
	fetch := g.effectLocked()
	g.mu.Unlock()

	g.emit(v, seq)
	g.dispatch(fetch)
	if changedReport {
		g.resolvePending(ctx)
	}
}

// Unmount drops every subscription. Later store writes no longer reach the
// gate.
func (g *Gate) Unmount() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mounted = false
	g.unsubscribeLocked()
}

func (g *Gate) Verdict() Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verdict
}

func (g *Gate) Inputs() Inputs {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.in
}

func (g *Gate) subscribeLocked() {
	reportID := g.in.Route.ReportID
	g.subscribeRoleLocked(roleReport, models.ReportKey(reportID))
	g.subscribeRoleLocked(roleReportMetadata, models.ReportMetadataKey(reportID))
	g.subscribeRoleLocked(roleIsLoadingReportData, models.KeyIsLoadingReportData)
	g.subscribeRoleLocked(roleBetas, models.KeyBetas)
	g.subscribeRoleLocked(roleReportActions, models.ReportActionsKey(reportID), onyx.WithCanEvict(false))

	var policies *onyx.Subscription
	policies, entry := g.store.SubscribeCollection(models.CollectionPolicy, func(e onyx.Entry) {
		g.onEntry(rolePolicies, policies, e)
	})
	g.subs[rolePolicies] = policies
	g.applyLocked(rolePolicies, entry)

	g.syncParentLocked()
}

func (g *Gate) subscribeRoleLocked(r role, key string, opts ...onyx.SubscribeOption) {
	var sub *onyx.Subscription
	sub, entry := g.store.Subscribe(key, func(e onyx.Entry) { g.onEntry(r, sub, e) }, opts...)
	g.subs[r] = sub
	g.applyLocked(r, entry)
}

func (g *Gate) unsubscribeLocked() {
	for r, sub := range g.subs {
		sub.Unsubscribe()
		delete(g.subs, r)
	}
	g.parent = parentKey{}
}

// syncParentLocked keeps the parent report and parent action subscriptions
// in step with the report's parent references.
func (g *Gate) syncParentLocked() {
	report, reportPresent := g.in.Report.Get()
	next := parentKey{resolved: g.in.Report.IsResolved()}
	if reportPresent && report.HasParent() {
		next.reportID = report.ParentReportID
		next.reportActionID = report.ParentReportActionID
	}
	if next == g.parent {
		return
	}
	g.parent = next
	for _, r := range []role{roleParentReport, roleParentReportAction} {
		if sub, ok := g.subs[r]; ok {
			sub.Unsubscribe()
			delete(g.subs, r)
		}
	}

	switch {
	case !next.resolved:
		g.in.ParentReport = models.Fragment[models.Report]{}
		g.in.ParentReportAction = models.Fragment[models.ReportAction]{}
		return
	case next.reportID == "":
		g.in.ParentReport = models.Missing[models.Report]()
		g.in.ParentReportAction = models.Missing[models.ReportAction]()
		return
	}

	g.subscribeRoleLocked(roleParentReport, models.ReportKey(next.reportID))
	if next.reportActionID == "" {
		g.in.ParentReportAction = models.Missing[models.ReportAction]()
		return
	}
	g.subscribeRoleLocked(roleParentReportAction, models.ReportActionsKey(next.reportID),
		onyx.WithCanEvict(false),
		onyx.WithSelector(selectAction(next.reportActionID)),
	)
}

// selectAction projects an action collection onto a single action.
func selectAction(reportActionID string) onyx.Selector {
	return func(e onyx.Entry) onyx.Entry {
		if !e.Resolved {
			return e
		}
		var actions map[string]json.RawMessage
		if err := json.Unmarshal(e.Value, &actions); err != nil {
			return onyx.Entry{Key: e.Key, Resolved: true}
		}
		return onyx.Entry{Key: e.Key, Value: actions[reportActionID], Resolved: true}
	}
}

// onEntry applies a store change and re-evaluates. Deliveries for a
// subscription that has since been replaced are dropped.
func (g *Gate) onEntry(r role, sub *onyx.Subscription, e onyx.Entry) {
	g.mu.Lock()
	if !g.mounted || g.subs[r] != sub {
		g.mu.Unlock()
		return
	}
	g.applyLocked(r, e)
	if r == roleReport {
		g.syncParentLocked()
	}
	v, seq := g.evaluateLocked()
	g.mu.Unlock()
	g.emit(v, seq)
}

func (g *Gate) applyLocked(r role, e onyx.Entry) {
	var err error
	switch r {
	case roleReport:
		g.in.Report, err = models.DecodeFragment[models.Report](e.Value, e.Resolved)
	case roleParentReport:
		g.in.ParentReport, err = models.DecodeFragment[models.Report](e.Value, e.Resolved)
	case roleReportMetadata:
		g.in.ReportMetadata, err = models.DecodeFragment[models.ReportMetadata](e.Value, e.Resolved)
	case roleIsLoadingReportData:
		g.in.IsLoadingReportData, err = models.DecodeFragment[bool](e.Value, e.Resolved)
	case roleBetas:
		g.in.Betas, err = models.DecodeFragment[models.Betas](e.Value, e.Resolved)
	case rolePolicies:
		g.in.Policies, err = models.DecodeFragment[models.Policies](e.Value, e.Resolved)
	case roleReportActions:
		g.in.ReportActions, err = models.DecodeFragment[models.ReportActions](e.Value, e.Resolved)
	case roleParentReportAction:
		g.in.ParentReportAction, err = models.DecodeFragment[models.ReportAction](e.Value, e.Resolved)
	}
	if err != nil {
		g.log.Warn().Err(err).Str("key", e.Key).Msg("gate input decode failed")
	}
}

func (g *Gate) evaluateLocked() (Verdict, uint64) {
	v := Evaluate(g.in, g.checker)
	js, _ := json.Marshal(v)
	if g.seq > 0 && bytes.Equal(js, g.verdictJS) {
		return v, 0
	}
	g.seq++
	g.verdict = v
	g.verdictJS = js
	return v, g.seq
}

// effectLocked runs the fetch effect guard and returns the report ID to
// fetch, or "".
func (g *Gate) effectLocked() string {
	reportID := g.in.Route.ReportID
	small := g.in.IsSmallScreenWidth
	if !g.guard.Changed(small, reportID) {
		return ""
	}
	if !ShouldFetch(g.in) {
		return ""
	}
	if !g.guard.MarkFired(small, reportID) {
		return ""
	}
	return reportID
}

func (g *Gate) dispatch(reportID string) {
	if reportID == "" || g.fetcher == nil {
		return
	}
	g.log.Debug().Str("report_id", reportID).Msg("gate requesting report")
	g.fetcher.OpenReport(reportID)
}

// emit delivers verdicts in evaluation order, dropping any that a later
// evaluation already superseded.
func (g *Gate) emit(v Verdict, seq uint64) {
	if seq == 0 || g.onVerdict == nil {
		return
	}
	g.emitMu.Lock()
	defer g.emitMu.Unlock()
	if seq <= g.emitted {
		return
	}
	g.emitted = seq
	g.onVerdict(v)
}

func (g *Gate) resolvePending(ctx context.Context) {
	g.mu.Lock()
	var keys []string
	resolvePolicies := false
	for r, sub := range g.subs {
		if r == rolePolicies {
			resolvePolicies = g.in.Policies.IsUnresolved()
			continue
		}
		if !g.store.Get(sub.Key()).Resolved {
			keys = append(keys, sub.Key())
		}
	}
	g.mu.Unlock()

	for _, key := range keys {
		if err := g.store.Resolve(ctx, key); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("gate key resolution failed")
		}
	}
	if resolvePolicies {
		if err := g.store.ResolveCollection(ctx, models.CollectionPolicy); err != nil {
			g.log.Warn().Err(err).Msg("gate policy resolution failed")
		}
	}
	// Resolving the report can add parent subscriptions.
	g.mu.Lock()
	var parentKeys []string
	for _, r := range []role{roleParentReport, roleParentReportAction} {
		if sub, ok := g.subs[r]; ok && !g.store.Get(sub.Key()).Resolved {
			parentKeys = append(parentKeys, sub.Key())
		}
	}
	g.mu.Unlock()
	for _, key := range parentKeys {
		if err := g.store.Resolve(ctx, key); err != nil {
			g.log.Warn().Err(err).Str("key", key).Msg("gate key resolution failed")
		}
	}
}
