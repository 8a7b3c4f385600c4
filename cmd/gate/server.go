package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"reportgate/pkg/access"
	"reportgate/pkg/actions"
	"reportgate/pkg/audit"
	"reportgate/pkg/auth"
	"reportgate/pkg/gate"
	"reportgate/pkg/httpx"
	"reportgate/pkg/i18n"
	"reportgate/pkg/metrics"
	"reportgate/pkg/models"
	"reportgate/pkg/onyx"
	"reportgate/pkg/ratelimit"
	"reportgate/pkg/reimburse"
	"reportgate/pkg/stream"
	"reportgate/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AuditLog records verdicts that hid a report.
type AuditLog interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, gateID string) (audit.Record, error)
}

type Server struct {
	Store      *onyx.Store
	Dispatcher *actions.Dispatcher
	Hub        *stream.Hub
	Metrics    *metrics.Registry
	Log        zerolog.Logger
	Checker    access.Checker

	// Hydrate loads a report through the dispatcher before a gate mounts
	// when the store has nothing for it yet.
	Hydrate            bool
	GateTimeout        time.Duration
	DefaultLanguage    string
	CORSAllowedOrigins string
	WSOriginPatterns   []string
	AuthMiddleware     func(http.Handler) http.Handler
	RateLimiter        ratelimit.Limiter
	RateLimitPerWindow int
	Audit              AuditLog

	mounted atomic.Int64
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(httpx.AccessLog(s.Log))
	r.Use(httpx.CORSMiddleware(s.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("reportgate"))
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"service": "reportgate",
			"keys":    s.Store.Len(),
			"gates":   s.mounted.Load(),
		})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Group(func(api chi.Router) {
		if s.AuthMiddleware != nil {
			api.Use(s.AuthMiddleware)
		}
		api.Get("/v1/kv/{key}", s.getKey)
		api.Put("/v1/kv/{key}", s.setKey)
		api.Patch("/v1/kv/{key}", s.mergeKey)
		api.Delete("/v1/kv/{key}", s.removeKey)
		api.Patch("/v1/collections/{prefix}", s.mergeCollection)

		api.Group(func(gates chi.Router) {
			if s.RateLimiter != nil {
				gates.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerWindow, rateLimitKey))
			}
			gates.Get("/v1/reports/{reportID}/gate", s.evaluateGate)
			gates.Get("/v1/reports/{reportID}/gate/stream", s.streamGate)
		})

		api.Get("/v1/audit/gates/{gateID}", s.getAudit)

		api.Get("/v1/workspaces/{policyID}/rateandunit/unit", s.getUnit)
		api.Post("/v1/workspaces/{policyID}/rateandunit/unit", s.selectUnit)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		endpoint := r.Method + " " + route
		s.Metrics.Observe(endpoint, status, time.Since(start))
		s.Metrics.ObserveLatency(endpoint, time.Since(start))
	})
}

// rateLimitKey counts per authenticated subject, falling back to the client
// address.
func rateLimitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok && p.Subject != "" && p.Subject != "anonymous" {
		return "sub:" + p.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// --- key-value writes ---

func readRawJSON(r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, httpx.MaxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > httpx.MaxBodyBytes {
		return nil, errors.New("request body too large")
	}
	if !json.Valid(body) {
		return nil, errors.New("invalid json")
	}
	return body, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, onyx.ErrInvalidKey) {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	s.Log.Error().Err(err).Str("key", key).Msg("store write failed")
	httpx.Error(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Store.Resolve(r.Context(), key); err != nil {
		s.writeStoreError(w, key, err)
		return
	}
	e := s.Store.Get(key)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"key":      key,
		"resolved": e.Resolved,
		"value":    e.Value,
	})
}

func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, s.Store.Set)
}

func (s *Server) mergeKey(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, s.Store.Merge)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, op func(context.Context, string, json.RawMessage) error) {
	key := chi.URLParam(r, "key")
	value, err := readRawJSON(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := op(r.Context(), key, value); err != nil {
		s.writeStoreError(w, key, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"key": key, "status": "ok"})
}

func (s *Server) removeKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.Store.Remove(r.Context(), key); err != nil {
		s.writeStoreError(w, key, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"key": key, "status": "ok"})
}

func (s *Server) mergeCollection(w http.ResponseWriter, r *http.Request) {
	prefix := chi.URLParam(r, "prefix")
	var members map[string]json.RawMessage
	if err := httpx.DecodeJSON(r, &members); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Store.MergeCollection(r.Context(), prefix, members); err != nil {
		s.writeStoreError(w, prefix, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"collection": prefix, "members": len(members)})
}

// --- readiness gate ---

func parseGateQuery(r *http.Request) (gate.Route, bool, error) {
	route := gate.Route{
		ReportID:       strings.TrimSpace(chi.URLParam(r, "reportID")),
		ReportActionID: strings.TrimSpace(r.URL.Query().Get("reportActionID")),
	}
	small := false
	if raw := strings.TrimSpace(r.URL.Query().Get("small")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return gate.Route{}, false, errors.New("small must be a boolean")
		}
		small = v
	}
	if route.ReportID == "" {
		return gate.Route{}, false, errors.New("reportID required")
	}
	return route, small, nil
}

// fetcher publishes fetch events for a gate and forwards them to the
// dispatcher.
func (s *Server) fetcher(topic string) gate.Fetcher {
	return gate.FetcherFunc(func(reportID string) {
		s.Metrics.IncFetchStarted()
		if s.Hub != nil {
			s.Hub.Publish(stream.NewEvent(stream.EventFetch, topic, map[string]string{"reportID": reportID}))
		}
		if s.Dispatcher != nil {
			s.Dispatcher.OpenReport(reportID)
		}
	})
}

func (s *Server) hydrate(ctx context.Context, reportID string) {
	if !s.Hydrate || s.Dispatcher == nil {
		return
	}
	key := models.ReportKey(reportID)
	if err := s.Store.Resolve(ctx, key); err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("hydrate resolve failed")
		return
	}
	if !s.Store.Get(key).Empty() {
		return
	}
	if err := s.Dispatcher.LoadReport(ctx, reportID); err != nil {
		s.Log.Warn().Err(err).Str("report_id", reportID).Msg("hydrate load failed")
	}
}

func (s *Server) newGate(topic string, onVerdict func(gate.Verdict)) *gate.Gate {
	return gate.New(s.Store,
		gate.WithAccessChecker(s.Checker),
		gate.WithLogger(s.Log),
		gate.WithFetcher(s.fetcher(topic)),
		gate.WithOnVerdict(func(v gate.Verdict) {
			s.Metrics.RecordVerdict(string(v.State), v.Reason)
			if onVerdict != nil {
				onVerdict(v)
			}
		}),
	)
}

func (s *Server) trackMounted(delta int64) {
	n := s.mounted.Add(delta)
	s.Metrics.SetGauge("gates_mounted", float64(n))
}

// evaluateGate mounts a short-lived gate and answers with the first settled
// verdict, or the loading verdict when GateTimeout passes first.
func (s *Server) evaluateGate(w http.ResponseWriter, r *http.Request) {
	route, small, err := parseGateQuery(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.gateTimeout())
	defer cancel()
	s.hydrate(ctx, route.ReportID)

	changed := make(chan struct{}, 1)
	g := s.newGate("", func(gate.Verdict) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	s.trackMounted(1)
	defer s.trackMounted(-1)
	defer g.Unmount()

	mounted := time.Now()
	v := g.Mount(ctx, route, small)
wait:
	for v.State == gate.StateLoading {
		select {
		case <-changed:
			v = g.Verdict()
		case <-ctx.Done():
			v = g.Verdict()
			break wait
		}
	}
	if v.State != gate.StateLoading {
		s.Metrics.ObserveSettle(string(v.State), time.Since(mounted))
	}
	if v.State == gate.StateNotFound {
		s.recordHidden(r, g.ID, route, v)
	}
	w.Header().Set("X-Gate-ID", g.ID)
	httpx.WriteJSON(w, http.StatusOK, v)
}

func (s *Server) recordHidden(r *http.Request, gateID string, route gate.Route, v gate.Verdict) {
	if s.Audit == nil {
		return
	}
	rec := audit.Record{
		GateID:         gateID,
		ReportID:       route.ReportID,
		ReportActionID: route.ReportActionID,
		State:          string(v.State),
		Reason:         v.Reason,
		AccessReason:   v.Derived.AccessReason,
	}
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		rec.Subject = p.Subject
	}
	if err := s.Audit.Append(context.WithoutCancel(r.Context()), rec); err != nil {
		s.Log.Warn().Err(err).Str("gate_id", gateID).Msg("audit append failed")
	}
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusNotFound, "audit disabled")
		return
	}
	if p, _ := auth.PrincipalFromContext(r.Context()); !auth.HasAnyRole(p, "admin", "auditor") {
		httpx.Error(w, http.StatusForbidden, "forbidden")
		return
	}
	rec, err := s.Audit.Get(r.Context(), chi.URLParam(r, "gateID"))
	if errors.Is(err, audit.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.Log.Error().Err(err).Msg("audit lookup failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) gateTimeout() time.Duration {
	if s.GateTimeout <= 0 {
		return 3 * time.Second
	}
	return s.GateTimeout
}

// gateCommand is what a stream client may send to steer its gate.
type gateCommand struct {
	SmallScreen *bool       `json:"smallScreen,omitempty"`
	Route       *gate.Route `json:"route,omitempty"`
}

func (s *Server) streamGate(w http.ResponseWriter, r *http.Request) {
	route, small, err := parseGateQuery(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.Hub == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSOriginPatterns) > 0 {
		opts.OriginPatterns = s.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	topic := uuid.NewString()
	g := s.newGate(topic, func(v gate.Verdict) {
		s.Hub.Publish(stream.NewEvent(stream.EventVerdict, topic, v))
	})
	sub := s.Hub.Subscribe(topic, 64)
	defer s.Hub.Unsubscribe(sub)
	defer s.Hub.Forget(topic)

	s.hydrate(ctx, route.ReportID)
	s.trackMounted(1)
	defer s.trackMounted(-1)
	defer g.Unmount()
	g.Mount(ctx, route, small)

	commands := make(chan gateCommand)
	readErr := make(chan error, 1)
	go func() {
		for {
			var cmd gateCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				readErr <- err
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case cmd := <-commands:
			if cmd.Route != nil && strings.TrimSpace(cmd.Route.ReportID) != "" {
				s.hydrate(ctx, cmd.Route.ReportID)
				g.SetRoute(ctx, *cmd.Route)
			}
			if cmd.SmallScreen != nil {
				g.SetSmallScreen(*cmd.SmallScreen)
			}
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// --- distance unit selector ---

type recordingNavigator struct {
	route string
}

func (n *recordingNavigator) GoBack(route string) { n.route = route }

func (s *Server) translator(r *http.Request) *i18n.Translator {
	accept := r.Header.Get("Accept-Language")
	if strings.TrimSpace(accept) == "" {
		accept = s.DefaultLanguage
	}
	return i18n.NewTranslator(i18n.Match(accept))
}

func (s *Server) mountUnitPage(w http.ResponseWriter, r *http.Request) (*reimburse.UnitPage, *recordingNavigator, bool) {
	policyID := strings.TrimSpace(chi.URLParam(r, "policyID"))
	key := models.PolicyKey(policyID)
	if err := s.Store.Resolve(r.Context(), key); err != nil {
		s.writeStoreError(w, key, err)
		return nil, nil, false
	}
	e := s.Store.Get(key)
	if e.Empty() {
		httpx.Error(w, http.StatusNotFound, "policy not found")
		return nil, nil, false
	}
	var policy models.Policy
	if err := json.Unmarshal(e.Value, &policy); err != nil {
		s.Log.Error().Err(err).Str("key", key).Msg("decode policy failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}
	if policy.ID == "" {
		policy.ID = policyID
	}
	nav := &recordingNavigator{}
	page := reimburse.NewUnitPage(s.Store, policy, s.Dispatcher, nav, s.translator(r))
	if err := page.Mount(r.Context()); err != nil {
		s.Log.Error().Err(err).Str("policy_id", policyID).Msg("mount unit page failed")
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return nil, nil, false
	}
	return page, nav, true
}

func (s *Server) getUnit(w http.ResponseWriter, r *http.Request) {
	page, _, ok := s.mountUnitPage(w, r)
	if !ok {
		return
	}
	defer page.Unmount()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"policyID": chi.URLParam(r, "policyID"),
		"header":   page.Header(),
		"prompt":   page.Prompt(),
		"selected": page.Selected(),
		"options":  page.Options(),
	})
}

func (s *Server) selectUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Unit string `json:"unit"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	page, nav, ok := s.mountUnitPage(w, r)
	if !ok {
		return
	}
	defer page.Unmount()
	if err := page.Select(strings.TrimSpace(req.Unit)); err != nil {
		if errors.Is(err, reimburse.ErrUnknownUnit) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"unit":     req.Unit,
		"redirect": nav.route,
	})
}
