// Package actions writes the results of data-layer requests into the
// reactive store. Callers never receive results directly; they observe the
// store.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"reportgate/pkg/models"
	"reportgate/pkg/onyx"
	"reportgate/pkg/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReportSource loads a report with its actions. Unknown reports return an
// error wrapping store.ErrNotFound.
type ReportSource interface {
	LoadReport(ctx context.Context, reportID string) (models.ReportBundle, error)
}

type Dispatcher struct {
	ctx    context.Context
	store  *onyx.Store
	source ReportSource
	log    zerolog.Logger
	tracer trace.Tracer

	onOpen func(reportID string, err error)

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option { return func(d *Dispatcher) { d.log = l } }

// WithOpenHook observes every finished OpenReport. Used for metrics.
func WithOpenHook(fn func(reportID string, err error)) Option {
	return func(d *Dispatcher) { d.onOpen = fn }
}

// NewDispatcher binds background requests to ctx. Cancelling ctx abandons
// in-flight loads.
func NewDispatcher(ctx context.Context, st *onyx.Store, source ReportSource, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctx:      ctx,
		store:    st,
		source:   source,
		log:      zerolog.Nop(),
		tracer:   otel.Tracer("reportgate/actions"),
		inflight: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenReport requests a report in the background. A request already in
// flight for the same report is not duplicated.
func (d *Dispatcher) OpenReport(reportID string) {
	if reportID == "" {
		return
	}
	d.mu.Lock()
	if _, ok := d.inflight[reportID]; ok {
		d.mu.Unlock()
		return
	}
	d.inflight[reportID] = struct{}{}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.inflight, reportID)
			d.mu.Unlock()
		}()
		err := d.LoadReport(d.ctx, reportID)
		if err != nil {
			d.log.Error().Err(err).Str("report_id", reportID).Msg("open report failed")
		}
		if d.onOpen != nil {
			d.onOpen(reportID, err)
		}
	}()
}

// LoadReport is the synchronous body of OpenReport. The initial-actions
// loading flag is raised for the duration of the load and always cleared.
func (d *Dispatcher) LoadReport(ctx context.Context, reportID string) (err error) {
	ctx, span := d.tracer.Start(ctx, "actions.OpenReport", trace.WithAttributes(attribute.String("report.id", reportID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	metaKey := models.ReportMetadataKey(reportID)
	if err := d.store.Merge(ctx, metaKey, json.RawMessage(`{"isLoadingInitialReportActions":true}`)); err != nil {
		return fmt.Errorf("mark loading: %w", err)
	}
	defer func() {
		// Cleared even when ctx is cancelled.
		if clearErr := d.store.Merge(context.WithoutCancel(ctx), metaKey, json.RawMessage(`{"isLoadingInitialReportActions":false}`)); clearErr != nil && err == nil {
			err = fmt.Errorf("clear loading: %w", clearErr)
		}
	}()

	bundle, err := d.source.LoadReport(ctx, reportID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		span.SetAttributes(attribute.Bool("report.found", false))
		if err := d.store.Remove(ctx, models.ReportKey(reportID)); err != nil {
			return err
		}
		return d.store.Remove(ctx, models.ReportActionsKey(reportID))
	case err != nil:
		return fmt.Errorf("load report %s: %w", reportID, err)
	}
	span.SetAttributes(attribute.Bool("report.found", true), attribute.Int("report.actions", len(bundle.Actions)))

	actions, err := json.Marshal(bundle.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	if err := d.store.Merge(ctx, models.ReportActionsKey(reportID), actions); err != nil {
		return err
	}
	meta, err := json.Marshal(bundle.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := d.store.Merge(ctx, metaKey, meta); err != nil {
		return err
	}
	// Report last: a present report implies its actions are stored.
	report, err := json.Marshal(bundle.Report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return d.store.Set(ctx, models.ReportKey(reportID), report)
}

// Wait blocks until every background request has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// SetPolicyIDForReimburseView starts a new reimbursement draft for policyID.
func (d *Dispatcher) SetPolicyIDForReimburseView(policyID string) {
	patch, _ := json.Marshal(map[string]any{"policyID": policyID, "rate": nil, "unit": nil})
	d.mergeDraft(patch)
}

// SetUnitForReimburseView stores the chosen distance unit on the draft.
func (d *Dispatcher) SetUnitForReimburseView(unit string) {
	patch, _ := json.Marshal(map[string]any{"unit": unit})
	d.mergeDraft(patch)
}

func (d *Dispatcher) mergeDraft(patch json.RawMessage) {
	if err := d.store.Merge(d.ctx, models.KeyWorkspaceRateAndUnit, patch); err != nil {
		d.log.Error().Err(err).Msg("reimburse draft update failed")
	}
}
