// Package reimburse implements the workspace distance-unit selector.
package reimburse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"reportgate/pkg/i18n"
	"reportgate/pkg/models"
	"reportgate/pkg/onyx"
)

var ErrUnknownUnit = errors.New("unknown distance unit")

// Actions are the reimbursement draft mutations. Results are observed
// through the store, never returned.
type Actions interface {
	SetPolicyIDForReimburseView(policyID string)
	SetUnitForReimburseView(unit string)
}

type Navigator interface {
	GoBack(route string)
}

type Translator interface {
	Translate(key string) string
}

// RateAndUnitRoute is the settings page the selector returns to.
func RateAndUnitRoute(policyID string) string {
	return "workspace/" + policyID + "/rateandunit"
}

type UnitItem struct {
	Value    string `json:"value"`
	Text     string `json:"text"`
	Selected bool   `json:"selected"`
}

type UnitPage struct {
	store      *onyx.Store
	policy     models.Policy
	actions    Actions
	navigator  Navigator
	translator Translator

	mu    sync.Mutex
	draft models.WorkspaceRateAndUnit
	sub   *onyx.Subscription
}

func NewUnitPage(store *onyx.Store, policy models.Policy, actions Actions, navigator Navigator, translator Translator) *UnitPage {
	return &UnitPage{
		store:      store,
		policy:     policy,
		actions:    actions,
		navigator:  navigator,
		translator: translator,
	}
}

// Mount tracks the stored draft and points it at this page's policy if it
// belongs to another one.
func (p *UnitPage) Mount(ctx context.Context) error {
	sub, _ := p.store.Subscribe(models.KeyWorkspaceRateAndUnit, p.onDraft)
	if err := p.store.Resolve(ctx, models.KeyWorkspaceRateAndUnit); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("resolve draft: %w", err)
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	p.onDraft(p.store.Get(models.KeyWorkspaceRateAndUnit))

	if p.currentDraft().PolicyID != p.policy.ID {
		p.actions.SetPolicyIDForReimburseView(p.policy.ID)
	}
	return nil
}

func (p *UnitPage) Unmount() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	sub.Unsubscribe()
}

func (p *UnitPage) onDraft(e onyx.Entry) {
	var draft models.WorkspaceRateAndUnit
	if !e.Empty() {
		if err := json.Unmarshal(e.Value, &draft); err != nil {
			return
		}
	}
	p.mu.Lock()
	p.draft = draft
	p.mu.Unlock()
}

func (p *UnitPage) currentDraft() models.WorkspaceRateAndUnit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.draft
}

// DefaultUnit is the unit of the policy's distance custom unit, or miles.
func (p *UnitPage) DefaultUnit() string {
	if unit, ok := p.policy.DistanceUnit(); ok && unit.Attributes.Unit != "" {
		return unit.Attributes.Unit
	}
	return models.DistanceUnitMiles
}

func (p *UnitPage) Selected() string {
	if unit := p.currentDraft().Unit; unit != "" {
		return unit
	}
	return p.DefaultUnit()
}

func (p *UnitPage) Options() []UnitItem {
	selected := p.Selected()
	return []UnitItem{
		{Value: models.DistanceUnitMiles, Text: p.translator.Translate(i18n.KeyMiles), Selected: selected == models.DistanceUnitMiles},
		{Value: models.DistanceUnitKilometers, Text: p.translator.Translate(i18n.KeyKilometers), Selected: selected == models.DistanceUnitKilometers},
	}
}

// Select stores unit on the draft and navigates back to the rate and unit
// page.
func (p *UnitPage) Select(unit string) error {
	if unit != models.DistanceUnitMiles && unit != models.DistanceUnitKilometers {
		return fmt.Errorf("%w: %q", ErrUnknownUnit, unit)
	}
	p.actions.SetUnitForReimburseView(unit)
	p.navigator.GoBack(RateAndUnitRoute(p.policy.ID))
	return nil
}

func (p *UnitPage) Header() string {
	return p.translator.Translate(i18n.KeyTrackDistanceUnit)
}

func (p *UnitPage) Prompt() string {
	return p.translator.Translate(i18n.KeyTrackDistanceChooseUnit)
}
