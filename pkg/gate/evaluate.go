// Package gate decides whether a report screen can render. Inputs arrive
// independently from the reactive store; Evaluate turns whatever has
// arrived into LOADING, NOT_FOUND or READY.
package gate

import (
	"reportgate/pkg/access"
	"reportgate/pkg/models"
)

type State string

const (
	StateLoading  State = "LOADING"
	StateNotFound State = "NOT_FOUND"
	StateReady    State = "READY"
)

// Reason codes attached to a verdict.
const (
	ReasonReportLoading        = "REPORT_LOADING"
	ReasonAccessPending        = "ACCESS_PENDING"
	ReasonReportActionsLoading = "REPORT_ACTIONS_LOADING"
	ReasonReportNotFound       = "REPORT_NOT_FOUND"
	ReasonAccessDenied         = "ACCESS_DENIED"
	ReasonReportActionNotFound = "REPORT_ACTION_NOT_FOUND"
	ReasonReady                = "READY"
)

// Route carries the screen parameters.
type Route struct {
	ReportID       string `json:"reportID"`
	ReportActionID string `json:"reportActionID,omitempty"`
}

type Inputs struct {
	Route               Route
	IsSmallScreenWidth  bool
	Report              models.Fragment[models.Report]
	ParentReport        models.Fragment[models.Report]
	ReportMetadata      models.Fragment[models.ReportMetadata]
	IsLoadingReportData models.Fragment[bool]
	Betas               models.Fragment[models.Betas]
	Policies            models.Fragment[models.Policies]
	ReportActions       models.Fragment[models.ReportActions]
	ParentReportAction  models.Fragment[models.ReportAction]
}

// Derived holds the intermediate booleans of one evaluation.
type Derived struct {
	IsLoadingReport       bool   `json:"isLoadingReport"`
	IsLoadingAccess       bool   `json:"isLoadingAccess"`
	IsLoadingReportAction bool   `json:"isLoadingReportAction"`
	ShouldHideReport      bool   `json:"shouldHideReport"`
	AccessReason          string `json:"accessReason,omitempty"`
}

type Verdict struct {
	State   State   `json:"state"`
	Reason  string  `json:"reason"`
	Derived Derived `json:"derived"`
	Props   *Props  `json:"props,omitempty"`
}

// Props is what the wrapped screen receives on READY.
type Props struct {
	Route               Route                                  `json:"route"`
	IsSmallScreenWidth  bool                                   `json:"isSmallScreenWidth"`
	Report              models.Report                          `json:"report"`
	ParentReport        models.Fragment[models.Report]         `json:"parentReport"`
	ReportMetadata      models.Fragment[models.ReportMetadata] `json:"reportMetadata"`
	IsLoadingReportData bool                                   `json:"isLoadingReportData"`
	ReportActions       models.ReportActions                   `json:"reportActions"`
	ParentReportAction  models.Fragment[models.ReportAction]   `json:"parentReportAction"`
	Betas               models.Betas                           `json:"betas"`
	Policies            models.Policies                        `json:"policies"`
	ReportAction        models.ReportAction                    `json:"reportAction"`
}

// CurrentReportAction is the routed action from the report's own actions
// when it carries an ID, otherwise the parent report action. The result is
// unresolved while it still depends on an unresolved parent action.
func CurrentReportAction(in Inputs) models.Fragment[models.ReportAction] {
	if actions, ok := in.ReportActions.Get(); ok {
		if action, found := actions[in.Route.ReportActionID]; found && action.HasIdentity() {
			return models.Resolved(action)
		}
	}
	if parent, ok := in.ParentReportAction.Get(); ok && parent.HasIdentity() {
		return models.Resolved(parent)
	}
	if in.ParentReportAction.IsUnresolved() {
		return models.Fragment[models.ReportAction]{}
	}
	return models.Missing[models.ReportAction]()
}

// ShouldFetch reports whether the screen should ask for the report when its
// fetch effect runs.
func ShouldFetch(in Inputs) bool {
	if !in.IsSmallScreenWidth {
		return false
	}
	report, ok := in.Report.Get()
	return !ok || !report.HasIdentity() || !CurrentReportAction(in).IsPresent()
}

// Evaluate classifies the inputs. A nil checker uses access.Default.
func Evaluate(in Inputs, checker access.Checker) Verdict {
	if checker == nil {
		checker = access.Default
	}
	report, reportPresent := in.Report.Get()
	reportPresent = reportPresent && report.HasIdentity()

	var d Derived
	d.IsLoadingReport = in.Report.IsUnresolved() || (in.IsLoadingReportData.Value() && !reportPresent)
	d.IsLoadingAccess = reportPresent && (in.Policies.IsUnresolved() || in.Betas.IsUnresolved())

	current := CurrentReportAction(in)
	currentEmpty := !current.IsPresent()
	d.IsLoadingReportAction = len(in.ReportActions.Value()) == 0 ||
		(currentEmpty && (in.ReportMetadata.IsUnresolved() ||
			in.ReportMetadata.Value().IsLoadingInitialReportActions ||
			current.IsUnresolved()))

	allowed := false
	if reportPresent && !d.IsLoadingAccess {
		decision := checker.CanAccessReport(report, in.Policies.Value(), in.Betas.Value())
		allowed = decision.Allowed
		d.AccessReason = decision.Reason
	}
	d.ShouldHideReport = !d.IsLoadingReport && !d.IsLoadingAccess && (!reportPresent || !allowed)

	loading := d.IsLoadingReport || d.IsLoadingAccess || d.IsLoadingReportAction
	if loading && !d.ShouldHideReport {
		return Verdict{State: StateLoading, Reason: loadingReason(d), Derived: d}
	}
	if d.ShouldHideReport {
		reason := ReasonAccessDenied
		if !reportPresent {
			reason = ReasonReportNotFound
		}
		return Verdict{State: StateNotFound, Reason: reason, Derived: d}
	}
	if in.ParentReportAction.IsResolved() && currentEmpty {
		return Verdict{State: StateNotFound, Reason: ReasonReportActionNotFound, Derived: d}
	}
	return Verdict{
		State:   StateReady,
		Reason:  ReasonReady,
		Derived: d,
		Props: &Props{
			Route:               in.Route,
			IsSmallScreenWidth:  in.IsSmallScreenWidth,
			Report:              report,
			ParentReport:        in.ParentReport,
			ReportMetadata:      in.ReportMetadata,
			IsLoadingReportData: in.IsLoadingReportData.Value(),
			ReportActions:       in.ReportActions.Value(),
			ParentReportAction:  in.ParentReportAction,
			Betas:               in.Betas.Value(),
			Policies:            in.Policies.Value(),
			ReportAction:        current.Value(),
		},
	}
}

func loadingReason(d Derived) string {
	switch {
	case d.IsLoadingReport:
		return ReasonReportLoading
	case d.IsLoadingAccess:
		return ReasonAccessPending
	default:
		return ReasonReportActionsLoading
	}
}
