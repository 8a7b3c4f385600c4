package access

import "reportgate/pkg/models"

const (
	ReasonAllow          = "ACCESS_ALLOW"
	ReasonNotFoundError  = "ACCESS_NOT_FOUND_ERROR"
	ReasonDefaultRoom    = "ACCESS_DEFAULT_ROOM_DENIED"
	ReasonReportRequired = "ACCESS_REPORT_REQUIRED"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// Checker decides whether the current account may open a report.
type Checker interface {
	CanAccessReport(report models.Report, policies models.Policies, betas models.Betas) Decision
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(report models.Report, policies models.Policies, betas models.Betas) Decision

func (f CheckerFunc) CanAccessReport(report models.Report, policies models.Policies, betas models.Betas) Decision {
	return f(report, policies, betas)
}

// Default is the report access rule set.
var Default Checker = CheckerFunc(CanAccessReport)

// CanAccessReport rejects reports the server flagged as not found and
// default rooms the account cannot see. Everything else is allowed.
func CanAccessReport(report models.Report, policies models.Policies, betas models.Betas) Decision {
	if !report.HasIdentity() {
		return Decision{Allowed: false, Reason: ReasonReportRequired}
	}
	if report.NotFoundError() {
		return Decision{Allowed: false, Reason: ReasonNotFoundError}
	}
	if report.IsDefaultRoom() && !canSeeDefaultRoom(report, policies, betas) {
		return Decision{Allowed: false, Reason: ReasonDefaultRoom}
	}
	return Decision{Allowed: true, Reason: ReasonAllow}
}

func canSeeDefaultRoom(report models.Report, policies models.Policies, betas models.Betas) bool {
	if report.IsArchivedRoom() {
		return true
	}
	if policy, ok := policies[report.PolicyID]; ok && policy.Type == models.PolicyTypeFree {
		return true
	}
	if report.IsDomainRoom() {
		return true
	}
	return betas.Has(models.BetaDefaultRooms)
}
