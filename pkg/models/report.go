package models

import "encoding/json"

// NoParentReportID marks a report without a parent thread.
const NoParentReportID = "0"

// Chat types that identify default rooms.
const (
	ChatTypePolicyAdmins   = "policyAdmins"
	ChatTypePolicyAnnounce = "policyAnnounce"
	ChatTypeDomainAll      = "domainAll"
	ChatTypePolicyRoom     = "policyRoom"
)

// Report state/status numbers used to detect archived rooms.
const (
	StateNumOpen      = 0
	StateNumSubmitted = 1
	StateNumApproved  = 2
	StatusNumOpen     = 0
	StatusNumClosed   = 2
)

type Report struct {
	ReportID             string          `json:"reportID,omitempty"`
	ReportName           string          `json:"reportName,omitempty"`
	ParentReportID       string          `json:"parentReportID,omitempty"`
	ParentReportActionID string          `json:"parentReportActionID,omitempty"`
	PolicyID             string          `json:"policyID,omitempty"`
	ChatType             string          `json:"chatType,omitempty"`
	StateNum             int             `json:"stateNum,omitempty"`
	StatusNum            int             `json:"statusNum,omitempty"`
	ErrorFields          map[string]bool `json:"errorFields,omitempty"`
}

// HasIdentity reports whether the report carries a reportID.
func (r Report) HasIdentity() bool {
	return r.ReportID != ""
}

// HasParent reports whether the report is a thread of another report.
func (r Report) HasParent() bool {
	return r.ParentReportID != "" && r.ParentReportID != NoParentReportID
}

// ParentKeyID is the ID used to address the parent report and its actions.
// Reports without a parent address the "0" collection member, which is
// never written.
func (r Report) ParentKeyID() string {
	if !r.HasParent() {
		return NoParentReportID
	}
	return r.ParentReportID
}

func (r Report) IsDefaultRoom() bool {
	switch r.ChatType {
	case ChatTypePolicyAdmins, ChatTypePolicyAnnounce, ChatTypeDomainAll:
		return true
	default:
		return false
	}
}

func (r Report) IsDomainRoom() bool {
	return r.ChatType == ChatTypeDomainAll
}

func (r Report) IsArchivedRoom() bool {
	return r.StatusNum == StatusNumClosed && r.StateNum == StateNumApproved
}

// NotFoundError reports whether the server flagged the report as not found.
func (r Report) NotFoundError() bool {
	return r.ErrorFields["notFound"]
}

type ReportAction struct {
	ReportActionID string          `json:"reportActionID,omitempty"`
	ActionName     string          `json:"actionName,omitempty"`
	Created        string          `json:"created,omitempty"`
	ActorAccountID int64           `json:"actorAccountID,omitempty"`
	ChildReportID  string          `json:"childReportID,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
}

func (a ReportAction) HasIdentity() bool {
	return a.ReportActionID != ""
}

// ReportActions is a report's action collection keyed by reportActionID.
type ReportActions map[string]ReportAction

type ReportMetadata struct {
	IsLoadingInitialReportActions     bool   `json:"isLoadingInitialReportActions,omitempty"`
	IsLoadingOlderReportActions       bool   `json:"isLoadingOlderReportActions,omitempty"`
	HasLoadingOlderReportActionsError bool   `json:"hasLoadingOlderReportActionsError,omitempty"`
	LastVisitTime                     string `json:"lastVisitTime,omitempty"`
}

// Betas holds the feature-flag tokens granted to the current account.
type Betas []string

const (
	BetaAll          = "all"
	BetaDefaultRooms = "defaultRooms"
)

func (b Betas) Has(beta string) bool {
	for _, v := range b {
		if v == beta || v == BetaAll {
			return true
		}
	}
	return false
}

// ReportBundle is what a report source returns for one report.
type ReportBundle struct {
	Report   Report         `json:"report"`
	Actions  ReportActions  `json:"reportActions"`
	Metadata ReportMetadata `json:"reportMetadata"`
}
