package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"reportgate/pkg/models"

	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("not found")

// ActionTimeLayout is the wire format of ReportAction.Created.
const ActionTimeLayout = "2006-01-02 15:04:05.000"

// Querier is the subset of pgxpool.Pool the repository needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReportRepository reads reports, their actions, workspace policies and
// account betas from Postgres.
type ReportRepository struct {
	db Querier
}

func NewReportRepository(db Querier) *ReportRepository {
	return &ReportRepository{db: db}
}

// LoadReport returns the report and its actions, or ErrNotFound.
func (r *ReportRepository) LoadReport(ctx context.Context, reportID string) (models.ReportBundle, error) {
	var (
		report      models.Report
		errorFields []byte
	)
	err := r.db.QueryRow(ctx, `
		SELECT report_id, report_name, parent_report_id, parent_report_action_id, policy_id, chat_type, state_num, status_num, error_fields
		FROM reports WHERE report_id=$1
	`, reportID).Scan(&report.ReportID, &report.ReportName, &report.ParentReportID, &report.ParentReportActionID,
		&report.PolicyID, &report.ChatType, &report.StateNum, &report.StatusNum, &errorFields)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ReportBundle{}, fmt.Errorf("report %s: %w", reportID, ErrNotFound)
	}
	if err != nil {
		return models.ReportBundle{}, fmt.Errorf("query report: %w", err)
	}
	if len(errorFields) > 0 {
		if err := json.Unmarshal(errorFields, &report.ErrorFields); err != nil {
			return models.ReportBundle{}, fmt.Errorf("decode error_fields: %w", err)
		}
	}

	actions, err := r.loadActions(ctx, reportID)
	if err != nil {
		return models.ReportBundle{}, err
	}
	return models.ReportBundle{Report: report, Actions: actions}, nil
}

func (r *ReportRepository) loadActions(ctx context.Context, reportID string) (models.ReportActions, error) {
	rows, err := r.db.Query(ctx, `
		SELECT report_action_id, action_name, created, actor_account_id, child_report_id, message
		FROM report_actions WHERE report_id=$1
		ORDER BY created DESC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query report actions: %w", err)
	}
	defer rows.Close()
	actions := models.ReportActions{}
	for rows.Next() {
		var (
			action  models.ReportAction
			created time.Time
			message []byte
		)
		if err := rows.Scan(&action.ReportActionID, &action.ActionName, &created, &action.ActorAccountID, &action.ChildReportID, &message); err != nil {
			return nil, fmt.Errorf("scan report action: %w", err)
		}
		action.Created = created.UTC().Format(ActionTimeLayout)
		if len(message) > 0 {
			action.Message = json.RawMessage(message)
		}
		actions[action.ReportActionID] = action
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate report actions: %w", err)
	}
	return actions, nil
}

// LoadPolicies returns every workspace policy keyed by ID.
func (r *ReportRepository) LoadPolicies(ctx context.Context) (models.Policies, error) {
	rows, err := r.db.Query(ctx, `SELECT policy_id, name, type, role, custom_units FROM policies`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()
	policies := models.Policies{}
	for rows.Next() {
		var (
			policy models.Policy
			units  []byte
		)
		if err := rows.Scan(&policy.ID, &policy.Name, &policy.Type, &policy.Role, &units); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if len(units) > 0 {
			if err := json.Unmarshal(units, &policy.CustomUnits); err != nil {
				return nil, fmt.Errorf("decode custom_units for %s: %w", policy.ID, err)
			}
		}
		policies[policy.ID] = policy
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// LoadBetas returns the account's beta tokens in name order.
func (r *ReportRepository) LoadBetas(ctx context.Context) (models.Betas, error) {
	rows, err := r.db.Query(ctx, `SELECT beta FROM account_betas ORDER BY beta`)
	if err != nil {
		return nil, fmt.Errorf("query betas: %w", err)
	}
	defer rows.Close()
	betas := models.Betas{}
	for rows.Next() {
		var beta string
		if err := rows.Scan(&beta); err != nil {
			return nil, fmt.Errorf("scan beta: %w", err)
		}
		betas = append(betas, beta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate betas: %w", err)
	}
	return betas, nil
}
