package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeQuerier struct {
	row      pgx.Row
	rows     map[string]*fakeRows
	queryErr error
	args     [][]any
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	_ = ctx
	f.args = append(f.args, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	for table, rows := range f.rows {
		if strings.Contains(sql, "FROM "+table) {
			return rows, nil
		}
	}
	return &fakeRows{}, nil
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.args = append(f.args, args)
	if f.row != nil {
		return f.row
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignRow(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { return r.idx < len(r.rows) }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx >= len(r.rows) {
		return errors.New("no current row")
	}
	row := r.rows[r.idx]
	r.idx++
	return assignRow(dest, row)
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return r.rows[r.idx-1], nil
}

func assignRow(dest []any, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		var ok bool
		switch d := dest[i].(type) {
		case *string:
			*d, ok = values[i].(string)
		case *int:
			*d, ok = values[i].(int)
		case *int64:
			*d, ok = values[i].(int64)
		case *time.Time:
			*d, ok = values[i].(time.Time)
		case *[]byte:
			if values[i] == nil {
				*d, ok = nil, true
			} else {
				*d, ok = values[i].([]byte)
			}
		}
		if !ok {
			return fmt.Errorf("column %d: unsupported %T <- %T", i, dest[i], values[i])
		}
	}
	return nil
}

func TestLoadReport(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	db := &fakeQuerier{
		row: fakeRow{values: []any{"100", "Trip", "50", "7", "A", "policyRoom", 0, 0, []byte(`{"notFound":false}`)}},
		rows: map[string]*fakeRows{
			"report_actions": {rows: [][]any{
				{"5", "ADDCOMMENT", created, int64(42), "", []byte(`[{"text":"hi"}]`)},
				{"6", "CREATED", created.Add(-time.Hour), int64(42), "300", nil},
			}},
		},
	}
	bundle, err := NewReportRepository(db).LoadReport(context.Background(), "100")
	if err != nil {
		t.Fatalf("load report: %v", err)
	}
	if bundle.Report.ReportID != "100" || bundle.Report.ParentReportID != "50" || bundle.Report.PolicyID != "A" {
		t.Fatalf("unexpected report %+v", bundle.Report)
	}
	if bundle.Report.NotFoundError() {
		t.Fatal("notFound should decode false")
	}
	if len(bundle.Actions) != 2 {
		t.Fatalf("expected two actions, got %d", len(bundle.Actions))
	}
	if got := bundle.Actions["5"]; got.Created != "2026-03-01 09:30:00.000" || string(got.Message) != `[{"text":"hi"}]` {
		t.Fatalf("unexpected action %+v", got)
	}
	if got := bundle.Actions["6"]; got.ChildReportID != "300" || got.Message != nil {
		t.Fatalf("unexpected action %+v", got)
	}
	if len(db.args) != 2 || db.args[0][0] != "100" || db.args[1][0] != "100" {
		t.Fatalf("expected reportID bound to both queries, got %v", db.args)
	}
}

func TestLoadReportErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		db      *fakeQuerier
		wantErr error
		wantMsg string
	}{
		{name: "not_found", db: &fakeQuerier{}, wantErr: ErrNotFound},
		{name: "row_error", db: &fakeQuerier{row: fakeRow{err: errors.New("conn reset")}}, wantMsg: "query report"},
		{
			name:    "bad_error_fields",
			db:      &fakeQuerier{row: fakeRow{values: []any{"1", "", "0", "", "", "", 0, 0, []byte(`{`)}}},
			wantMsg: "decode error_fields",
		},
		{
			name: "actions_query_error",
			db: &fakeQuerier{
				row:      fakeRow{values: []any{"1", "", "0", "", "", "", 0, 0, []byte(`{}`)}},
				queryErr: errors.New("timeout"),
			},
			wantMsg: "query report actions",
		},
		{
			name: "actions_cursor_error",
			db: &fakeQuerier{
				row:  fakeRow{values: []any{"1", "", "0", "", "", "", 0, 0, []byte(`{}`)}},
				rows: map[string]*fakeRows{"report_actions": {err: errors.New("cursor failed")}},
			},
			wantMsg: "iterate report actions",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewReportRepository(tt.db).LoadReport(context.Background(), "1")
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("expected %q in %v", tt.wantMsg, err)
			}
		})
	}
}

func TestLoadPoliciesAndBetas(t *testing.T) {
	t.Parallel()

	db := &fakeQuerier{rows: map[string]*fakeRows{
		"policies": {rows: [][]any{
			{"A", "Acme", "team", "admin", []byte(`{"u1":{"customUnitID":"u1","name":"Distance","attributes":{"unit":"km"}}}`)},
			{"B", "Free", "free", "user", []byte(`{}`)},
		}},
		"account_betas": {rows: [][]any{{"all"}, {"defaultRooms"}}},
	}}
	repo := NewReportRepository(db)

	policies, err := repo.LoadPolicies(context.Background())
	if err != nil {
		t.Fatalf("load policies: %v", err)
	}
	unit, ok := policies["A"].DistanceUnit()
	if !ok || unit.Attributes.Unit != "km" {
		t.Fatalf("unexpected policy A %+v", policies["A"])
	}
	if policies["B"].Type != "free" {
		t.Fatalf("unexpected policy B %+v", policies["B"])
	}

	betas, err := repo.LoadBetas(context.Background())
	if err != nil {
		t.Fatalf("load betas: %v", err)
	}
	if len(betas) != 2 || !betas.Has("defaultRooms") {
		t.Fatalf("unexpected betas %v", betas)
	}
}

func TestLoadPoliciesErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewReportRepository(&fakeQuerier{queryErr: errors.New("down")}).LoadPolicies(context.Background()); err == nil {
		t.Fatal("expected query error")
	}
	bad := &fakeQuerier{rows: map[string]*fakeRows{"policies": {rows: [][]any{{"A", "", "team", "admin", []byte(`[`)}}}}}
	if _, err := NewReportRepository(bad).LoadPolicies(context.Background()); err == nil || !strings.Contains(err.Error(), "custom_units") {
		t.Fatalf("expected custom_units decode error, got %v", err)
	}
	if _, err := NewReportRepository(&fakeQuerier{queryErr: errors.New("down")}).LoadBetas(context.Background()); err == nil {
		t.Fatal("expected betas query error")
	}
}
