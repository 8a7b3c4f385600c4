// Package audit keeps a trail of gate verdicts that hid a report from its
// caller.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("audit record not found")

// DB is the subset of a pgx pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer stores records in the gate_audit table. With Redact set the
// subject is stored as a salted SHA-256.
type Writer struct {
	DB       DB
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
}

type Record struct {
	GateID         string    `json:"gateID"`
	ReportID       string    `json:"reportID"`
	ReportActionID string    `json:"reportActionID,omitempty"`
	Subject        string    `json:"subject"`
	State          string    `json:"state"`
	Reason         string    `json:"reason"`
	AccessReason   string    `json:"accessReason,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if rec.GateID == "" || rec.ReportID == "" {
		return errors.New("audit record requires gate and report IDs")
	}
	if w.Redact && rec.Subject != "" {
		rec.Subject = hashString(rec.Subject, w.HashSalt)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.now()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO gate_audit
		(gate_id, report_id, report_action_id, subject, state, reason, access_reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (gate_id) DO NOTHING
	`, rec.GateID, rec.ReportID, rec.ReportActionID, rec.Subject, rec.State, rec.Reason, rec.AccessReason, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

func (w *Writer) Get(ctx context.Context, gateID string) (Record, error) {
	var rec Record
	err := w.DB.QueryRow(ctx, `
		SELECT gate_id, report_id, report_action_id, subject, state, reason, access_reason, created_at
		FROM gate_audit WHERE gate_id=$1
	`, gateID).Scan(&rec.GateID, &rec.ReportID, &rec.ReportActionID, &rec.Subject, &rec.State, &rec.Reason, &rec.AccessReason, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("gate %s: %w", gateID, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get audit record: %w", err)
	}
	return rec, nil
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func hashString(v string, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(v))
	return hex.EncodeToString(h.Sum(nil))
}
