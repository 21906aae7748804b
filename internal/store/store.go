// Package store persists final reports.
package store

import (
	"context"
	"errors"

	"github.com/chase3718/hichord-qa/internal/report"
)

var (
	ErrNotFound    = errors.New("store: report not found")
	ErrInvalidData = errors.New("store: invalid report")
)

// ReportStore saves and retrieves reports by run ID.
type ReportStore interface {
	Save(ctx context.Context, r report.FinalReport) error
	Get(ctx context.Context, runID string) (report.FinalReport, error)
	// List returns the newest reports first.
	List(ctx context.Context, limit int) ([]report.FinalReport, error)
	Close() error
}

func validate(r report.FinalReport) error {
	if r.RunID == "" {
		return errors.Join(ErrInvalidData, errors.New("missing run id"))
	}
	return nil
}
