// Package storage declares the persistence interfaces used by the services.
package storage

import (
	"context"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
)

// SimStore persists the synced SIM inventory.
type SimStore interface {
	// ReplaceSims swaps the stored inventory for the supplied records.
	ReplaceSims(ctx context.Context, records []sim.Record) error
	// UpsertSim inserts or updates a single record.
	UpsertSim(ctx context.Context, record sim.Record) error
	GetSim(ctx context.Context, iccid string) (sim.Record, bool, error)
	// ListSims returns records ordered by ICCID. A limit of 0 means all.
	ListSims(ctx context.Context, offset, limit int) ([]sim.Record, int, error)
	CountByStatus(ctx context.Context) (sim.StatusSummary, error)
}

// UsageStore persists daily usage samples captured by the sync job.
type UsageStore interface {
	// RecordUsage upserts samples keyed by (iccid, date).
	RecordUsage(ctx context.Context, points []sim.UsagePoint) error
	// ListUsage returns samples for one SIM within [startDate, endDate],
	// dates formatted YYYY-MM-DD, ordered by date.
	ListUsage(ctx context.Context, iccid, startDate, endDate string) ([]sim.UsagePoint, error)
}
