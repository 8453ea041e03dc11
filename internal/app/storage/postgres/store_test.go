package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn, Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Second)
	records := []sim.Record{
		{ICCID: "89882390001", IMSI: "901405", Status: "Enabled", SyncedAt: now},
		{ICCID: "89882390002", Status: "Disabled", SyncedAt: now},
	}
	if err := store.ReplaceSims(ctx, records); err != nil {
		t.Fatalf("replace sims: %v", err)
	}

	got, ok, err := store.GetSim(ctx, "89882390001")
	if err != nil || !ok {
		t.Fatalf("get sim: ok=%v err=%v", ok, err)
	}
	if got.IMSI != "901405" || got.Status != "Enabled" {
		t.Fatalf("unexpected record: %+v", got)
	}

	listed, total, err := store.ListSims(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list sims: %v", err)
	}
	if total != 2 || len(listed) != 2 {
		t.Fatalf("expected 2 sims, got total=%d len=%d", total, len(listed))
	}

	summary, err := store.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count by status: %v", err)
	}
	if summary.Total != 2 || summary.ByStatus["Enabled"] != 1 || summary.ByStatus["Disabled"] != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	points := []sim.UsagePoint{
		{ICCID: "89882390001", Date: "2026-08-24", VolumeMB: 1.25},
		{ICCID: "89882390001", Date: "2026-08-25", VolumeMB: 2.5},
	}
	if err := store.RecordUsage(ctx, points); err != nil {
		t.Fatalf("record usage: %v", err)
	}
	usage, err := store.ListUsage(ctx, "89882390001", "2026-08-25", "2026-08-25")
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(usage) != 1 || usage[0].VolumeMB != 2.5 {
		t.Fatalf("unexpected usage: %v", usage)
	}
}
