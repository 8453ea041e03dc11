package inventory

import (
	"context"
	"errors"
	"testing"

	"github.com/nce-iot/sim-platform/internal/app/storage/memory"
	"github.com/nce-iot/sim-platform/internal/nce"
)

type fakeClient struct {
	creds bool
	sims  []nce.Sim
	err   error
	calls int
}

func (f *fakeClient) HasCredentials() bool { return f.creds }

func (f *fakeClient) ListAllSims(context.Context) ([]nce.Sim, error) {
	f.calls++
	return f.sims, f.err
}

func TestRunOnceReplacesInventory(t *testing.T) {
	store := memory.New()
	client := &fakeClient{creds: true, sims: []nce.Sim{
		{ICCID: "89882390001", Status: nce.StatusEnabled, Label: "sensor-1"},
		{ICCID: "89882390002", Status: nce.StatusDisabled},
		{Status: nce.StatusEnabled}, // no ICCID, dropped
	}}

	syncer, err := NewSyncer(client, store, "@every 15m", nil)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}

	ctx := context.Background()
	if err := syncer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	records, total, err := store.ListSims(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListSims: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 records, got %d", total)
	}
	if records[0].Label != "sensor-1" || records[0].Status != "Enabled" {
		t.Fatalf("unexpected record: %+v", records[0])
	}
	if records[0].SyncedAt.IsZero() {
		t.Fatal("expected synced_at set")
	}

	status := syncer.Status()
	if status.LastCount != 2 || status.LastError != "" || status.LastRun.IsZero() {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRunOnceSkipsWithoutCredentials(t *testing.T) {
	store := memory.New()
	client := &fakeClient{creds: false}

	syncer, err := NewSyncer(client, store, "@every 15m", nil)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := syncer.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", client.calls)
	}
}

func TestRunOnceRecordsFailure(t *testing.T) {
	store := memory.New()
	client := &fakeClient{creds: true, err: errors.New("upstream down")}

	syncer, err := NewSyncer(client, store, "@every 15m", nil)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	if err := syncer.RunOnce(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	if status := syncer.Status(); status.LastError == "" {
		t.Fatalf("expected error recorded, got %+v", status)
	}
}

func TestNewSyncerRejectsBadSchedule(t *testing.T) {
	if _, err := NewSyncer(&fakeClient{}, memory.New(), "every once in a while", nil); err == nil {
		t.Fatal("expected schedule parse error")
	}
}

func TestStartStop(t *testing.T) {
	syncer, err := NewSyncer(&fakeClient{}, memory.New(), "@every 1h", nil)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	ctx := context.Background()
	if err := syncer.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Double start is a no-op.
	if err := syncer.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if err := syncer.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := syncer.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
