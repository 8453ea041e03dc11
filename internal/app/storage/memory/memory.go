// Package memory provides in-memory implementations of the storage
// interfaces. It is safe for concurrent use and is the default backend when
// no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
	"github.com/nce-iot/sim-platform/internal/app/storage"
)

// Store is an in-memory implementation of SimStore and UsageStore.
type Store struct {
	mu    sync.RWMutex
	sims  map[string]sim.Record
	usage map[string]map[string]sim.UsagePoint // iccid -> date -> point
}

var _ storage.SimStore = (*Store)(nil)
var _ storage.UsageStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		sims:  make(map[string]sim.Record),
		usage: make(map[string]map[string]sim.UsagePoint),
	}
}

func (s *Store) ReplaceSims(_ context.Context, records []sim.Record) error {
	next := make(map[string]sim.Record, len(records))
	for _, r := range records {
		if r.ICCID == "" {
			continue
		}
		next[r.ICCID] = r
	}

	s.mu.Lock()
	s.sims = next
	s.mu.Unlock()
	return nil
}

func (s *Store) UpsertSim(_ context.Context, record sim.Record) error {
	if record.ICCID == "" {
		return nil
	}
	s.mu.Lock()
	s.sims[record.ICCID] = record
	s.mu.Unlock()
	return nil
}

func (s *Store) GetSim(_ context.Context, iccid string) (sim.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sims[iccid]
	return record, ok, nil
}

func (s *Store) ListSims(_ context.Context, offset, limit int) ([]sim.Record, int, error) {
	s.mu.RLock()
	records := make([]sim.Record, 0, len(s.sims))
	for _, r := range s.sims {
		records = append(records, r)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ICCID < records[j].ICCID })
	total := len(records)

	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return nil, total, nil
	}
	records = records[offset:]
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, total, nil
}

func (s *Store) CountByStatus(_ context.Context) (sim.StatusSummary, error) {
	s.mu.RLock()
	records := make([]sim.Record, 0, len(s.sims))
	for _, r := range s.sims {
		records = append(records, r)
	}
	s.mu.RUnlock()
	return sim.Summarize(records), nil
}

func (s *Store) RecordUsage(_ context.Context, points []sim.UsagePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		if p.ICCID == "" || p.Date == "" {
			continue
		}
		byDate, ok := s.usage[p.ICCID]
		if !ok {
			byDate = make(map[string]sim.UsagePoint)
			s.usage[p.ICCID] = byDate
		}
		byDate[p.Date] = p
	}
	return nil
}

func (s *Store) ListUsage(_ context.Context, iccid, startDate, endDate string) ([]sim.UsagePoint, error) {
	s.mu.RLock()
	byDate := s.usage[iccid]
	points := make([]sim.UsagePoint, 0, len(byDate))
	for date, p := range byDate {
		if startDate != "" && date < startDate {
			continue
		}
		if endDate != "" && date > endDate {
			continue
		}
		points = append(points, p)
	}
	s.mu.RUnlock()

	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return points, nil
}
