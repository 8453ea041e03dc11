// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/nce-iot/sim-platform/internal/app/domain/sim"
	"github.com/nce-iot/sim-platform/internal/app/storage"
)

// Store persists the SIM inventory and usage samples in PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.SimStore = (*Store)(nil)
var _ storage.UsageStore = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database, verifies the connection and ensures the
// schema exists.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sims (
			iccid       TEXT PRIMARY KEY,
			imsi        TEXT NOT NULL DEFAULT '',
			msisdn      TEXT NOT NULL DEFAULT '',
			imei        TEXT NOT NULL DEFAULT '',
			ip_address  TEXT NOT NULL DEFAULT '',
			label       TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT '',
			synced_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sims_status_idx ON sims (status)`,
		`CREATE TABLE IF NOT EXISTS sim_usage (
			iccid      TEXT NOT NULL,
			usage_date TEXT NOT NULL,
			volume_mb  DOUBLE PRECISION NOT NULL DEFAULT 0,
			tx_mb      DOUBLE PRECISION NOT NULL DEFAULT 0,
			rx_mb      DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (iccid, usage_date)
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) ReplaceSims(ctx context.Context, records []sim.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sims`); err != nil {
		return fmt.Errorf("clear sims: %w", err)
	}
	for _, r := range records {
		if r.ICCID == "" {
			continue
		}
		if err := upsertSimTx(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func (s *Store) UpsertSim(ctx context.Context, record sim.Record) error {
	if record.ICCID == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()
	if err := upsertSimTx(ctx, tx, record); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertSimTx(ctx context.Context, tx *sql.Tx, r sim.Record) error {
	syncedAt := r.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sims (iccid, imsi, msisdn, imei, ip_address, label, status, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (iccid) DO UPDATE SET
			imsi = EXCLUDED.imsi,
			msisdn = EXCLUDED.msisdn,
			imei = EXCLUDED.imei,
			ip_address = EXCLUDED.ip_address,
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			synced_at = EXCLUDED.synced_at`,
		r.ICCID, r.IMSI, r.MSISDN, r.IMEI, r.IPAddress, r.Label, r.Status, syncedAt)
	if err != nil {
		return fmt.Errorf("upsert sim %s: %w", r.ICCID, err)
	}
	return nil
}

func (s *Store) GetSim(ctx context.Context, iccid string) (sim.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT iccid, imsi, msisdn, imei, ip_address, label, status, synced_at
		FROM sims WHERE iccid = $1`, iccid)

	var r sim.Record
	err := row.Scan(&r.ICCID, &r.IMSI, &r.MSISDN, &r.IMEI, &r.IPAddress, &r.Label, &r.Status, &r.SyncedAt)
	if err == sql.ErrNoRows {
		return sim.Record{}, false, nil
	}
	if err != nil {
		return sim.Record{}, false, fmt.Errorf("get sim %s: %w", iccid, err)
	}
	return r, true, nil
}

func (s *Store) ListSims(ctx context.Context, offset, limit int) ([]sim.Record, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sims`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sims: %w", err)
	}

	query := `SELECT iccid, imsi, msisdn, imei, ip_address, label, status, synced_at
		FROM sims ORDER BY iccid OFFSET $1`
	args := []interface{}{offset}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sims: %w", err)
	}
	defer rows.Close()

	var records []sim.Record
	for rows.Next() {
		var r sim.Record
		if err := rows.Scan(&r.ICCID, &r.IMSI, &r.MSISDN, &r.IMEI, &r.IPAddress, &r.Label, &r.Status, &r.SyncedAt); err != nil {
			return nil, 0, fmt.Errorf("scan sim: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sims: %w", err)
	}
	return records, total, nil
}

func (s *Store) CountByStatus(ctx context.Context) (sim.StatusSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN status = '' THEN 'unknown' ELSE status END, COUNT(*)
		FROM sims GROUP BY 1`)
	if err != nil {
		return sim.StatusSummary{}, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	summary := sim.StatusSummary{ByStatus: make(map[string]int)}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return sim.StatusSummary{}, fmt.Errorf("scan status count: %w", err)
		}
		summary.ByStatus[status] = count
		summary.Total += count
	}
	if err := rows.Err(); err != nil {
		return sim.StatusSummary{}, fmt.Errorf("iterate status counts: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(synced_at), 'epoch'::timestamptz) FROM sims`)
	if err := row.Scan(&summary.SyncedAt); err != nil {
		return sim.StatusSummary{}, fmt.Errorf("max synced_at: %w", err)
	}
	if summary.SyncedAt.Unix() == 0 {
		summary.SyncedAt = time.Time{}
	}
	return summary, nil
}

func (s *Store) RecordUsage(ctx context.Context, points []sim.UsagePoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		if p.ICCID == "" || p.Date == "" {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sim_usage (iccid, usage_date, volume_mb, tx_mb, rx_mb)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (iccid, usage_date) DO UPDATE SET
				volume_mb = EXCLUDED.volume_mb,
				tx_mb = EXCLUDED.tx_mb,
				rx_mb = EXCLUDED.rx_mb`,
			p.ICCID, p.Date, p.VolumeMB, p.TXMB, p.RXMB)
		if err != nil {
			return fmt.Errorf("upsert usage %s/%s: %w", p.ICCID, p.Date, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage: %w", err)
	}
	return nil
}

func (s *Store) ListUsage(ctx context.Context, iccid, startDate, endDate string) ([]sim.UsagePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT iccid, usage_date, volume_mb, tx_mb, rx_mb
		FROM sim_usage
		WHERE iccid = $1
		  AND ($2 = '' OR usage_date >= $2)
		  AND ($3 = '' OR usage_date <= $3)
		ORDER BY usage_date`, iccid, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("list usage %s: %w", iccid, err)
	}
	defer rows.Close()

	var points []sim.UsagePoint
	for rows.Next() {
		var p sim.UsagePoint
		if err := rows.Scan(&p.ICCID, &p.Date, &p.VolumeMB, &p.TXMB, &p.RXMB); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage: %w", err)
	}
	return points, nil
}
