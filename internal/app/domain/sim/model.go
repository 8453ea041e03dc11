// Package sim defines the SIM inventory domain model.
package sim

import (
	"strings"
	"time"
)

// Record is one SIM in the synced inventory.
type Record struct {
	ICCID     string    `json:"iccid"`
	IMSI      string    `json:"imsi,omitempty"`
	MSISDN    string    `json:"msisdn,omitempty"`
	IMEI      string    `json:"imei,omitempty"`
	IPAddress string    `json:"ip_address,omitempty"`
	Label     string    `json:"label,omitempty"`
	Status    string    `json:"status"`
	SyncedAt  time.Time `json:"synced_at"`
}

// UsagePoint is one daily data-usage sample captured for a SIM.
type UsagePoint struct {
	ICCID    string  `json:"iccid"`
	Date     string  `json:"date"`
	VolumeMB float64 `json:"volume_mb"`
	TXMB     float64 `json:"tx_mb"`
	RXMB     float64 `json:"rx_mb"`
}

// StatusSummary aggregates the inventory by lifecycle status.
type StatusSummary struct {
	Total    int            `json:"total_sims"`
	ByStatus map[string]int `json:"status_counts"`
	SyncedAt time.Time      `json:"synced_at,omitempty"`
}

// Summarize folds records into a status summary. Blank statuses count under
// "unknown".
func Summarize(records []Record) StatusSummary {
	summary := StatusSummary{
		Total:    len(records),
		ByStatus: make(map[string]int),
	}
	for _, r := range records {
		status := strings.TrimSpace(r.Status)
		if status == "" {
			status = "unknown"
		}
		summary.ByStatus[status]++
		if r.SyncedAt.After(summary.SyncedAt) {
			summary.SyncedAt = r.SyncedAt
		}
	}
	return summary
}
