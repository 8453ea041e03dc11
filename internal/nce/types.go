package nce

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Status is a SIM lifecycle status. The management API returns it either as
// a flat string or wrapped in an object ({"status": "Enabled", ...});
// both forms decode.
type Status string

const (
	StatusEnabled  Status = "Enabled"
	StatusDisabled Status = "Disabled"
	StatusUnknown  Status = "unknown"
)

func (s *Status) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '{' {
		var nested struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(trimmed, &nested); err != nil {
			return fmt.Errorf("decode sim status object: %w", err)
		}
		*s = Status(nested.Status)
		return nil
	}
	var flat string
	if err := json.Unmarshal(trimmed, &flat); err != nil {
		return fmt.Errorf("decode sim status: %w", err)
	}
	*s = Status(flat)
	return nil
}

// OrNormalized returns the status with empty values mapped to "unknown".
func (s Status) OrNormalized() Status {
	if s == "" {
		return StatusUnknown
	}
	return s
}

// FlexibleID decodes identifiers the API returns as either JSON strings or
// numbers.
type FlexibleID string

func (id *FlexibleID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*id = FlexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*id = FlexibleID(n.String())
	return nil
}

func (id FlexibleID) String() string { return string(id) }

type organizationRef struct {
	ID FlexibleID `json:"id"`
}

// TokenResponse is the OAuth token grant response. The organisation block
// appears under either spelling depending on the API version.
type TokenResponse struct {
	AccessToken  string           `json:"access_token"`
	TokenType    string           `json:"token_type"`
	ExpiresIn    int              `json:"expires_in"`
	Organisation *organizationRef `json:"organisation"`
	Organization *organizationRef `json:"organization"`
}

// OrganizationID returns the organisation ID from whichever spelling the
// response used, or "".
func (t *TokenResponse) OrganizationID() string {
	if t.Organisation != nil && t.Organisation.ID != "" {
		return t.Organisation.ID.String()
	}
	if t.Organization != nil && t.Organization.ID != "" {
		return t.Organization.ID.String()
	}
	return ""
}

// Sim is a SIM card record from the inventory endpoint.
type Sim struct {
	ICCID     string `json:"iccid"`
	IMSI      string `json:"imsi"`
	MSISDN    string `json:"msisdn"`
	IMEI      string `json:"imei"`
	IPAddress string `json:"ip_address"`
	Label     string `json:"label"`
	Status    Status `json:"status"`
}

// SimPage is one page of the SIM inventory. The endpoint returns either a
// page object ({"items": [...], "totalItems": n}) or a bare array.
type SimPage struct {
	Items      []Sim `json:"items"`
	TotalItems int   `json:"totalItems"`
}

func (p *SimPage) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Sim
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		p.Items = items
		p.TotalItems = len(items)
		return nil
	}

	type alias SimPage
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*p = SimPage(a)
	if p.TotalItems == 0 {
		p.TotalItems = len(p.Items)
	}
	return nil
}

// Quota is the data quota for a single SIM. Volumes are in bytes.
type Quota struct {
	Volume              float64 `json:"volume"`
	TotalVolume         float64 `json:"totalVolume"`
	ExpiryDate          string  `json:"expiry_date"`
	PeakThroughput      float64 `json:"peak_throughput"`
	LastVolumeAdded     float64 `json:"last_volume_added"`
	ThresholdPercentage float64 `json:"threshold_percentage"`
}

// UsedRatio returns volume consumed as a fraction of the total, clamped to
// [0, 1]. Zero totals yield 0.
func (q Quota) UsedRatio() float64 {
	if q.TotalVolume <= 0 {
		return 0
	}
	used := (q.TotalVolume - q.Volume) / q.TotalVolume
	if used < 0 {
		return 0
	}
	if used > 1 {
		return 1
	}
	return used
}

// UsageRecord is one daily data-usage point for a SIM. Volume is in MB.
type UsageRecord struct {
	Date     string  `json:"date"`
	Volume   float64 `json:"volume"`
	VolumeTX float64 `json:"volume_tx"`
	VolumeRX float64 `json:"volume_rx"`
	ICCID    string  `json:"iccid,omitempty"`
}

// SMSRecord is one daily SMS count for a SIM.
type SMSRecord struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
	ICCID string `json:"iccid,omitempty"`
}

// Event is a connectivity event. Alternate key spellings used across API
// versions (eventTime/timestamp, eventType/event_type, message/description)
// are folded into the canonical fields.
type Event struct {
	Timestamp   string `json:"timestamp"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	Country     string `json:"country"`
	Network     string `json:"network"`
	IMEI        string `json:"imei"`
	ICCID       string `json:"iccid,omitempty"`
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp   string `json:"timestamp"`
		EventTime   string `json:"eventTime"`
		EventType   string `json:"eventType"`
		EventTypeUS string `json:"event_type"`
		Description string `json:"description"`
		Message     string `json:"message"`
		Country     string `json:"country"`
		Network     string `json:"network"`
		IMEI        string `json:"imei"`
		ICCID       string `json:"iccid"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Timestamp = firstNonEmpty(raw.Timestamp, raw.EventTime)
	e.EventType = firstNonEmpty(raw.EventType, raw.EventTypeUS)
	e.Description = firstNonEmpty(raw.Description, raw.Message)
	e.Country = raw.Country
	e.Network = raw.Network
	e.IMEI = raw.IMEI
	e.ICCID = raw.ICCID
	return nil
}

// EventPage is one page of events; decodes from a page object or bare array.
type EventPage struct {
	Items      []Event `json:"items"`
	TotalItems int     `json:"totalItems"`
}

func (p *EventPage) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Event
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		p.Items = items
		p.TotalItems = len(items)
		return nil
	}

	type alias EventPage
	var a alias
	if err := json.Unmarshal(trimmed, &a); err != nil {
		return err
	}
	*p = EventPage(a)
	if p.TotalItems == 0 {
		p.TotalItems = len(p.Items)
	}
	return nil
}

// decodeList decodes endpoints that return either a bare array or an object
// wrapping the array under "items".
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var wrapper struct {
		Items []T `json:"items"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, err
	}
	return wrapper.Items, nil
}

// APIError is a non-2xx response from the management API.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("1nce api %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
	}
	return "1nce api " + e.Endpoint + ": status " + strconv.Itoa(e.StatusCode)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
