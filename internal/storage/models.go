package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStorageUnavailable is returned when the persistent store cannot be
// opened at all. Callers should degrade to remote-only mode.
var ErrStorageUnavailable = errors.New("storage unavailable")

type Farm struct {
	ID           string    `json:"id"`
	FarmerID     string    `json:"farmer_id"`
	Name         string    `json:"name"`
	Village      string    `json:"village"`
	District     string    `json:"district"`
	State        string    `json:"state"`
	AreaHectares float64   `json:"area_hectares"`
	SoilType     string    `json:"soil_type"`
	Irrigation   string    `json:"irrigation"`
	CachedAt     time.Time `json:"cached_at"`
}

type CropHistoryEntry struct {
	ID            string    `json:"id"`
	FarmID        string    `json:"farm_id"`
	Crop          string    `json:"crop"`
	Season        string    `json:"season"`
	Year          int       `json:"year"`
	YieldQuintals float64   `json:"yield_quintals"`
	Notes         string    `json:"notes,omitempty"`
	CachedAt      time.Time `json:"cached_at"`
}

type WeatherRecord struct {
	ID         string    `json:"id"`
	FarmID     string    `json:"farm_id"`
	Date       time.Time `json:"date"`
	TempMinC   float64   `json:"temp_min_c"`
	TempMaxC   float64   `json:"temp_max_c"`
	Humidity   float64   `json:"humidity"`
	RainfallMM float64   `json:"rainfall_mm"`
	Conditions string    `json:"conditions"`
	CachedAt   time.Time `json:"cached_at"`
}

type MarketRecord struct {
	ID         string    `json:"id"`
	District   string    `json:"district"`
	Market     string    `json:"market"`
	Crop       string    `json:"crop"`
	Unit       string    `json:"unit"`
	MinPrice   float64   `json:"min_price"`
	MaxPrice   float64   `json:"max_price"`
	ModalPrice float64   `json:"modal_price"`
	RecordedAt time.Time `json:"recorded_at"`
	CachedAt   time.Time `json:"cached_at"`
}

type Recommendation struct {
	ID        string    `json:"id"`
	FarmerID  string    `json:"farmer_id"`
	Season    string    `json:"season"`
	Crop      string    `json:"crop"`
	Score     float64   `json:"score"`
	Rationale string    `json:"rationale"`
	CachedAt  time.Time `json:"cached_at"`
}

// SyncItem is one queued mutation awaiting replay against the remote API.
// Items are soft-deleted: Synced flips to true on acknowledgment and the row
// stays behind as a record of the delivered intent.
type SyncItem struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PayloadJSON string    `json:"payload_json"`
	CreatedAt   time.Time `json:"created_at"`
	Synced      bool      `json:"synced"`
	SyncedAt    time.Time `json:"synced_at,omitzero"`
}

// MarketCacheEntry is one district's slot in the flat market-price cache.
// Timestamp and Expires are set by the cache coordinator, which owns the
// clock; the entry is valid while now < Expires.
type MarketCacheEntry struct {
	District    string    `json:"district"`
	PayloadJSON string    `json:"payload_json"`
	Timestamp   time.Time `json:"timestamp"`
	Expires     time.Time `json:"expires"`
}

// DistrictMeta records write activity for one district's cache slot.
// Observability only; never consulted for correctness.
type DistrictMeta struct {
	District    string    `json:"district"`
	LastUpdated time.Time `json:"last_updated"`
	UpdateCount int       `json:"update_count"`
}
