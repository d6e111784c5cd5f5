package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the device-local cache partitions,
// the sync queue, and the flat district market cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests). Failures to open or migrate wrap ErrStorageUnavailable so callers
// can degrade to remote-only mode.
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %v", ErrStorageUnavailable, err)
		}
		dsn = filepath.Join(dataDir, "fasal.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorageUnavailable, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: pinging database: %v", ErrStorageUnavailable, err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting busy timeout: %v", ErrStorageUnavailable, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: setting journal mode: %v", ErrStorageUnavailable, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: running migrations: %v", ErrStorageUnavailable, err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for tests and diagnostics.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Farms ---

// SaveFarm upserts a farm profile. Uniqueness is enforced per farmer: a
// second farm written for the same farmer_id replaces the first, so reads
// by farmer never face a tie-break.
func (s *Store) SaveFarm(f Farm) error {
	_, err := s.db.Exec(`
		INSERT INTO farms (id, farmer_id, name, village, district, state, area_hectares, soil_type, irrigation, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(farmer_id) DO UPDATE SET
			id = excluded.id, name = excluded.name, village = excluded.village,
			district = excluded.district, state = excluded.state,
			area_hectares = excluded.area_hectares, soil_type = excluded.soil_type,
			irrigation = excluded.irrigation, cached_at = excluded.cached_at`,
		f.ID, f.FarmerID, f.Name, f.Village, f.District, f.State,
		f.AreaHectares, f.SoilType, f.Irrigation, now(),
	)
	if err != nil {
		return fmt.Errorf("saving farm %s: %w", f.ID, err)
	}
	return nil
}

// GetFarmByFarmer returns the farm profile for a farmer, or ErrNotFound.
func (s *Store) GetFarmByFarmer(farmerID string) (Farm, error) {
	var f Farm
	var cachedAt string
	err := s.db.QueryRow(`
		SELECT id, farmer_id, name, village, district, state, area_hectares, soil_type, irrigation, cached_at
		FROM farms WHERE farmer_id = ?`, farmerID,
	).Scan(&f.ID, &f.FarmerID, &f.Name, &f.Village, &f.District, &f.State,
		&f.AreaHectares, &f.SoilType, &f.Irrigation, &cachedAt)
	if err == sql.ErrNoRows {
		return Farm{}, ErrNotFound
	}
	if err != nil {
		return Farm{}, err
	}
	if f.CachedAt, err = parseTime(cachedAt); err != nil {
		return Farm{}, fmt.Errorf("parsing cached_at: %w", err)
	}
	return f, nil
}

// --- Crop history ---

func (s *Store) SaveCropHistory(e CropHistoryEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO crop_history (id, farm_id, crop, season, year, yield_quintals, notes, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			farm_id = excluded.farm_id, crop = excluded.crop, season = excluded.season,
			year = excluded.year, yield_quintals = excluded.yield_quintals,
			notes = excluded.notes, cached_at = excluded.cached_at`,
		e.ID, e.FarmID, e.Crop, e.Season, e.Year, e.YieldQuintals, e.Notes, now(),
	)
	if err != nil {
		return fmt.Errorf("saving crop history %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) CropHistoryForFarm(farmID string) ([]CropHistoryEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, farm_id, crop, season, year, yield_quintals, notes, cached_at
		FROM crop_history WHERE farm_id = ? ORDER BY year DESC, id ASC`, farmID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CropHistoryEntry
	for rows.Next() {
		var e CropHistoryEntry
		var cachedAt string
		if err := rows.Scan(&e.ID, &e.FarmID, &e.Crop, &e.Season, &e.Year, &e.YieldQuintals, &e.Notes, &cachedAt); err != nil {
			return nil, err
		}
		if e.CachedAt, err = parseTime(cachedAt); err != nil {
			return nil, fmt.Errorf("parsing cached_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// --- Weather ---

func (s *Store) SaveWeather(w WeatherRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO weather (id, farm_id, date, temp_min_c, temp_max_c, humidity, rainfall_mm, conditions, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			farm_id = excluded.farm_id, date = excluded.date,
			temp_min_c = excluded.temp_min_c, temp_max_c = excluded.temp_max_c,
			humidity = excluded.humidity, rainfall_mm = excluded.rainfall_mm,
			conditions = excluded.conditions, cached_at = excluded.cached_at`,
		w.ID, w.FarmID, w.Date.UTC().Format(time.RFC3339), w.TempMinC, w.TempMaxC,
		w.Humidity, w.RainfallMM, w.Conditions, now(),
	)
	if err != nil {
		return fmt.Errorf("saving weather %s: %w", w.ID, err)
	}
	return nil
}

// WeatherSince returns weather records for a farm whose date falls within
// the last `days` days, oldest first. Future-dated rows are outside the
// window and excluded. An empty slice is a valid result and
// distinct from "never fetched" only at the gateway layer.
func (s *Store) WeatherSince(farmID string, days int) ([]WeatherRecord, error) {
	nowTS := time.Now().UTC()
	cutoff := nowTS.AddDate(0, 0, -days).Format(time.RFC3339)
	upper := nowTS.Format(time.RFC3339)
	rows, err := s.db.Query(`
		SELECT id, farm_id, date, temp_min_c, temp_max_c, humidity, rainfall_mm, conditions, cached_at
		FROM weather WHERE farm_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		farmID, cutoff, upper,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WeatherRecord
	for rows.Next() {
		var w WeatherRecord
		var date, cachedAt string
		if err := rows.Scan(&w.ID, &w.FarmID, &date, &w.TempMinC, &w.TempMaxC, &w.Humidity, &w.RainfallMM, &w.Conditions, &cachedAt); err != nil {
			return nil, err
		}
		if w.Date, err = parseTime(date); err != nil {
			return nil, fmt.Errorf("parsing date: %w", err)
		}
		if w.CachedAt, err = parseTime(cachedAt); err != nil {
			return nil, fmt.Errorf("parsing cached_at: %w", err)
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

// --- Market price rows ---

func (s *Store) SaveMarketRecords(records []MarketRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning market write: %w", err)
	}
	defer tx.Rollback()

	stamp := now()
	for _, r := range records {
		if _, err := tx.Exec(`
			INSERT INTO market_prices (id, district, market, crop, unit, min_price, max_price, modal_price, recorded_at, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				district = excluded.district, market = excluded.market, crop = excluded.crop,
				unit = excluded.unit, min_price = excluded.min_price, max_price = excluded.max_price,
				modal_price = excluded.modal_price, recorded_at = excluded.recorded_at,
				cached_at = excluded.cached_at`,
			r.ID, r.District, r.Market, r.Crop, r.Unit, r.MinPrice, r.MaxPrice,
			r.ModalPrice, r.RecordedAt.UTC().Format(time.RFC3339), stamp,
		); err != nil {
			return fmt.Errorf("saving market record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) MarketRecordsForDistrict(district string) ([]MarketRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, district, market, crop, unit, min_price, max_price, modal_price, recorded_at, cached_at
		FROM market_prices WHERE district = ? ORDER BY recorded_at DESC, id ASC`, district,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MarketRecord
	for rows.Next() {
		var r MarketRecord
		var recordedAt, cachedAt string
		if err := rows.Scan(&r.ID, &r.District, &r.Market, &r.Crop, &r.Unit, &r.MinPrice, &r.MaxPrice, &r.ModalPrice, &recordedAt, &cachedAt); err != nil {
			return nil, err
		}
		if r.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at: %w", err)
		}
		if r.CachedAt, err = parseTime(cachedAt); err != nil {
			return nil, fmt.Errorf("parsing cached_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Recommendations ---

func (s *Store) SaveRecommendation(r Recommendation) error {
	_, err := s.db.Exec(`
		INSERT INTO recommendations (id, farmer_id, season, crop, score, rationale, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			farmer_id = excluded.farmer_id, season = excluded.season, crop = excluded.crop,
			score = excluded.score, rationale = excluded.rationale, cached_at = excluded.cached_at`,
		r.ID, r.FarmerID, r.Season, r.Crop, r.Score, r.Rationale, now(),
	)
	if err != nil {
		return fmt.Errorf("saving recommendation %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) RecommendationsFor(farmerID, season string) ([]Recommendation, error) {
	query := `
		SELECT id, farmer_id, season, crop, score, rationale, cached_at
		FROM recommendations WHERE farmer_id = ?`
	args := []any{farmerID}
	if season != "" {
		query += ` AND season = ?`
		args = append(args, season)
	}
	query += ` ORDER BY score DESC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Recommendation
	for rows.Next() {
		var r Recommendation
		var cachedAt string
		if err := rows.Scan(&r.ID, &r.FarmerID, &r.Season, &r.Crop, &r.Score, &r.Rationale, &cachedAt); err != nil {
			return nil, err
		}
		if r.CachedAt, err = parseTime(cachedAt); err != nil {
			return nil, fmt.Errorf("parsing cached_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Sync queue ---

// AppendSyncItem records a pending mutation. CreatedAt is stamped here so
// drain ordering cannot be skewed by the caller.
func (s *Store) AppendSyncItem(item SyncItem) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_queue (id, kind, payload_json, created_at, synced)
		VALUES (?, ?, ?, ?, 0)`,
		item.ID, item.Kind, item.PayloadJSON, now(),
	)
	if err != nil {
		return fmt.Errorf("appending sync item %s: %w", item.ID, err)
	}
	return nil
}

// PendingSyncItems returns unsynced items oldest-first. Ordering is by the
// autoincrement seq, not created_at: the timestamp column has one-second
// resolution, so two appends in the same second would otherwise drain in
// random id order.
func (s *Store) PendingSyncItems() ([]SyncItem, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, payload_json, created_at, synced, synced_at
		FROM sync_queue WHERE synced = 0 ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSyncItems(rows)
}

// AllSyncItems returns the full queue, including soft-deleted (synced) items.
func (s *Store) AllSyncItems() ([]SyncItem, error) {
	rows, err := s.db.Query(`
		SELECT id, kind, payload_json, created_at, synced, synced_at
		FROM sync_queue ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSyncItems(rows)
}

func scanSyncItems(rows *sql.Rows) ([]SyncItem, error) {
	var results []SyncItem
	for rows.Next() {
		var item SyncItem
		var createdAt string
		var synced int
		var syncedAt sql.NullString
		if err := rows.Scan(&item.ID, &item.Kind, &item.PayloadJSON, &createdAt, &synced, &syncedAt); err != nil {
			return nil, err
		}
		var err error
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		item.Synced = synced != 0
		if syncedAt.Valid {
			if item.SyncedAt, err = parseTime(syncedAt.String); err != nil {
				return nil, fmt.Errorf("parsing synced_at: %w", err)
			}
		}
		results = append(results, item)
	}
	return results, rows.Err()
}

// MarkSynced soft-deletes a queue item after successful replay.
func (s *Store) MarkSynced(id string) error {
	res, err := s.db.Exec(`UPDATE sync_queue SET synced = 1, synced_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Market cache (flat district key/value layer) ---

// PutMarketEntry writes a district's cache slot and bumps its metadata in
// one transaction. Timestamp and Expires come from the coordinator's clock.
func (s *Store) PutMarketEntry(e MarketCacheEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cache write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO market_cache (district, payload_json, timestamp, expires)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(district) DO UPDATE SET
			payload_json = excluded.payload_json,
			timestamp = excluded.timestamp, expires = excluded.expires`,
		e.District, e.PayloadJSON,
		e.Timestamp.UTC().Format(time.RFC3339), e.Expires.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("writing cache entry for %s: %w", e.District, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO cache_meta (district, last_updated, update_count)
		VALUES (?, ?, 1)
		ON CONFLICT(district) DO UPDATE SET
			last_updated = excluded.last_updated,
			update_count = update_count + 1`,
		e.District, e.Timestamp.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("updating cache meta for %s: %w", e.District, err)
	}

	return tx.Commit()
}

func (s *Store) GetMarketEntry(district string) (MarketCacheEntry, error) {
	var e MarketCacheEntry
	var timestamp, expires string
	err := s.db.QueryRow(`
		SELECT district, payload_json, timestamp, expires
		FROM market_cache WHERE district = ?`, district,
	).Scan(&e.District, &e.PayloadJSON, &timestamp, &expires)
	if err == sql.ErrNoRows {
		return MarketCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return MarketCacheEntry{}, err
	}
	if e.Timestamp, err = parseTime(timestamp); err != nil {
		return MarketCacheEntry{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	if e.Expires, err = parseTime(expires); err != nil {
		return MarketCacheEntry{}, fmt.Errorf("parsing expires: %w", err)
	}
	return e, nil
}

func (s *Store) AllMarketEntries() ([]MarketCacheEntry, error) {
	rows, err := s.db.Query(`SELECT district, payload_json, timestamp, expires FROM market_cache ORDER BY district ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MarketCacheEntry
	for rows.Next() {
		var e MarketCacheEntry
		var timestamp, expires string
		if err := rows.Scan(&e.District, &e.PayloadJSON, &timestamp, &expires); err != nil {
			return nil, err
		}
		if e.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if e.Expires, err = parseTime(expires); err != nil {
			return nil, fmt.Errorf("parsing expires: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func (s *Store) DeleteMarketEntry(district string) error {
	_, err := s.db.Exec(`DELETE FROM market_cache WHERE district = ?`, district)
	return err
}

// ClearMarketEntries evicts every district slot and resets metadata.
func (s *Store) ClearMarketEntries() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cache clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM market_cache`); err != nil {
		return fmt.Errorf("clearing market cache: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cache_meta`); err != nil {
		return fmt.Errorf("clearing cache meta: %w", err)
	}
	return tx.Commit()
}

func (s *Store) CacheMeta() ([]DistrictMeta, error) {
	rows, err := s.db.Query(`SELECT district, last_updated, update_count FROM cache_meta ORDER BY district ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []DistrictMeta
	for rows.Next() {
		var m DistrictMeta
		var lastUpdated string
		if err := rows.Scan(&m.District, &lastUpdated, &m.UpdateCount); err != nil {
			return nil, err
		}
		if m.LastUpdated, err = parseTime(lastUpdated); err != nil {
			return nil, fmt.Errorf("parsing last_updated: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Retention ---

// CleanupOldData deletes weather and market price rows whose cached_at is
// older than the retention window. Farms, crop history, recommendations, and
// the sync queue are never aged out. Returns the number of rows removed.
func (s *Store) CleanupOldData(retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)

	var total int64
	for _, table := range []string{"weather", "market_prices"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE cached_at < ?`, cutoff)
		if err != nil {
			return total, fmt.Errorf("cleaning %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
