package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApply(t *testing.T) {
	s := openTestStore(t)
	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	if versions[0] != 1 {
		t.Errorf("first migration version = %d, want 1", versions[0])
	}
}

func TestSaveFarm_UpsertByFarmer(t *testing.T) {
	s := openTestStore(t)

	first := Farm{ID: "farm-1", FarmerID: "farmer-7", Name: "Old", District: "Ranchi"}
	if err := s.SaveFarm(first); err != nil {
		t.Fatalf("SaveFarm: %v", err)
	}

	// A second profile for the same farmer replaces the first, so reads by
	// farmer never face duplicate rows.
	second := Farm{ID: "farm-2", FarmerID: "farmer-7", Name: "New", District: "Bokaro"}
	if err := s.SaveFarm(second); err != nil {
		t.Fatalf("SaveFarm (second): %v", err)
	}

	got, err := s.GetFarmByFarmer("farmer-7")
	if err != nil {
		t.Fatalf("GetFarmByFarmer: %v", err)
	}
	if got.ID != "farm-2" || got.Name != "New" {
		t.Errorf("got farm %q (%q), want farm-2 (New)", got.ID, got.Name)
	}
	if got.CachedAt.IsZero() {
		t.Error("CachedAt not stamped by store")
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM farms WHERE farmer_id = 'farmer-7'`).Scan(&count); err != nil {
		t.Fatalf("counting farms: %v", err)
	}
	if count != 1 {
		t.Errorf("farm rows for farmer-7 = %d, want 1", count)
	}
}

func TestGetFarmByFarmer_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetFarmByFarmer("nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWeatherSince_FiltersByWindow(t *testing.T) {
	s := openTestStore(t)

	recent := WeatherRecord{ID: "w1", FarmID: "farm-1", Date: time.Now().UTC().AddDate(0, 0, -2)}
	old := WeatherRecord{ID: "w2", FarmID: "farm-1", Date: time.Now().UTC().AddDate(0, 0, -20)}
	other := WeatherRecord{ID: "w3", FarmID: "farm-2", Date: time.Now().UTC()}
	for _, w := range []WeatherRecord{recent, old, other} {
		if err := s.SaveWeather(w); err != nil {
			t.Fatalf("SaveWeather(%s): %v", w.ID, err)
		}
	}

	got, err := s.WeatherSince("farm-1", 7)
	if err != nil {
		t.Fatalf("WeatherSince: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w1" {
		t.Fatalf("WeatherSince = %+v, want only w1", got)
	}
}

func TestWeatherSince_EmptyIsValid(t *testing.T) {
	s := openTestStore(t)
	got, err := s.WeatherSince("farm-1", 7)
	if err != nil {
		t.Fatalf("WeatherSince: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty result, got %d records", len(got))
	}
}

func TestSyncQueue_OrderAndMarkSynced(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"item-a", "item-b", "item-c"} {
		if err := s.AppendSyncItem(SyncItem{ID: id, Kind: "CREATE_FARM", PayloadJSON: "{}"}); err != nil {
			t.Fatalf("AppendSyncItem(%s): %v", id, err)
		}
	}

	pending, err := s.PendingSyncItems()
	if err != nil {
		t.Fatalf("PendingSyncItems: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, want := range []string{"item-a", "item-b", "item-c"} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, want)
		}
	}

	if err := s.MarkSynced("item-b"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	pending, err = s.PendingSyncItems()
	if err != nil {
		t.Fatalf("PendingSyncItems after mark: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending after mark = %d, want 2", len(pending))
	}

	// Soft delete: the row survives with synced=true.
	all, err := s.AllSyncItems()
	if err != nil {
		t.Fatalf("AllSyncItems: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all items = %d, want 3", len(all))
	}
	for _, item := range all {
		if item.ID == "item-b" {
			if !item.Synced || item.SyncedAt.IsZero() {
				t.Errorf("item-b not properly marked: synced=%v synced_at=%v", item.Synced, item.SyncedAt)
			}
		}
	}
}

func TestSyncQueue_InsertionOrderWithinSameSecond(t *testing.T) {
	s := openTestStore(t)

	// Both appends land within the same created_at second; a dependent
	// pair (farm then its crop history) must still drain in insertion
	// order even when the second item's id sorts first.
	for _, id := range []string{"zzz-farm", "aaa-history"} {
		if err := s.AppendSyncItem(SyncItem{ID: id, Kind: "CREATE_FARM", PayloadJSON: "{}"}); err != nil {
			t.Fatalf("AppendSyncItem(%s): %v", id, err)
		}
	}

	pending, err := s.PendingSyncItems()
	if err != nil {
		t.Fatalf("PendingSyncItems: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "zzz-farm" || pending[1].ID != "aaa-history" {
		t.Fatalf("pending order = %v, want [zzz-farm aaa-history]", []string{pending[0].ID, pending[1].ID})
	}
}

func TestWeatherSince_ExcludesFutureDates(t *testing.T) {
	s := openTestStore(t)

	past := WeatherRecord{ID: "w1", FarmID: "farm-1", Date: time.Now().UTC().AddDate(0, 0, -1)}
	forecast := WeatherRecord{ID: "w2", FarmID: "farm-1", Date: time.Now().UTC().AddDate(0, 0, 3)}
	for _, w := range []WeatherRecord{past, forecast} {
		if err := s.SaveWeather(w); err != nil {
			t.Fatalf("SaveWeather(%s): %v", w.ID, err)
		}
	}

	got, err := s.WeatherSince("farm-1", 7)
	if err != nil {
		t.Fatalf("WeatherSince: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w1" {
		t.Fatalf("WeatherSince = %+v, want only w1", got)
	}
}

func TestMarkSynced_MissingItem(t *testing.T) {
	s := openTestStore(t)
	if err := s.MarkSynced("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanupOldData_PartitionIsolation(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveFarm(Farm{ID: "farm-1", FarmerID: "farmer-1"}); err != nil {
		t.Fatalf("SaveFarm: %v", err)
	}
	if err := s.SaveCropHistory(CropHistoryEntry{ID: "ch-1", FarmID: "farm-1", Crop: "paddy"}); err != nil {
		t.Fatalf("SaveCropHistory: %v", err)
	}
	if err := s.SaveWeather(WeatherRecord{ID: "w-1", FarmID: "farm-1", Date: time.Now().UTC()}); err != nil {
		t.Fatalf("SaveWeather: %v", err)
	}
	if err := s.SaveMarketRecords([]MarketRecord{{ID: "m-1", District: "Ranchi", RecordedAt: time.Now().UTC()}}); err != nil {
		t.Fatalf("SaveMarketRecords: %v", err)
	}
	if err := s.SaveRecommendation(Recommendation{ID: "r-1", FarmerID: "farmer-1"}); err != nil {
		t.Fatalf("SaveRecommendation: %v", err)
	}
	if err := s.AppendSyncItem(SyncItem{ID: "sq-1", Kind: "CREATE_FARM", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("AppendSyncItem: %v", err)
	}

	// Backdate everything far past any retention window.
	ancient := time.Now().UTC().AddDate(0, 0, -90).Format(time.RFC3339)
	for _, table := range []string{"farms", "crop_history", "weather", "market_prices", "recommendations"} {
		if _, err := s.DB().Exec(`UPDATE `+table+` SET cached_at = ?`, ancient); err != nil {
			t.Fatalf("backdating %s: %v", table, err)
		}
	}
	if _, err := s.DB().Exec(`UPDATE sync_queue SET created_at = ?`, ancient); err != nil {
		t.Fatalf("backdating sync_queue: %v", err)
	}

	removed, err := s.CleanupOldData(30 * 24 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldData: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2 (one weather, one market row)", removed)
	}

	counts := map[string]int{}
	for _, table := range []string{"farms", "crop_history", "weather", "market_prices", "recommendations", "sync_queue"} {
		var n int
		if err := s.DB().QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("counting %s: %v", table, err)
		}
		counts[table] = n
	}
	if counts["weather"] != 0 || counts["market_prices"] != 0 {
		t.Errorf("time-bounded partitions not cleaned: weather=%d market=%d", counts["weather"], counts["market_prices"])
	}
	for _, table := range []string{"farms", "crop_history", "recommendations", "sync_queue"} {
		if counts[table] != 1 {
			t.Errorf("%s touched by cleanup: count = %d, want 1", table, counts[table])
		}
	}
}

func TestMarketCacheEntries(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	entry := MarketCacheEntry{
		District:    "Ranchi",
		PayloadJSON: `[{"crop":"paddy"}]`,
		Timestamp:   now,
		Expires:     now.Add(6 * time.Hour),
	}
	if err := s.PutMarketEntry(entry); err != nil {
		t.Fatalf("PutMarketEntry: %v", err)
	}
	if err := s.PutMarketEntry(entry); err != nil {
		t.Fatalf("PutMarketEntry (again): %v", err)
	}

	got, err := s.GetMarketEntry("Ranchi")
	if err != nil {
		t.Fatalf("GetMarketEntry: %v", err)
	}
	if got.PayloadJSON != entry.PayloadJSON {
		t.Errorf("payload = %q, want %q", got.PayloadJSON, entry.PayloadJSON)
	}
	if !got.Expires.Equal(entry.Expires) {
		t.Errorf("expires = %v, want %v", got.Expires, entry.Expires)
	}

	meta, err := s.CacheMeta()
	if err != nil {
		t.Fatalf("CacheMeta: %v", err)
	}
	if len(meta) != 1 || meta[0].UpdateCount != 2 {
		t.Fatalf("meta = %+v, want one district with update_count 2", meta)
	}

	if err := s.ClearMarketEntries(); err != nil {
		t.Fatalf("ClearMarketEntries: %v", err)
	}
	if _, err := s.GetMarketEntry("Ranchi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after clear, err = %v, want ErrNotFound", err)
	}
	meta, err = s.CacheMeta()
	if err != nil {
		t.Fatalf("CacheMeta after clear: %v", err)
	}
	if len(meta) != 0 {
		t.Errorf("meta not reset by clear: %+v", meta)
	}
}
