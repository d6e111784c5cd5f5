package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adhikary/fasal/internal/gateway"
	"github.com/adhikary/fasal/internal/marketcache"
	"github.com/adhikary/fasal/internal/storage"
)

type stubOnline struct{ online bool }

func (s *stubOnline) Online() bool { return s.online }

// stubRemote serves as both the gateway's remote API and the market cache's
// fetcher. Everything fails unless a test overrides a field.
type stubRemote struct {
	marketFn func(district string) ([]storage.MarketRecord, error)
}

var errRemoteDown = errors.New("remote down")

func (s *stubRemote) FarmProfile(ctx context.Context, farmerID string) (storage.Farm, error) {
	return storage.Farm{}, errRemoteDown
}

func (s *stubRemote) CropHistory(ctx context.Context, farmID string) ([]storage.CropHistoryEntry, error) {
	return nil, errRemoteDown
}

func (s *stubRemote) Weather(ctx context.Context, farmID string, days int) ([]storage.WeatherRecord, error) {
	return nil, errRemoteDown
}

func (s *stubRemote) Recommendations(ctx context.Context, farmerID, season string) ([]storage.Recommendation, error) {
	return nil, errRemoteDown
}

func (s *stubRemote) CreateFarm(ctx context.Context, farm storage.Farm, idempotencyKey string) error {
	return errRemoteDown
}

func (s *stubRemote) AddCropHistory(ctx context.Context, entry storage.CropHistoryEntry, idempotencyKey string) error {
	return errRemoteDown
}

func (s *stubRemote) MarketPrices(ctx context.Context, district, crop string) ([]storage.MarketRecord, error) {
	if s.marketFn == nil {
		return nil, errRemoteDown
	}
	return s.marketFn(district)
}

type testApp struct {
	handler http.Handler
	store   *storage.Store
	remote  *stubRemote
	net     *stubOnline
}

func newTestApp(t *testing.T, token string) *testApp {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	remote := &stubRemote{}
	net := &stubOnline{}
	gw := gateway.New(store, remote, net, 30*24*time.Hour, nil)
	market := marketcache.New(store, remote, marketcache.Options{
		Expiry:        6 * time.Hour,
		FetchAttempts: 1,
		RetryDelay:    time.Millisecond,
	})

	return &testApp{
		handler: NewHandler(Deps{Gateway: gw, Market: market, Token: token}),
		store:   store,
		remote:  remote,
		net:     net,
	}
}

func (a *testApp) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	app := newTestApp(t, "")
	app.net.online = true

	rec := app.request(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Online bool `json:"online"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !got.Online {
		t.Error("online = false, want true")
	}
}

func TestBearerAuth(t *testing.T) {
	app := newTestApp(t, "secret")

	rec := app.request(t, http.MethodGet, "/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	okRec := httptest.NewRecorder()
	app.handler.ServeHTTP(okRec, req)
	if okRec.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", okRec.Code)
	}
}

func TestCreateFarm_OfflineReturnsQueuedResult(t *testing.T) {
	app := newTestApp(t, "")

	rec := app.request(t, http.MethodPost, "/farms", `{"farmer_id":"farmer-1","name":"Test"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var result gateway.WriteResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if !result.Success || !result.Offline {
		t.Errorf("result = %+v, want success offline", result)
	}

	pending, err := app.store.PendingSyncItems()
	if err != nil {
		t.Fatalf("PendingSyncItems: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestCreateFarm_MissingFarmerID(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.request(t, http.MethodPost, "/farms", `{"name":"No Farmer"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGetFarm_NotFound(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.request(t, http.MethodGet, "/farmers/nobody/farm", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetFarm_FromCache(t *testing.T) {
	app := newTestApp(t, "")
	if err := app.store.SaveFarm(storage.Farm{ID: "farm-1", FarmerID: "farmer-1", Name: "Cached"}); err != nil {
		t.Fatalf("SaveFarm: %v", err)
	}

	rec := app.request(t, http.MethodGet, "/farmers/farmer-1/farm", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var farm storage.Farm
	if err := json.Unmarshal(rec.Body.Bytes(), &farm); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if farm.Name != "Cached" {
		t.Errorf("farm = %+v", farm)
	}
}

func TestGetMarket_FallbackWhenNothingCached(t *testing.T) {
	app := newTestApp(t, "")

	rec := app.request(t, http.MethodGet, "/market/Ranchi", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (market never errors)", rec.Code)
	}
	var result marketcache.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if result.Source != marketcache.SourceFallback {
		t.Errorf("source = %s, want fallback", result.Source)
	}
	if result.Records == nil {
		t.Error("records = nil, want empty slice")
	}
}

func TestGetMarket_FromAPI(t *testing.T) {
	app := newTestApp(t, "")
	app.remote.marketFn = func(district string) ([]storage.MarketRecord, error) {
		return []storage.MarketRecord{{ID: "p1", District: district, Crop: "paddy", ModalPrice: 2100}}, nil
	}

	rec := app.request(t, http.MethodGet, "/market/Ranchi", "")
	var result marketcache.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if result.Source != marketcache.SourceAPI || len(result.Records) != 1 {
		t.Errorf("result = %+v, want one record from api", result)
	}
}

func TestGetMarketMany(t *testing.T) {
	app := newTestApp(t, "")
	app.remote.marketFn = func(district string) ([]storage.MarketRecord, error) {
		if district == "Bokaro" {
			return nil, errRemoteDown
		}
		return []storage.MarketRecord{{ID: district + "-1", District: district}}, nil
	}

	rec := app.request(t, http.MethodGet, "/market?districts=Ranchi,Bokaro", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var results map[string]marketcache.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results["Ranchi"].Source != marketcache.SourceAPI {
		t.Errorf("Ranchi source = %s", results["Ranchi"].Source)
	}
	if results["Bokaro"].Source != marketcache.SourceFallback {
		t.Errorf("Bokaro source = %s", results["Bokaro"].Source)
	}
}

func TestGetMarketMany_MissingParam(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.request(t, http.MethodGet, "/market", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSyncDrain(t *testing.T) {
	app := newTestApp(t, "")

	// Queue a farm while offline, then drain while "online".
	rec := app.request(t, http.MethodPost, "/farms", `{"farmer_id":"farmer-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d", rec.Code)
	}

	app.net.online = true
	rec = app.request(t, http.MethodPost, "/sync/drain", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("drain: status = %d", rec.Code)
	}
	var report gateway.SyncReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	// The stub remote always fails CreateFarm, so the item stays pending.
	if report.Attempted != 1 || report.Failed != 1 {
		t.Errorf("report = %+v, want attempted=1 failed=1", report)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	app := newTestApp(t, "")
	app.remote.marketFn = func(district string) ([]storage.MarketRecord, error) {
		return []storage.MarketRecord{{ID: "p1", District: district}}, nil
	}
	app.request(t, http.MethodGet, "/market/Ranchi", "")

	rec := app.request(t, http.MethodGet, "/cache/stats", "")
	var stats marketcache.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}

	rec = app.request(t, http.MethodDelete, "/cache", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("clear: status = %d, want 204", rec.Code)
	}

	rec = app.request(t, http.MethodGet, "/cache/stats", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("entries after clear = %d, want 0", stats.Entries)
	}
}
