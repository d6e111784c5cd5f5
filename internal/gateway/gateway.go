// Package gateway is the offline data gateway: domain-shaped read and write
// accessors over the local store, plus the durable sync queue for mutations
// made while disconnected.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adhikary/fasal/internal/storage"
)

// Sync queue item kinds. The dispatch table in New is the single place a new
// kind gets wired to its remote operation.
const (
	KindCreateFarm     = "CREATE_FARM"
	KindAddCropHistory = "ADD_CROP_HISTORY"
)

// RemoteAPI is the slice of the advisory API the gateway needs.
// Implemented by remote.Client.
type RemoteAPI interface {
	FarmProfile(ctx context.Context, farmerID string) (storage.Farm, error)
	CropHistory(ctx context.Context, farmID string) ([]storage.CropHistoryEntry, error)
	Weather(ctx context.Context, farmID string, days int) ([]storage.WeatherRecord, error)
	Recommendations(ctx context.Context, farmerID, season string) ([]storage.Recommendation, error)
	CreateFarm(ctx context.Context, farm storage.Farm, idempotencyKey string) error
	AddCropHistory(ctx context.Context, entry storage.CropHistoryEntry, idempotencyKey string) error
}

// OnlineChecker reports current connectivity. Implemented by netwatch.Monitor.
type OnlineChecker interface {
	Online() bool
}

// WriteResult tells the UI whether a mutation reached the remote or was
// queued for later sync.
type WriteResult struct {
	Success bool `json:"success"`
	Offline bool `json:"offline"`
}

// SyncReport summarizes one drain pass over the pending queue.
type SyncReport struct {
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
	Unknown   int  `json:"unknown"`
	Skipped   bool `json:"skipped"` // true when offline, nothing attempted
}

type replayFunc func(ctx context.Context, item storage.SyncItem) error

// Gateway mediates between the UI, the local store, and the remote API.
type Gateway struct {
	store     *storage.Store
	remote    RemoteAPI
	net       OnlineChecker
	retention time.Duration
	logger    *slog.Logger
	replay    map[string]replayFunc
}

// New creates a Gateway. retention bounds how long weather and market rows
// are kept; if <= 0 it defaults to 30 days.
func New(store *storage.Store, remote RemoteAPI, net OnlineChecker, retention time.Duration, logger *slog.Logger) *Gateway {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		store:     store,
		remote:    remote,
		net:       net,
		retention: retention,
		logger:    logger,
	}
	g.replay = map[string]replayFunc{
		KindCreateFarm:     g.replayCreateFarm,
		KindAddCropHistory: g.replayAddCropHistory,
	}
	return g
}

// Init runs startup housekeeping. Safe to call more than once.
func (g *Gateway) Init(ctx context.Context) error {
	removed, err := g.CleanupOldData()
	if err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}
	if removed > 0 {
		g.logger.Info("removed stale cached rows", "count", removed)
	}
	return nil
}

// Online reports current connectivity, for callers choosing remote-first vs
// cache-first.
func (g *Gateway) Online() bool {
	return g.net.Online()
}

// --- Reads ---

// FarmProfile returns the farmer's farm. Online: remote-first with
// write-through; offline or remote failure: cached copy. Returns nil when
// the farmer has no farm anywhere — "not found" is not an error.
func (g *Gateway) FarmProfile(ctx context.Context, farmerID string) (*storage.Farm, error) {
	if g.net.Online() {
		farm, err := g.remote.FarmProfile(ctx, farmerID)
		switch {
		case err == nil:
			if saveErr := g.store.SaveFarm(farm); saveErr != nil {
				g.logger.Warn("caching farm failed", "farmer_id", farmerID, "error", saveErr)
			}
			return &farm, nil
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		default:
			g.logger.Warn("remote farm fetch failed, falling back to cache", "farmer_id", farmerID, "error", err)
		}
	}

	farm, err := g.store.GetFarmByFarmer(farmerID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cached farm: %w", err)
	}
	return &farm, nil
}

// CropHistory returns a farm's crop history, remote-first when online.
func (g *Gateway) CropHistory(ctx context.Context, farmID string) ([]storage.CropHistoryEntry, error) {
	if g.net.Online() {
		entries, err := g.remote.CropHistory(ctx, farmID)
		if err == nil {
			for _, e := range entries {
				if saveErr := g.store.SaveCropHistory(e); saveErr != nil {
					g.logger.Warn("caching crop history failed", "entry_id", e.ID, "error", saveErr)
				}
			}
			return entries, nil
		}
		g.logger.Warn("remote crop history fetch failed, falling back to cache", "farm_id", farmID, "error", err)
	}
	return g.store.CropHistoryForFarm(farmID)
}

// Weather returns weather records for a farm dated within the last `days`
// days. An empty slice is a valid answer.
func (g *Gateway) Weather(ctx context.Context, farmID string, days int) ([]storage.WeatherRecord, error) {
	if days <= 0 {
		days = 7
	}
	if g.net.Online() {
		records, err := g.remote.Weather(ctx, farmID, days)
		if err == nil {
			for _, w := range records {
				if saveErr := g.store.SaveWeather(w); saveErr != nil {
					g.logger.Warn("caching weather failed", "record_id", w.ID, "error", saveErr)
				}
			}
			return records, nil
		}
		g.logger.Warn("remote weather fetch failed, falling back to cache", "farm_id", farmID, "error", err)
	}
	return g.store.WeatherSince(farmID, days)
}

// Recommendations returns crop recommendations for a farmer, remote-first
// when online.
func (g *Gateway) Recommendations(ctx context.Context, farmerID, season string) ([]storage.Recommendation, error) {
	if g.net.Online() {
		recs, err := g.remote.Recommendations(ctx, farmerID, season)
		if err == nil {
			for _, r := range recs {
				if saveErr := g.store.SaveRecommendation(r); saveErr != nil {
					g.logger.Warn("caching recommendation failed", "rec_id", r.ID, "error", saveErr)
				}
			}
			return recs, nil
		}
		g.logger.Warn("remote recommendations fetch failed, falling back to cache", "farmer_id", farmerID, "error", err)
	}
	return g.store.RecommendationsFor(farmerID, season)
}

// MarketRecords returns locally cached mandi price rows for a district. The
// market cache coordinator owns remote fetching and mirrors its results into
// this partition; this is the view used when only the local copy matters.
func (g *Gateway) MarketRecords(district string) ([]storage.MarketRecord, error) {
	return g.store.MarketRecordsForDistrict(district)
}

// --- Writes ---

// SaveFarmProfile creates or updates a farm. Online: remote write mirrored
// locally. Offline (or remote failure): persisted locally and queued.
func (g *Gateway) SaveFarmProfile(ctx context.Context, farm storage.Farm) (WriteResult, error) {
	if farm.ID == "" {
		farm.ID = uuid.New().String()
	}

	if g.net.Online() {
		err := g.remote.CreateFarm(ctx, farm, uuid.New().String())
		if err == nil {
			if saveErr := g.store.SaveFarm(farm); saveErr != nil {
				g.logger.Warn("mirroring farm locally failed", "farm_id", farm.ID, "error", saveErr)
			}
			return WriteResult{Success: true}, nil
		}
		g.logger.Warn("remote farm create failed, queueing", "farm_id", farm.ID, "error", err)
	}

	if err := g.store.SaveFarm(farm); err != nil {
		return WriteResult{}, fmt.Errorf("saving farm locally: %w", err)
	}
	if err := g.enqueue(KindCreateFarm, farm); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Success: true, Offline: true}, nil
}

// AddCropHistory records a crop history entry, queueing it when offline.
func (g *Gateway) AddCropHistory(ctx context.Context, entry storage.CropHistoryEntry) (WriteResult, error) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	if g.net.Online() {
		err := g.remote.AddCropHistory(ctx, entry, uuid.New().String())
		if err == nil {
			if saveErr := g.store.SaveCropHistory(entry); saveErr != nil {
				g.logger.Warn("mirroring crop history locally failed", "entry_id", entry.ID, "error", saveErr)
			}
			return WriteResult{Success: true}, nil
		}
		g.logger.Warn("remote crop history write failed, queueing", "entry_id", entry.ID, "error", err)
	}

	if err := g.store.SaveCropHistory(entry); err != nil {
		return WriteResult{}, fmt.Errorf("saving crop history locally: %w", err)
	}
	if err := g.enqueue(KindAddCropHistory, entry); err != nil {
		return WriteResult{}, err
	}
	return WriteResult{Success: true, Offline: true}, nil
}

func (g *Gateway) enqueue(kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding sync payload: %w", err)
	}
	item := storage.SyncItem{
		ID:          uuid.New().String(),
		Kind:        kind,
		PayloadJSON: string(data),
	}
	if err := g.store.AppendSyncItem(item); err != nil {
		return fmt.Errorf("queueing %s: %w", kind, err)
	}
	g.logger.Info("queued offline mutation", "kind", kind, "item_id", item.ID)
	return nil
}

// --- Sync queue ---

// PendingSync returns the queue items still awaiting replay, oldest first.
func (g *Gateway) PendingSync() ([]storage.SyncItem, error) {
	return g.store.PendingSyncItems()
}

// SyncPending drains the queue. Items are replayed oldest-first; a failed
// item stays pending and the drain moves on, so one bad item never blocks
// the rest. Unknown kinds are logged and left pending. Retries are
// unbounded across drains.
func (g *Gateway) SyncPending(ctx context.Context) (SyncReport, error) {
	if !g.net.Online() {
		return SyncReport{Skipped: true}, nil
	}

	items, err := g.store.PendingSyncItems()
	if err != nil {
		return SyncReport{}, fmt.Errorf("reading pending sync items: %w", err)
	}

	report := SyncReport{Attempted: len(items)}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		handler, ok := g.replay[item.Kind]
		if !ok {
			g.logger.Warn("unknown sync item kind, leaving pending", "kind", item.Kind, "item_id", item.ID)
			report.Unknown++
			continue
		}

		if err := handler(ctx, item); err != nil {
			g.logger.Warn("sync replay failed, will retry on next drain", "kind", item.Kind, "item_id", item.ID, "error", err)
			report.Failed++
			continue
		}

		if err := g.store.MarkSynced(item.ID); err != nil {
			g.logger.Error("marking item synced failed", "item_id", item.ID, "error", err)
			report.Failed++
			continue
		}
		report.Synced++
	}

	if report.Synced > 0 || report.Failed > 0 || report.Unknown > 0 {
		g.logger.Info("sync drain complete",
			"attempted", report.Attempted, "synced", report.Synced,
			"failed", report.Failed, "unknown", report.Unknown)
	}
	return report, nil
}

// Replay sends the item's own ID as the idempotency key, so a re-replayed
// item is recognizable to the server as a duplicate.

func (g *Gateway) replayCreateFarm(ctx context.Context, item storage.SyncItem) error {
	var farm storage.Farm
	if err := json.Unmarshal([]byte(item.PayloadJSON), &farm); err != nil {
		return fmt.Errorf("decoding farm payload: %w", err)
	}
	return g.remote.CreateFarm(ctx, farm, item.ID)
}

func (g *Gateway) replayAddCropHistory(ctx context.Context, item storage.SyncItem) error {
	var entry storage.CropHistoryEntry
	if err := json.Unmarshal([]byte(item.PayloadJSON), &entry); err != nil {
		return fmt.Errorf("decoding crop history payload: %w", err)
	}
	return g.remote.AddCropHistory(ctx, entry, item.ID)
}

// --- Housekeeping ---

// CleanupOldData ages out weather and market rows past the retention window.
// Other partitions are never touched. Safe to call repeatedly.
func (g *Gateway) CleanupOldData() (int64, error) {
	return g.store.CleanupOldData(g.retention)
}
