// Package api exposes the gateway and market cache to the advisory SPA over
// a local HTTP API.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/adhikary/fasal/internal/gateway"
	"github.com/adhikary/fasal/internal/marketcache"
	"github.com/adhikary/fasal/internal/storage"
)

const maxBodySize = 1 << 20 // 1MB

type Deps struct {
	Gateway *gateway.Gateway
	Market  *marketcache.Coordinator
	Token   string // empty disables auth (local development)
}

// NewHandler builds the router the SPA talks to.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token))
	}

	r.Get("/status", handleStatus(deps))

	r.Get("/farmers/{farmerID}/farm", handleGetFarm(deps))
	r.Get("/farmers/{farmerID}/recommendations", handleGetRecommendations(deps))
	r.Post("/farms", handleCreateFarm(deps))
	r.Get("/farms/{farmID}/weather", handleGetWeather(deps))
	r.Get("/farms/{farmID}/crop-history", handleGetCropHistory(deps))
	r.Post("/farms/{farmID}/crop-history", handleAddCropHistory(deps))

	r.Get("/market/{district}", handleGetMarket(deps))
	r.Post("/market/{district}/refresh", handleForceRefresh(deps))
	r.Delete("/market/{district}", handleClearDistrict(deps))
	r.Get("/market", handleGetMarketMany(deps))

	r.Get("/cache/stats", handleCacheStats(deps))
	r.Delete("/cache", handleClearCache(deps))

	r.Get("/sync/pending", handleSyncPending(deps))
	r.Post("/sync/drain", handleSyncDrain(deps))

	return r
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"online": deps.Gateway.Online(),
		})
	}
}

func handleGetFarm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmerID := chi.URLParam(r, "farmerID")
		farm, err := deps.Gateway.FarmProfile(r.Context(), farmerID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading farm: %v", err)
			return
		}
		if farm == nil {
			httpError(w, http.StatusNotFound, "not_found", "no farm for farmer %s", farmerID)
			return
		}
		writeJSON(w, http.StatusOK, farm)
	}
}

func handleGetRecommendations(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmerID := chi.URLParam(r, "farmerID")
		season := r.URL.Query().Get("season")
		recs, err := deps.Gateway.Recommendations(r.Context(), farmerID, season)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading recommendations: %v", err)
			return
		}
		if recs == nil {
			recs = []storage.Recommendation{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleCreateFarm(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var farm storage.Farm
		if err := json.NewDecoder(r.Body).Decode(&farm); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if farm.FarmerID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "farmer_id is required")
			return
		}

		result, err := deps.Gateway.SaveFarmProfile(r.Context(), farm)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "saving farm: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func handleGetWeather(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmID := chi.URLParam(r, "farmID")
		days := 7
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "days must be a positive integer")
				return
			}
			days = parsed
		}

		records, err := deps.Gateway.Weather(r.Context(), farmID, days)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading weather: %v", err)
			return
		}
		if records == nil {
			records = []storage.WeatherRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func handleGetCropHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		farmID := chi.URLParam(r, "farmID")
		entries, err := deps.Gateway.CropHistory(r.Context(), farmID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading crop history: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.CropHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleAddCropHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var entry storage.CropHistoryEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		entry.FarmID = chi.URLParam(r, "farmID")
		if entry.Crop == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "crop is required")
			return
		}

		result, err := deps.Gateway.AddCropHistory(r.Context(), entry)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "saving crop history: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
	}
}

func handleGetMarket(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		district := chi.URLParam(r, "district")
		writeJSON(w, http.StatusOK, deps.Market.Get(r.Context(), district))
	}
}

func handleForceRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		district := chi.URLParam(r, "district")
		writeJSON(w, http.StatusOK, deps.Market.ForceRefresh(r.Context(), district))
	}
}

func handleClearDistrict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		district := chi.URLParam(r, "district")
		if err := deps.Market.ClearDistrict(district); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing cache for %s: %v", district, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleGetMarketMany(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("districts")
		if raw == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "districts query parameter is required")
			return
		}
		var districts []string
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				districts = append(districts, d)
			}
		}
		if len(districts) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "districts query parameter is empty")
			return
		}
		writeJSON(w, http.StatusOK, deps.Market.GetMany(r.Context(), districts))
	}
}

func handleCacheStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Market.GetStats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading cache stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func handleClearCache(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Market.ClearAll(); err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "clearing cache: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleSyncPending(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := deps.Gateway.PendingSync()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "reading sync queue: %v", err)
			return
		}
		if items == nil {
			items = []storage.SyncItem{}
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func handleSyncDrain(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Gateway.SyncPending(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "sync_error", "draining sync queue: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
