// Package remote is the HTTP client for the farming-advisory API. It is the
// only place that talks to the network; the gateway and market cache decide
// when to call it and what to do when it fails.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adhikary/fasal/internal/storage"
)

// Client communicates with the remote advisory API over HTTP.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client targeting the given API base URL. Write calls carry
// the bearer token; reads are scoped by it server-side.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping returns true if the API answers GET /health with 200. Used by the
// connectivity monitor as its probe.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return storage.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// post sends a JSON body. idempotencyKey, when non-empty, is forwarded so the
// server can deduplicate at-least-once replays from the sync queue.
func (c *Client) post(ctx context.Context, path string, body any, idempotencyKey string) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// FarmProfile fetches the farm profile for a farmer.
// Returns storage.ErrNotFound when the farmer has no farm yet.
func (c *Client) FarmProfile(ctx context.Context, farmerID string) (storage.Farm, error) {
	var wire farmWire
	if err := c.get(ctx, "/farmers/"+url.PathEscape(farmerID)+"/farm", nil, &wire); err != nil {
		return storage.Farm{}, err
	}
	return wire.toFarm(), nil
}

// CropHistory fetches the crop history entries for a farm.
func (c *Client) CropHistory(ctx context.Context, farmID string) ([]storage.CropHistoryEntry, error) {
	var wire []cropHistoryWire
	if err := c.get(ctx, "/farms/"+url.PathEscape(farmID)+"/crop-history", nil, &wire); err != nil {
		return nil, err
	}
	entries := make([]storage.CropHistoryEntry, len(wire))
	for i, w := range wire {
		entries[i] = w.toEntry()
	}
	return entries, nil
}

// Weather fetches current-plus-recent weather records for a farm.
func (c *Client) Weather(ctx context.Context, farmID string, days int) ([]storage.WeatherRecord, error) {
	q := url.Values{}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}
	var wire []weatherWire
	if err := c.get(ctx, "/farms/"+url.PathEscape(farmID)+"/weather", q, &wire); err != nil {
		return nil, err
	}
	records := make([]storage.WeatherRecord, len(wire))
	for i, w := range wire {
		records[i] = w.toRecord(farmID)
	}
	return records, nil
}

// MarketPrices fetches current mandi prices for a district, optionally
// filtered by crop.
func (c *Client) MarketPrices(ctx context.Context, district, crop string) ([]storage.MarketRecord, error) {
	q := url.Values{}
	if crop != "" {
		q.Set("crop", crop)
	}
	var wire []marketWire
	if err := c.get(ctx, "/markets/"+url.PathEscape(district)+"/prices", q, &wire); err != nil {
		return nil, err
	}
	records := make([]storage.MarketRecord, len(wire))
	for i, w := range wire {
		records[i] = w.toRecord(district)
	}
	return records, nil
}

// Recommendations fetches crop recommendations for a farmer, optionally
// scoped to a season.
func (c *Client) Recommendations(ctx context.Context, farmerID, season string) ([]storage.Recommendation, error) {
	q := url.Values{}
	if season != "" {
		q.Set("season", season)
	}
	var wire []recommendationWire
	if err := c.get(ctx, "/farmers/"+url.PathEscape(farmerID)+"/recommendations", q, &wire); err != nil {
		return nil, err
	}
	recs := make([]storage.Recommendation, len(wire))
	for i, w := range wire {
		recs[i] = w.toRecommendation(farmerID)
	}
	return recs, nil
}

// CreateFarm registers a farm profile with the remote API.
func (c *Client) CreateFarm(ctx context.Context, farm storage.Farm, idempotencyKey string) error {
	return c.post(ctx, "/farms", farmWireFrom(farm), idempotencyKey)
}

// AddCropHistory records a crop history entry with the remote API.
func (c *Client) AddCropHistory(ctx context.Context, entry storage.CropHistoryEntry, idempotencyKey string) error {
	return c.post(ctx, "/farms/"+url.PathEscape(entry.FarmID)+"/crop-history", cropHistoryWireFrom(entry), idempotencyKey)
}
