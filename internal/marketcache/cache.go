// Package marketcache serves district market prices with bounded staleness.
// Every failure path resolves to a usable value: a fresh fetch, a stale
// entry, or an empty payload. Callers never see an error from Get.
package marketcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adhikary/fasal/internal/storage"
)

// Source tags where a Result's data came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceAPI        Source = "api"
	SourceStaleCache Source = "stale_cache"
	SourceFallback   Source = "fallback"
)

// Fetcher retrieves market prices from the remote API.
// Implemented by remote.Client.
type Fetcher interface {
	MarketPrices(ctx context.Context, district, crop string) ([]storage.MarketRecord, error)
}

// EntryStore is the flat district key/value layer backing the cache.
// Implemented by storage.Store.
type EntryStore interface {
	PutMarketEntry(e storage.MarketCacheEntry) error
	GetMarketEntry(district string) (storage.MarketCacheEntry, error)
	AllMarketEntries() ([]storage.MarketCacheEntry, error)
	DeleteMarketEntry(district string) error
	ClearMarketEntries() error
	CacheMeta() ([]storage.DistrictMeta, error)
	SaveMarketRecords(records []storage.MarketRecord) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Options configure a Coordinator. Zero values fall back to the defaults
// the production config ships with.
type Options struct {
	Expiry           time.Duration // validity window per entry
	FetchAttempts    int           // retry ceiling per district
	RetryDelay       time.Duration // fixed delay between attempts
	PreloadDistricts []string
	Clock            Clock
	Logger           *slog.Logger
}

// Coordinator is the district-keyed, time-expiring cache in front of the
// remote market-price endpoint.
type Coordinator struct {
	store    EntryStore
	fetcher  Fetcher
	clock    Clock
	expiry   time.Duration
	attempts int
	delay    time.Duration
	preload  []string
	logger   *slog.Logger
}

// Result is what Get resolves to. Records may be empty (Source=fallback)
// but is never absent.
type Result struct {
	District  string                 `json:"district"`
	Records   []storage.MarketRecord `json:"records"`
	Source    Source                 `json:"source"`
	Cached    bool                   `json:"cached"`
	Stale     bool                   `json:"stale,omitempty"`
	FetchedAt time.Time              `json:"fetched_at"`
}

// Stats is a read-only diagnostic view of the cache.
type Stats struct {
	Districts     int                    `json:"districts"`
	Entries       int                    `json:"entries"`
	Expiry        time.Duration          `json:"expiry"`
	LastUpdate    time.Time              `json:"last_update"`
	DistrictStats []storage.DistrictMeta `json:"district_stats"`
}

// New creates a Coordinator over the given entry store and fetcher.
func New(store EntryStore, fetcher Fetcher, opts Options) *Coordinator {
	if opts.Expiry <= 0 {
		opts.Expiry = 6 * time.Hour
	}
	if opts.FetchAttempts <= 0 {
		opts.FetchAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		store:    store,
		fetcher:  fetcher,
		clock:    opts.Clock,
		expiry:   opts.Expiry,
		attempts: opts.FetchAttempts,
		delay:    opts.RetryDelay,
		preload:  opts.PreloadDistricts,
		logger:   opts.Logger,
	}
}

// valid reports whether an entry is still within its expiry window.
func (c *Coordinator) valid(e storage.MarketCacheEntry) bool {
	return c.clock.Now().Before(e.Expires)
}

// Get resolves market data for a district. Order of preference: valid cache
// entry, fresh fetch, stale entry, empty fallback. Never returns an error.
func (c *Coordinator) Get(ctx context.Context, district string) Result {
	entry, err := c.store.GetMarketEntry(district)
	haveEntry := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("reading cache entry failed", "district", district, "error", err)
	}

	if haveEntry && c.valid(entry) {
		return c.resultFromEntry(entry, SourceCache, false)
	}

	records, err := c.fetchWithRetry(ctx, district)
	if err == nil {
		c.writeThrough(district, records)
		return Result{
			District:  district,
			Records:   records,
			Source:    SourceAPI,
			FetchedAt: c.clock.Now(),
		}
	}
	c.logger.Warn("market fetch exhausted retries", "district", district, "error", err)

	// Staleness beats failure: any entry at all, even expired, is returned
	// before the empty fallback.
	if haveEntry {
		return c.resultFromEntry(entry, SourceStaleCache, true)
	}

	return Result{
		District:  district,
		Records:   []storage.MarketRecord{},
		Source:    SourceFallback,
		FetchedAt: c.clock.Now(),
	}
}

// GetMany resolves several districts at once. Districts with valid entries
// are served without I/O; the rest are fetched in parallel, each one falling
// back independently. Exactly the districts lacking fresh data hit the
// network.
func (c *Coordinator) GetMany(ctx context.Context, districts []string) map[string]Result {
	results := make(map[string]Result, len(districts))

	var needFetch []string
	for _, d := range districts {
		if _, dup := results[d]; dup {
			continue
		}
		entry, err := c.store.GetMarketEntry(d)
		if err == nil && c.valid(entry) {
			results[d] = c.resultFromEntry(entry, SourceCache, false)
			continue
		}
		needFetch = append(needFetch, d)
	}

	if len(needFetch) == 0 {
		return results
	}

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid hammering the remote API.

	for _, d := range needFetch {
		d := d
		g.Go(func() error {
			// Get never fails, so one district cannot cancel its siblings.
			res := c.Get(gCtx, d)
			mu.Lock()
			results[d] = res
			mu.Unlock()
			return nil
		})
	}
	// Workers never return an error; Wait is only a join point.
	_ = g.Wait()

	return results
}

// Preload warms the cache for the configured common districts at startup.
// Failures are logged and swallowed; startup must not fail because of a
// preload.
func (c *Coordinator) Preload(ctx context.Context) {
	if len(c.preload) == 0 {
		return
	}
	results := c.GetMany(ctx, c.preload)
	for d, r := range results {
		if r.Source == SourceFallback {
			c.logger.Warn("preload produced no data", "district", d)
		}
	}
	c.logger.Info("preload complete", "districts", len(results))
}

// RefreshExpired re-fetches only the districts whose entries have expired.
func (c *Coordinator) RefreshExpired(ctx context.Context) map[string]Result {
	entries, err := c.store.AllMarketEntries()
	if err != nil {
		c.logger.Warn("scanning cache for expired entries failed", "error", err)
		return nil
	}

	var expired []string
	for _, e := range entries {
		if !c.valid(e) {
			expired = append(expired, e.District)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	return c.GetMany(ctx, expired)
}

// ForceRefresh evicts a district's entry and re-fetches, bypassing the
// serve-if-valid short-circuit.
func (c *Coordinator) ForceRefresh(ctx context.Context, district string) Result {
	if err := c.store.DeleteMarketEntry(district); err != nil {
		c.logger.Warn("evicting cache entry failed", "district", district, "error", err)
	}
	return c.Get(ctx, district)
}

// ClearDistrict evicts one district's entry.
func (c *Coordinator) ClearDistrict(district string) error {
	return c.store.DeleteMarketEntry(district)
}

// ClearAll evicts every entry and resets metadata.
func (c *Coordinator) ClearAll() error {
	return c.store.ClearMarketEntries()
}

// GetStats returns the diagnostic view. No correctness depends on it.
func (c *Coordinator) GetStats() (Stats, error) {
	meta, err := c.store.CacheMeta()
	if err != nil {
		return Stats{}, fmt.Errorf("reading cache meta: %w", err)
	}
	entries, err := c.store.AllMarketEntries()
	if err != nil {
		return Stats{}, fmt.Errorf("reading cache entries: %w", err)
	}

	var last time.Time
	for _, m := range meta {
		if m.LastUpdated.After(last) {
			last = m.LastUpdated
		}
	}
	return Stats{
		Districts:     len(meta),
		Entries:       len(entries),
		Expiry:        c.expiry,
		LastUpdate:    last,
		DistrictStats: meta,
	}, nil
}

// fetchWithRetry attempts the remote fetch up to the configured ceiling with
// a fixed delay between attempts. The delay is deliberately not exponential;
// three quick attempts either succeed or the caller falls back to cache.
func (c *Coordinator) fetchWithRetry(ctx context.Context, district string) ([]storage.MarketRecord, error) {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		records, err := c.fetcher.MarketPrices(ctx, district, "")
		if err == nil {
			return records, nil
		}
		lastErr = err
		c.logger.Debug("market fetch attempt failed", "district", district, "attempt", attempt, "error", err)

		if attempt == c.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return nil, fmt.Errorf("fetching market prices for %s after %d attempts: %w", district, c.attempts, lastErr)
}

// writeThrough persists a fresh payload, resetting timestamp and expiry.
// A failed cache write degrades to logging; the caller still gets the data.
func (c *Coordinator) writeThrough(district string, records []storage.MarketRecord) {
	payload, err := json.Marshal(records)
	if err != nil {
		c.logger.Warn("encoding cache payload failed", "district", district, "error", err)
		return
	}
	now := c.clock.Now()
	entry := storage.MarketCacheEntry{
		District:    district,
		PayloadJSON: string(payload),
		Timestamp:   now,
		Expires:     now.Add(c.expiry),
	}
	if err := c.store.PutMarketEntry(entry); err != nil {
		c.logger.Warn("writing cache entry failed", "district", district, "error", err)
	}
	// Mirror the rows into the market partition so offline reads see them
	// and retention cleanup ages them out.
	if err := c.store.SaveMarketRecords(records); err != nil {
		c.logger.Warn("mirroring market rows failed", "district", district, "error", err)
	}
}

func (c *Coordinator) resultFromEntry(e storage.MarketCacheEntry, source Source, stale bool) Result {
	var records []storage.MarketRecord
	if err := json.Unmarshal([]byte(e.PayloadJSON), &records); err != nil {
		c.logger.Warn("decoding cache payload failed", "district", e.District, "error", err)
		records = []storage.MarketRecord{}
	}
	if records == nil {
		records = []storage.MarketRecord{}
	}
	return Result{
		District:  e.District,
		Records:   records,
		Source:    source,
		Cached:    true,
		Stale:     stale,
		FetchedAt: e.Timestamp,
	}
}
