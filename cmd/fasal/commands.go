package main

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/adhikary/fasal/internal/gateway"
	"github.com/adhikary/fasal/internal/marketcache"
	"github.com/adhikary/fasal/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service connectivity and pending sync items",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var status struct {
			Online bool `json:"online"`
		}
		if err := client.getJSON(ctx, http.MethodGet, "/status", &status); err != nil {
			return err
		}
		if status.Online {
			printStatus("connectivity", "online")
		} else {
			printWarning("offline — reads served from cache, writes queued")
		}

		var pending []storage.SyncItem
		if err := client.getJSON(ctx, http.MethodGet, "/sync/pending", &pending); err != nil {
			return err
		}
		printStatus("pending sync items", "%d", len(pending))
		for _, item := range pending {
			printStatus("  "+item.Kind, "%s (queued %s)", item.ID, item.CreatedAt.Local().Format(time.RFC822))
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the pending sync queue now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var report gateway.SyncReport
		if err := client.getJSON(cmd.Context(), http.MethodPost, "/sync/drain", &report); err != nil {
			return err
		}
		if report.Skipped {
			printWarning("offline — drain skipped")
			return nil
		}
		printSuccess("synced %d of %d items (%d failed, %d unknown)",
			report.Synced, report.Attempted, report.Failed, report.Unknown)
		return nil
	},
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the market price cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show market cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var stats marketcache.Stats
		if err := client.getJSON(cmd.Context(), http.MethodGet, "/cache/stats", &stats); err != nil {
			return err
		}
		printStatus("districts", "%d", stats.Districts)
		printStatus("entries", "%d", stats.Entries)
		printStatus("expiry", "%s", stats.Expiry)
		if !stats.LastUpdate.IsZero() {
			printStatus("last update", "%s", stats.LastUpdate.Local().Format(time.RFC822))
		}
		for _, d := range stats.DistrictStats {
			printStatus("  "+d.District, "updated %s (%d writes)",
				d.LastUpdated.Local().Format(time.RFC822), d.UpdateCount)
		}
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [district]",
	Short: "Clear the market cache, entirely or for one district",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(args) == 1 {
			if err := client.getJSON(ctx, http.MethodDelete, "/market/"+url.PathEscape(args[0]), nil); err != nil {
				return err
			}
			printSuccess("cleared cache for %s", args[0])
			return nil
		}

		if err := client.getJSON(ctx, http.MethodDelete, "/cache", nil); err != nil {
			return err
		}
		printSuccess("cleared market cache")
		return nil
	},
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh <district>",
	Short: "Force-refresh one district's market prices",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		var result marketcache.Result
		if err := client.getJSON(ctx, http.MethodPost, "/market/"+url.PathEscape(args[0])+"/refresh", &result); err != nil {
			return err
		}
		switch result.Source {
		case marketcache.SourceAPI:
			printSuccess("%s refreshed: %d price records", result.District, len(result.Records))
		default:
			printWarning("%s could not be refreshed (source=%s, %d records)", result.District, result.Source, len(result.Records))
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheRefreshCmd)
}
