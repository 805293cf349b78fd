// Command example runs the SDK against the demo catalogue.
//
// Usage:
//
//	go run ./example
//
// Then watch http://localhost:8080/api/sse or /metrics while it runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/jpalmerr/harvest"
	"github.com/jpalmerr/harvest/dashboard"
	"github.com/jpalmerr/harvest/example/catalog"
	"github.com/jpalmerr/harvest/internal/server"
	"github.com/jpalmerr/harvest/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// the catalogue allows 8 requests per second and answers 429 beyond that
	go func() {
		handler := catalog.NewHandler(catalog.Options{
			Rate:    8,
			Burst:   4,
			Latency: 150 * time.Millisecond,
			Logger:  logger,
		})
		if err := http.ListenAndServe(":9999", handler); err != nil {
			logger.Error("catalog server error", "error", err)
			os.Exit(1)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	// grid: 3 categories × 3 pages = 9 listings from one declaration
	listings, err := harvest.ListingGrid(
		"http://localhost:9999/c/{{.category}}?page={{.page}}",
		map[string][]string{
			"category": {"shoes", "hats", "bags"},
			"page":     {"1", "2", "3"},
		},
	)
	if err != nil {
		logger.Error("failed to build listings", "error", err)
		os.Exit(1)
	}

	st := store.Observe(store.NewMemoryStore(0), store.NewFeed())

	h, err := harvest.New(
		harvest.WithLogger(logger),
		harvest.WithPoolSize(4),
		// start above what the catalogue allows and let 429s pull it down
		harvest.WithRate(20, 1, 40),
		harvest.WithDefaultPause(2*time.Second),
		harvest.WithProbeInterval(5*time.Second),
		harvest.WithProgressInterval(2*time.Second),
		harvest.WithDiscover(harvest.LinkDiscovery(harvest.DiscoveryOptions{
			Pattern:  regexp.MustCompile(`/p/[a-z]+-\d+$`),
			SameHost: true,
			Logger:   logger,
		})),
		harvest.WithBootstrap(harvest.ResolveBootstrap([]harvest.Candidate{
			{Name: "name", Rules: []string{"css:h1.title", "css:h1.product-name", "title"}, Required: true},
			{Name: "price", Rules: []string{"meta:product:price:amount", "css:.price"}, Required: true},
			{Name: "sku", Rules: []string{"css:.sku"}},
			{Name: "stock", Rules: []string{"css:.stock"}},
		}, harvest.HTTPOptions{})),
		harvest.WithPersist(func(ctx context.Context, rec harvest.Record) error {
			return st.Save(ctx, store.Record{
				Locator:     rec.Locator,
				Partition:   rec.Partition,
				RunID:       rec.RunID,
				Fields:      rec.Fields,
				ExtractedAt: rec.ExtractedAt,
			})
		}),
	)
	if err != nil {
		logger.Error("failed to create harvester", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.NewServer(st, st.Feed(), h.Stats, 8080, dashboard.Assets, "Harvest Demo", logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  Harvest Demo")
	fmt.Println()
	fmt.Println("  Catalogue:  http://localhost:9999 (8 req/s, 429 beyond)")
	fmt.Println("  Live feed:  http://localhost:8080/api/sse")
	fmt.Println("  Stats:      http://localhost:8080/api/stats")
	fmt.Println("  Metrics:    http://localhost:8080/metrics")
	fmt.Println()

	res, err := h.Run(ctx, listings)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	fmt.Printf("\n  %d items in %s: %d succeeded, %d failed, %d retried, final rate %.2f req/s\n\n",
		res.Discovered-res.Duplicates, res.Duration.Round(time.Millisecond),
		res.Succeeded, res.Failed, res.Retried, res.FinalRate)
}
