// Standalone demo catalogue for trying the CLI.
//
// Usage:
//
//	go run ./example/cmd/mockserver
//
// Then in another terminal:
//
//	go run ./cmd/harvest run -c example/config.yaml
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jpalmerr/harvest/example/catalog"
)

func main() {
	addr := flag.String("addr", ":9999", "listen address")
	rps := flag.Float64("rate", 8, "allowed requests per second (0 disables limiting)")
	burst := flag.Int("burst", 4, "rate limit burst")
	items := flag.Int("items", 24, "items per category")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	fmt.Printf("Demo catalogue starting on %s\n", *addr)
	fmt.Printf("Allowing %.1f req/s (burst %d); excess requests get 429 + Retry-After\n", *rps, *burst)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	srv := &http.Server{
		Addr: *addr,
		Handler: catalog.NewHandler(catalog.Options{
			Items:   *items,
			Rate:    *rps,
			Burst:   *burst,
			Latency: 100 * time.Millisecond,
			Logger:  logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
