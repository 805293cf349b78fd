// Package harvest is a partitioned scraping pipeline: it discovers item
// locators on listing pages, infers an extraction schema from a sample of
// them, and extracts every item through a bounded pool of reusable engines
// under one adaptive rate limit.
//
// Harvest is SDK-first. Every stage is a function supplied through the
// functional options pattern, with built-in implementations for the common
// case of HTML catalogues served over HTTP or rendered in a headless
// browser.
//
// # Quick Start
//
//	h, _ := harvest.New(
//	    harvest.WithDiscover(harvest.LinkDiscovery(harvest.DiscoveryOptions{
//	        Pattern:  regexp.MustCompile(`/p/\d+$`),
//	        SameHost: true,
//	    })),
//	    harvest.WithBootstrap(harvest.ResolveBootstrap([]harvest.Candidate{
//	        {Name: "name", Rules: []string{"css:h1", "title"}, Required: true},
//	        {Name: "price", Rules: []string{"meta:product:price", "css:.price"}},
//	    }, harvest.HTTPOptions{})),
//	    harvest.WithPersist(save),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	res, err := h.Run(ctx, []string{"https://shop.example.com/c/shoes"})
//
// # Run Lifecycle
//
// A run moves through these phases, reported by [Harvester.Stats]:
//
//  1. Discovery: partitions are expanded into locators concurrently.
//     Locators seen before in the run are dropped.
//  2. Bootstrap: once [WithSampleSize] locators are known (or discovery has
//     finished with fewer), the bootstrap function derives the [Schema].
//  3. Streaming: items are extracted and persisted as they arrive. Each
//     attempt waits for a rate-limit token and leases an engine session.
//  4. Draining: discovery has finished and the remaining items complete.
//
// Failed attempts are retried with exponential backoff up to
// [WithMaxRetries] attempts. Errors wrapping a rate-limit signal (see
// [RateLimited]) pause every worker and lower the shared rate; a quiet
// window raises it again.
//
// # Rules
//
// Schema fields name a rule understood by package extract:
//
//   - "title": the document title
//   - "css:SELECTOR": text of the first matching element
//   - "regex:PATTERN": first submatch in the raw body
//   - "json:PATH": a dot path into a JSON body
//   - "meta:NAME": content of a meta tag by name or property
//
// # Architecture
//
// Harvest consists of several internal packages (under internal/):
//
//   - internal/ratelimit: adaptive token bucket shared by all workers
//   - internal/pool: bounded pool of engines with lease-based recycling
//   - internal/pipeline: the discover, bootstrap, extract and persist orchestrator
//   - internal/fetch: HTTP engine and link discovery
//   - internal/render: headless Chromium engine
//   - internal/store: memory, SQLite and PostgreSQL record stores with a live feed
//   - internal/metrics: Prometheus collector over run statistics
//   - internal/server: HTTP server with REST API, Server-Sent Events and /metrics
//
// The internal packages are not part of the public API and may change
// without notice.
package harvest
