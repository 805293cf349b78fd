// Package server provides the HTTP API for observing a harvest run.
//
// The server exposes a JSON snapshot of pipeline, limiter and pool state, a
// page of recently persisted records, a Server-Sent Events stream of records
// as they are saved, and a Prometheus scrape endpoint.
//
// This package is internal to harvest. The command wires it to the run's
// store and orchestrator; SDK users who want the same surface can build
// their own from [github.com/jpalmerr/harvest.Harvester.Stats].
package server
