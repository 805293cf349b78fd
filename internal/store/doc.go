// Package store persists extracted records and fans them out to live
// subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining upsert and query operations
//   - [MemoryStore]: In-memory implementation, the default
//   - [SQLiteStore]: Single-file persistence via database/sql
//   - [PostgresStore]: Shared persistence via a pgx connection pool
//   - [Feed]: Pub/sub of saved records for the SSE stream
//   - [Observed]: A Store decorator that publishes to a Feed
//
// All implementations are safe for concurrent access. Feed subscribers
// receive records via channels with non-blocking sends (slow subscribers
// miss records rather than block persistence).
package store
