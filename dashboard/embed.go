// Package dashboard provides the embedded web UI for watching a harvest.
//
// The page polls /api/stats for run progress and follows /api/sse for
// records as they are persisted. It is embedded at compile time so the
// binary needs no external asset files.
package dashboard

import "embed"

// Assets is an embedded filesystem containing the dashboard web UI.
//
// The filesystem structure is:
//
//	assets/
//	  index.html    - Dashboard page with inline CSS and JavaScript
//
//go:embed assets/*
var Assets embed.FS
