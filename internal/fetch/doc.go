// Package fetch provides plain-HTTP collaborators for a harvest run: a page
// [Client] that classifies rate-limit responses, a listing [Discoverer],
// and an [Engine] usable as a pool worker when pages need no JavaScript.
package fetch
