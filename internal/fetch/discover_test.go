package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/jpalmerr/harvest/internal/ratelimit"
)

// testLogger returns a logger that discards all output for clean test output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/c/shoes", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `<a href="/p/3">Three</a>`)
			return
		}
		fmt.Fprint(w, `<html><head><link rel="next" href="/c/shoes?page=2"></head><body>
			<a href="/p/1">One</a>
			<a href="/p/2#reviews">Two</a>
			<a href="/p/1">One again</a>
			<a href="/about">About</a>
			<a href="https://elsewhere.example/p/9">Partner</a>
			<a href="mailto:shop@example.com">Mail</a>
			<a href="#top">Top</a>
		</body></html>`)
	})
	mux.HandleFunc("/c/bags", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `<a href="/p/20">Bag</a><a rel="next" href="?page=2">Next</a>`)
	})
	mux.HandleFunc("/c/limited", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestDiscoverer_Discover(t *testing.T) {
	server := listingServer(t)

	d := NewDiscoverer(NewClient(Options{}), DiscoverOptions{
		Pattern:  regexp.MustCompile(`/p/\d+$`),
		SameHost: true,
	}, testLogger())

	got, err := d.Discover(context.Background(), server.URL+"/c/shoes")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	want := []string{server.URL + "/p/1", server.URL + "/p/2"}
	if len(got) != len(want) {
		t.Fatalf("Discover() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Discover()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestDiscoverer_NoFilters(t *testing.T) {
	server := listingServer(t)

	d := NewDiscoverer(NewClient(Options{}), DiscoverOptions{}, testLogger())
	got, err := d.Discover(context.Background(), server.URL+"/c/shoes")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	// /p/1, /p/2, /about, the partner link; mailto and fragments dropped
	if len(got) != 4 {
		t.Errorf("Discover() = %v, want 4 links", got)
	}
}

func TestDiscoverer_FollowsNext(t *testing.T) {
	server := listingServer(t)

	d := NewDiscoverer(NewClient(Options{}), DiscoverOptions{
		Pattern:  regexp.MustCompile(`/p/\d+$`),
		MaxPages: 3,
	}, testLogger())

	got, err := d.Discover(context.Background(), server.URL+"/c/shoes")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	// page 2 has no next link
	want := []string{server.URL + "/p/1", server.URL + "/p/2", server.URL + "/p/3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Discover() = %v, want %v", got, want)
	}
}

func TestDiscoverer_LaterPageFailureKeepsEarlierPages(t *testing.T) {
	server := listingServer(t)

	d := NewDiscoverer(NewClient(Options{}), DiscoverOptions{MaxPages: 5}, testLogger())
	got, err := d.Discover(context.Background(), server.URL+"/c/bags")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(got) != 2 || got[0] != server.URL+"/p/20" {
		t.Errorf("Discover() = %v, want the first page's links", got)
	}
}

func TestDiscoverer_RateLimited(t *testing.T) {
	server := listingServer(t)

	d := NewDiscoverer(NewClient(Options{}), DiscoverOptions{}, testLogger())
	_, err := d.Discover(context.Background(), server.URL+"/c/limited")
	if _, ok := ratelimit.AsSignal(err); !ok {
		t.Errorf("Discover() error = %v, want rate-limit signal", err)
	}
}
