package radio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func newTestResolver() *Resolver {
	return New(zap.NewNop())
}

func TestResolveDirectAudioStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		fmt.Fprint(w, "fake-mp3-bytes")
	}))
	defer srv.Close()

	got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL)
	if got != srv.URL {
		t.Fatalf("got %q, want %q", got, srv.URL)
	}
}

func TestResolvePLSPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/aac")
	})
	mux.HandleFunc("/station.pls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-scpls")
		fmt.Fprintf(w, "[playlist]\n;comment\nNumberOfEntries=1\nFile1=%s/stream\nTitle1=Test FM\n", srv.URL)
	})

	got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL+"/station.pls")
	if got != srv.URL+"/stream" {
		t.Fatalf("got %q, want %q", got, srv.URL+"/stream")
	}
}

func TestResolveM3UByExtension(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/live.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	})
	mux.HandleFunc("/station.m3u", func(w http.ResponseWriter, r *http.Request) {
		// Deliberately generic content type: the .m3u extension decides.
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "#EXTM3U\n#EXTINF:-1,Test FM\n%s/live.mp3\n", srv.URL)
	})

	got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL+"/station.m3u")
	if got != srv.URL+"/live.mp3" {
		t.Fatalf("got %q, want %q", got, srv.URL+"/live.mp3")
	}
}

func TestResolveSelfReferentialPlaylistTerminates(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/loop.m3u", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "audio/x-mpegurl")
		fmt.Fprintf(w, "%s/loop.m3u\n", srv.URL)
	})

	got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL+"/loop.m3u")
	if got != "" {
		t.Fatalf("looping playlist should be unresolvable, got %q", got)
	}
	if hits > 3 {
		t.Fatalf("recursed %d times, depth guard allows at most 3", hits)
	}
}

func TestResolveHTMLPageRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html>not a stream</html>")
	}))
	defer srv.Close()

	if got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL); got != "" {
		t.Fatalf("HTML page should be unresolvable, got %q", got)
	}
}

func TestResolveBestEffortFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
	}))
	defer srv.Close()

	if got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL); got != srv.URL {
		t.Fatalf("octet-stream should fall back to the final URL, got %q", got)
	}
}

func TestResolveNetworkErrorYieldsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	if got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL); got != "" {
		t.Fatalf("network error should yield empty, got %q", got)
	}
}

func TestResolveFollowsRedirectToFinalURL(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/real", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg")
	})
	mux.HandleFunc("/alias", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/real", http.StatusFound)
	})

	got := newTestResolver().ResolveStreamURL(context.Background(), srv.URL+"/alias")
	if got != srv.URL+"/real" {
		t.Fatalf("got %q, want post-redirect URL %q", got, srv.URL+"/real")
	}
}
