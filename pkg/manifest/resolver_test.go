package manifest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// TestResolveDirectURL checks that a locator without a wildcard resolves to
// exactly one URL carrying the session token, and that an existing query
// string survives the stamping.
func TestResolveDirectURL(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	r.newToken = func() string { return "tok123" }

	res, err := r.Resolve(context.Background(), "https://cdn.example.com/trips/2024-01-05.parquet?v=2")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.URLs) != 1 {
		t.Fatalf("got %d urls, want 1", len(res.URLs))
	}
	u, err := url.Parse(res.URLs[0])
	if err != nil {
		t.Fatalf("parse resolved url: %v", err)
	}
	if got := u.Query().Get("session"); got != "tok123" {
		t.Fatalf("session=%q want tok123", got)
	}
	if got := u.Query().Get("v"); got != "2" {
		t.Fatalf("v=%q want 2, original query must survive", got)
	}
	if res.Token != "tok123" {
		t.Fatalf("Token=%q want tok123", res.Token)
	}
}

// TestResolveTokenChangesPerResolve confirms each resolution mints a fresh
// token, which is what defeats stale CDN entries across sessions.
func TestResolveTokenChangesPerResolve(t *testing.T) {
	t.Parallel()

	r := New(nil, nil)
	a, err := r.Resolve(context.Background(), "https://cdn.example.com/a.parquet")
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	b, err := r.Resolve(context.Background(), "https://cdn.example.com/a.parquet")
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if a.Token == b.Token {
		t.Fatalf("tokens %q and %q must differ between sessions", a.Token, b.Token)
	}
}

// TestResolveGlob exercises the manifest path: the files resolve against the
// prefix, non-parquet entries drop out, and the manifest request itself asks
// for an uncached copy.
func TestResolveGlob(t *testing.T) {
	t.Parallel()

	var manifestCacheControl string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/manifest.json") {
			http.NotFound(w, r)
			return
		}
		manifestCacheControl = r.Header.Get("Cache-Control")
		w.Write([]byte(`{"parquet_files":["2024-01-01.parquet","2024-01-02.parquet","notes.txt"],"trip_count":123}`))
	}))
	defer srv.Close()

	r := New(srv.Client(), t.Logf)
	r.newToken = func() string { return "abcd" }

	res, err := r.Resolve(context.Background(), srv.URL+"/trips/*.parquet")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.URLs) != 2 {
		t.Fatalf("got %d urls, want 2 (notes.txt must be dropped): %v", len(res.URLs), res.URLs)
	}
	for _, raw := range res.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if !strings.HasPrefix(u.Path, "/trips/") {
			t.Fatalf("entry %q not resolved against prefix", raw)
		}
		if u.Query().Get("session") != "abcd" {
			t.Fatalf("entry %q missing session token", raw)
		}
	}
	if manifestCacheControl != "no-cache" {
		t.Fatalf("manifest request Cache-Control=%q want no-cache", manifestCacheControl)
	}
}

// TestResolveGlobFailures covers the fatal cases: unreachable manifest, bad
// JSON, and an empty file list.
func TestResolveGlobFailures(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name:    "http 404",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
		},
		{
			name:    "not json",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("<html>placeholder</html>")) },
		},
		{
			name:    "empty list",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"parquet_files":[]}`)) },
		},
		{
			name:    "nothing usable",
			handler: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"parquet_files":["a.txt"]}`)) },
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			r := New(srv.Client(), nil)
			_, err := r.Resolve(context.Background(), srv.URL+"/trips/*.parquet")
			if err == nil {
				t.Fatalf("expected manifest error")
			}
			var merr *Error
			if !errors.As(err, &merr) {
				t.Fatalf("error %T is not *manifest.Error: %v", err, err)
			}
		})
	}
}
