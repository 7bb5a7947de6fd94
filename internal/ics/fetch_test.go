package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestFetcher_ETagAndFallback(t *testing.T) {
	const body = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"
	var (
		status   atomic.Int32
		requests atomic.Int32
	)
	status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "me" || pass != "secret" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		if code := int(status.Load()); code != http.StatusOK {
			http.Error(w, "down", code)
			return
		}
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), srv.Client())
	src := Source{AccountID: "a1", URL: srv.URL + "/cal.ics", User: "me", Password: "secret"}
	ctx := context.Background()

	res, err := f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if res.FromCache || string(res.Body) != body {
		t.Fatalf("first fetch = %+v", res)
	}

	res, err = f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if !res.FromCache || string(res.Body) != body {
		t.Errorf("304 fetch = fromCache %v, body %q", res.FromCache, res.Body)
	}

	status.Store(http.StatusBadGateway)
	res, err = f.FetchOne(ctx, src)
	if err != nil {
		t.Fatalf("fetch with upstream error: %v", err)
	}
	if !res.FromCache {
		t.Error("upstream error did not fall back to cache")
	}

	bad := src
	bad.Password = "wrong"
	if _, err := f.FetchOne(ctx, bad); err == nil {
		t.Error("401 served from cache instead of failing")
	}

	if got := requests.Load(); got != 4 {
		t.Errorf("requests = %d, want 4", got)
	}
}

func TestNormalizeFeedURL(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"webcal://example.com/a.ics", "https://example.com/a.ics", true},
		{"https://example.com/a.ics", "https://example.com/a.ics", true},
		{"ftp://example.com/a.ics", "", false},
		{"  ", "", false},
	}
	for _, tt := range tests {
		got, err := normalizeFeedURL(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("normalizeFeedURL(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("normalizeFeedURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
