package ciapi

import (
	"net/http"
	"testing"
)

func TestCacheable(t *testing.T) {
	cases := map[string]bool{
		"api.ci":        true,
		"ci":            true,
		"api.github.com": false,
		"example.com":   false,
	}
	for host, want := range cases {
		if got := Cacheable(host); got != want {
			t.Errorf("Cacheable(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestCache_PrepareStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir)
	url := "https://api.ci/repos/o/r/actions/runners"

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	c.Prepare(req, url) // no entry yet, must not panic or set headers
	if req.Header.Get("If-None-Match") != "" {
		t.Errorf("expected no If-None-Match on empty cache")
	}

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("ETag", `"abc123"`)
	body := []byte(`{"runners":[]}`)
	c.Store(url, resp, body)

	req2, _ := http.NewRequest(http.MethodGet, url, nil)
	c.Prepare(req2, url)
	if req2.Header.Get("If-None-Match") != `"abc123"` {
		t.Errorf("If-None-Match = %q, want quoted etag", req2.Header.Get("If-None-Match"))
	}

	cached, ok := c.Cached(url)
	if !ok {
		t.Fatal("expected cached body to be present")
	}
	if string(cached) != string(body) {
		t.Errorf("Cached() = %s, want %s", cached, body)
	}
}
