package cache

import (
	"bytes"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/zep-us/cacheproxy/internal/wire"
)

func testRequest(method, server, path string) *wire.Request {
	return &wire.Request{
		Method:   method,
		Server:   server,
		Port:     80,
		Path:     path,
		Protocol: "HTTP/1.1",
		Header:   make(http.Header),
	}
}

func testResponse(body string) *wire.Response {
	resp := wire.NewResponse(http.StatusOK, body)
	resp.Header.Del("Connection")
	return resp
}

func newTestCache(t *testing.T, maxAge int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), maxAge)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestCache_RoundTripIsByteForByte(t *testing.T) {
	c := newTestCache(t, 3600)
	req := testRequest(http.MethodGet, "example.com", "/page")
	resp := testResponse("hello cache")

	if err := c.Put(req, resp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, ok := c.Contains(req)
	if !ok {
		t.Fatal("expected a hit for a just-written entry")
	}

	var want, have bytes.Buffer
	if err := resp.Write(&want); err != nil {
		t.Fatal(err)
	}
	if err := got.Write(&have); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(want.Bytes(), have.Bytes()) {
		t.Errorf("cached response differs from stored one:\n%q\n%q", want.Bytes(), have.Bytes())
	}
}

func TestCache_MissForUnknownRequest(t *testing.T) {
	c := newTestCache(t, 3600)
	if _, ok := c.Contains(testRequest(http.MethodGet, "example.com", "/never-stored")); ok {
		t.Error("expected a miss for a request never stored")
	}
}

func TestCache_StaleEntryReadsAsAbsent(t *testing.T) {
	c := newTestCache(t, 10)
	req := testRequest(http.MethodGet, "example.com", "/page")
	if err := c.Put(req, testResponse("soon stale")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c.now = func() time.Time { return time.Now().Add(11 * time.Second) }
	if _, ok := c.Contains(req); ok {
		t.Error("expected a stale entry to read as absent")
	}
}

func TestCache_ResponseMaxAgeOverridesDefault(t *testing.T) {
	c := newTestCache(t, 3600)
	req := testRequest(http.MethodGet, "example.com", "/short-lived")
	resp := testResponse("short")
	resp.Header.Set("Cache-Control", "max-age=5")
	if err := c.Put(req, resp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	c.now = func() time.Time { return time.Now().Add(6 * time.Second) }
	if _, ok := c.Contains(req); ok {
		t.Error("entry should be stale per its own max-age despite the larger default")
	}
}

func TestCache_ShouldCache(t *testing.T) {
	c := newTestCache(t, 3600)
	get := testRequest(http.MethodGet, "example.com", "/")

	cases := []struct {
		name string
		req  *wire.Request
		resp *wire.Response
		want bool
	}{
		{"plain 200 GET", get, testResponse("ok"), true},
		{"POST", testRequest(http.MethodPost, "example.com", "/"), testResponse("ok"), false},
		{"HEAD", testRequest(http.MethodHead, "example.com", "/"), testResponse("ok"), false},
		{"404", get, func() *wire.Response {
			r := wire.NewResponse(http.StatusNotFound, "nope")
			return r
		}(), false},
		{"no-store", get, func() *wire.Response {
			r := testResponse("ok")
			r.Header.Set("Cache-Control", "no-store")
			return r
		}(), false},
		{"private", get, func() *wire.Response {
			r := testResponse("ok")
			r.Header.Set("Cache-Control", "private, max-age=60")
			return r
		}(), false},
		{"explicit max-age=0", get, func() *wire.Response {
			r := testResponse("ok")
			r.Header.Set("Cache-Control", "max-age=0")
			return r
		}(), false},
		{"no content length", get, func() *wire.Response {
			r := testResponse("ok")
			r.Header.Del("Content-Length")
			return r
		}(), false},
	}
	for _, tc := range cases {
		if got := c.ShouldCache(tc.req, tc.resp); got != tc.want {
			t.Errorf("%s: ShouldCache = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCache_FingerprintDistinguishesIdentity(t *testing.T) {
	base := testRequest(http.MethodGet, "example.com", "/a")
	variants := []*wire.Request{
		testRequest(http.MethodHead, "example.com", "/a"),
		testRequest(http.MethodGet, "other.com", "/a"),
		testRequest(http.MethodGet, "example.com", "/b"),
		func() *wire.Request {
			r := testRequest(http.MethodGet, "example.com", "/a")
			r.Port = 8080
			return r
		}(),
		func() *wire.Request {
			r := testRequest(http.MethodGet, "example.com", "/a")
			r.Payload = []byte("body")
			return r
		}(),
	}
	fp := Fingerprint(base)
	for i, v := range variants {
		if Fingerprint(v) == fp {
			t.Errorf("variant %d shares the base fingerprint", i)
		}
	}

	// Host case must not change identity.
	upper := testRequest(http.MethodGet, "EXAMPLE.com", "/a")
	if Fingerprint(upper) != fp {
		t.Error("fingerprint is sensitive to host case")
	}
}

func TestCache_RequestMutexIsStable(t *testing.T) {
	c := newTestCache(t, 3600)
	a := testRequest(http.MethodGet, "example.com", "/a")
	b := testRequest(http.MethodGet, "example.com", "/a")

	if c.RequestMutex(a) != c.RequestMutex(b) {
		t.Error("identical requests must map to the same mutex")
	}
}

func TestCache_UnknownVersionTagReadsAsAbsent(t *testing.T) {
	c := newTestCache(t, 3600)
	req := testRequest(http.MethodGet, "example.com", "/page")
	if err := c.Put(req, testResponse("ok")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	path := c.entryPath(Fingerprint(req))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	doctored := append([]byte("cacheproxy-cache v0 0 0\n"), bytes.SplitN(data, []byte("\n"), 2)[1]...)
	if err := os.WriteFile(path, doctored, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := c.Contains(req); ok {
		t.Error("entry with unknown version tag must read as absent")
	}
}

func TestCache_Clear(t *testing.T) {
	c := newTestCache(t, 3600)
	req := testRequest(http.MethodGet, "example.com", "/page")
	if err := c.Put(req, testResponse("ok")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok := c.Contains(req); ok {
		t.Error("expected a miss after Clear")
	}

	entries, err := os.ReadDir(c.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty cache root, found %d entries", len(entries))
	}
}
