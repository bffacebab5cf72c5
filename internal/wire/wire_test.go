package wire

import (
	"bufio"
	"bytes"
	"net/http"
	"strings"
	"testing"
)

func readRequestString(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest failed: %v", err)
	}
	return req
}

func TestReadRequest_AbsoluteURI(t *testing.T) {
	req := readRequestString(t, "GET http://example.com:8080/some/path?q=1 HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")

	if req.Method != "GET" || req.Protocol != "HTTP/1.1" {
		t.Errorf("unexpected method/protocol: %s %s", req.Method, req.Protocol)
	}
	if req.Server != "example.com" || req.Port != 8080 {
		t.Errorf("expected example.com:8080, got %s:%d", req.Server, req.Port)
	}
	if req.Path != "/some/path?q=1" {
		t.Errorf("expected path /some/path?q=1, got %q", req.Path)
	}
}

func TestReadRequest_OriginFormUsesHostHeader(t *testing.T) {
	req := readRequestString(t, "GET /index.html HTTP/1.1\r\nHost: example.com\r\n\r\n")

	if req.Server != "example.com" || req.Port != 80 {
		t.Errorf("expected example.com:80, got %s:%d", req.Server, req.Port)
	}
	if req.Path != "/index.html" {
		t.Errorf("expected path /index.html, got %q", req.Path)
	}
}

func TestReadRequest_PayloadPerContentLength(t *testing.T) {
	req := readRequestString(t, "POST /submit HTTP/1.1\r\nHost: example.com\r\nContent-Length: 5\r\n\r\nhello")

	if string(req.Payload) != "hello" {
		t.Errorf("expected payload %q, got %q", "hello", req.Payload)
	}
}

func TestReadRequest_Malformed(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /x NOTHTTP\r\n\r\n",
		"GET /x HTTP/1.1\r\n\r\n", // origin-form without Host
		"GET /x HTTP/1.1\r\nHost: example.com\r\nContent-Length: nope\r\n\r\n",
	} {
		if _, err := ReadRequest(bufio.NewReader(strings.NewReader(raw))); err == nil {
			t.Errorf("expected error for %q, got nil", raw)
		}
	}
}

func TestRequest_ViaChain(t *testing.T) {
	req := readRequestString(t, "GET / HTTP/1.1\r\nHost: example.com\r\nVia: 1.1 aaaa, 1.1 bbbb\r\n\r\n")

	if !req.ViaContains("aaaa") || !req.ViaContains("bbbb") {
		t.Error("expected both chain entries to be found")
	}
	if req.ViaContains("cccc") {
		t.Error("found an identity that is not in the chain")
	}

	req.AppendVia("1.1 cccc")
	if !req.ViaContains("cccc") {
		t.Error("appended identity not found in chain")
	}
}

func TestRequest_WriteOriginForm(t *testing.T) {
	req := readRequestString(t, "GET http://example.com/path HTTP/1.1\r\nHost: example.com\r\n\r\n")

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "GET /path HTTP/1.1\r\n") {
		t.Errorf("expected origin-form request line, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "Host: example.com\r\n") {
		t.Errorf("expected Host header, got %q", buf.String())
	}
}

func TestRequest_WriteProxyForm(t *testing.T) {
	req := readRequestString(t, "GET /path HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	req.ForwardViaProxy = true

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "GET http://example.com:8080/path HTTP/1.1\r\n") {
		t.Errorf("expected absolute-URI request line, got %q", buf.String())
	}
}

func TestReadResponse_ContentLength(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\nContent-Type: text/plain\r\n\r\nbody"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), http.MethodGet)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if resp.StatusCode != 200 || resp.Status != "OK" {
		t.Errorf("unexpected status: %d %q", resp.StatusCode, resp.Status)
	}
	if string(resp.Payload) != "body" {
		t.Errorf("expected payload %q, got %q", "body", resp.Payload)
	}
}

func TestReadResponse_HeadSkipsPayload(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\n"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), http.MethodHead)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if len(resp.Payload) != 0 {
		t.Errorf("expected no payload for HEAD, got %d bytes", len(resp.Payload))
	}
}

func TestReadResponse_NoContentLengthReadsToEOF(t *testing.T) {
	raw := "HTTP/1.0 200 OK\r\nConnection: close\r\n\r\neverything until eof"
	resp, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), http.MethodGet)
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if string(resp.Payload) != "everything until eof" {
		t.Errorf("unexpected payload %q", resp.Payload)
	}
}

func TestReadResponse_Malformed(t *testing.T) {
	for _, raw := range []string{
		"NOT A STATUS LINE\r\n\r\n",
		"HTTP/1.1 abc OK\r\n\r\n",
	} {
		if _, err := ReadResponse(bufio.NewReader(strings.NewReader(raw)), http.MethodGet); err == nil {
			t.Errorf("expected error for %q, got nil", raw)
		}
	}
}

func TestResponse_WriteIsByteStable(t *testing.T) {
	resp := NewResponse(403, "Forbidden Content")

	var first, second bytes.Buffer
	if err := resp.Write(&first); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reread, err := ReadResponse(bufio.NewReader(bytes.NewReader(first.Bytes())), http.MethodGet)
	if err != nil {
		t.Fatalf("re-reading rendered response failed: %v", err)
	}
	if err := reread.Write(&second); err != nil {
		t.Fatalf("second Write failed: %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Errorf("render is not byte-stable:\n%q\n%q", first.Bytes(), second.Bytes())
	}
}

func TestResponse_MaxAge(t *testing.T) {
	resp := NewResponse(200, "ok")
	resp.Header.Set("Cache-Control", "public, max-age=60")

	secs, ok := resp.MaxAge()
	if !ok || secs != 60 {
		t.Errorf("expected max-age 60, got %d (present=%v)", secs, ok)
	}

	resp.Header.Set("Cache-Control", "no-store")
	if _, ok := resp.MaxAge(); ok {
		t.Error("expected no max-age for no-store")
	}
}
