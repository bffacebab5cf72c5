// Package wire reads and renders HTTP/1.x messages over raw connections.
// The proxy cannot sit behind net/http's server machinery: it needs the
// request line exactly as sent (absolute-URI proxy form included) and must
// echo cached responses byte for byte.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedRequest reports a client request the parser could not ingest.
// The handler answers it with 400.
var ErrMalformedRequest = errors.New("malformed request")

// Request is one client HTTP request as read off the wire.
type Request struct {
	Method   string
	Server   string // origin hostname
	Port     int
	Path     string // origin-form, always begins with "/"
	Protocol string
	Header   http.Header
	Payload  []byte

	// ForwardViaProxy selects the request-line rendering: absolute URI when
	// forwarding to an upstream proxy, origin-form otherwise.
	ForwardViaProxy bool
}

// ReadRequest ingests a request line, header block, and Content-Length
// payload from br. Both absolute-URI and origin-form request lines are
// accepted; for origin-form the Host header names the server.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading request line: %v", ErrMalformedRequest, err)
	}
	method, uri, proto, ok := splitRequestLine(line)
	if !ok {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedRequest, line)
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("%w: reading headers: %v", ErrMalformedRequest, err)
	}

	req := &Request{
		Method:   method,
		Protocol: proto,
		Header:   http.Header(mimeHeader),
	}
	if err := req.resolveTarget(uri); err != nil {
		return nil, err
	}

	if cl := req.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformedRequest, cl)
		}
		req.Payload = make([]byte, n)
		if _, err := io.ReadFull(br, req.Payload); err != nil {
			return nil, fmt.Errorf("%w: reading payload: %v", ErrMalformedRequest, err)
		}
	}
	return req, nil
}

func splitRequestLine(line string) (method, uri, proto string, ok bool) {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return "", "", "", false
	}
	if !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// resolveTarget fills Server, Port, and Path from either an absolute URI or
// an origin-form URI plus the Host header.
func (r *Request) resolveTarget(uri string) error {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		u, err := url.Parse(uri)
		if err != nil {
			return fmt.Errorf("%w: bad request URI %q", ErrMalformedRequest, uri)
		}
		r.Server = u.Hostname()
		r.Port = 80
		if p := u.Port(); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return fmt.Errorf("%w: bad port in URI %q", ErrMalformedRequest, uri)
			}
			r.Port = port
		}
		r.Path = u.RequestURI()
		if r.Path == "" {
			r.Path = "/"
		}
		return nil
	}

	if !strings.HasPrefix(uri, "/") {
		return fmt.Errorf("%w: unsupported request URI %q", ErrMalformedRequest, uri)
	}
	host := r.Header.Get("Host")
	if host == "" {
		return fmt.Errorf("%w: origin-form request without Host header", ErrMalformedRequest)
	}
	r.Path = uri
	r.Port = 80
	if h, p, err := net.SplitHostPort(host); err == nil {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("%w: bad port in Host header %q", ErrMalformedRequest, host)
		}
		r.Server = h
		r.Port = port
	} else {
		r.Server = host
	}
	return nil
}

// HostPort renders the origin as a dial target.
func (r *Request) HostPort() string {
	return net.JoinHostPort(r.Server, strconv.Itoa(r.Port))
}

// ViaContains reports whether id appears as a token anywhere in the
// request's Via chain.
func (r *Request) ViaContains(id string) bool {
	for _, value := range r.Header.Values("Via") {
		for _, hop := range strings.Split(value, ",") {
			for _, token := range strings.Fields(hop) {
				if token == id {
					return true
				}
			}
		}
	}
	return false
}

// AppendVia records another hop at the end of the Via chain.
func (r *Request) AppendVia(entry string) {
	r.Header.Add("Via", entry)
}

// Write renders the request in wire format. The request line carries an
// absolute URI iff ForwardViaProxy is set; the Host header is rewritten to
// the resolved target either way.
func (r *Request) Write(w io.Writer) error {
	var line string
	if r.ForwardViaProxy {
		line = fmt.Sprintf("%s http://%s%s %s\r\n", r.Method, r.hostForHeader(), r.Path, r.Protocol)
	} else {
		line = fmt.Sprintf("%s %s %s\r\n", r.Method, r.Path, r.Protocol)
	}
	if _, err := io.WriteString(w, line); err != nil {
		return err
	}

	header := r.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Host", r.hostForHeader())
	if err := header.Write(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if len(r.Payload) > 0 {
		if _, err := w.Write(r.Payload); err != nil {
			return err
		}
	}
	return nil
}

func (r *Request) hostForHeader() string {
	if r.Port == 80 {
		return r.Server
	}
	return net.JoinHostPort(r.Server, strconv.Itoa(r.Port))
}
