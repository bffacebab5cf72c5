// Package handler services one proxied client connection at a time: ingest
// the request, reject cycles and blacklisted servers, then answer from the
// cache or forward upstream under the request's single-flight mutex.
package handler

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zep-us/cacheproxy/internal/blacklist"
	"github.com/zep-us/cacheproxy/internal/cache"
	"github.com/zep-us/cacheproxy/internal/metrics"
	"github.com/zep-us/cacheproxy/internal/wire"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

const dialTimeout = 10 * time.Second

// Handler is the per-connection protocol engine. Proxy configuration is
// set before serving begins and immutable afterwards.
type Handler struct {
	cache     *cache.Cache
	blacklist *blacklist.Blacklist

	ownID  string // bare identity token, matched against incoming Via chains
	ownVia string // "1.1 <ownID>", appended to forwarded requests

	proxyServer string
	proxyPort   int
	usingProxy  bool
}

// New builds a handler whose Via identity derives from the local hostname
// and the port clients connect to.
func New(c *cache.Cache, bl *blacklist.Blacklist, listenPort int) *Handler {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	id := fmt.Sprintf("%016x", xxhash.Sum64String(fmt.Sprintf("%s:%d", hostname, listenPort)))
	return &Handler{
		cache:     c,
		blacklist: bl,
		ownID:     id,
		ownVia:    "1.1 " + id,
	}
}

// Identity returns the token this proxy records in Via chains.
func (h *Handler) Identity() string {
	return h.ownID
}

// SetProxy chains all upstream traffic through the given proxy. Must be
// called before traffic is accepted.
func (h *Handler) SetProxy(server string, port int) {
	h.proxyServer = server
	h.proxyPort = port
	h.usingProxy = true
	logger.Info("forwarding through upstream proxy %s:%d", server, port)
}

// SetCacheMaxAge adjusts the cache's default freshness window.
func (h *Handler) SetCacheMaxAge(seconds int64) {
	h.cache.SetMaxAge(seconds)
}

// ClearCache removes all cached entries.
func (h *Handler) ClearCache() error {
	return h.cache.Clear()
}

// ServiceRequest fully services one client connection and closes it.
// Every failure becomes a well-formed HTTP response; nothing propagates to
// the caller.
func (h *Handler) ServiceRequest(conn net.Conn, clientIP string) {
	defer conn.Close()

	req, err := wire.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return // client went away without sending a request
		}
		logger.Warn("malformed request from %s: %v", clientIP, err)
		h.respond(conn, wire.NewResponse(400, "Malformed Request"))
		return
	}
	logger.Debug("servicing %s %s:%d%s for %s", req.Method, req.Server, req.Port, req.Path, clientIP)

	if req.ViaContains(h.ownID) {
		metrics.ProxyCycleRejections.Inc()
		logger.Warn("proxy cycle detected for %s%s requested by %s", req.Server, req.Path, clientIP)
		h.respond(conn, wire.NewResponse(504, "Proxy cycle detected"))
		return
	}

	if !h.blacklist.Allowed(req.Server) {
		metrics.BlacklistRejections.Inc()
		logger.Warn("blacklisted server %s requested by %s", req.Server, clientIP)
		h.respond(conn, wire.NewResponse(403, "Forbidden Content"))
		return
	}

	// The fingerprint mutex spans lookup, fetch, and store: when the response
	// is cacheable, of all the concurrent requests sharing this identity
	// exactly one goes upstream and the rest observe the entry it admitted.
	// Uncacheable responses are not stored, so each waiter fetches in turn.
	mutex := h.cache.RequestMutex(req)
	mutex.Lock()

	resp, hit := h.cache.Contains(req)
	if hit {
		metrics.CacheHits.Inc()
	} else {
		metrics.CacheMisses.Inc()
		resp, err = h.fetch(req)
		if err != nil {
			mutex.Unlock()
			metrics.UpstreamErrors.Inc()
			logger.Error("upstream failure for %s:%d%s: %v", req.Server, req.Port, req.Path, err)
			h.respond(conn, wire.NewResponse(502, upstreamFailureBody(err)))
			return
		}
		if h.cache.ShouldCache(req, resp) {
			if err := h.cache.Put(req, resp); err != nil {
				metrics.CacheIOErrors.Inc()
				logger.Error("failed to cache %s:%d%s: %v", req.Server, req.Port, req.Path, err)
			}
		}
	}
	mutex.Unlock()

	h.respond(conn, resp)
}

// fetch forwards the request to the origin, or to the upstream proxy when
// one is configured, and ingests the response.
func (h *Handler) fetch(req *wire.Request) (*wire.Response, error) {
	addr := req.HostPort()
	if h.usingProxy {
		addr = net.JoinHostPort(h.proxyServer, strconv.Itoa(h.proxyPort))
	}

	req.ForwardViaProxy = h.usingProxy
	req.AppendVia(h.ownVia)
	// A closed connection bounds payloads that carry no Content-Length.
	req.Header.Set("Connection", "close")

	upstream, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer upstream.Close()

	if err := req.Write(upstream); err != nil {
		return nil, fmt.Errorf("failed to forward request to %s: %w", addr, err)
	}
	resp, err := wire.ReadResponse(bufio.NewReader(upstream), req.Method)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func upstreamFailureBody(err error) string {
	if errors.Is(err, wire.ErrMalformedResponse) {
		return "Malformed response from origin server"
	}
	return "Error connecting to the server"
}

func (h *Handler) respond(conn net.Conn, resp *wire.Response) {
	metrics.RequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if err := resp.Write(conn); err != nil {
		logger.Warn("failed to write response to client: %v", err)
	}
}
