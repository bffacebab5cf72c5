// Package scheduler fans accepted client connections out onto a fixed-width
// pool, one thunk per connection.
package scheduler

import (
	"net"

	"github.com/zep-us/cacheproxy/internal/handler"
	"github.com/zep-us/cacheproxy/internal/pool"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

// DefaultWidth is the pool width used when none is configured.
const DefaultWidth = 64

// Scheduler owns the connection-servicing pool and the request handler
// behind it.
type Scheduler struct {
	pool    *pool.Pool
	handler *handler.Handler
}

// New builds a scheduler around h with the given pool width.
func New(h *handler.Handler, width int) *Scheduler {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Scheduler{
		pool:    pool.New(width),
		handler: h,
	}
}

// ScheduleRequest queues one accepted connection for servicing. The thunk
// is the failure boundary: whatever happens inside it is logged and the
// client socket closed, and neither the pool nor its worker is affected.
func (s *Scheduler) ScheduleRequest(conn net.Conn, clientIP string) {
	s.pool.Schedule(func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("request from %s failed: %v", clientIP, r)
				conn.Close()
			}
		}()
		s.handler.ServiceRequest(conn, clientIP)
	})
}

// SetProxy forwards upstream-proxy configuration to the handler. Call it
// before accepting traffic.
func (s *Scheduler) SetProxy(server string, port int) {
	s.handler.SetProxy(server, port)
}

// SetCacheMaxAge forwards the default freshness window to the handler.
func (s *Scheduler) SetCacheMaxAge(seconds int64) {
	s.handler.SetCacheMaxAge(seconds)
}

// ClearCache empties the handler's cache.
func (s *Scheduler) ClearCache() error {
	return s.handler.ClearCache()
}

// Wait blocks until every scheduled connection has been serviced.
func (s *Scheduler) Wait() {
	s.pool.Wait()
}

// Shutdown drains in-flight connections and tears the pool down.
func (s *Scheduler) Shutdown() {
	s.pool.Stop()
}

// QueueDepth reports connections accepted but not yet dispatched.
func (s *Scheduler) QueueDepth() int {
	return s.pool.QueueDepth()
}
