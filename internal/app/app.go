// Package app wires the proxy together and manages its lifecycle: the
// client-facing accept loop, the ops HTTP server, and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/zep-us/cacheproxy/internal/blacklist"
	"github.com/zep-us/cacheproxy/internal/cache"
	"github.com/zep-us/cacheproxy/internal/config"
	"github.com/zep-us/cacheproxy/internal/handler"
	"github.com/zep-us/cacheproxy/internal/metrics"
	"github.com/zep-us/cacheproxy/internal/ops"
	"github.com/zep-us/cacheproxy/internal/scheduler"
	"github.com/zep-us/cacheproxy/pkg/logger"
)

// App holds the proxy's components and lifecycle state.
type App struct {
	config    *config.Config
	echo      *echo.Echo
	readiness *atomic.Bool
	scheduler *scheduler.Scheduler
	quit      chan os.Signal
}

// NewApp creates an App for the given configuration.
func NewApp(cfg *config.Config) *App {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	return &App{
		config:    cfg,
		echo:      e,
		readiness: atomic.NewBool(false),
		quit:      make(chan os.Signal, 1),
	}
}

// injectDependency builds the cache, blacklist, handler, and scheduler and
// applies pre-serve configuration.
func (a *App) injectDependency() error {
	c, err := cache.New(a.config.CacheDir, a.config.MaxAgeSeconds)
	if err != nil {
		return err
	}

	listPath := a.config.BlacklistFile
	if listPath != "" {
		if _, err := os.Stat(listPath); os.IsNotExist(err) {
			logger.Warn("blacklist file %s not found, all servers allowed", listPath)
			listPath = ""
		}
	}
	bl, err := blacklist.Load(listPath)
	if err != nil {
		return err
	}

	h := handler.New(c, bl, a.config.Port)
	a.scheduler = scheduler.New(h, a.config.Workers)

	if a.config.ClearCache {
		if err := a.scheduler.ClearCache(); err != nil {
			return err
		}
	}
	if a.config.ProxyServer != "" {
		a.scheduler.SetProxy(a.config.ProxyServer, a.config.ProxyPort)
	}
	logger.Info("proxy identity: %s", h.Identity())
	return nil
}

// Run starts both listeners and blocks until a shutdown signal or a fatal
// server error. A failure to bind either port is returned to the caller.
func (a *App) Run() error {
	if err := a.injectDependency(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", a.config.Port))
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", a.config.Port, err)
	}
	logger.Info("accepting client connections on %s", listener.Addr())

	a.setupOpsRoutes()

	g := new(errgroup.Group)
	g.Go(func() error {
		err := a.acceptLoop(listener)
		if err != nil {
			// Bring the ops server down too so g.Wait can report the failure.
			a.echo.Close()
		}
		return err
	})
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", a.config.OpsPort)
		logger.Info("ops endpoints on %s", addr)
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			// Stop the accept loop too so g.Wait can report the failure.
			listener.Close()
			return fmt.Errorf("ops server failed: %w", err)
		}
		return nil
	})

	a.readiness.Store(true)

	serverErr := make(chan error, 1)
	go func() { serverErr <- g.Wait() }()

	signal.Notify(a.quit, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-a.quit:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		// Both goroutines only return on failure before shutdown began.
		listener.Close()
		return err
	}

	// Step 1: stop advertising readiness and give load balancers the drain
	// window to notice.
	a.readiness.Store(false)
	drain := time.Duration(a.config.ShutdownDrainSeconds) * time.Second
	logger.Info("readiness=false: draining for %v", drain)
	time.Sleep(drain)

	// Step 2: stop accepting, then let in-flight requests finish.
	listener.Close()
	a.scheduler.Shutdown()

	// Step 3: bring the ops server down with a deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.config.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error: %v", err)
		return err
	}

	if err := <-serverErr; err != nil {
		return err
	}
	logger.Info("proxy stopped gracefully")
	return nil
}

// acceptLoop hands every accepted connection to the scheduler. It returns
// nil once the listener is closed by shutdown.
func (a *App) acceptLoop(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		metrics.QueueDepthGauge.Set(float64(a.scheduler.QueueDepth()))

		clientIP := conn.RemoteAddr().String()
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
		a.scheduler.ScheduleRequest(conn, clientIP)
	}
}

func (a *App) setupOpsRoutes() {
	e := a.echo
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddleware("cacheproxy_ops"))
	e.GET("/metrics", echoprometheus.NewHandler())

	routers := []ops.Router{
		ops.NewHealthHandler(a.readiness),
		ops.NewCacheAdminHandler(a.scheduler),
	}
	for _, r := range routers {
		r.SetupRoutes(e)
	}
}
