package app

import (
	"testing"

	"github.com/zep-us/cacheproxy/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Port:                   18080,
		OpsPort:                18081,
		MaxAgeSeconds:          3600,
		CacheDir:               t.TempDir(),
		Workers:                2,
		ShutdownDrainSeconds:   0,
		ShutdownTimeoutSeconds: 5,
	}
}

// TestApp_ReadinessStartsFalse verifies the proxy does not advertise
// readiness before Run.
func TestApp_ReadinessStartsFalse(t *testing.T) {
	a := NewApp(testConfig(t))
	if a.readiness.Load() {
		t.Error("expected readiness to start as false")
	}
}

// TestApp_InjectDependency verifies component wiring from configuration,
// including the missing-blacklist fallback.
func TestApp_InjectDependency(t *testing.T) {
	cfg := testConfig(t)
	cfg.BlacklistFile = "does-not-exist.txt"
	cfg.ProxyServer = "upstream.example"
	cfg.ProxyPort = 3128

	a := NewApp(cfg)
	if err := a.injectDependency(); err != nil {
		t.Fatalf("injectDependency failed: %v", err)
	}
	if a.scheduler == nil {
		t.Fatal("expected a scheduler after dependency injection")
	}
	a.scheduler.Shutdown()
}
