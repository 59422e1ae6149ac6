package fetcher

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/IshaanNene/webstalk/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProxyManagerNextRoundRobinCyclesAll(t *testing.T) {
	cfg := &config.ProxyConfig{
		Rotation: "round_robin",
		URLs:     []string{"http://p1.example", "http://p2.example", "http://p3.example"},
	}
	pm := NewProxyManager(cfg, testLogger())

	seen := map[string]bool{}
	for i := 0; i < 6; i++ {
		u := pm.Next()
		if u == nil {
			t.Fatal("Next() returned nil with healthy proxies available")
		}
		seen[u.String()] = true
	}
	if len(seen) != 3 {
		t.Errorf("expected round robin to visit all 3 proxies, saw %d", len(seen))
	}
}

func TestProxyManagerNextReturnsNilWhenEmpty(t *testing.T) {
	pm := NewProxyManager(&config.ProxyConfig{}, testLogger())
	if u := pm.Next(); u != nil {
		t.Errorf("expected nil proxy with no entries, got %v", u)
	}
}

func TestProxyManagerMarkFailedExcludesFromRotation(t *testing.T) {
	cfg := &config.ProxyConfig{
		Rotation: "round_robin",
		URLs:     []string{"http://p1.example", "http://p2.example"},
	}
	pm := NewProxyManager(cfg, testLogger())

	first := pm.Next()
	pm.MarkFailed(first, errors.New("connect refused"))

	if pm.HealthyCount() != 1 {
		t.Fatalf("expected 1 healthy proxy after marking one failed, got %d", pm.HealthyCount())
	}

	for i := 0; i < 4; i++ {
		u := pm.Next()
		if u.String() == first.String() {
			t.Errorf("expected failed proxy %q to be excluded from rotation", first.String())
		}
	}
}

func TestProxyManagerMarkHealthyRestoresToRotation(t *testing.T) {
	cfg := &config.ProxyConfig{
		Rotation: "round_robin",
		URLs:     []string{"http://p1.example"},
	}
	pm := NewProxyManager(cfg, testLogger())

	u := pm.Next()
	pm.MarkFailed(u, errors.New("boom"))
	if pm.HealthyCount() != 0 {
		t.Fatalf("expected 0 healthy proxies, got %d", pm.HealthyCount())
	}

	pm.MarkHealthy(u)
	if pm.HealthyCount() != 1 {
		t.Errorf("expected proxy restored to healthy, got %d healthy", pm.HealthyCount())
	}
}

func TestProxyManagerAddProxy(t *testing.T) {
	pm := NewProxyManager(&config.ProxyConfig{}, testLogger())
	if err := pm.AddProxy("http://added.example"); err != nil {
		t.Fatalf("AddProxy: %v", err)
	}
	if pm.Count() != 1 {
		t.Errorf("expected 1 proxy after AddProxy, got %d", pm.Count())
	}
}

func TestProxyManagerAddProxyRejectsInvalidURL(t *testing.T) {
	pm := NewProxyManager(&config.ProxyConfig{}, testLogger())
	if err := pm.AddProxy("://not-a-url"); err == nil {
		t.Error("expected an error for a malformed proxy URL")
	}
}

func TestProxyManagerAllUnhealthyReturnsNil(t *testing.T) {
	cfg := &config.ProxyConfig{
		Rotation: "random",
		URLs:     []string{"http://p1.example"},
	}
	pm := NewProxyManager(cfg, testLogger())
	u := pm.Next()
	pm.MarkFailed(u, errors.New("down"))

	if got := pm.Next(); got != nil {
		t.Errorf("expected nil when all proxies are unhealthy, got %v", got)
	}
}
