package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const baseYAML = `
server:
  port: 8080
broker:
  mqtt:
    url: "tcp://localhost:1883"
rate_limit:
  requests_per_second: 100
  burst_size: 50
`

const retunedYAML = `
server:
  port: 8080
broker:
  mqtt:
    url: "tcp://localhost:1883"
rate_limit:
  requests_per_second: 200
  burst_size: 100
circuit_breaker:
  failure_threshold: 8
`

const brokenYAML = `
server:
  port: -1
`

// newReloaderFixture loads yaml from a temp file and wraps it in a Reloader
// whose log output is captured.
func newReloaderFixture(t *testing.T, yaml string) (*Reloader, string, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}
	var buf bytes.Buffer
	return NewReloader(path, initial, slog.New(slog.NewJSONHandler(&buf, nil))), path, &buf
}

func rewrite(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}
}

func TestReloader_CurrentHoldsStartupConfig(t *testing.T) {
	r, _, _ := newReloaderFixture(t, baseYAML)
	if rps := r.Current().RateLimit.RequestsPerSecond; rps != 100 {
		t.Errorf("expected startup rps 100, got %v", rps)
	}
}

func TestReloader_SwapsRetunedConfig(t *testing.T) {
	r, path, _ := newReloaderFixture(t, baseYAML)

	rewrite(t, path, retunedYAML)
	if !r.Reload() {
		t.Fatal("expected reload to succeed")
	}

	cfg := r.Current()
	if cfg.RateLimit.RequestsPerSecond != 200 || cfg.RateLimit.BurstSize != 100 {
		t.Errorf("rate limit not retuned: %+v", cfg.RateLimit)
	}
	if cfg.CircuitBreaker.FailureThreshold != 8 {
		t.Errorf("breaker threshold not retuned: %+v", cfg.CircuitBreaker)
	}
}

func TestReloader_RejectsBrokenConfig(t *testing.T) {
	r, path, buf := newReloaderFixture(t, baseYAML)

	rewrite(t, path, brokenYAML)
	if r.Reload() {
		t.Fatal("expected reload of a broken config to fail")
	}

	if rps := r.Current().RateLimit.RequestsPerSecond; rps != 100 {
		t.Errorf("last good config lost: rps=%v", rps)
	}
	if !strings.Contains(buf.String(), "config reload rejected") {
		t.Errorf("rejection not logged: %s", buf.String())
	}
}

func TestReloader_CallbacksSeeTheNewConfig(t *testing.T) {
	r, path, _ := newReloaderFixture(t, baseYAML)

	var gotRPS float64
	r.OnReload(func(cfg *Config) { gotRPS = cfg.RateLimit.RequestsPerSecond })

	rewrite(t, path, retunedYAML)
	r.Reload()
	if gotRPS != 200 {
		t.Errorf("callback saw rps=%v, want 200", gotRPS)
	}
}

func TestReloader_NoCallbacksOnRejection(t *testing.T) {
	r, path, _ := newReloaderFixture(t, baseYAML)

	fired := false
	r.OnReload(func(*Config) { fired = true })

	rewrite(t, path, brokenYAML)
	r.Reload()
	if fired {
		t.Fatal("callbacks must not run for a rejected config")
	}
}

func awaitReload(t *testing.T, r *Reloader) chan struct{} {
	t.Helper()
	done := make(chan struct{}, 1)
	r.OnReload(func(*Config) {
		select {
		case done <- struct{}{}:
		default:
		}
	})
	return done
}

func TestReloader_WatcherPicksUpFileWrite(t *testing.T) {
	r, path, _ := newReloaderFixture(t, baseYAML)
	done := awaitReload(t, r)

	r.Start()
	defer r.Stop()
	time.Sleep(100 * time.Millisecond) // let the watcher arm

	rewrite(t, path, retunedYAML)

	select {
	case <-done:
		if rps := r.Current().RateLimit.RequestsPerSecond; rps != 200 {
			t.Errorf("expected rps 200 after watched reload, got %v", rps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watched reload timed out")
	}
}

func TestReloader_SurvivesAtomicRename(t *testing.T) {
	r, path, _ := newReloaderFixture(t, baseYAML)
	done := awaitReload(t, r)

	r.Start()
	defer r.Stop()
	time.Sleep(100 * time.Millisecond)

	// Config management tools write a temp file and rename it over the
	// original; the watch must survive the replacement.
	tmp := path + ".next"
	if err := os.WriteFile(tmp, []byte(retunedYAML), 0o644); err != nil {
		t.Fatalf("writing replacement: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("renaming replacement: %v", err)
	}

	select {
	case <-done:
		if rps := r.Current().RateLimit.RequestsPerSecond; rps != 200 {
			t.Errorf("expected rps 200 after rename reload, got %v", rps)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("rename reload timed out")
	}
}

func TestReloader_LogsWhatChanged(t *testing.T) {
	r, path, buf := newReloaderFixture(t, baseYAML)

	rewrite(t, path, retunedYAML)
	r.Reload()

	for _, want := range []string{"rate limit config changed", "circuit breaker config changed"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %q in log: %s", want, buf.String())
		}
	}
}
