package config

import (
	"os"
	"testing"
	"time"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv(EnvPostgresDSN, "")
	t.Setenv(EnvRedisAddr, "")
	path := writeFile(t, "agentos.json5", `{quota: {max_calls_per_window: 10}}`)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond
	got := make(chan int, 4)
	w.OnChange(func(cfg *Config) { got <- cfg.Quota.MaxCallsPerWindow })
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte(`{quota: {max_calls_per_window: 20}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case calls := <-got:
		if calls != 20 {
			t.Fatalf("reloaded calls = %d, want 20", calls)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
	if w.Reloads() < 1 {
		t.Fatalf("reloads = %d", w.Reloads())
	}
}

func TestWatcherKeepsSettingsOnBadFile(t *testing.T) {
	path := writeFile(t, "agentos.json5", `{}`)
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	called := false
	w.OnChange(func(*Config) { called = true })

	if err := os.WriteFile(path, []byte(`{storage: {backend: "etcd"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	w.reload()
	if called || w.Reloads() != 0 {
		t.Fatal("invalid config was applied")
	}
	w.Stop()
	w.Stop()
}
