package harvest

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, "dataset_root: /data/farms\n"))
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Addr != ":8080" {
			t.Errorf("Addr = %q, want :8080", cfg.Addr)
		}
		if cfg.BatchSize != 25 {
			t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
		}
		if cfg.Cache.CapacityBytes != 256<<20 {
			t.Errorf("CapacityBytes = %d, want 256MiB", cfg.Cache.CapacityBytes)
		}
		timeout, err := cfg.RenderTimeout()
		if err != nil {
			t.Fatalf("RenderTimeout() error = %v", err)
		}
		if timeout != 10*time.Second {
			t.Errorf("RenderTimeout() = %v, want 10s", timeout)
		}
		if cfg.RequeueSkipped {
			t.Error("RequeueSkipped should default to false")
		}
	})

	t.Run("parses a full config", func(t *testing.T) {
		cfg, err := LoadConfig(writeConfig(t, `
meta:
  title: Harvest annotation
dataset_root: /data/farms
addr: ":9090"
batch_size: 10
requeue_skipped: true
annotators: [alice, bob]
cache:
  capacity_bytes: 1048576
  render_timeout: 2s
`))
		if err != nil {
			t.Fatalf("LoadConfig() error = %v", err)
		}
		if cfg.Meta.Title != "Harvest annotation" {
			t.Errorf("Title = %q", cfg.Meta.Title)
		}
		if cfg.Addr != ":9090" || cfg.BatchSize != 10 || !cfg.RequeueSkipped {
			t.Errorf("cfg = %+v", cfg)
		}
		if cfg.Cache.CapacityBytes != 1<<20 {
			t.Errorf("CapacityBytes = %d, want 1MiB", cfg.Cache.CapacityBytes)
		}
		if len(cfg.Annotators) != 2 {
			t.Errorf("Annotators = %v", cfg.Annotators)
		}
	})

	t.Run("requires dataset_root", func(t *testing.T) {
		if _, err := LoadConfig(writeConfig(t, "addr: ':8080'\n")); err == nil {
			t.Error("LoadConfig() without dataset_root should fail")
		}
	})

	t.Run("rejects a bad render timeout", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "dataset_root: /data\ncache:\n  render_timeout: soon\n"))
		if err == nil {
			t.Error("LoadConfig() with unparseable timeout should fail")
		}
	})

	t.Run("rejects empty annotator names", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "dataset_root: /data\nannotators: [alice, '']\n"))
		if err == nil {
			t.Error("LoadConfig() with empty annotator name should fail")
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("LoadConfig() of missing file should fail")
		}
	})
}

func TestConfig_AllowsAnnotator(t *testing.T) {
	open := &Config{}
	if !open.AllowsAnnotator("anyone") {
		t.Error("empty roster should allow any non-empty name")
	}
	if open.AllowsAnnotator("") {
		t.Error("empty name is never allowed")
	}

	restricted := &Config{Annotators: []string{"alice", "bob"}}
	if !restricted.AllowsAnnotator("alice") {
		t.Error("alice is on the roster")
	}
	if restricted.AllowsAnnotator("mallory") {
		t.Error("mallory is not on the roster")
	}
}
