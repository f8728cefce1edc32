package harvest

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the project configuration file.
type Config struct {
	Meta struct {
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
	} `yaml:"meta"`

	// Addr is the listen address of the web server.
	Addr string `yaml:"addr"`

	// DatasetRoot is the farm dataset directory: one subdirectory per
	// farm, one image per available month.
	DatasetRoot string `yaml:"dataset_root"`

	// IndexPath is the farm index artifact. Rebuildable; delete it to
	// force a rescan.
	IndexPath string `yaml:"index_path"`

	// DatabasePath is the authoritative batch/session store.
	DatabasePath string `yaml:"database_path"`

	// CSVPath is the shared append-only annotation CSV.
	CSVPath string `yaml:"csv_path"`

	// BackupDir holds one backup CSV per annotator.
	BackupDir string `yaml:"backup_dir"`

	// BatchSize is how many farms each claimable batch holds.
	BatchSize int `yaml:"batch_size"`

	// RequeueSkipped re-queues batches finished with skipped farms back to
	// the unclaimed pool instead of completing them.
	RequeueSkipped bool `yaml:"requeue_skipped"`

	// Annotators is the login roster. Empty means any non-empty name may
	// log in (login is a name lookup, not a security boundary).
	Annotators []string `yaml:"annotators"`

	Cache struct {
		// Dir is the thumbnail cache directory. Rebuildable.
		Dir string `yaml:"dir"`
		// CapacityBytes bounds the total size of cached thumbnails.
		CapacityBytes int64 `yaml:"capacity_bytes"`
		// RenderTimeout bounds a single thumbnail render, e.g. "10s".
		RenderTimeout string `yaml:"render_timeout"`
	} `yaml:"cache"`
}

// LoadConfig reads and validates the project configuration.
func LoadConfig(filename string) (*Config, error) {
	var ret Config
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(data, &ret)
	if err != nil {
		return nil, err
	}

	if ret.DatasetRoot == "" {
		return nil, fmt.Errorf("dataset_root is required")
	}
	if ret.Addr == "" {
		ret.Addr = ":8080"
	}
	if ret.IndexPath == "" {
		ret.IndexPath = "farm_index.json"
	}
	if ret.DatabasePath == "" {
		ret.DatabasePath = "harvestmark.db"
	}
	if ret.CSVPath == "" {
		ret.CSVPath = "harvest_annotations.csv"
	}
	if ret.BackupDir == "" {
		ret.BackupDir = "annotations_by_user"
	}
	if ret.BatchSize <= 0 {
		ret.BatchSize = 25
	}
	if ret.Cache.Dir == "" {
		ret.Cache.Dir = "thumbnail_cache"
	}
	if ret.Cache.CapacityBytes <= 0 {
		ret.Cache.CapacityBytes = 256 << 20
	}
	if ret.Cache.RenderTimeout == "" {
		ret.Cache.RenderTimeout = "10s"
	}
	if _, err := ret.RenderTimeout(); err != nil {
		return nil, fmt.Errorf("cache.render_timeout: %w", err)
	}
	for i, name := range ret.Annotators {
		if name == "" {
			return nil, fmt.Errorf("annotator %d has an empty name", i+1)
		}
	}

	return &ret, nil
}

// RenderTimeout parses the configured render timeout.
func (c *Config) RenderTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Cache.RenderTimeout)
}

// AllowsAnnotator reports whether the name may log in.
func (c *Config) AllowsAnnotator(name string) bool {
	if name == "" {
		return false
	}
	if len(c.Annotators) == 0 {
		return true
	}
	for _, allowed := range c.Annotators {
		if allowed == name {
			return true
		}
	}
	return false
}
