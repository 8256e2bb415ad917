package feeds

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/stoik/content-inspection/internal/domain/detection"
	"github.com/stoik/content-inspection/internal/logging"
	"github.com/stoik/content-inspection/internal/metrics"
	"gopkg.in/yaml.v3"
)

// Config configures the known-bad hash feed
type Config struct {
	// Path to a YAML feed file; empty disables the feed
	Path            string        `koanf:"path"`
	RefreshInterval time.Duration `koanf:"refresh_interval"`
}

// Entry is one known-bad hash in the feed file
type Entry struct {
	SHA256 string `yaml:"sha256"`
	Name   string `yaml:"name"`
}

type feedFile struct {
	Hashes []Entry `yaml:"hashes"`
}

// FileFeed reads known-bad hashes from a YAML file:
//
//	hashes:
//	  - sha256: 275a021bbfb6489e54d471899f7db9d1663fc695ec2fe2a2c4538aabf651fd0f
//	    name: EICAR-Test-File
type FileFeed struct {
	path string
}

// NewFileFeed creates a feed for path
func NewFileFeed(path string) *FileFeed {
	return &FileFeed{path: path}
}

// Load parses the feed into hash -> threat label. Malformed hashes reject
// the whole file so that a bad edit never silently shrinks the set.
func (f *FileFeed) Load(ctx context.Context) (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", f.path, err)
	}

	var file feedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.path, err)
	}

	entries := make(map[string]string, len(file.Hashes))
	for i, e := range file.Hashes {
		hash := strings.ToLower(strings.TrimSpace(e.SHA256))
		if len(hash) != 64 {
			return nil, fmt.Errorf("feed entry %d: sha256 must be 64 hex characters", i)
		}
		if _, err := hex.DecodeString(hash); err != nil {
			return nil, fmt.Errorf("feed entry %d: %w", i, err)
		}
		label := strings.TrimSpace(e.Name)
		if label == "" {
			label = "known-bad"
		}
		entries[hash] = label
	}
	return entries, nil
}

// Loader produces a full snapshot of known-bad hashes
type Loader interface {
	Load(ctx context.Context) (map[string]string, error)
}

// Refresher keeps a HashSet in sync with a feed
type Refresher struct {
	loader   Loader
	set      *detection.HashSet
	interval time.Duration
}

// NewRefresher creates a refresher
func NewRefresher(loader Loader, set *detection.HashSet, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Refresher{loader: loader, set: set, interval: interval}
}

// Refresh loads the feed once and swaps the snapshot in. On failure the
// previous snapshot is kept.
func (r *Refresher) Refresh(ctx context.Context) error {
	entries, err := r.loader.Load(ctx)
	if err != nil {
		metrics.FeedRefreshErrors.Inc()
		return err
	}
	r.set.Replace(entries)
	metrics.KnownBadHashes.Set(float64(r.set.Len()))
	logging.Info().Int("hashes", len(entries)).Msg("known-bad hash feed loaded")
	return nil
}

// Run refreshes on every tick until ctx is done
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				logging.Warn().Err(err).Int("kept_hashes", r.set.Len()).Msg("feed refresh failed, keeping previous snapshot")
			}
		}
	}
}
