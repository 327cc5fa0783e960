package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/leetcoach/internal/stuck"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// EngineFile is the on-disk tuning file for the stuck-detection engine.
// Durations use Go syntax ("30s", "2m"). Omitted values keep their defaults.
type EngineFile struct {
	Thresholds struct {
		CodeStagnation     int `yaml:"code_stagnation"`
		ActivityStagnation int `yaml:"activity_stagnation"`
		Errors             int `yaml:"errors"`
	} `yaml:"thresholds"`
	InactivityWindow    string `yaml:"inactivity_window,omitempty"`
	PollInterval        string `yaml:"poll_interval,omitempty"`
	TestResultInterval  string `yaml:"test_result_interval,omitempty"`
	DOMFastInterval     string `yaml:"dom_fast_interval,omitempty"`
	DOMSlowInterval     string `yaml:"dom_slow_interval,omitempty"`
	MaxUnresolvedOffers *int   `yaml:"max_unresolved_offers,omitempty"`
}

// LoadEngine reads the engine tuning file at path. An empty path or a
// missing file yields the defaults.
func LoadEngine(path string) (stuck.Config, error) {
	cfg := stuck.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read thresholds file: %w", err)
	}
	return ParseEngine(data)
}

// ParseEngine decodes an engine tuning file and validates it.
func ParseEngine(data []byte) (stuck.Config, error) {
	cfg := stuck.DefaultConfig()

	var f EngineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return cfg, fmt.Errorf("parse thresholds YAML: %w", err)
	}

	t := f.Thresholds
	if t.CodeStagnation < 0 || t.ActivityStagnation < 0 || t.Errors < 0 {
		return cfg, errors.New("thresholds must not be negative")
	}
	cfg.Thresholds = stuck.Thresholds{
		CodeStagnation:     t.CodeStagnation,
		ActivityStagnation: t.ActivityStagnation,
		Errors:             t.Errors,
	}.Normalize()

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"inactivity_window", f.InactivityWindow, &cfg.InactivityWindow},
		{"poll_interval", f.PollInterval, &cfg.PollInterval},
		{"test_result_interval", f.TestResultInterval, &cfg.TestResultInterval},
		{"dom_fast_interval", f.DOMFastInterval, &cfg.DOMFastInterval},
		{"dom_slow_interval", f.DOMSlowInterval, &cfg.DOMSlowInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		if v <= 0 {
			return cfg, fmt.Errorf("%s must be > 0", d.name)
		}
		*d.dst = v
	}

	if f.MaxUnresolvedOffers != nil {
		if *f.MaxUnresolvedOffers < 0 {
			return cfg, errors.New("max_unresolved_offers must be >= 0")
		}
		cfg.MaxUnresolvedOffers = *f.MaxUnresolvedOffers
	}
	return cfg, nil
}

const reloadDebounce = 250 * time.Millisecond

// WatchEngine reloads the tuning file whenever it changes and passes the
// new configuration to onChange. Invalid edits are logged and skipped. The
// parent directory is watched so editors that replace the file by rename
// are handled. WatchEngine blocks until ctx is cancelled.
func WatchEngine(ctx context.Context, path string, logger *slog.Logger, onChange func(stuck.Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return errors.New("thresholds path is empty")
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil {
			logger.Warn("[CONFIG] Failed to close watcher", "error", closeErr)
		}
	}()

	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("[CONFIG] Watching thresholds file", "path", path)

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("[CONFIG] Watcher error", "error", err)
		case <-debounce.C:
			cfg, err := LoadEngine(path)
			if err != nil {
				logger.Warn("[CONFIG] Ignoring invalid thresholds file", "path", path, "error", err)
				continue
			}
			logger.Info("[CONFIG] Thresholds reloaded",
				"code_stagnation", cfg.Thresholds.CodeStagnation,
				"activity_stagnation", cfg.Thresholds.ActivityStagnation,
				"errors", cfg.Thresholds.Errors,
			)
			onChange(cfg)
		}
	}
}

// MarshalEngine renders cfg as a tuning file.
func MarshalEngine(cfg stuck.Config) ([]byte, error) {
	var f EngineFile
	f.Thresholds.CodeStagnation = cfg.Thresholds.CodeStagnation
	f.Thresholds.ActivityStagnation = cfg.Thresholds.ActivityStagnation
	f.Thresholds.Errors = cfg.Thresholds.Errors
	f.InactivityWindow = cfg.InactivityWindow.String()
	f.PollInterval = cfg.PollInterval.String()
	f.TestResultInterval = cfg.TestResultInterval.String()
	f.DOMFastInterval = cfg.DOMFastInterval.String()
	f.DOMSlowInterval = cfg.DOMSlowInterval.String()
	maxOffers := cfg.MaxUnresolvedOffers
	f.MaxUnresolvedOffers = &maxOffers

	data, err := yaml.Marshal(&f)
	if err != nil {
		return nil, fmt.Errorf("encode thresholds YAML: %w", err)
	}
	return data, nil
}
