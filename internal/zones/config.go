package zones

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// StreamZoneConfig is the declared zone layout for one stream.
type StreamZoneConfig struct {
	Lines    []LineZoneConfig    `json:"lines" yaml:"lines"`
	Polygons []PolygonZoneConfig `json:"polygons" yaml:"polygons"`
}

// ConfigFile is the on-disk zone layout, keyed by stream id.
type ConfigFile struct {
	Streams map[string]StreamZoneConfig `json:"streams" yaml:"streams"`
}

// LoadConfig parses a YAML zone layout file.
func LoadConfig(path string) (*ConfigFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("zone config: %w", err)
	}
	var cfg ConfigFile
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("zone config %s: %w", path, err)
	}
	return &cfg, nil
}

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 60 * time.Second
)

// Watcher reloads the zone layout file on change and hands each parsed
// version to the apply callback. A slow polling sweep backs up fsnotify
// in case the file is replaced in a way inotify misses.
type Watcher struct {
	path  string
	apply func(*ConfigFile)
	log   zerolog.Logger

	lastMod time.Time
}

func NewWatcher(path string, apply func(*ConfigFile), logger zerolog.Logger) *Watcher {
	return &Watcher{path: path, apply: apply, log: logger}
}

// Start loads the file once, then watches until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(w.path); err != nil {
			w.log.Warn().Err(err).Str("path", w.path).Msg("zone config watch failed, polling only")
			fsw.Close()
			fsw = nil
		}
	} else {
		w.log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		fsw = nil
	}

	go w.run(ctx, fsw)
	return nil
}

func (w *Watcher) run(ctx context.Context, fsw *fsnotify.Watcher) {
	if fsw != nil {
		defer fsw.Close()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events chan fsnotify.Event
	var errs chan error
	if fsw != nil {
		events = fsw.Events
		errs = fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors often write in several bursts.
			time.Sleep(watchDebounce)
			w.reloadIfChanged()
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("zone config watch error")
		case <-ticker.C:
			w.reloadIfChanged()
		}
	}
}

func (w *Watcher) reloadIfChanged() {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn().Err(err).Str("path", w.path).Msg("zone config stat failed")
		return
	}
	if info.ModTime().Equal(w.lastMod) {
		return
	}
	if err := w.reload(); err != nil {
		// A half-written or invalid file keeps the previous layout.
		w.log.Error().Err(err).Msg("zone config reload failed, keeping previous layout")
	}
}

func (w *Watcher) reload() error {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return err
	}
	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}
	w.apply(cfg)
	w.log.Info().Int("streams", len(cfg.Streams)).Msg("zone config applied")
	return nil
}
