// Package livetv proxies HLS channels through a failover-aware rewrite
// layer. The channel catalog maps channel ids to ordered source URLs and hot
// reloads when the backing file changes.
package livetv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/strandtv/strand/internal/log"
)

// Channel is one catalog entry.
type Channel struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Sources []string `yaml:"sources"`
}

type catalogFile struct {
	Channels []Channel `yaml:"channels"`
}

// Catalog serves channel source lists from a YAML file.
type Catalog struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
}

// LoadCatalog reads the catalog file. The file must parse; an empty channel
// list is allowed.
func LoadCatalog(path string) (*Catalog, error) {
	c := &Catalog{
		path:     path,
		logger:   log.WithComponent("catalog"),
		channels: make(map[string]Channel),
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path) // #nosec G304
	if err != nil {
		return fmt.Errorf("read catalog %q: %w", c.path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse catalog %q: %w", c.path, err)
	}

	next := make(map[string]Channel, len(f.Channels))
	for _, ch := range f.Channels {
		if ch.ID == "" || len(ch.Sources) == 0 {
			c.logger.Warn().Str(log.FieldChannelID, ch.ID).Msg("skipping catalog entry without id or sources")
			continue
		}
		next[ch.ID] = ch
	}

	c.mu.Lock()
	c.channels = next
	c.mu.Unlock()

	c.logger.Info().Int("channels", len(next)).Msg("channel catalog loaded")
	return nil
}

// Sources returns the ordered source URLs for a channel, or nil when the
// channel is unknown.
func (c *Catalog) Sources(channelID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil
	}
	return append([]string(nil), ch.Sources...)
}

// Channels returns a snapshot of all catalog entries.
func (c *Catalog) Channels() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// Watch hot-reloads the catalog on file changes until ctx is done. Editors
// and config pushes that replace the file (rename-over) are handled by
// re-adding the watch on the parent directory.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return fmt.Errorf("watch %q: %w", c.path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != c.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := c.reload(); err != nil {
				// Keep serving the previous catalog on a bad write.
				c.logger.Warn().Err(err).Msg("catalog reload failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("catalog watcher error")
		}
	}
}

// Snapshot writes the current catalog atomically to path.
func (c *Catalog) Snapshot(path string) error {
	c.mu.RLock()
	f := catalogFile{Channels: make([]Channel, 0, len(c.channels))}
	for _, ch := range c.channels {
		f.Channels = append(f.Channels, ch)
	}
	c.mu.RUnlock()

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write catalog snapshot: %w", err)
	}
	return nil
}
