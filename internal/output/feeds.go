package output

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/therealutkarshpriyadarshi/gamewatch/internal/logging"
	"github.com/therealutkarshpriyadarshi/gamewatch/pkg/types"
)

// Feed colors
const (
	colorRed    = 0xE74C3C
	colorOrange = 0xE67E22
	colorGreen  = 0x2ECC71
	colorBlue   = 0x3498DB
	colorYellow = 0xF1C40F
	colorGrey   = 0x95A5A6
	colorPurple = 0x9B59B6
)

// DefaultFeeds returns the built-in event type to feed mapping
func DefaultFeeds() map[types.EventType]types.FeedDescriptor {
	public := types.VisibilityPublic
	admin := types.VisibilityAdmin
	return map[types.EventType]types.FeedDescriptor{
		types.EventKill:          {Destination: "killfeed", Visibility: public, ShowLocation: true, Color: colorRed},
		types.EventPvE:           {Destination: "killfeed", Visibility: public, ShowLocation: true, Color: colorOrange},
		types.EventConnection:    {Destination: "connections", Visibility: admin, Color: colorGreen},
		types.EventStructure:     {Destination: "build-log", Visibility: admin, ShowLocation: true, Color: colorBlue},
		types.EventServerRestart: {Destination: "server-status", Visibility: public, Color: colorYellow},
		types.EventServerCrash:   {Destination: "server-status", Visibility: public, Color: colorRed},
		types.EventServerStart:   {Destination: "server-status", Visibility: public, Color: colorGreen},
		types.EventServerStop:    {Destination: "server-status", Visibility: public, Color: colorGrey},
		types.EventServerUpdate:  {Destination: "server-status", Visibility: public, Color: colorBlue},
		types.EventMaintenance:   {Destination: "server-status", Visibility: public, Color: colorYellow},
		types.EventBackup:        {Destination: "server-admin", Visibility: admin, Color: colorGrey},
		types.EventSystemError:   {Destination: "server-alerts", Visibility: admin, Color: colorRed},
		types.EventSystemWarning: {Destination: "server-alerts", Visibility: admin, Color: colorOrange},
		types.EventAdminAction:   {Destination: "server-admin", Visibility: admin, Color: colorPurple},
	}
}

// DefaultFallbackFeed receives events whose type has no feed
func DefaultFallbackFeed() types.FeedDescriptor {
	return types.FeedDescriptor{Destination: "server-events", Visibility: types.VisibilityAdmin, Color: colorGrey}
}

// feedFile is the on-disk form of a feed table
type feedFile struct {
	Fallback *types.FeedDescriptor                    `yaml:"fallback"`
	Feeds    map[types.EventType]types.FeedDescriptor `yaml:"feeds"`
}

// FeedTable resolves event types to feeds. It is safe for concurrent use and
// can be reloaded from a YAML file while running.
type FeedTable struct {
	mu       sync.RWMutex
	feeds    map[types.EventType]types.FeedDescriptor
	fallback types.FeedDescriptor
	path     string
}

// NewFeedTable creates a table from feeds and a fallback
func NewFeedTable(feeds map[types.EventType]types.FeedDescriptor, fallback types.FeedDescriptor) *FeedTable {
	t := &FeedTable{}
	t.set(feeds, fallback)
	return t
}

// LoadFeedTable reads a feed table from a YAML file. Feeds in the file are
// merged over the defaults.
func LoadFeedTable(path string) (*FeedTable, error) {
	t := NewFeedTable(DefaultFeeds(), DefaultFallbackFeed())
	t.path = path
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *FeedTable) set(feeds map[types.EventType]types.FeedDescriptor, fallback types.FeedDescriptor) {
	copied := make(map[types.EventType]types.FeedDescriptor, len(feeds))
	for k, v := range feeds {
		copied[k] = normalizeFeed(v)
	}
	fallback = normalizeFeed(fallback)
	if fallback.Destination == "" {
		fallback = DefaultFallbackFeed()
	}

	t.mu.Lock()
	t.feeds = copied
	t.fallback = fallback
	t.mu.Unlock()
}

func normalizeFeed(f types.FeedDescriptor) types.FeedDescriptor {
	if f.Visibility == "" {
		f.Visibility = types.VisibilityPublic
	}
	return f
}

// Reload re-reads the table from its file
func (t *FeedTable) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read feed table: %w", err)
	}

	var file feedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse feed table: %w", err)
	}

	feeds := DefaultFeeds()
	for eventType, feed := range file.Feeds {
		if !eventType.Valid() {
			return fmt.Errorf("unknown event type %q in feed table", eventType)
		}
		if feed.Destination == "" {
			return fmt.Errorf("feed for %s has no destination", eventType)
		}
		if feed.Visibility != "" && feed.Visibility != types.VisibilityPublic && feed.Visibility != types.VisibilityAdmin {
			return fmt.Errorf("feed for %s has invalid visibility %q", eventType, feed.Visibility)
		}
		feeds[eventType] = feed
	}
	fallback := DefaultFallbackFeed()
	if file.Fallback != nil {
		fallback = *file.Fallback
	}

	t.set(feeds, fallback)
	return nil
}

// Resolve returns the feed for an event type. The second value reports
// whether the fallback feed was used.
func (t *FeedTable) Resolve(eventType types.EventType) (types.FeedDescriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if feed, ok := t.feeds[eventType]; ok {
		return feed, false
	}
	return t.fallback, true
}

// Feeds returns a copy of the mapping
func (t *FeedTable) Feeds() map[types.EventType]types.FeedDescriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[types.EventType]types.FeedDescriptor, len(t.feeds))
	for k, v := range t.feeds {
		out[k] = v
	}
	return out
}

// Watch reloads the table whenever its file changes, until ctx is done. A
// file that fails to parse leaves the previous table in place.
func (t *FeedTable) Watch(ctx context.Context, logger *logging.Logger) error {
	if t.path == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Nop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are seen too.
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch feed table: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(t.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := t.Reload(); err != nil {
					logger.Warn().Err(err).Str("path", t.path).Msg("Keeping previous feed table")
					continue
				}
				logger.Info().Str("path", t.path).Msg("Reloaded feed table")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("Feed table watcher error")
			}
		}
	}()

	return nil
}
