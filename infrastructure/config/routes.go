package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	coreerrors "github.com/aegis-network/edge/infrastructure/errors"
	"github.com/aegis-network/edge/infrastructure/logging"
	"github.com/aegis-network/edge/services/pipeline"
)

const (
	defaultBodyCapBytes  = 2 << 20 // 2MiB
	defaultWAFBlockCode  = 403
	defaultCacheTTLSecs  = 60
	defaultBotPolicyName = "log"
)

// yamlRouteFile is the on-disk shape of a route table: a flat list of
// route entries, one per hostname+path pair.
type yamlRouteFile struct {
	Routes []yamlRoute `yaml:"routes"`
}

type yamlRoute struct {
	Hostname               string   `yaml:"hostname"`
	Path                   string   `yaml:"path"`
	StageOrder             []string `yaml:"stage_order,omitempty"`
	ModuleHashes           []string `yaml:"module_hashes,omitempty"`
	CacheDefaultTTLSeconds int      `yaml:"cache_default_ttl_seconds,omitempty"`
	WAFBuiltinEnabled      bool     `yaml:"waf_builtin_enabled,omitempty"`
	WAFPatterns            []string `yaml:"waf_patterns,omitempty"`
	WAFBlockStatus         int      `yaml:"waf_block_status,omitempty"`
	BotPolicy              string   `yaml:"bot_policy,omitempty"`
	BodyCapBytes           string   `yaml:"body_cap_bytes,omitempty"` // e.g. "2MB"; see ParseByteSize
}

// ParseRoutes decodes and validates a route table document. Byte-size
// fields reuse ParseByteSize so operators write "2MB" instead of a raw
// integer, consistent with the rest of this package's config surface.
func ParseRoutes(data []byte) ([]*pipeline.RouteConfig, error) {
	var file yamlRouteFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, coreerrors.Wrap(coreerrors.BadInput, "parse route config", err)
	}

	routes := make([]*pipeline.RouteConfig, 0, len(file.Routes))
	for i, yr := range file.Routes {
		if yr.Hostname == "" {
			return nil, coreerrors.Invalid("routes["+strconv.Itoa(i)+"].hostname", "must not be empty")
		}

		bodyCap := defaultBodyCapBytes
		if yr.BodyCapBytes != "" {
			n, err := ParseByteSize(yr.BodyCapBytes)
			if err != nil {
				return nil, coreerrors.Wrap(coreerrors.BadInput, "routes["+strconv.Itoa(i)+"].body_cap_bytes", err)
			}
			bodyCap = int(n)
		}

		blockStatus := yr.WAFBlockStatus
		if blockStatus == 0 {
			blockStatus = defaultWAFBlockCode
		}
		ttl := yr.CacheDefaultTTLSeconds
		if ttl == 0 {
			ttl = defaultCacheTTLSecs
		}
		botPolicy := yr.BotPolicy
		if botPolicy == "" {
			botPolicy = defaultBotPolicyName
		}

		routes = append(routes, &pipeline.RouteConfig{
			Hostname:               yr.Hostname,
			Path:                   yr.Path,
			StageOrder:             yr.StageOrder,
			ModuleHashes:           yr.ModuleHashes,
			CacheDefaultTTLSeconds: ttl,
			WAFBuiltinEnabled:      yr.WAFBuiltinEnabled,
			WAFPatterns:            yr.WAFPatterns,
			WAFBlockStatus:         blockStatus,
			BotPolicy:              botPolicy,
			BodyCapBytes:           bodyCap,
		})
	}
	return routes, nil
}

// RouteLoader watches a route config file and keeps a pipeline.Table in
// sync, retaining the last-known-good route set whenever a reload fails
// to read or parse.
type RouteLoader struct {
	path   string
	table  *pipeline.Table
	logger *logging.Logger

	mu       sync.Mutex
	lastGood []byte
}

// LoadRoutes reads and parses path once, returning a ready RouteLoader
// and the pipeline.Table it keeps in sync. Callers start the file watch
// with Watch.
func LoadRoutes(path string, logger *logging.Logger) (*RouteLoader, *pipeline.Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, coreerrors.Wrap(coreerrors.TransientIO, "read route config", err)
	}
	routes, err := ParseRoutes(data)
	if err != nil {
		return nil, nil, err
	}

	table := pipeline.NewTable(routes)
	return &RouteLoader{
		path:     path,
		table:    table,
		logger:   logger,
		lastGood: data,
	}, table, nil
}

// Watch starts an fsnotify watch on the route config file's directory
// (watching the directory, not the file itself, survives editors that
// replace the file via rename-into-place) and reloads the table on every
// write/create event that targets path. It runs until ctx is cancelled.
func (rl *RouteLoader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return coreerrors.Wrap(coreerrors.Fatal, "create route config watcher", err)
	}
	if err := watcher.Add(filepath.Dir(rl.path)); err != nil {
		watcher.Close()
		return coreerrors.Wrap(coreerrors.Fatal, "watch route config directory", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(rl.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rl.reload()
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rl.logger.WithError(watchErr).Warn("route config watcher error")
			}
		}
	}()
	return nil
}

func (rl *RouteLoader) reload() {
	data, err := os.ReadFile(rl.path)
	if err != nil {
		rl.logger.WithError(err).Warn("route config reload failed to read file, keeping last-known-good")
		return
	}
	routes, err := ParseRoutes(data)
	if err != nil {
		rl.logger.WithError(err).Warn("route config reload failed to parse, keeping last-known-good")
		return
	}

	rl.mu.Lock()
	rl.lastGood = data
	rl.mu.Unlock()

	rl.table.Reload(routes)
	rl.logger.Info(context.Background(), "route config reloaded", nil)
}

// LastGood returns the raw bytes of the most recently accepted route
// config document, for diagnostics.
func (rl *RouteLoader) LastGood() []byte {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.lastGood
}
