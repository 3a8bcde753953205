package plugins

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.yaml.in/yaml/v3"

	"catalogworker/internal/domain"
)

// ManifestFile is looked up in <dir>/<plugin>/<version>/.
const ManifestFile = "plugin.yaml"

// Manifest describes an installed connector version.
//
//	id: ckan
//	version: 1.2.0
//	entrypoint: ./connector
//	capabilities: [list, import, publishDataset, deletePublication]
type Manifest struct {
	ID           string            `yaml:"id"`
	Version      string            `yaml:"version"`
	Entrypoint   string            `yaml:"entrypoint"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	Capabilities []string          `yaml:"capabilities"`

	dir string
}

// Factory builds a compiled-in connector for the requested version.
type Factory func(version string) (Connector, error)

type cacheKey struct{ id, version string }

// Registry resolves catalogs to connectors. Compiled-in factories take
// precedence over the on-disk plugin tree. Handles are cached per
// (plugin, version) until invalidated.
type Registry struct {
	dir string

	mu       sync.Mutex
	builtins map[string]Factory
	cache    map[cacheKey]Connector
}

func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:      dir,
		builtins: map[string]Factory{},
		cache:    map[cacheKey]Connector{},
	}
}

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	r.builtins[id] = f
	r.mu.Unlock()
	r.Invalidate(id)
}

// Resolve returns the connector bound to c. An empty PluginVersion
// resolves to the highest installed version.
func (r *Registry) Resolve(c domain.Catalog) (Connector, error) {
	if c.Plugin == "" {
		return nil, fmt.Errorf("catalog %s: %w: no plugin set", c.ID, ErrPluginNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.builtins[c.Plugin]; ok {
		return r.cached(cacheKey{c.Plugin, c.PluginVersion}, func() (Connector, error) {
			return f(c.PluginVersion)
		})
	}

	version := c.PluginVersion
	if version == "" {
		v, err := r.latestVersion(c.Plugin)
		if err != nil {
			return nil, err
		}
		version = v
	}
	return r.cached(cacheKey{c.Plugin, version}, func() (Connector, error) {
		m, err := LoadManifest(filepath.Join(r.dir, c.Plugin, version))
		if err != nil {
			return nil, err
		}
		if m.ID != "" && m.ID != c.Plugin {
			return nil, fmt.Errorf("%w: manifest id %q, expected %q", ErrInvalidPlugin, m.ID, c.Plugin)
		}
		m.ID, m.Version = c.Plugin, version
		return NewExec(m)
	})
}

func (r *Registry) cached(k cacheKey, load func() (Connector, error)) (Connector, error) {
	if conn, ok := r.cache[k]; ok {
		return conn, nil
	}
	conn, err := load()
	if err != nil {
		return nil, err
	}
	r.cache[k] = conn
	log.Debug().Str("plugin", k.id).Str("version", k.version).Msg("plugin loaded")
	return conn, nil
}

// Invalidate drops every cached version of plugin id, or of all plugins
// when id is empty.
func (r *Registry) Invalidate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if id == "" || k.id == id {
			delete(r.cache, k)
		}
	}
}

func (r *Registry) latestVersion(id string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, id))
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	if err != nil {
		return "", err
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	if len(versions) == 0 {
		return "", fmt.Errorf("%w: %s has no installed version", ErrPluginNotFound, id)
	}
	sort.Slice(versions, func(i, j int) bool { return compareVersions(versions[i], versions[j]) < 0 })
	return versions[len(versions)-1], nil
}

// LoadManifest reads the manifest of the plugin version installed in dir.
func LoadManifest(dir string) (Manifest, error) {
	b, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, fmt.Errorf("%w: %s", ErrPluginNotFound, dir)
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %s: %v", ErrInvalidPlugin, dir, err)
	}
	if strings.TrimSpace(m.Entrypoint) == "" {
		return Manifest{}, fmt.Errorf("%w: %s: entrypoint is required", ErrInvalidPlugin, dir)
	}
	m.dir = dir
	return m, nil
}

// compareVersions orders dotted versions numerically where possible
// ("1.10.0" > "1.9.2"), falling back to string order per segment.
func compareVersions(a, b string) int {
	as := strings.Split(strings.TrimPrefix(a, "v"), ".")
	bs := strings.Split(strings.TrimPrefix(b, "v"), ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, xerr := strconv.Atoi(x)
		yi, yerr := strconv.Atoi(y)
		switch {
		case xerr == nil && yerr == nil:
			if xi != yi {
				if xi < yi {
					return -1
				}
				return 1
			}
		case x != y:
			return strings.Compare(x, y)
		}
	}
	return 0
}
