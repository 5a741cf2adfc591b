package provider

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"
)

// LookPathFunc resolves a binary name to a path, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

const defaultAvailabilityTTL = 30 * time.Second

type availability struct {
	path      string
	ok        bool
	checkedAt time.Time
}

// Catalog holds the providers known to this process, indexed by name, and
// caches binary availability checks.
type Catalog struct {
	mu        sync.RWMutex
	providers map[string]*Provider

	lookPath LookPathFunc
	ttl      time.Duration
	now      func() time.Time

	cacheMu sync.Mutex
	cache   map[string]availability
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithLookPath swaps the binary resolver (tests use a fake).
func WithLookPath(fn LookPathFunc) CatalogOption {
	return func(c *Catalog) { c.lookPath = fn }
}

// WithAvailabilityTTL sets how long availability answers are cached.
// Zero disables caching.
func WithAvailabilityTTL(ttl time.Duration) CatalogOption {
	return func(c *Catalog) { c.ttl = ttl }
}

// NewCatalog creates a catalog seeded with the built-in providers.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		providers: Builtins(),
		lookPath:  exec.LookPath,
		ttl:       defaultAvailabilityTTL,
		now:       time.Now,
		cache:     make(map[string]availability),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves a provider by name.
func (c *Catalog) Get(name string) (*Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

// Put registers or replaces a provider.
func (c *Catalog) Put(p *Provider) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("provider name is empty")
	}
	if p.Binary == "" {
		return fmt.Errorf("provider %q: binary is empty", p.Name)
	}
	if p.Input == "" {
		p.Input = InputStdin
	}
	if p.Input != InputStdin && p.Input != InputArgument {
		return fmt.Errorf("provider %q: input must be stdin or argument (got %q)", p.Name, p.Input)
	}

	c.mu.Lock()
	c.providers[p.Name] = p
	c.mu.Unlock()

	c.cacheMu.Lock()
	delete(c.cache, p.Name)
	c.cacheMu.Unlock()
	return nil
}

// Names returns all provider names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for n := range c.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Available reports whether the provider's binary can be found.
// Unknown providers are never available.
func (c *Catalog) Available(name string) bool {
	_, ok := c.Locate(name)
	return ok
}

// Locate returns the resolved binary path for name, if available.
func (c *Catalog) Locate(name string) (string, bool) {
	p, ok := c.Get(name)
	if !ok {
		return "", false
	}

	now := c.now()
	if c.ttl > 0 {
		c.cacheMu.Lock()
		entry, hit := c.cache[name]
		c.cacheMu.Unlock()
		if hit && now.Sub(entry.checkedAt) < c.ttl {
			return entry.path, entry.ok
		}
	}

	path, err := c.lookPath(p.Binary)
	entry := availability{path: path, ok: err == nil, checkedAt: now}

	if c.ttl > 0 {
		c.cacheMu.Lock()
		c.cache[name] = entry
		c.cacheMu.Unlock()
	}
	return entry.path, entry.ok
}
