package dyncall

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wasmbind/wasmbind/internal/metadata"
)

// Cache is the process-wide descriptor store. It maps (kind, qualified
// name) to a built callable descriptor with reference semantics: repeat
// lookups return the identical instance, never a copy. The cache holds the
// owning reference; values handed to interpreter code alias it.
type Cache struct {
	sync.RWMutex
	descriptors map[string]*Callable
	logger      *zap.Logger
}

// NewCache creates an empty descriptor cache.
func NewCache(logger *zap.Logger) *Cache {
	return &Cache{
		descriptors: make(map[string]*Callable),
		logger:      logger.With(zap.String("component", "descriptor-cache")),
	}
}

func cacheKey(info *metadata.CallableInfo) string {
	return info.Kind.String() + ":" + info.QualifiedName()
}

// Get retrieves a cached descriptor.
func (c *Cache) Get(key string) (*Callable, bool) {
	c.RLock()
	defer c.RUnlock()
	d, ok := c.descriptors[key]
	return d, ok
}

// Put stores a descriptor, returning the winner if another construction
// raced it in first. Construction is idempotent either way.
func (c *Cache) Put(key string, d *Callable) *Callable {
	c.Lock()
	defer c.Unlock()
	if prior, ok := c.descriptors[key]; ok {
		return prior
	}
	c.descriptors[key] = d

	c.logger.Debug("Descriptor cached",
		zap.String("key", key),
		zap.Int("args", d.nargs),
	)
	return d
}

// Len returns the number of cached descriptors.
func (c *Cache) Len() int {
	c.RLock()
	defer c.RUnlock()
	return len(c.descriptors)
}
