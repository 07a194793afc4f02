package cache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluele/gcache"
	logger "github.com/harwoeck/liblog/contract"
)

// DefaultEvictionThreshold is used when Config.EvictionThreshold is zero.
const DefaultEvictionThreshold = 4 * time.Hour

// ErrNotFound is returned when a key isn't part of the inventory. Returned
// errors wrap it together with the key, so use errors.Is to check for it.
var ErrNotFound = errors.New("cache: key not found")

// EvictedFunc is an information callback that is called after an item has been
// evicted from the cache. It isn't called for Purge.
type EvictedFunc func(key interface{}, object interface{})

// Config provides all options for a Cache. The zero value is valid and results
// in a 4 hour eviction threshold without background reaper.
type Config struct {
	// EvictionThreshold is how long an item must stay unrequested before it
	// gets evicted. Busy items are never evicted. For example: 4 * time.Hour
	EvictionThreshold time.Duration
	// ReapInterval is the minimum amount of time between background reaper
	// runs. Zero disables the reaper. For example: 1 * time.Minute
	ReapInterval time.Duration
	// MaxReapInterval is the maximum amount of time between background reaper
	// runs. Defaults to the EvictionThreshold.
	MaxReapInterval time.Duration
	// Clock is the time source of the cache. Defaults to gcache.NewRealClock()
	Clock gcache.Clock
}

// Stats are lookup statistics of a Cache
type Stats struct {
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Cache is a thread-safe object cache. A single mutex guards the whole
// inventory, so every operation serializes against every other.
type Cache struct {
	log       logger.Logger
	threshold time.Duration
	clock     gcache.Clock
	evicted   EvictedFunc
	inventory gcache.Cache
	mu        sync.Mutex

	reapMin   time.Duration
	reapMax   time.Duration
	closeOnce sync.Once
	closeSig  chan struct{}
	reaperWg  sync.WaitGroup
}

// New creates a new Cache. config may be nil to use the defaults. evicted is
// optional and is called in its own go routine for every evicted item.
func New(config *Config, evicted EvictedFunc, log logger.Logger) (*Cache, error) {
	if config == nil {
		config = &Config{}
	}
	if config.EvictionThreshold < 0 {
		return nil, fmt.Errorf("cache: eviction threshold cannot be %v! Must not be negative", config.EvictionThreshold)
	}
	if config.ReapInterval < 0 {
		return nil, fmt.Errorf("cache: reap interval cannot be %v! Must not be negative", config.ReapInterval)
	}

	c := &Cache{
		log:       log.Named("cache"),
		threshold: config.EvictionThreshold,
		clock:     config.Clock,
		evicted:   evicted,
		reapMin:   config.ReapInterval,
		reapMax:   config.MaxReapInterval,
		closeSig:  make(chan struct{}),
	}
	if c.threshold == 0 {
		c.threshold = DefaultEvictionThreshold
	}
	if c.clock == nil {
		c.clock = gcache.NewRealClock()
	}
	if c.evicted == nil {
		// set to empty callback
		c.evicted = func(_ interface{}, _ interface{}) {}
	}
	// size 0 keeps the simple cache unbounded; it never evicts on its own
	c.inventory = gcache.New(0).Simple().Clock(c.clock).Build()

	if c.reapMin > 0 {
		if c.reapMax == 0 {
			c.reapMax = c.threshold
		}
		if c.reapMin > c.reapMax {
			return nil, fmt.Errorf("cache: config.ReapInterval must not be greater than config.MaxReapInterval")
		}
		c.startReaper()
	}

	return c, nil
}

// EvictionThreshold returns the idle duration after which unused items are
// evicted.
func (c *Cache) EvictionThreshold() time.Duration {
	return c.threshold
}

// Put stores object under key. A previous item stored under the same key is
// dropped. Leases on the dropped item stay valid but no longer keep anything
// in the inventory alive.
func (c *Cache) Put(key interface{}, object interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Set on a simple cache without serializer never fails
	_ = c.inventory.Set(key, newItem(object, c.clock))
}

// Get requests the object cached under key. The item is touched and an
// eviction sweep runs before the Lease is returned. The caller must Release
// the Lease once it no longer uses the object.
func (c *Cache) Get(key interface{}) (*Lease, error) {
	var evicted []evictedItem
	lease, err := func() (*Lease, error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		it, err := c.lookup(key)
		if err != nil {
			return nil, err
		}

		it.touch()
		it.acquire()
		evicted = c.evictLocked()

		return &Lease{key: key, item: it}, nil
	}()
	c.notify(evicted)
	return lease, err
}

// Do requests the object cached under key and passes it to fn. The Lease is
// released once fn returns, even if it panics.
func (c *Cache) Do(key interface{}, fn func(object interface{}) error) error {
	lease, err := c.Get(key)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn(lease.Object())
}

// Purge removes the item cached under key and returns its object.
func (c *Cache) Purge(key interface{}) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, err := c.lookup(key)
	if err != nil {
		return nil, err
	}

	c.inventory.Remove(key)
	return it.object, nil
}

// Evict removes all items that aren't busy and have been idle for at least
// the eviction threshold. It returns the evicted objects, so callers can
// clean them up (e.g. close sessions).
func (c *Cache) Evict() []interface{} {
	c.mu.Lock()
	evicted := c.evictLocked()
	c.mu.Unlock()

	c.notify(evicted)

	objects := make([]interface{}, 0, len(evicted))
	for _, e := range evicted {
		objects = append(objects, e.object)
	}
	return objects
}

// Contains reports whether key is part of the inventory. It neither touches
// the item nor triggers an eviction sweep.
func (c *Cache) Contains(key interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inventory.Has(key)
}

// Len returns the number of cached items
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.inventory.Len(false)
}

// Stats returns the lookup statistics of Get, Do and Purge.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.inventory.HitCount(),
		Misses:  c.inventory.MissCount(),
		HitRate: c.inventory.HitRate(),
	}
}

// Close stops the background reaper and evicts every item that isn't busy,
// regardless of how long it has been idle. The evicted callback is called
// for those items before Close returns. Busy items stay in the inventory.
// Close is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.closeSig)
		c.reaperWg.Wait()

		c.mu.Lock()
		var evicted []evictedItem
		for key, value := range c.inventory.GetALL(false) {
			it := value.(*item)
			if it.busy() {
				continue
			}
			c.inventory.Remove(key)
			evicted = append(evicted, evictedItem{key: key, object: it.object})
		}
		remaining := c.inventory.Len(false)
		c.mu.Unlock()

		c.log.Debug("closed cache",
			logger.NewField("evicted", len(evicted)),
			logger.NewField("busy", remaining))

		for _, e := range evicted {
			c.evicted(e.key, e.object)
		}
	})
}

func (c *Cache) lookup(key interface{}) (*item, error) {
	value, err := c.inventory.GetIFPresent(key)
	if err != nil {
		if errors.Is(err, gcache.KeyNotFoundError) {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, key)
		}

		return nil, fmt.Errorf("cache: getting item errored: %w", err)
	}
	return value.(*item), nil
}

type evictedItem struct {
	key    interface{}
	object interface{}
}

// evictLocked must be called with c.mu held. It iterates over a snapshot of
// the inventory, so removing items during the sweep is safe.
func (c *Cache) evictLocked() []evictedItem {
	now := c.clock.Now().UTC()
	snapshot := c.inventory.GetALL(false)

	busy := 0
	var evicted []evictedItem
	for key, value := range snapshot {
		it := value.(*item)
		if it.busy() {
			busy++
			continue
		}
		if it.idle(now) < c.threshold {
			continue
		}

		c.inventory.Remove(key)
		evicted = append(evicted, evictedItem{key: key, object: it.object})
	}

	c.log.Debug("evicted unused items",
		logger.NewField("total", len(snapshot)-len(evicted)),
		logger.NewField("evicted", len(evicted)),
		logger.NewField("busy", busy))

	return evicted
}

func (c *Cache) notify(evicted []evictedItem) {
	for _, e := range evicted {
		go c.evicted(e.key, e.object)
	}
}
