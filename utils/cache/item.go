package cache

import (
	"sync"
	"time"

	"github.com/bluele/gcache"
	"go.uber.org/atomic"
)

// item is a single entry of the cache inventory. It tracks when its object
// was last requested and how many leases on it are outstanding.
type item struct {
	object       interface{}
	clock        gcache.Clock
	lastAccessed time.Time
	leases       atomic.Int32
}

func newItem(object interface{}, clock gcache.Clock) *item {
	it := &item{
		object: object,
		clock:  clock,
	}
	it.touch()
	return it
}

// busy reports whether at least one Lease on the item is outstanding. A busy
// item is never evicted, regardless of how long it has been idle.
func (i *item) busy() bool {
	return i.leases.Load() > 0
}

func (i *item) touch() {
	i.lastAccessed = i.clock.Now().UTC()
}

func (i *item) idle(now time.Time) time.Duration {
	return now.Sub(i.lastAccessed)
}

func (i *item) acquire() {
	i.leases.Inc()
}

func (i *item) release() {
	i.leases.Dec()
}

// Lease is an active checkout of a cached object. As long as it isn't
// released the item it was taken from stays busy and can't be evicted.
type Lease struct {
	key  interface{}
	item *item
	once sync.Once
}

// Key returns the key the object was requested with
func (l *Lease) Key() interface{} {
	return l.key
}

// Object returns the leased object
func (l *Lease) Object() interface{} {
	return l.item.object
}

// Release ends the checkout. Calling it more than once has no effect.
func (l *Lease) Release() {
	l.once.Do(l.item.release)
}
