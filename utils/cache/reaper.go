package cache

import (
	"time"

	logger "github.com/harwoeck/liblog/contract"
)

func (c *Cache) startReaper() {
	reap := func() time.Duration {
		evicted := c.Evict()

		next := c.untilNextEviction()
		if next < c.reapMin {
			next = c.reapMin
		} else if next > c.reapMax {
			next = c.reapMax
		}

		c.log.Debug("reaper run finished",
			logger.NewField("evicted", len(evicted)),
			logger.NewField("next_run", next))

		return next
	}

	c.reaperWg.Add(1)
	go func() {
		defer c.reaperWg.Done()

		t := time.NewTicker(c.reapMin)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				t.Reset(reap())
			case <-c.closeSig:
				return
			}
		}
	}()
}

// untilNextEviction returns how long it takes until the next currently unused
// item reaches the eviction threshold. Busy items are ignored, because they
// may stay busy for an arbitrary amount of time.
func (c *Cache) untilNextEviction() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now().UTC()
	next := c.reapMax
	for _, value := range c.inventory.GetALL(false) {
		it := value.(*item)
		if it.busy() {
			continue
		}
		if wait := c.threshold - it.idle(now); wait < next {
			next = wait
		}
	}
	return next
}
