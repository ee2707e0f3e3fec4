package dedup

import (
	"sync"
	"time"

	"larkgate/internal/logger"
	"larkgate/pkg/metrics"
)

// Clock abstracts wall time so tests can drive the retention window
// deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// Cache is a time-windowed set of delivery ids. An id recorded within the
// retention window suppresses reprocessing; the periodic sweep evicts older
// entries, after which a retried delivery is treated as new. State is
// process-lifetime only.
type Cache struct {
	name          string
	window        time.Duration
	sweepInterval time.Duration
	clock         Clock
	logger        logger.Logger

	mu      sync.Mutex
	entries map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewCache(name string, window, sweepInterval time.Duration, clock Clock, log logger.Logger) *Cache {
	if clock == nil {
		clock = SystemClock()
	}
	return &Cache{
		name:          name,
		window:        window,
		sweepInterval: sweepInterval,
		clock:         clock,
		logger:        log,
		entries:       make(map[string]time.Time),
		stop:          make(chan struct{}),
	}
}

// Seen reports whether id was recorded within the retention window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(id)
}

// Record marks id as seen now.
func (c *Cache) Record(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = c.clock.Now()
	metrics.DedupCacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// CheckAndRecord atomically checks and records id, returning true on first
// sight. Concurrent retries of the same delivery must not both pass the
// check, so the check and the record share one critical section.
func (c *Cache) CheckAndRecord(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.seenLocked(id) {
		metrics.DedupChecksTotal.WithLabelValues(c.name, "duplicate").Inc()
		return false
	}

	c.entries[id] = c.clock.Now()
	metrics.DedupChecksTotal.WithLabelValues(c.name, "unique").Inc()
	metrics.DedupCacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
	return true
}

func (c *Cache) seenLocked(id string) bool {
	seenAt, ok := c.entries[id]
	if !ok {
		return false
	}
	// An expired entry still in the map must not suppress reprocessing.
	return c.clock.Now().Sub(seenAt) <= c.window
}

// Len returns the current number of entries, swept or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries older than the retention window and returns the
// eviction count.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	evicted := 0
	for id, seenAt := range c.entries {
		if now.Sub(seenAt) > c.window {
			delete(c.entries, id)
			evicted++
		}
	}

	if evicted > 0 {
		metrics.DedupSweepEvictionsTotal.WithLabelValues(c.name).Add(float64(evicted))
	}
	metrics.DedupCacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
	return evicted
}

// Start launches the background sweep. The sweep is owned by the cache and
// stops with it; it is not an ambient process-wide timer.
func (c *Cache) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				evicted := c.Sweep()
				if evicted > 0 && c.logger != nil {
					c.logger.Debugw("Dedup sweep evicted entries",
						"cache", c.name,
						"evicted", evicted,
					)
				}
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop terminates the background sweep. Safe to call more than once.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.wg.Wait()
}
