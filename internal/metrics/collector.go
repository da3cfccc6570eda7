package metrics

import (
	"os"
	"time"

	"transcoderexpress/internal/logging"
)

// StatsProvider interface for collecting stats
type StatsProvider interface {
	GetStats() Stats
}

// Stats holds the current pipeline statistics
type Stats struct {
	// JobsByState maps a job state name to the number of jobs in it.
	JobsByState   map[string]int
	QueueDepth    int
	QueueCapacity int
	WorkersBusy   int
}

// Total returns the number of jobs across all states.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.JobsByState {
		n += c
	}
	return n
}

// Collector periodically collects and updates metrics
type Collector struct {
	statsProvider StatsProvider
	dbPath        string
	interval      time.Duration
	stopChan      chan struct{}
}

// NewCollector creates a new metrics collector. dbPath may be empty when the
// registry runs without persistence.
func NewCollector(provider StatsProvider, dbPath string, interval time.Duration) *Collector {
	return &Collector{
		statsProvider: provider,
		dbPath:        dbPath,
		interval:      interval,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the metrics collection loop
func (c *Collector) Start() {
	go c.collectLoop()
}

// Stop stops the metrics collection
func (c *Collector) Stop() {
	close(c.stopChan)
}

func (c *Collector) collectLoop() {
	// Collect immediately on start
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectDBSize()

	if c.statsProvider == nil {
		return
	}

	stats := c.statsProvider.GetStats()

	for state, n := range stats.JobsByState {
		JobsByState.WithLabelValues(state).Set(float64(n))
	}
	QueueDepth.Set(float64(stats.QueueDepth))
	QueueCapacity.Set(float64(stats.QueueCapacity))
	WorkersBusy.Set(float64(stats.WorkersBusy))

	logging.Debug("Metrics collected: jobs=%d, queue=%d/%d, busy=%d",
		stats.Total(), stats.QueueDepth, stats.QueueCapacity, stats.WorkersBusy)
}

func (c *Collector) collectDBSize() {
	if c.dbPath == "" {
		return
	}

	files := map[string]string{
		"main": c.dbPath,
		"wal":  c.dbPath + "-wal",
		"shm":  c.dbPath + "-shm",
	}

	for label, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			DBSizeBytes.WithLabelValues(label).Set(0)
			continue
		}
		DBSizeBytes.WithLabelValues(label).Set(float64(info.Size()))
	}
}
