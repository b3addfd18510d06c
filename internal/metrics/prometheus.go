package metrics

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects index service metrics and exposes them in Prometheus text
// format. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Counters
	cacheHits     atomic.Uint64
	cacheMisses   atomic.Uint64
	evictions     atomic.Uint64
	commits       atomic.Uint64
	rollbacks     atomic.Uint64
	searches      atomic.Uint64
	docsIndexed   atomic.Uint64
	docsDeleted   atomic.Uint64
	errorsTotal   atomic.Uint64
	firstStartups atomic.Uint64
	reopens       atomic.Uint64

	// Gauges
	openServices atomic.Int64
	branchDocs   sync.Map // branch path -> live docs at the last commit

	// Histograms (simplified as averages)
	loadLatencySum   atomic.Uint64
	loadLatencyN     atomic.Uint64
	commitLatencySum atomic.Uint64
	commitLatencyN   atomic.Uint64
	searchLatencySum atomic.Uint64
	searchLatencyN   atomic.Uint64

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// RecordCacheHit records a branch service served from the cache.
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Add(1)
}

// RecordLoad records a cache miss that built a branch service.
func (m *Metrics) RecordLoad(latency time.Duration) {
	if m == nil {
		return
	}
	m.cacheMisses.Add(1)
	m.loadLatencySum.Add(uint64(latency.Microseconds()))
	m.loadLatencyN.Add(1)
}

// RecordEviction records a branch service leaving the cache.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.evictions.Add(1)
}

// RecordCommit records a commit and the resulting document count.
func (m *Metrics) RecordCommit(branch string, docs int, latency time.Duration) {
	if m == nil {
		return
	}
	m.commits.Add(1)
	m.commitLatencySum.Add(uint64(latency.Microseconds()))
	m.commitLatencyN.Add(1)
	m.branchDocs.Store(branch, int64(docs))
}

// RecordRollback records a rollback.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Add(1)
}

// RecordSearch records one search primitive call.
func (m *Metrics) RecordSearch(latency time.Duration) {
	if m == nil {
		return
	}
	m.searches.Add(1)
	m.searchLatencySum.Add(uint64(latency.Microseconds()))
	m.searchLatencyN.Add(1)
}

// RecordIndexed records documents added or updated.
func (m *Metrics) RecordIndexed(count int) {
	if m == nil {
		return
	}
	m.docsIndexed.Add(uint64(count))
}

// RecordDeleted records delete requests.
func (m *Metrics) RecordDeleted(count int) {
	if m == nil {
		return
	}
	m.docsDeleted.Add(uint64(count))
}

// RecordFirstStartup records a bootstrap of an empty MAIN.
func (m *Metrics) RecordFirstStartup() {
	if m == nil {
		return
	}
	m.firstStartups.Add(1)
}

// RecordReopen records a reopen of a branch.
func (m *Metrics) RecordReopen() {
	if m == nil {
		return
	}
	m.reopens.Add(1)
}

// RecordError records an error.
func (m *Metrics) RecordError() {
	if m == nil {
		return
	}
	m.errorsTotal.Add(1)
}

// ServiceOpened increments the open branch services gauge.
func (m *Metrics) ServiceOpened() {
	if m == nil {
		return
	}
	m.openServices.Add(1)
}

// ServiceClosed decrements the open branch services gauge.
func (m *Metrics) ServiceClosed() {
	if m == nil {
		return
	}
	m.openServices.Add(-1)
}

// ForgetBranch drops the per-branch gauges of a purged branch.
func (m *Metrics) ForgetBranch(branch string) {
	if m == nil {
		return
	}
	m.branchDocs.Delete(branch)
}

func writeMetric(w http.ResponseWriter, name, kind, help string, value any) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
	switch v := value.(type) {
	case float64:
		fmt.Fprintf(w, "%s %.2f\n\n", name, v)
	default:
		fmt.Fprintf(w, "%s %d\n\n", name, v)
	}
}

func average(sum, n *atomic.Uint64) (float64, bool) {
	count := n.Load()
	if count == 0 {
		return 0, false
	}
	return float64(sum.Load()) / float64(count) / 1000.0, true // ms
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		writeMetric(w, "revindex_uptime_seconds", "gauge", "Time since the index service started", time.Since(m.startTime).Seconds())
		writeMetric(w, "revindex_cache_hits_total", "counter", "Branch services served from the cache", m.cacheHits.Load())
		writeMetric(w, "revindex_cache_misses_total", "counter", "Branch services built on a cache miss", m.cacheMisses.Load())
		writeMetric(w, "revindex_evictions_total", "counter", "Branch services evicted from the cache", m.evictions.Load())
		writeMetric(w, "revindex_commits_total", "counter", "Commits", m.commits.Load())
		writeMetric(w, "revindex_rollbacks_total", "counter", "Rollbacks", m.rollbacks.Load())
		writeMetric(w, "revindex_searches_total", "counter", "Search primitive calls", m.searches.Load())
		writeMetric(w, "revindex_docs_indexed_total", "counter", "Documents added or updated", m.docsIndexed.Load())
		writeMetric(w, "revindex_docs_deleted_total", "counter", "Delete requests", m.docsDeleted.Load())
		writeMetric(w, "revindex_first_startups_total", "counter", "Bootstraps of an empty MAIN", m.firstStartups.Load())
		writeMetric(w, "revindex_reopens_total", "counter", "Branch reopens", m.reopens.Load())
		writeMetric(w, "revindex_errors_total", "counter", "Total errors", m.errorsTotal.Load())
		writeMetric(w, "revindex_open_branch_services", "gauge", "Branch services currently cached", m.openServices.Load())

		if avg, ok := average(&m.loadLatencySum, &m.loadLatencyN); ok {
			writeMetric(w, "revindex_load_latency_ms", "gauge", "Average branch service load latency", avg)
		}
		if avg, ok := average(&m.commitLatencySum, &m.commitLatencyN); ok {
			writeMetric(w, "revindex_commit_latency_ms", "gauge", "Average commit latency", avg)
		}
		if avg, ok := average(&m.searchLatencySum, &m.searchLatencyN); ok {
			writeMetric(w, "revindex_search_latency_ms", "gauge", "Average search latency", avg)
		}

		fmt.Fprintf(w, "# HELP revindex_branch_docs Live documents per branch at its last commit\n")
		fmt.Fprintf(w, "# TYPE revindex_branch_docs gauge\n")
		docs := make(map[string]int64)
		m.branchDocs.Range(func(key, value any) bool {
			docs[key.(string)] = value.(int64)
			return true
		})
		for _, branch := range slices.Sorted(maps.Keys(docs)) {
			fmt.Fprintf(w, "revindex_branch_docs{branch=\"%s\"} %d\n", branch, docs[branch])
		}
	}
}

// Snapshot holds current metric values.
type Snapshot struct {
	CacheHits     uint64
	CacheMisses   uint64
	Evictions     uint64
	Commits       uint64
	Rollbacks     uint64
	Searches      uint64
	DocsIndexed   uint64
	DocsDeleted   uint64
	FirstStartups uint64
	Reopens       uint64
	ErrorsTotal   uint64
	OpenServices  int64
	UptimeSeconds float64
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		CacheHits:     m.cacheHits.Load(),
		CacheMisses:   m.cacheMisses.Load(),
		Evictions:     m.evictions.Load(),
		Commits:       m.commits.Load(),
		Rollbacks:     m.rollbacks.Load(),
		Searches:      m.searches.Load(),
		DocsIndexed:   m.docsIndexed.Load(),
		DocsDeleted:   m.docsDeleted.Load(),
		FirstStartups: m.firstStartups.Load(),
		Reopens:       m.reopens.Load(),
		ErrorsTotal:   m.errorsTotal.Load(),
		OpenServices:  m.openServices.Load(),
		UptimeSeconds: time.Since(m.startTime).Seconds(),
	}
}
