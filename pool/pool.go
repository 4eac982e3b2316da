// Package pool implements the per-domain circuit pool (C7): a manager that
// keeps warm rendezvous circuits per onion domain, building a new one only
// when no existing worker is healthy, evicts workers that go unhealthy, and
// bounds the number of distinct domains it will track at once with an LRU
// policy. The pool_size setting is not consulted: the number of workers per
// domain is not capped.
package pool

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/teiid/garlic/config"
	"github.com/teiid/garlic/directory"
	"github.com/teiid/garlic/onion"
	"github.com/teiid/garlic/racer"
)

// maxConcurrentIdlePings bounds how many domain pools are health-swept at
// once during IdlePing, so a manager tracking max_domains worth of pools
// doesn't spawn hundreds of goroutines in one tick.
const maxConcurrentIdlePings = 8

// Outcome is what a caller reports back through Return after using a Worker.
type Outcome int

const (
	// OutcomeOK reports a successful round-trip with no latency measurement.
	OutcomeOK Outcome = iota
	// OutcomeOKLatency reports a successful round-trip along with its latency.
	OutcomeOKLatency
	// OutcomeErr reports a failed round-trip.
	OutcomeErr
)

// EvictReason explains why a Worker was torn down, reported in logs only.
type EvictReason string

const (
	ReasonNotConnected    EvictReason = "not_connected"
	ReasonUnhealthy       EvictReason = "unhealthy"
	ReasonDegraded        EvictReason = "degraded"
	ReasonTooManyFailures EvictReason = "too_many_failures"
)

const latencyHistory = 10

// Worker is one pooled rendezvous circuit for a domain.
type Worker struct {
	ID        uuid.UUID
	circuit   *onion.BuiltCircuit
	createdAt time.Time

	mu           sync.Mutex
	streamCount  int
	failures     int
	latenciesMS  []int64
	notConnected bool
}

func (w *Worker) recordOutcome(o Outcome, latencyMS int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch o {
	case OutcomeOKLatency:
		w.latenciesMS = append(w.latenciesMS, latencyMS)
		if len(w.latenciesMS) > latencyHistory {
			w.latenciesMS = w.latenciesMS[len(w.latenciesMS)-latencyHistory:]
		}
		w.failures = 0
	case OutcomeErr:
		w.failures++
	}
}

// healthyLocked reports whether w may still be handed out. Must be called with
// w.mu held or on a worker not yet shared.
func (w *Worker) healthyLocked(cfg *config.Config) bool {
	if w.notConnected || w.circuit == nil {
		return false
	}
	if w.circuit.Circuit != nil && !w.circuit.Circuit.Alive() {
		return false
	}
	if w.failures >= cfg.MaxConsecutiveFailures {
		return false
	}
	if w.streamCount >= cfg.MaxStreamCount {
		return false
	}
	if time.Since(w.createdAt) >= time.Duration(cfg.MaxCircuitAgeMS)*time.Millisecond {
		return false
	}
	if w.degradedLocked(cfg) {
		return false
	}
	return true
}

func (w *Worker) degradedLocked(cfg *config.Config) bool {
	if len(w.latenciesMS) < 3 {
		return false
	}
	var sum int64
	for _, l := range w.latenciesMS {
		sum += l
	}
	mean := sum / int64(len(w.latenciesMS))
	return mean > cfg.LatencyThresholdMS
}

func (w *Worker) close() {
	if w.circuit != nil {
		_ = w.circuit.LinkCloser.Close()
	}
}

// domainPool holds the workers for a single onion domain; their number is
// not capped by cfg.PoolSize.
type domainPool struct {
	mu      sync.Mutex
	workers []*Worker
}

// Manager is the single-owner per-process pool of domainPools, bounded by
// config.MaxDomains and evicted LRU-first. All state — the domain map and
// the LRU list — is guarded by one mutex per §5's atomicity requirement.
type Manager struct {
	cfg        *config.Config
	consensus  *directory.Consensus
	httpClient *http.Client
	builder    onion.CircuitBuilder
	logger     *slog.Logger

	mu      sync.Mutex
	domains map[string]*list.Element // domain -> LRU element
	lru     *list.List               // front = most recently used
}

type lruEntry struct {
	domain string
	pool   *domainPool
}

// NewManager constructs a pool manager. consensus and httpClient are used to
// resolve onion descriptors and race rendezvous circuits on demand.
func NewManager(cfg *config.Config, consensus *directory.Consensus, httpClient *http.Client, builder onion.CircuitBuilder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		consensus:  consensus,
		httpClient: httpClient,
		builder:    builder,
		logger:     logger,
		domains:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

// ensurePool returns the domainPool for domain, creating it (and evicting the
// LRU domain if that would push the tracked set past MaxDomains) if absent.
// Touching a domain — creating or reusing its pool — moves it to the front
// of the LRU list.
func (m *Manager) ensurePool(domain string) *domainPool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.domains[domain]; ok {
		m.lru.MoveToFront(el)
		return el.Value.(*lruEntry).pool
	}

	if m.cfg.MaxDomains > 0 && len(m.domains) >= m.cfg.MaxDomains {
		back := m.lru.Back()
		if back != nil {
			evicted := back.Value.(*lruEntry)
			m.logger.Info("pool: evicting LRU domain", "domain", evicted.domain)
			evicted.pool.terminate()
			delete(m.domains, evicted.domain)
			m.lru.Remove(back)
		}
	}

	dp := &domainPool{}
	el := m.lru.PushFront(&lruEntry{domain: domain, pool: dp})
	m.domains[domain] = el
	return dp
}

// terminate closes every worker in the pool, used on eviction and shutdown.
func (dp *domainPool) terminate() {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for _, w := range dp.workers {
		w.close()
	}
	dp.workers = nil
}

// Acquire hands out a healthy Worker for domain, building a fresh rendezvous
// circuit via the racer if the pool is empty or every existing worker is
// unhealthy. Worker construction is asynchronous from the caller's point of
// view only in the sense that it blocks this call on a racer run; callers
// that cannot wait should use a context deadline.
func (m *Manager) Acquire(ctx context.Context, domain string) (*Worker, error) {
	dp := m.ensurePool(domain)

	dp.mu.Lock()
	for i := 0; i < len(dp.workers); i++ {
		w := dp.workers[i]
		w.mu.Lock()
		if w.notConnected || w.circuit == nil {
			w.mu.Unlock()
			dp.removeLocked(i)
			m.logger.Debug("pool: evicting worker", "domain", domain, "reason", ReasonNotConnected)
			i--
			continue
		}
		if !w.healthyLocked(m.cfg) {
			w.mu.Unlock()
			dp.removeLocked(i)
			m.logger.Debug("pool: evicting worker", "domain", domain, "reason", ReasonUnhealthy)
			i--
			continue
		}
		w.streamCount++
		w.mu.Unlock()
		dp.mu.Unlock()
		return w, nil
	}
	dp.mu.Unlock()

	w, err := m.buildWorker(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("pool: build worker for %s: %w", domain, err)
	}

	dp.mu.Lock()
	dp.workers = append(dp.workers, w)
	w.mu.Lock()
	w.streamCount++
	w.mu.Unlock()
	dp.mu.Unlock()
	return w, nil
}

func (dp *domainPool) removeLocked(i int) {
	dp.workers = append(dp.workers[:i], dp.workers[i+1:]...)
}

// buildWorker races a fresh rendezvous circuit for domain and wraps it as a
// new Worker. domain is a bare .onion address (no scheme, no port).
func (m *Manager) buildWorker(ctx context.Context, domain string) (*Worker, error) {
	built, _, err := racer.RaceCircuit(ctx, domain, m.consensus, m.httpClient, m.builder, m.cfg.RaceOpts, m.logger)
	if err != nil {
		return &Worker{ID: uuid.New(), notConnected: true}, err
	}
	return &Worker{
		ID:        uuid.New(),
		circuit:   built,
		createdAt: time.Now(),
	}, nil
}

// OpenStream opens a stream to address:port on w's circuit. The circuit
// outlives this one stream; closing the returned handle does not tear down
// the underlying link.
func (w *Worker) OpenStream(address string, port uint16) (io.ReadWriteCloser, error) {
	return onion.OpenStreamOnWorker(w.circuit, address, port)
}

// Return reports the outcome of using w back to the pool, applying the
// eviction rules from the return semantics: an {Ok, lat} outcome resets the
// failure count and records the latency sample; Err increments it and evicts
// once the consecutive-failure bound is hit; either way a worker that is no
// longer healthy is evicted immediately.
func (m *Manager) Return(domain string, w *Worker, outcome Outcome, latencyMS int64) {
	w.recordOutcome(outcome, latencyMS)

	dp := m.ensurePool(domain)
	dp.mu.Lock()
	defer dp.mu.Unlock()

	w.mu.Lock()
	healthy := w.healthyLocked(m.cfg)
	tooManyFailures := outcome == OutcomeErr && w.failures >= m.cfg.MaxConsecutiveFailures
	w.mu.Unlock()

	if healthy && !tooManyFailures {
		return
	}

	reason := ReasonUnhealthy
	if tooManyFailures {
		reason = ReasonTooManyFailures
	} else if outcome == OutcomeOKLatency {
		reason = ReasonDegraded
	}
	m.logger.Debug("pool: evicting worker on return", "domain", domain, "reason", reason)

	for i, cand := range dp.workers {
		if cand == w {
			dp.removeLocked(i)
			break
		}
	}
	w.close()
}

// IdlePing sweeps every tracked domain's pool and evicts dead or unhealthy
// workers. Intended to be called periodically (e.g. from a ticker goroutine)
// so idle, rotten circuits don't linger until the next Acquire. Each domain's
// sweep runs on its own goroutine, bounded by a semaphore so a manager
// tracking many domains doesn't fan out unbounded work in one tick.
func (m *Manager) IdlePing(ctx context.Context) {
	m.mu.Lock()
	pools := make([]*domainPool, 0, len(m.domains))
	for _, el := range m.domains {
		pools = append(pools, el.Value.(*lruEntry).pool)
	}
	m.mu.Unlock()

	sem := semaphore.NewWeighted(maxConcurrentIdlePings)
	var wg sync.WaitGroup
	for _, dp := range pools {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(dp *domainPool) {
			defer wg.Done()
			defer sem.Release(1)
			m.sweepPool(dp)
		}(dp)
	}
	wg.Wait()
}

func (m *Manager) sweepPool(dp *domainPool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	for i := 0; i < len(dp.workers); i++ {
		w := dp.workers[i]
		w.mu.Lock()
		healthy := w.healthyLocked(m.cfg)
		w.mu.Unlock()
		if !healthy {
			w.close()
			dp.removeLocked(i)
			i--
		}
	}
}

// Close terminates every domain pool's workers. Call on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for el := m.lru.Front(); el != nil; el = el.Next() {
		el.Value.(*lruEntry).pool.terminate()
	}
	m.domains = make(map[string]*list.Element)
	m.lru = list.New()
}
