package core

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors a node's current state for both Prometheus export and
// the observability HTTP surface's JSON snapshot.
type Metrics struct {
	Height        uint64 `json:"height"`
	LastHash      string `json:"last_hash"`
	PendingTxns   int    `json:"pending_txns"`
	PeerCount     int    `json:"peer_count"`
	MemAlloc      uint64 `json:"mem_alloc"`
	NumGoroutines int    `json:"goroutines"`
	Timestamp     int64  `json:"timestamp"`
}

// MetricsCollector owns the Prometheus registry and gauges fed from the
// RecordKeeper and NetworkClient on a fixed interval.
type MetricsCollector struct {
	rk     *RecordKeeper
	client *NetworkClient

	registry *prometheus.Registry

	heightGauge     prometheus.Gauge
	pendingGauge    prometheus.Gauge
	peerCountGauge  prometheus.Gauge
	memAllocGauge   prometheus.Gauge
	goroutineGauge  prometheus.Gauge
	blocksAccepted  prometheus.Counter
	blocksRejected  prometheus.Counter
	txnsAccepted    prometheus.Counter
	forgeAttempts   prometheus.Counter
}

func NewMetricsCollector(rk *RecordKeeper, client *NetworkClient) *MetricsCollector {
	reg := prometheus.NewRegistry()
	m := &MetricsCollector{
		rk:       rk,
		client:   client,
		registry: reg,
		heightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plotchain_block_height",
			Help: "Current block height of the node",
		}),
		pendingGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plotchain_pending_txns",
			Help: "Number of pending transactions in the mempool",
		}),
		peerCountGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plotchain_peer_count",
			Help: "Number of active sessions across all shards",
		}),
		memAllocGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plotchain_mem_alloc_bytes",
			Help: "Current heap allocation in bytes",
		}),
		goroutineGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "plotchain_goroutines",
			Help: "Number of running goroutines",
		}),
		blocksAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plotchain_blocks_accepted_total",
			Help: "Total blocks accepted by AddBlock",
		}),
		blocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plotchain_blocks_rejected_total",
			Help: "Total blocks rejected by AddBlock",
		}),
		txnsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plotchain_txns_accepted_total",
			Help: "Total transactions accepted into the mempool",
		}),
		forgeAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "plotchain_forge_attempts_total",
			Help: "Total forging attempts, successful or not",
		}),
	}
	reg.MustRegister(
		m.heightGauge, m.pendingGauge, m.peerCountGauge, m.memAllocGauge,
		m.goroutineGauge, m.blocksAccepted, m.blocksRejected, m.txnsAccepted,
		m.forgeAttempts,
	)
	return m
}

func (m *MetricsCollector) Registry() *prometheus.Registry { return m.registry }

func (m *MetricsCollector) BlockAccepted()  { m.blocksAccepted.Inc() }
func (m *MetricsCollector) BlockRejected()  { m.blocksRejected.Inc() }
func (m *MetricsCollector) TxnAccepted()    { m.txnsAccepted.Inc() }
func (m *MetricsCollector) ForgeAttempted() { m.forgeAttempts.Inc() }

// Snapshot gathers current metrics from the RecordKeeper, the network
// client and the Go runtime.
func (m *MetricsCollector) Snapshot() Metrics {
	out := Metrics{Timestamp: time.Now().Unix(), NumGoroutines: runtime.NumGoroutine()}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out.MemAlloc = mem.Alloc

	if m.rk != nil {
		head, height := m.rk.CurrentHead()
		out.Height = height
		out.LastHash = head.Hex()
		out.PendingTxns = m.rk.PendingCount()
	}
	if m.client != nil {
		out.PeerCount = m.client.PeerCount()
	}
	return out
}

// Record updates every gauge from a fresh Snapshot.
func (m *MetricsCollector) Record() {
	s := m.Snapshot()
	m.heightGauge.Set(float64(s.Height))
	m.pendingGauge.Set(float64(s.PendingTxns))
	m.peerCountGauge.Set(float64(s.PeerCount))
	m.memAllocGauge.Set(float64(s.MemAlloc))
	m.goroutineGauge.Set(float64(s.NumGoroutines))
}

// Run records metrics on interval until done is closed.
func (m *MetricsCollector) Run(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Record()
		case <-done:
			return
		}
	}
}
