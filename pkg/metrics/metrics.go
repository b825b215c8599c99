package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Module lifecycle metrics
	ModulesLoaded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helium_modules_loaded",
			Help: "Number of modules currently loaded, by state",
		},
		[]string{"state"},
	)

	ModuleLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helium_module_load_duration_seconds",
			Help:    "Time taken to compile and load a module",
			Buckets: prometheus.DefBuckets,
		},
	)

	ModuleExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_module_executions_total",
			Help: "Total module executions by outcome",
		},
		[]string{"module", "outcome"},
	)

	ModuleExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helium_module_execution_duration_seconds",
			Help:    "Guest execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"module"},
	)

	GasConsumed = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helium_gas_consumed",
			Help:    "Gas (fuel) consumed per execution",
			Buckets: []float64{1000, 10000, 100000, 1000000, 10000000},
		},
		[]string{"module"},
	)

	ModuleTraps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_module_traps_total",
			Help: "Total module traps/panics by module",
		},
		[]string{"module"},
	)

	// VFS metrics
	VFSOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_vfs_operations_total",
			Help: "Total VFS operations by op and result",
		},
		[]string{"op", "result"},
	)

	VFSOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helium_vfs_operation_duration_seconds",
			Help:    "VFS operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	VFSOpenDescriptors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helium_vfs_open_descriptors",
			Help: "Number of currently open file descriptors",
		},
	)

	// Capability metrics
	CapabilityChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_capability_checks_total",
			Help: "Total capability checks by result",
		},
		[]string{"result"},
	)

	CapabilityGrants = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helium_capability_grants_total",
			Help: "Total capability grants issued",
		},
	)

	CapabilityRevocations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helium_capability_revocations_total",
			Help: "Total capability revocations processed",
		},
	)

	// Router metrics
	RouterDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "helium_router_dispatch_duration_seconds",
			Help:    "Router dispatch duration in seconds by message type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"message_type"},
	)

	RouterDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_router_dispatch_total",
			Help: "Total router dispatches by message type and result",
		},
		[]string{"message_type", "result"},
	)

	IPCMailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helium_ipc_mailbox_depth",
			Help: "Current depth of a module's IPC mailbox",
		},
		[]string{"module"},
	)

	// Governance metrics
	GovernanceOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_governance_operations_total",
			Help: "Total governance operations by kind and result",
		},
		[]string{"op", "result"},
	)

	CodeIDHighWatermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helium_code_id_high_watermark",
			Help: "Highest code_id assigned by store-code",
		},
	)

	InstalledModules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helium_installed_modules",
			Help: "Number of modules currently installed via governance",
		},
	)

	StoredCodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helium_stored_codes",
			Help: "Number of code blobs in the code registry",
		},
	)

	// Block lifecycle metrics
	BlockHeight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helium_block_height",
			Help: "Last height the host finalized",
		},
	)

	FinalizeBlockDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helium_finalize_block_duration_seconds",
			Help:    "Time taken to finalize a block",
			Buckets: prometheus.DefBuckets,
		},
	)

	TxProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helium_tx_processed_total",
			Help: "Total transactions processed by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(ModulesLoaded)
	prometheus.MustRegister(ModuleLoadDuration)
	prometheus.MustRegister(ModuleExecutions)
	prometheus.MustRegister(ModuleExecutionDuration)
	prometheus.MustRegister(GasConsumed)
	prometheus.MustRegister(ModuleTraps)

	prometheus.MustRegister(VFSOperations)
	prometheus.MustRegister(VFSOperationDuration)
	prometheus.MustRegister(VFSOpenDescriptors)

	prometheus.MustRegister(CapabilityChecks)
	prometheus.MustRegister(CapabilityGrants)
	prometheus.MustRegister(CapabilityRevocations)

	prometheus.MustRegister(RouterDispatchDuration)
	prometheus.MustRegister(RouterDispatchTotal)
	prometheus.MustRegister(IPCMailboxDepth)

	prometheus.MustRegister(GovernanceOperations)
	prometheus.MustRegister(CodeIDHighWatermark)
	prometheus.MustRegister(InstalledModules)
	prometheus.MustRegister(StoredCodes)

	prometheus.MustRegister(BlockHeight)
	prometheus.MustRegister(FinalizeBlockDuration)
	prometheus.MustRegister(TxProcessed)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
