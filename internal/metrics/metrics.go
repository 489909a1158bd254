// ============================================================================
// idmgr Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 觀察 Registry 的 ID 分配，並透過 /metrics 暴露給 Prometheus
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - idmgr_task_ids_issued_total: 已發出的 task id 總數
//      - idmgr_thrd_ids_allocated_total{role}: 依角色分配的 thread id 總數
//      - idmgr_regst_desc_ids_issued_total: 已發出的 regst desc id 總數
//      - idmgr_allocation_failures_total{reason}: 被拒絕的分配請求
//
//   2. 狀態指標 (Gauge) - 瞬時值：
//      - idmgr_machines: 拓撲中的機器數
//      - idmgr_devices_per_machine: 每台機器的裝置數
//
// Prometheus 查詢示例:
//
//   # 每分鐘發出的 task id
//   rate(idmgr_task_ids_issued_total[1m])
//
//   # 區段耗盡告警
//   increase(idmgr_allocation_failures_total{reason="band_exhausted"}[5m]) > 0
//
// 性能考慮:
//   - Counter/Gauge 操作是原子的，線程安全
//   - 不以 machine / thread 作為 label，避免高基數
//
// ============================================================================

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/idmgr/pkg/types"
)

// Collector Prometheus 指標收集器，實作 idmgr.Observer
type Collector struct {
	// 分配計數
	taskIDsIssued      prometheus.Counter
	thrdIDsAllocated   *prometheus.CounterVec
	regstDescIDsIssued prometheus.Counter
	allocationFailures *prometheus.CounterVec

	// 拓撲狀態
	machines          prometheus.Gauge
	devicesPerMachine prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 prometheus.DefaultRegisterer
func NewCollector() *Collector {
	c := &Collector{
		taskIDsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idmgr_task_ids_issued_total",
			Help: "Total number of task ids issued",
		}),
		thrdIDsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idmgr_thrd_ids_allocated_total",
			Help: "Total number of thread ids allocated, by role",
		}, []string{"role"}),
		regstDescIDsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idmgr_regst_desc_ids_issued_total",
			Help: "Total number of register descriptor ids issued",
		}),
		allocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idmgr_allocation_failures_total",
			Help: "Total number of refused allocations, by reason",
		}, []string{"reason"}),
		machines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idmgr_machines",
			Help: "Number of machines in the topology",
		}),
		devicesPerMachine: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idmgr_devices_per_machine",
			Help: "Number of device slots per machine",
		}),
	}

	// 註冊所有指標
	prometheus.MustRegister(c.taskIDsIssued)
	prometheus.MustRegister(c.thrdIDsAllocated)
	prometheus.MustRegister(c.regstDescIDsIssued)
	prometheus.MustRegister(c.allocationFailures)
	prometheus.MustRegister(c.machines)
	prometheus.MustRegister(c.devicesPerMachine)

	return c
}

// TaskIDIssued 記錄發出一個 task id
func (c *Collector) TaskIDIssued(machineID, thrdID int64) {
	c.taskIDsIssued.Inc()
}

// ThrdIDAllocated 記錄分配一個角色執行緒
func (c *Collector) ThrdIDAllocated(role types.ThrdRole) {
	c.thrdIDsAllocated.WithLabelValues(string(role)).Inc()
}

// RegstDescIDIssued 記錄發出一個 regst desc id
func (c *Collector) RegstDescIDIssued() {
	c.regstDescIDsIssued.Inc()
}

// AllocationFailed 記錄被拒絕的分配
func (c *Collector) AllocationFailed(reason string) {
	c.allocationFailures.WithLabelValues(reason).Inc()
}

// SetTopology 設置拓撲狀態
func (c *Collector) SetTopology(machines, devicesPerMachine int64) {
	c.machines.Set(float64(machines))
	c.devicesPerMachine.Set(float64(devicesPerMachine))
}

// NewServer 建立 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//
// 返回值：
//   - *http.Server: 由呼叫端負責 ListenAndServe / Shutdown
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ListenAndServe 啟動伺服器，正常關閉時回傳 nil
func ListenAndServe(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
