package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/procfs"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-interview/internal/config"
	"github.com/stemsi/exstem-interview/internal/response"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// Pinger is a dependency whose reachability is reported by /health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HostStats reports how busy this host is.
type HostStats interface {
	ActiveCount() int
}

// DeviceStats reports connected candidate pages.
type DeviceStats interface {
	Count() int
}

// SystemHandler reports host health and streams runtime metrics via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	db        Pinger
	sessions  HostStats
	devices   DeviceStats
	startTime time.Time
	cpuModel  string
	log       zerolog.Logger

	// CPU delta state
	prevIdle  float64
	prevTotal float64
}

// NewSystemHandler creates a new SystemHandler. db may be nil.
func NewSystemHandler(rdb *redis.Client, db Pinger, sessions HostStats, devices DeviceStats, log zerolog.Logger) *SystemHandler {
	h := &SystemHandler{
		rdb:       rdb,
		db:        db,
		sessions:  sessions,
		devices:   devices,
		startTime: time.Now(),
		cpuModel:  readCPUModel(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
	// Seed initial CPU reading so the first tick gets a real delta
	h.prevIdle, h.prevTotal, _ = readCPUStat()
	return h
}

// ---------- Health ----------

type healthStatus struct {
	Status           string            `json:"status"`
	Checks           map[string]string `json:"checks"`
	ActiveSessions   int               `json:"active_sessions"`
	ConnectedDevices int               `json:"connected_devices"`
	Uptime           string            `json:"uptime"`
}

// Health godoc
// GET /health
// Reports dependency reachability. Returns 503 when a dependency is down.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	status := healthStatus{
		Status:           "ok",
		Checks:           map[string]string{},
		ActiveSessions:   h.sessions.ActiveCount(),
		ConnectedDevices: h.devices.Count(),
		Uptime:           formatDuration(time.Since(h.startTime)),
	}
	check := func(name string, err error) {
		if err != nil {
			status.Status = "degraded"
			status.Checks[name] = err.Error()
			return
		}
		status.Checks[name] = "ok"
	}

	check("redis", h.rdb.Ping(ctx).Err())
	if h.db != nil {
		check("postgres", h.db.Ping(ctx))
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	response.Success(c, code, status)
}

// ---------- SSE Endpoint ----------

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// OS
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	MemPercent     float64 `json:"mem_percent"`
	DiskUsedBytes  uint64  `json:"disk_used_bytes"`
	DiskTotalBytes uint64  `json:"disk_total_bytes"`
	DiskPercent    float64 `json:"disk_percent"`
	LoadAvg1       float64 `json:"load_avg_1"`
	LoadAvg5       float64 `json:"load_avg_5"`
	LoadAvg15      float64 `json:"load_avg_15"`

	// Go Application
	Goroutines  int    `json:"goroutines"`
	HeapAlloc   uint64 `json:"heap_alloc"`
	HeapSys     uint64 `json:"heap_sys"`
	NumGC       uint32 `json:"num_gc"`
	AppRSSBytes uint64 `json:"app_rss_bytes"`
	GoVersion   string `json:"go_version"`
	NumCPU      int    `json:"num_cpu"`
	CPUModel    string `json:"cpu_model"`

	// Interviews
	ActiveSessions   int   `json:"active_sessions"`
	ConnectedDevices int   `json:"connected_devices"`
	QueueProctoring  int64 `json:"queue_proctoring"`
	QueueResults     int64 `json:"queue_results"`
}

// SystemMetricsSSE godoc
// GET /api/v1/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Client connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Client disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	m := h.collect(c.Request.Context())
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	m := systemMetrics{
		Timestamp:        time.Now().Unix(),
		Uptime:           formatDuration(time.Since(h.startTime)),
		GoVersion:        runtime.Version(),
		NumCPU:           runtime.NumCPU(),
		CPUModel:         h.cpuModel,
		ActiveSessions:   h.sessions.ActiveCount(),
		ConnectedDevices: h.devices.Count(),
	}

	// ── CPU ──
	idle, total, err := readCPUStat()
	if err == nil && total > h.prevTotal {
		m.CPUPercent = (1 - (idle-h.prevIdle)/(total-h.prevTotal)) * 100
		h.prevIdle = idle
		h.prevTotal = total
	}

	// ── Memory ──
	if memTotal, memAvail, err := readMemInfo(); err == nil && memTotal > 0 {
		m.MemTotalBytes = memTotal
		m.MemUsedBytes = memTotal - memAvail
		m.MemPercent = float64(m.MemUsedBytes) / float64(memTotal) * 100
	}

	// ── Disk ──
	if diskTotal, diskFree, err := readDisk("/"); err == nil && diskTotal > 0 {
		m.DiskTotalBytes = diskTotal
		m.DiskUsedBytes = diskTotal - diskFree
		m.DiskPercent = float64(m.DiskUsedBytes) / float64(diskTotal) * 100
	}

	// ── Load Average ──
	if fs, err := procfs.NewDefaultFS(); err == nil {
		if load, err := fs.LoadAvg(); err == nil {
			m.LoadAvg1, m.LoadAvg5, m.LoadAvg15 = load.Load1, load.Load5, load.Load15
		}
	}

	// ── Go Runtime ──
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Goroutines = runtime.NumGoroutine()
	m.HeapAlloc = ms.HeapAlloc
	m.HeapSys = ms.Sys
	m.NumGC = ms.NumGC

	// ── App RSS ──
	m.AppRSSBytes, _ = readProcessRSS()

	// ── Persistence Queues ──
	m.QueueProctoring, _ = h.rdb.LLen(ctx, config.WorkerKey.PersistProctoringQueue).Result()
	m.QueueResults, _ = h.rdb.LLen(ctx, config.WorkerKey.PersistResultsQueue).Result()

	return m
}

// ---------- /proc Readers ----------

// readCPUStat returns aggregate idle and total CPU seconds.
func readCPUStat() (idle, total float64, err error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return 0, 0, err
	}
	c := stat.CPUTotal
	total = c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	return c.Idle, total, nil
}

// readCPUModel returns the model name of the first CPU.
func readCPUModel() string {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return "Unknown"
	}
	infos, err := fs.CPUInfo()
	if err != nil || len(infos) == 0 || infos[0].ModelName == "" {
		return "Unknown"
	}
	return infos[0].ModelName
}

// readMemInfo returns MemTotal and MemAvailable in bytes.
func readMemInfo() (total, available uint64, err error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, 0, err
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return 0, 0, err
	}
	if mi.MemTotal == nil || mi.MemAvailable == nil {
		return 0, 0, fmt.Errorf("meminfo incomplete")
	}
	return *mi.MemTotal * 1024, *mi.MemAvailable * 1024, nil
}

// readDisk uses syscall.Statfs to get disk usage.
func readDisk(path string) (total, free uint64, err error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free = stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}

// readProcessRSS returns the resident set size of this process.
func readProcessRSS() (uint64, error) {
	self, err := procfs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}

// ---------- Helpers ----------

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
