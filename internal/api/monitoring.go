package api

import (
	"net/http"
	"runtime"
	"time"
)

const mb = 1024 * 1024

func (a *API) uptime() time.Duration {
	return time.Since(a.started)
}

func heapUsagePercent(m *runtime.MemStats) float64 {
	if m.HeapSys == 0 {
		return 0
	}
	return float64(m.HeapInuse) / float64(m.HeapSys) * 100
}

func (a *API) MonitoringHealthHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	usage := heapUsagePercent(&m)
	status := "HEALTHY"
	if usage > 90 {
		status = "WARNING"
	}

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":                  status,
		"memory_usage_percentage": usage,
		"uptime_ms":               a.uptime().Milliseconds(),
		"uptime_seconds":          int64(a.uptime().Seconds()),
		"goroutine_count":         runtime.NumGoroutine(),
	})
}

func (a *API) MemoryHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"application_memory": map[string]interface{}{
			"heap_alloc_mb":    m.HeapAlloc / mb,
			"heap_inuse_mb":    m.HeapInuse / mb,
			"heap_sys_mb":      m.HeapSys / mb,
			"stack_inuse_mb":   m.StackInuse / mb,
			"sys_mb":           m.Sys / mb,
			"usage_percentage": heapUsagePercent(&m),
			"gc_cycles":        m.NumGC,
		},
		"system_info": map[string]interface{}{
			"available_processors": runtime.NumCPU(),
			"go_version":           runtime.Version(),
		},
		"timestamp": time.Now().UnixMilli(),
	})
}

func (a *API) SummaryHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	a.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"app_memory_used_mb":          m.HeapAlloc / mb,
		"app_memory_sys_mb":           m.Sys / mb,
		"app_memory_usage_percentage": heapUsagePercent(&m),
		"processors":                  runtime.NumCPU(),
		"goroutines":                  runtime.NumGoroutine(),
		"uptime_seconds":              int64(a.uptime().Seconds()),
		"active_rooms":                a.hub.RoomCount(),
		"active_clients":              a.hub.ClientCount(),
	})
}
