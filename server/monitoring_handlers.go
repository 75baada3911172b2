package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"videoCourse/core"
)

// metricsSource 能报告队列指标的队列实现
type metricsSource interface {
	GetMetrics() core.QueueMetrics
}

// health 健康检查
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"services": map[string]string{
			"queue":        "active",
			"vector_store": "active",
		},
	}
	services := health["services"].(map[string]string)
	if s.Queue == nil {
		services["queue"] = "inactive"
		health["status"] = "degraded"
	}
	if s.Searcher == nil {
		services["vector_store"] = "inactive"
		health["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, health)
}

// stats 运行时与队列统计
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	stats := map[string]any{
		"memory": map[string]any{
			"alloc":        humanize.Bytes(m.Alloc),
			"sys":          humanize.Bytes(m.Sys),
			"num_gc":       m.NumGC,
			"heap_objects": m.HeapObjects,
		},
		"runtime": map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"cpu_count":  runtime.NumCPU(),
			"go_version": runtime.Version(),
		},
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"timestamp": time.Now().Unix(),
	}

	if src, ok := s.Queue.(metricsSource); ok {
		qm := src.GetMetrics()
		stats["queue"] = map[string]any{
			"total_jobs":     qm.TotalJobs,
			"completed_jobs": qm.CompletedJobs,
			"failed_jobs":    qm.FailedJobs,
			"active_jobs":    qm.ActiveJobs,
			"average_time":   qm.AverageTime.String(),
		}
	}

	writeJSON(w, http.StatusOK, stats)
}
