package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthResponse is returned by /health
type HealthResponse struct {
	Databases  map[string]string `json:"databases"`
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	CPUPercent float64           `json:"cpu_percent"`
	MemPercent float64           `json:"mem_percent"`
	Goroutines int               `json:"goroutines"`
}

// DBInfo describes one database file
type DBInfo struct {
	Name          string  `json:"name"`
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	FreelistPages int64   `json:"freelist_pages"`
}

// handleHealth reports process health and pings every database.
// Any failing database turns the status to degraded and the response code to 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Databases:  make(map[string]string, len(s.cfg.Databases)),
		Status:     "healthy",
		Service:    "fundwatch",
		Goroutines: runtime.NumGoroutine(),
	}
	resp.CPUPercent, resp.MemPercent = s.getSystemStats()

	status := http.StatusOK
	for name, db := range s.cfg.Databases {
		if err := db.QuickCheck(ctx); err != nil {
			resp.Databases[name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Databases[name] = "ok"
	}

	s.writeJSON(w, status, resp)
}

// getSystemStats returns CPU and RAM usage percentages.
// CPU is sampled over 100ms to keep the endpoint fast.
func (s *Server) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		s.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return cpuPercent[0], 0
	}
	return cpuPercent[0], memStat.UsedPercent
}

// handleDatabaseStats returns file statistics for every database
func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.cfg.Databases))
	for name := range s.cfg.Databases {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]DBInfo, 0, len(names))
	for _, name := range names {
		db := s.cfg.Databases[name]
		stats, err := db.GetStats()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		infos = append(infos, DBInfo{
			Name:          name,
			Path:          db.Path(),
			SizeMB:        float64(stats.SizeBytes) / 1024 / 1024,
			WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
			FreelistPages: stats.FreelistCount,
		})
	}

	s.writeJSON(w, http.StatusOK, infos)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error as {"error": "..."}
func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// queryInt parses an integer query parameter, falling back to def
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
