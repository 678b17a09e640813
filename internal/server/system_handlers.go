package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/foliotrack/foliotrack/internal/database"
	"github.com/foliotrack/foliotrack/internal/reliability"
)

// SystemHandlers handles system monitoring and operations endpoints
type SystemHandlers struct {
	log           zerolog.Logger
	dataDir       string
	startupTime   time.Time
	databases     map[string]*database.DB
	backupService *reliability.BackupService
}

// NewSystemHandlers creates a new system handlers instance.
// backupService may be nil when backups are not configured.
func NewSystemHandlers(log zerolog.Logger, dataDir string, databases map[string]*database.DB, backupService *reliability.BackupService) *SystemHandlers {
	return &SystemHandlers{
		log:           log.With().Str("component", "system_handlers").Logger(),
		dataDir:       dataDir,
		startupTime:   time.Now(),
		databases:     databases,
		backupService: backupService,
	}
}

// HandleHealth handles GET /api/system/health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	dbStatus := make(map[string]string, len(h.databases))
	healthy := true
	for name, db := range h.databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			dbStatus[name] = "error: " + err.Error()
			healthy = false
		} else {
			dbStatus[name] = "ok"
		}
	}

	response := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.startupTime).Seconds()),
		"databases":      dbStatus,
		"system":         h.systemStats(),
	}
	if !healthy {
		response["status"] = "degraded"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, response)
}

// systemStats collects host resource usage. Failures degrade to partial
// stats rather than failing the health check.
func (h *SystemHandlers) systemStats() map[string]interface{} {
	stats := make(map[string]interface{})

	if cpuPercent, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPercent) > 0 {
		stats["cpu_percent"] = cpuPercent[0]
	}

	if memStat, err := mem.VirtualMemory(); err == nil {
		stats["memory_percent"] = memStat.UsedPercent
		stats["memory_used_mb"] = memStat.Used / 1024 / 1024
	}

	if diskStat, err := disk.Usage(h.dataDir); err == nil {
		stats["disk_percent"] = diskStat.UsedPercent
		stats["disk_free_mb"] = diskStat.Free / 1024 / 1024
	}

	return stats
}

// HandleBackup handles POST /api/system/backup
func (h *SystemHandlers) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if h.backupService == nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": "backups not configured",
		})
		return
	}

	if err := h.backupService.CreateAndUploadBackup(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Manual backup failed")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"backup": "completed"})
}

// HandleListBackups handles GET /api/system/backups
func (h *SystemHandlers) HandleListBackups(w http.ResponseWriter, r *http.Request) {
	if h.backupService == nil {
		h.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": []interface{}{}})
		return
	}

	backups, err := h.backupService.ListBackups(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list backups")
		h.writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"backups": backups})
}

// writeJSON writes a JSON response
func (h *SystemHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
