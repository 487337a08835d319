package transport

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var processStart = time.Now()

// handleHealth reports liveness plus coarse host statistics.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"pid":    os.Getpid(),
		"uptime": time.Since(processStart).Round(time.Second).String(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		payload["memoryUsedPercent"] = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		payload["cpuPercent"] = percents[0]
	}

	writeJSON(w, http.StatusOK, payload)
}
