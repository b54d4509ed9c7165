package monitor

import (
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// GPUStat is one device's utilization as reported by nvidia-smi.
type GPUStat struct {
	Index       int     `json:"index"`
	Name        string  `json:"name"`
	UtilPct     float64 `json:"utilization_pct"`
	MemUsedMB   float64 `json:"memory_used_mb"`
	MemTotalMB  float64 `json:"memory_total_mb"`
	Temperature float64 `json:"temperature_c"`
}

// ResourceSnapshot is a point-in-time view of host utilization during a
// training run.
type ResourceSnapshot struct {
	CPUPct     float64   `json:"cpu_pct"`
	MemPct     float64   `json:"mem_pct"`
	MemUsedGB  float64   `json:"mem_used_gb"`
	MemTotalGB float64   `json:"mem_total_gb"`
	DiskPct    float64   `json:"disk_pct"`
	GPUs       []GPUStat `json:"gpus,omitempty"`
}

// Warnings lists utilization levels that usually precede a failed run.
func (s ResourceSnapshot) Warnings() []string {
	var warnings []string
	if s.MemPct > 90 {
		warnings = append(warnings, fmt.Sprintf("host memory at %.0f%%", s.MemPct))
	}
	if s.DiskPct > 90 {
		warnings = append(warnings, fmt.Sprintf("disk at %.0f%%, checkpoints may fail to save", s.DiskPct))
	}
	for _, gpu := range s.GPUs {
		if gpu.MemTotalMB > 0 && gpu.MemUsedMB/gpu.MemTotalMB > 0.95 {
			warnings = append(warnings, fmt.Sprintf("gpu %d memory at %.0f%%, OOM likely", gpu.Index, 100*gpu.MemUsedMB/gpu.MemTotalMB))
		}
	}
	return warnings
}

// Snapshot samples host CPU, memory, disk, and any visible GPUs. GPU
// probing failures are ignored, CPU-only hosts are a supported case.
func Snapshot(dataDir string) (ResourceSnapshot, error) {
	var snapshot ResourceSnapshot

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snapshot.CPUPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return snapshot, fmt.Errorf("failed to read memory stats: %w", err)
	}
	snapshot.MemPct = vm.UsedPercent
	snapshot.MemUsedGB = float64(vm.Used) / (1 << 30)
	snapshot.MemTotalGB = float64(vm.Total) / (1 << 30)

	if dataDir == "" {
		dataDir = "/"
	}
	if usage, err := disk.Usage(dataDir); err == nil {
		snapshot.DiskPct = usage.UsedPercent
	}

	snapshot.GPUs, _ = queryGPUs()
	return snapshot, nil
}

const gpuQueryFields = "index,name,utilization.gpu,memory.used,memory.total,temperature.gpu"

func queryGPUs() ([]GPUStat, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu="+gpuQueryFields,
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi not available: %w", err)
	}
	return parseGPUCSV(string(out))
}

func parseGPUCSV(raw string) ([]GPUStat, error) {
	reader := csv.NewReader(strings.NewReader(raw))
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}

	var stats []GPUStat
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		var gpu GPUStat
		gpu.Index, _ = strconv.Atoi(strings.TrimSpace(row[0]))
		gpu.Name = strings.TrimSpace(row[1])
		gpu.UtilPct, _ = strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
		gpu.MemUsedMB, _ = strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
		gpu.MemTotalMB, _ = strconv.ParseFloat(strings.TrimSpace(row[4]), 64)
		gpu.Temperature, _ = strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		stats = append(stats, gpu)
	}
	return stats, nil
}
