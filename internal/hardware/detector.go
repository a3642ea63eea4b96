package hardware

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/computeswarm/swarm-backend/internal/models"
)

// Capabilities is what the agent advertises when it registers its node.
type Capabilities struct {
	GPUType    models.GPUType
	DeviceName string
	VRAMGB     decimal.Decimal
	NumGPUs    int

	// System context, reported for operator visibility only.
	SystemRAMGB decimal.Decimal
	CPUCores    int
}

// Detector probes the host for usable compute. Detection order is
// CUDA -> MPS -> ROCm -> CPU fallback, mirroring what sellers actually run.
type Detector struct {
	logger *zap.Logger
}

// NewDetector creates a hardware detector.
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// Detect probes the host. It never fails: when no GPU is found the node is
// still sellable as a CPU offer.
func (d *Detector) Detect(ctx context.Context) Capabilities {
	caps := Capabilities{
		GPUType: models.GPUTypeCPU,
		NumGPUs: 1,
	}

	if counts, err := cpu.Counts(true); err == nil {
		caps.CPUCores = counts
	}
	var totalRAMGB decimal.Decimal
	if vm, err := mem.VirtualMemory(); err == nil {
		totalRAMGB = decimal.NewFromFloat(float64(vm.Total) / (1 << 30)).Round(2)
		caps.SystemRAMGB = totalRAMGB
	}

	if cuda, ok := d.detectCUDA(ctx); ok {
		cuda.SystemRAMGB = caps.SystemRAMGB
		cuda.CPUCores = caps.CPUCores
		return cuda
	}
	if mps, ok := d.detectMPS(totalRAMGB); ok {
		mps.SystemRAMGB = caps.SystemRAMGB
		mps.CPUCores = caps.CPUCores
		return mps
	}
	if rocm, ok := d.detectROCm(ctx); ok {
		rocm.SystemRAMGB = caps.SystemRAMGB
		rocm.CPUCores = caps.CPUCores
		return rocm
	}

	d.logger.Info("no GPU detected, offering CPU compute")
	caps.DeviceName = runtime.GOARCH + " cpu"
	return caps
}

// detectCUDA shells out to nvidia-smi for device name and VRAM, one line
// per GPU.
func (d *Detector) detectCUDA(ctx context.Context) (Capabilities, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return Capabilities{}, false
	}

	lines := nonEmptyLines(string(out))
	if len(lines) == 0 {
		return Capabilities{}, false
	}

	name, vramMB := parseSMILine(lines[0])
	caps := Capabilities{
		GPUType:    models.GPUTypeCUDA,
		DeviceName: name,
		VRAMGB:     decimal.NewFromFloat(vramMB / 1024).Round(2),
		NumGPUs:    len(lines),
	}
	d.logger.Info("CUDA GPU detected",
		zap.String("device", caps.DeviceName),
		zap.String("vram_gb", caps.VRAMGB.String()),
		zap.Int("num_gpus", caps.NumGPUs),
	)
	return caps, true
}

// detectMPS treats any Apple Silicon host as one MPS device. Unified memory
// is shared with the system, so advertise 75% of RAM as usable VRAM, same
// heuristic the seller tooling has always used.
func (d *Detector) detectMPS(totalRAMGB decimal.Decimal) (Capabilities, bool) {
	if runtime.GOOS != "darwin" || runtime.GOARCH != "arm64" {
		return Capabilities{}, false
	}

	vram := decimal.NewFromInt(16)
	if !totalRAMGB.IsZero() {
		vram = totalRAMGB.Mul(decimal.NewFromFloat(0.75)).Round(2)
	}
	caps := Capabilities{
		GPUType:    models.GPUTypeMPS,
		DeviceName: "Apple Silicon",
		VRAMGB:     vram,
		NumGPUs:    1,
	}
	d.logger.Info("MPS device detected", zap.String("vram_gb", caps.VRAMGB.String()))
	return caps, true
}

// detectROCm shells out to rocm-smi; parsing is minimal since the fleet is
// overwhelmingly CUDA/MPS.
func (d *Detector) detectROCm(ctx context.Context) (Capabilities, bool) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "rocm-smi", "--showproductname").Output()
	if err != nil || !strings.Contains(string(out), "GPU") {
		return Capabilities{}, false
	}
	caps := Capabilities{
		GPUType:    models.GPUTypeROCm,
		DeviceName: "AMD GPU",
		NumGPUs:    1,
	}
	d.logger.Info("ROCm GPU detected")
	return caps, true
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}

// parseSMILine splits "NVIDIA RTX 4090, 24564" into name and VRAM in MB.
func parseSMILine(line string) (string, float64) {
	parts := strings.Split(line, ",")
	name := strings.TrimSpace(parts[0])
	var vramMB float64
	if len(parts) > 1 {
		if v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err == nil {
			vramMB = v
		}
	}
	return name, vramMB
}
