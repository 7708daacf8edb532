// Package hardware inventories the host and its PCI graphics cards.
package hardware

import (
	"fmt"
	"runtime"

	"github.com/dustin/go-humanize"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Host summarizes the machine.
type Host struct {
	Hostname        string
	OS              string
	Platform        string
	KernelVersion   string
	CPUModel        string
	CPUFeatures     []string
	Cores           int
	Threads         int
	MemoryTotal     uint64
	MemoryAvailable uint64
}

// GPU is a graphics card found on the PCI bus. It need not be usable by
// any compute backend.
type GPU struct {
	Index   int
	Address string
	Vendor  string
	Product string
	Driver  string
}

func (g GPU) String() string {
	return fmt.Sprintf("%d %s %s %s (driver %s)", g.Index, g.Address, g.Vendor, g.Product, g.Driver)
}

// Inventory is a point-in-time hardware snapshot.
type Inventory struct {
	Host Host
	GPUs []GPU
}

// Detect gathers the inventory. GPU enumeration failures are logged and
// leave GPUs empty; host probe failures are returned alongside the partial
// result.
func Detect(logger *zap.Logger) (*Inventory, error) {
	inv := &Inventory{}
	var errs error

	inv.Host.Threads = runtime.NumCPU()
	if info, err := host.Info(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("host info: %w", err))
	} else {
		inv.Host.Hostname = info.Hostname
		inv.Host.OS = info.OS
		inv.Host.Platform = info.Platform
		inv.Host.KernelVersion = info.KernelVersion
	}

	if infos, err := cpu.Info(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("cpu info: %w", err))
	} else if len(infos) > 0 {
		inv.Host.CPUModel = infos[0].ModelName
	}
	if inv.Host.CPUModel == "" {
		inv.Host.CPUModel = cpuid.CPU.BrandName
	}
	if cores, err := cpu.Counts(false); err == nil {
		inv.Host.Cores = cores
	} else {
		inv.Host.Cores = cpuid.CPU.PhysicalCores
	}
	inv.Host.CPUFeatures = cpuFeatures()

	if vm, err := mem.VirtualMemory(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("memory info: %w", err))
	} else {
		inv.Host.MemoryTotal = vm.Total
		inv.Host.MemoryAvailable = vm.Available
	}

	info, err := ghw.GPU(ghw.WithDisableWarnings())
	if err != nil {
		logger.Warn("Failed to enumerate graphics cards", zap.Error(err))
	} else {
		for _, card := range info.GraphicsCards {
			inv.GPUs = append(inv.GPUs, gpuFromCard(card))
		}
	}

	return inv, errs
}

// hashFeatures are the instruction set extensions that speed up the
// software backend's hashing and field arithmetic.
var hashFeatures = []cpuid.FeatureID{cpuid.SHA, cpuid.AVX2, cpuid.AVX512F, cpuid.BMI2, cpuid.ADX}

func cpuFeatures() []string {
	var out []string
	for _, f := range hashFeatures {
		if cpuid.CPU.Supports(f) {
			out = append(out, f.String())
		}
	}
	return out
}

func gpuFromCard(card *gpu.GraphicsCard) GPU {
	g := GPU{
		Index:   card.Index,
		Address: card.Address,
		Vendor:  "unknown",
		Product: "unknown",
	}
	if d := card.DeviceInfo; d != nil {
		if d.Vendor != nil && d.Vendor.Name != "" {
			g.Vendor = d.Vendor.Name
		}
		if d.Product != nil && d.Product.Name != "" {
			g.Product = d.Product.Name
		}
		g.Driver = d.Driver
	}
	return g
}

// Log writes the inventory at Info level.
func (inv *Inventory) Log(logger *zap.Logger) {
	logger.Info("Host",
		zap.String("hostname", inv.Host.Hostname),
		zap.String("platform", inv.Host.Platform),
		zap.String("cpu", inv.Host.CPUModel),
		zap.Int("cores", inv.Host.Cores),
		zap.Int("threads", inv.Host.Threads),
		zap.Strings("cpu_features", inv.Host.CPUFeatures),
		zap.String("memory", humanize.IBytes(inv.Host.MemoryTotal)),
		zap.String("memory_available", humanize.IBytes(inv.Host.MemoryAvailable)),
		zap.Int("graphics_cards", len(inv.GPUs)))
	for _, g := range inv.GPUs {
		logger.Debug("Graphics card",
			zap.Int("index", g.Index),
			zap.String("address", g.Address),
			zap.String("vendor", g.Vendor),
			zap.String("product", g.Product),
			zap.String("driver", g.Driver))
	}
}
