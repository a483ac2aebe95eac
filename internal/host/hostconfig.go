package host

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"a64fx-hwb/internal/config"
	"a64fx-hwb/internal/logging"

	"github.com/sirupsen/logrus"
)

// HostConfig contains host system information.
// This is initialized once at startup and used throughout the broker.
type HostConfig struct {
	// CPU Information
	CPUVendor  string
	CPUModel   string
	OnlineCPUs []int
	TotalCores int

	// System Information
	Hostname      string
	OSInfo        string
	KernelVersion string
}

// Known values of the arm64 "CPU implementer" field.
var implementers = map[string]string{
	"0x41": "ARM",
	"0x46": "Fujitsu",
}

var (
	globalHostConfig *HostConfig
	hostConfigOnce   sync.Once
	hostConfigErr    error
)

// GetHostConfig returns the global host configuration.
// It initializes the configuration on first call.
func GetHostConfig() (*HostConfig, error) {
	hostConfigOnce.Do(func() {
		globalHostConfig, hostConfigErr = Probe("/")
	})
	return globalHostConfig, hostConfigErr
}

// Probe reads host information below root, which is "/" outside of tests.
func Probe(root string) (*HostConfig, error) {
	logger := logging.GetLogger()

	hc := &HostConfig{}
	hc.initSystemInfo(root)
	hc.initCPUInfo(root)
	if err := hc.initOnlineCPUs(root); err != nil {
		return nil, fmt.Errorf("failed to read online CPUs: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"hostname":    hc.Hostname,
		"cpu_vendor":  hc.CPUVendor,
		"cpu_model":   hc.CPUModel,
		"online_cpus": config.FormatCPUSpec(hc.OnlineCPUs),
	}).Debug("Host configuration initialized")
	return hc, nil
}

// IsA64FX reports whether the host CPU is a Fujitsu A64FX.
func (hc *HostConfig) IsA64FX() bool {
	return hc.CPUVendor == "Fujitsu" && (hc.CPUModel == "0x001" || strings.Contains(hc.CPUModel, "A64FX"))
}

func (hc *HostConfig) initSystemInfo(root string) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hc.Hostname = hostname
	hc.OSInfo = runtime.GOOS + "/" + runtime.GOARCH

	if data, err := os.ReadFile(filepath.Join(root, "proc/version")); err == nil {
		version := strings.Fields(string(data))
		if len(version) >= 3 {
			hc.KernelVersion = version[2]
		}
	}
	if hc.KernelVersion == "" {
		hc.KernelVersion = "unknown"
	}
}

func (hc *HostConfig) initCPUInfo(root string) {
	hc.CPUVendor = "unknown"
	hc.CPUModel = "unknown"

	file, err := os.Open(filepath.Join(root, "proc/cpuinfo"))
	if err != nil {
		return
	}
	defer file.Close()

	var vendor, model string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "vendor_id":
			if vendor == "" {
				vendor = value
			}
		case "CPU implementer":
			if vendor == "" {
				vendor = value
				if name, ok := implementers[value]; ok {
					vendor = name
				}
			}
		case "model name":
			if model == "" {
				model = value
			}
		case "CPU part":
			if model == "" {
				model = value
			}
		}
	}
	if vendor != "" {
		hc.CPUVendor = vendor
	}
	if model != "" {
		hc.CPUModel = model
	}
}

func (hc *HostConfig) initOnlineCPUs(root string) error {
	data, err := os.ReadFile(filepath.Join(root, "sys/devices/system/cpu/online"))
	if err != nil {
		// Without sysfs fall back to the CPUs the runtime can see.
		hc.OnlineCPUs = make([]int, runtime.NumCPU())
		for i := range hc.OnlineCPUs {
			hc.OnlineCPUs[i] = i
		}
		hc.TotalCores = len(hc.OnlineCPUs)
		return nil
	}
	cpus, err := config.ParseCPUSpec(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}
	hc.OnlineCPUs = cpus
	hc.TotalCores = len(cpus)
	return nil
}
