package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*BrokerConfig, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*BrokerConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := ParseConfig([]byte(expandEnvVars(originalContent)))
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// ParseConfig decodes YAML on top of Default() and validates the result.
func ParseConfig(data []byte) (*BrokerConfig, error) {
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}

	if config.Device.Cpus != "" {
		cpus, err := ParseCPUSpec(config.Device.Cpus)
		if err != nil {
			return nil, fmt.Errorf("device: invalid CPU specification '%s': %w", config.Device.Cpus, err)
		}
		config.Device.CPUList = cpus
	}
	if config.Backend.Simulated.Unmapped != "" {
		cpus, err := ParseCPUSpec(config.Backend.Simulated.Unmapped)
		if err != nil {
			return nil, fmt.Errorf("backend: invalid unmapped CPU specification '%s': %w", config.Backend.Simulated.Unmapped, err)
		}
		config.Backend.Simulated.UnmappedList = cpus
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// ParseCPUSpec parses CPU lists like "0", "0,2,4", or "0-3,8". The result is
// sorted and free of duplicates.
func ParseCPUSpec(spec string) ([]int, error) {
	var cpus []int
	seen := make(map[int]bool)

	parts := strings.Split(spec, ",")
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid CPU range: %s", part)
			}

			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range start: %s", rangeParts[0])
			}

			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid CPU range end: %s", rangeParts[1])
			}

			if start > end {
				return nil, fmt.Errorf("invalid CPU range: start > end (%d > %d)", start, end)
			}

			for i := start; i <= end; i++ {
				if !seen[i] {
					cpus = append(cpus, i)
					seen[i] = true
				}
			}
		} else {
			cpu, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid CPU number: %s", part)
			}
			if cpu < 0 {
				return nil, fmt.Errorf("invalid CPU number: %d", cpu)
			}

			if !seen[cpu] {
				cpus = append(cpus, cpu)
				seen[cpu] = true
			}
		}
	}

	if len(cpus) == 0 {
		return nil, fmt.Errorf("no CPUs specified")
	}

	sort.Ints(cpus)
	return cpus, nil
}

// FormatCPUSpec renders cpus in the canonical kernel cpulist form ("0-3,8").
func FormatCPUSpec(cpus []int) string {
	if len(cpus) == 0 {
		return ""
	}
	sorted := append([]int(nil), cpus...)
	sort.Ints(sorted)

	var b strings.Builder
	start, prev := sorted[0], sorted[0]
	flush := func() {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if start == prev {
			b.WriteString(strconv.Itoa(start))
		} else {
			fmt.Fprintf(&b, "%d-%d", start, prev)
		}
	}
	for _, cpu := range sorted[1:] {
		if cpu == prev {
			continue
		}
		if cpu == prev+1 {
			prev = cpu
			continue
		}
		flush()
		start, prev = cpu, cpu
	}
	flush()
	return b.String()
}

func validateConfig(config *BrokerConfig) error {
	dev := config.Device
	if dev.Groups <= 0 || dev.Groups > hwreg.MaxGroups {
		return fmt.Errorf("device.groups must be between 1 and %d", hwreg.MaxGroups)
	}
	if dev.BladesPerGroup <= 0 || dev.BladesPerGroup > hwreg.MaxBlades {
		return fmt.Errorf("device.blades_per_group must be between 1 and %d", hwreg.MaxBlades)
	}
	if dev.WindowsPerCore <= 0 || dev.WindowsPerCore > 64 {
		return fmt.Errorf("device.windows_per_core must be between 1 and 64")
	}
	if dev.MaxCoresPerGroup < 2 || dev.MaxCoresPerGroup > hwreg.MaxParticipants {
		return fmt.Errorf("device.max_cores_per_group must be between 2 and %d", hwreg.MaxParticipants)
	}

	switch config.Backend.Kind {
	case "simulated":
		sim := config.Backend.Simulated
		if sim.CoresPerGroup <= 0 || sim.CoresPerGroup > dev.MaxCoresPerGroup {
			return fmt.Errorf("backend.simulated.cores_per_group must be between 1 and %d", dev.MaxCoresPerGroup)
		}
		if sim.FirstCore < 0 {
			return fmt.Errorf("backend.simulated.first_core must be >= 0")
		}
	default:
		return fmt.Errorf("unknown backend kind %q", config.Backend.Kind)
	}

	if config.Server.Socket == "" {
		return fmt.Errorf("server.socket is required")
	}

	rec := config.Recorder
	if rec.Enabled {
		if rec.Host == "" || rec.Token == "" || rec.Org == "" || rec.Bucket == "" {
			return fmt.Errorf("incomplete recorder configuration")
		}
		if rec.Buffer <= 0 {
			return fmt.Errorf("recorder.buffer must be greater than 0")
		}
	}

	return nil
}
