package config

import (
	"os"
	"time"
)

// Hardware defaults of the A64FX barrier facility.
const (
	DefaultGroups           = 4
	DefaultBladesPerGroup   = 6
	DefaultWindowsPerCore   = 4
	DefaultMaxCoresPerGroup = 13
	DefaultSocketPath       = "/run/hwb/hwb.sock"
)

type BrokerConfig struct {
	LogLevel string         `yaml:"log_level"`
	Device   DeviceConfig   `yaml:"device"`
	Backend  BackendConfig  `yaml:"backend"`
	Executor ExecutorConfig `yaml:"executor"`
	Server   ServerConfig   `yaml:"server"`
	Recorder RecorderConfig `yaml:"recorder"`
}

type DeviceConfig struct {
	Groups           int `yaml:"groups"`
	BladesPerGroup   int `yaml:"blades_per_group"`
	WindowsPerCore   int `yaml:"windows_per_core"`
	MaxCoresPerGroup int `yaml:"max_cores_per_group"`
	// Cpus restricts the managed cores, e.g. "12-59". Empty means every
	// online CPU of the host.
	Cpus string `yaml:"cpus,omitempty"`

	CPUList []int `yaml:"-"`
}

type BackendConfig struct {
	Kind      string          `yaml:"kind"`
	Simulated SimulatedConfig `yaml:"simulated"`
}

// SimulatedConfig describes the identity layout of the in-memory register
// file: core c reports group (c-first)/cores_per_group, offset (c-first)%cores_per_group.
type SimulatedConfig struct {
	FirstCore     int    `yaml:"first_core"`
	CoresPerGroup int    `yaml:"cores_per_group"`
	Unmapped      string `yaml:"unmapped,omitempty"`

	UnmappedList []int `yaml:"-"`
}

type ExecutorConfig struct {
	PinThreads bool `yaml:"pin_threads"`
}

type ServerConfig struct {
	Socket string      `yaml:"socket"`
	Mode   os.FileMode `yaml:"mode"`
}

type RecorderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Host          string `yaml:"host"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	Buffer        int    `yaml:"buffer"`
	FlushInterval int    `yaml:"flush_interval_ms"`
	// SpoolDir receives events that could not be written when the recorder
	// shuts down.
	SpoolDir string `yaml:"spool_dir,omitempty"`
}

func (r RecorderConfig) GetFlushInterval() time.Duration {
	if r.FlushInterval <= 0 {
		return time.Second
	}
	return time.Duration(r.FlushInterval) * time.Millisecond
}

// Default returns the configuration used when no file is given: the full
// A64FX geometry backed by the simulated register file.
func Default() *BrokerConfig {
	return &BrokerConfig{
		LogLevel: "info",
		Device: DeviceConfig{
			Groups:           DefaultGroups,
			BladesPerGroup:   DefaultBladesPerGroup,
			WindowsPerCore:   DefaultWindowsPerCore,
			MaxCoresPerGroup: DefaultMaxCoresPerGroup,
		},
		Backend: BackendConfig{
			Kind: "simulated",
			Simulated: SimulatedConfig{
				CoresPerGroup: 12,
			},
		},
		Server: ServerConfig{
			Socket: DefaultSocketPath,
			Mode:   0o666,
		},
		Recorder: RecorderConfig{
			Buffer: 1024,
		},
	}
}
