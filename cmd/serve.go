package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"a64fx-hwb/internal/config"
	"a64fx-hwb/internal/database"
	"a64fx-hwb/internal/host"
	"a64fx-hwb/internal/hwb"
	"a64fx-hwb/internal/hwreg"
	"a64fx-hwb/internal/logging"
	"a64fx-hwb/internal/percpu"
	"a64fx-hwb/internal/topology"
	"a64fx-hwb/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Broker owns the device and serves it to client processes.
type Broker struct {
	config   *config.BrokerConfig
	host     *host.HostConfig
	exec     *percpu.Executor
	backend  hwreg.Backend
	topo     *topology.Table
	manager  *hwb.Manager
	recorder *database.Recorder
	server   *transport.Server
}

func newServeCmd() *cobra.Command {
	var configFile string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the barrier broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			// An explicit --log-level wins over the configuration file.
			flag := cmd.Flag("log-level")
			return runBroker(configFile, flag == nil || !flag.Changed)
		},
	}
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to broker configuration file (defaults are used when empty)")
	return serveCmd
}

func runBroker(configFile string, useConfigLogLevel bool) error {
	logger := logging.GetLogger()

	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	if useConfigLogLevel && cfg.LogLevel != "" {
		if err := logging.SetLogLevel(cfg.LogLevel); err != nil {
			logger.WithField("log_level", cfg.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		}
	}

	broker, err := NewBroker(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return broker.Run(ctx)
}

// NewBroker brings the device up: executor, register backend, topology,
// manager and finally the socket. On error everything started so far is
// torn down again.
func NewBroker(cfg *config.BrokerConfig) (*Broker, error) {
	logger := logging.GetLogger()
	b := &Broker{config: cfg}

	hc, err := host.GetHostConfig()
	if err != nil {
		if len(cfg.Device.CPUList) == 0 {
			return nil, fmt.Errorf("failed to detect host CPUs: %w", err)
		}
		logger.WithError(err).Warn("Failed to read host configuration")
		hc = &host.HostConfig{Hostname: "unknown"}
	}
	b.host = hc

	cpus := cfg.Device.CPUList
	if len(cpus) == 0 {
		cpus = hc.OnlineCPUs
	}
	if !hc.IsA64FX() {
		logger.WithFields(logrus.Fields{
			"cpu_vendor": hc.CPUVendor,
			"cpu_model":  hc.CPUModel,
		}).Info("Host is not an A64FX, barrier registers are simulated")
	}

	b.exec, err = percpu.New(cpus, percpu.Options{Pin: cfg.Executor.PinThreads, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to start per-core executor: %w", err)
	}

	dev := cfg.Device
	sim := cfg.Backend.Simulated
	b.backend = hwreg.NewSimulated(hwreg.LinearLayout(cpus, sim.FirstCore, sim.CoresPerGroup, dev.BladesPerGroup, dev.WindowsPerCore, sim.UnmappedList))

	b.topo, err = topology.Build(b.exec, b.backend, dev.Groups, dev.MaxCoresPerGroup, logger)
	if err != nil {
		b.exec.Close()
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}

	opts := hwb.Options{
		BladesPerGroup: dev.BladesPerGroup,
		WindowsPerCore: dev.WindowsPerCore,
	}
	if cfg.Recorder.Enabled {
		b.recorder, err = database.NewRecorder(cfg.Recorder, hc.Hostname)
		if err != nil {
			b.exec.Close()
			return nil, fmt.Errorf("failed to start event recorder: %w", err)
		}
		opts.Events = b.recorder
	}

	b.manager, err = hwb.NewManager(b.exec, b.backend, b.topo, opts)
	if err != nil {
		b.closeRecorder()
		b.exec.Close()
		return nil, err
	}
	if err := b.manager.Start(); err != nil {
		b.shutdown()
		return nil, fmt.Errorf("failed to enable barrier control: %w", err)
	}

	b.server, err = transport.Listen(cfg.Server.Socket, cfg.Server.Mode, b.manager, transport.NewProcResolver(), logger)
	if err != nil {
		b.shutdown()
		return nil, err
	}

	info := b.manager.HardwareInfo()
	logger.WithFields(logrus.Fields{
		"cpus":             config.FormatCPUSpec(cpus),
		"mapped_cores":     len(b.topo.MappedCores()),
		"groups":           info.Groups,
		"blades_per_group": info.BladesPerGroup,
		"windows_per_core": info.WindowsPerCore,
		"recorder":         cfg.Recorder.Enabled,
	}).Info("Barrier broker initialized")
	return b, nil
}

// Run serves clients until ctx is cancelled, then reclaims every
// allocation and disables the barrier facility.
func (b *Broker) Run(ctx context.Context) error {
	logger := logging.GetLogger()

	serveErr := b.server.Serve(ctx)
	if serveErr != nil {
		logger.WithError(serveErr).Error("Socket server failed")
		b.server.Close()
	}
	logger.Info("Shutting down barrier broker")
	return errors.Join(serveErr, b.shutdown())
}

// Addr is the socket clients connect to.
func (b *Broker) Addr() string {
	return b.server.Addr()
}

func (b *Broker) shutdown() error {
	err := b.manager.Shutdown()
	if err != nil {
		logging.GetLogger().WithError(err).Warn("Barrier shutdown incomplete")
	}
	return errors.Join(err, b.closeRecorder())
}

func (b *Broker) closeRecorder() error {
	if b.recorder == nil {
		return nil
	}
	return b.recorder.Close()
}
