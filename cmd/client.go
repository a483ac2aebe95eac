package cmd

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"a64fx-hwb/internal/config"
	"a64fx-hwb/internal/hwb"
	"a64fx-hwb/internal/logging"
	"a64fx-hwb/internal/percpu"
	"a64fx-hwb/internal/transport"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// brokerSocket reports whether path looks like a live broker socket.
func brokerSocket(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("broker socket %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s is not a socket", path)
	}
	return nil
}

func dialBroker(socket string) (*transport.Client, error) {
	if err := brokerSocket(socket); err != nil {
		return nil, err
	}
	return transport.Dial(socket)
}

func newInfoCmd() *cobra.Command {
	var socket string
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show the barrier resource geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialBroker(socket)
			if err != nil {
				return err
			}
			defer c.Close()

			info, err := c.HardwareInfo()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "groups:              %d\n", info.Groups)
			fmt.Fprintf(out, "blades per group:    %d\n", info.BladesPerGroup)
			fmt.Fprintf(out, "windows per core:    %d\n", info.WindowsPerCore)
			fmt.Fprintf(out, "max cores per group: %d\n", info.MaxCoresPerGroup)
			return nil
		},
	}
	infoCmd.Flags().StringVar(&socket, "socket", defaultSocket(), "Broker socket")
	return infoCmd
}

func newPeInfoCmd() *cobra.Command {
	var socket string
	var core int
	peinfoCmd := &cobra.Command{
		Use:   "peinfo",
		Short: "Show the group and offset of a core",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := percpu.Pin(core); err != nil {
				return err
			}
			defer runtime.UnlockOSThread()

			c, err := dialBroker(socket)
			if err != nil {
				return err
			}
			defer c.Close()

			group, offset, err := c.PeInfo(percpu.ThreadID(), core)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "core %d: group %d offset %d\n", core, group, offset)
			return nil
		},
	}
	peinfoCmd.Flags().StringVar(&socket, "socket", defaultSocket(), "Broker socket")
	peinfoCmd.Flags().IntVar(&core, "core", 0, "Core to query")
	peinfoCmd.MarkFlagRequired("core")
	return peinfoCmd
}

func newResetCmd() *cobra.Command {
	var socket string
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Reset every barrier register and drop all allocations",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialBroker(socket)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Reset(); err != nil {
				return err
			}
			logging.GetLogger().Info("Barrier facility reset")
			return nil
		},
	}
	resetCmd.Flags().StringVar(&socket, "socket", defaultSocket(), "Broker socket")
	return resetCmd
}

func newBarrierCmd() *cobra.Command {
	var socket, cpus string
	var group int
	barrierCmd := &cobra.Command{
		Use:   "barrier",
		Short: "Allocate a blade, bind a window on each core and release everything again",
		RunE: func(cmd *cobra.Command, args []string) error {
			cores, err := config.ParseCPUSpec(cpus)
			if err != nil {
				return fmt.Errorf("invalid --cores: %w", err)
			}
			return runBarrier(socket, group, cores)
		},
	}
	barrierCmd.Flags().StringVar(&socket, "socket", defaultSocket(), "Broker socket")
	barrierCmd.Flags().IntVar(&group, "group", 0, "Core memory group")
	barrierCmd.Flags().StringVar(&cpus, "cores", "", "Participating cores, e.g. 12-15")
	barrierCmd.MarkFlagRequired("cores")
	return barrierCmd
}

func runBarrier(socket string, group int, cores []int) error {
	logger := logging.GetLogger()

	// The allocating thread owns the blade and must free it, so keep it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	owner := percpu.ThreadID()

	c, err := dialBroker(socket)
	if err != nil {
		return err
	}
	defer c.Close()

	blade, err := c.AllocateBlade(owner, group, cores)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"group": group, "blade": blade, "cores": config.FormatCPUSpec(cores)}).Info("Blade allocated")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, core := range cores {
		wg.Add(1)
		go func(core int) {
			defer wg.Done()
			if err := bindAndRelease(c, core, blade, logger); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("core %d: %w", core, err))
				mu.Unlock()
			}
		}(core)
	}
	wg.Wait()

	if err := c.FreeBlade(owner, cores[0], group, blade); err != nil {
		errs = append(errs, err)
	} else {
		logger.WithFields(logrus.Fields{"group": group, "blade": blade}).Info("Blade freed")
	}
	return errors.Join(errs...)
}

// bindAndRelease runs on its own thread, which is pinned to core and
// discarded afterwards.
func bindAndRelease(c *transport.Client, core, blade int, logger logrus.FieldLogger) error {
	if err := percpu.Pin(core); err != nil {
		return err
	}
	tid := percpu.ThreadID()

	window, err := c.AssignWindow(tid, core, blade, hwb.AutoWindow)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"core": core, "tid": tid, "blade": blade, "window": window}).Info("Window assigned")
	return c.UnassignWindow(tid, core, blade, window)
}
