package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/seedscan/internal/app"
	"github.com/shizukutanaka/seedscan/internal/hardware"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List compute devices and graphics cards",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()

	out := cmd.OutOrStdout()
	inv, err := hardware.Detect(logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	fmt.Fprintf(out, "Host: %s (%s)\n", inv.Host.Hostname, inv.Host.Platform)
	fmt.Fprintf(out, "CPU:  %s, %d cores, %d threads [%s]\n",
		inv.Host.CPUModel, inv.Host.Cores, inv.Host.Threads, strings.Join(inv.Host.CPUFeatures, " "))
	fmt.Fprintf(out, "RAM:  %s total, %s available\n\n",
		humanize.IBytes(inv.Host.MemoryTotal), humanize.IBytes(inv.Host.MemoryAvailable))

	if len(inv.GPUs) > 0 {
		fmt.Fprintln(out, "Graphics cards:")
		for _, g := range inv.GPUs {
			fmt.Fprintf(out, "  %s\n", g)
		}
		fmt.Fprintln(out)
	}

	// The journal is not needed to list devices.
	cfg.Journal.Path = ""
	application, err := app.New(logger, cfg)
	if err != nil {
		return err
	}
	defer application.Close()

	devs, err := application.Devices()
	if err != nil {
		return fmt.Errorf("enumerate %s devices: %w", cfg.Devices.Backend, err)
	}
	fmt.Fprintf(out, "Compute devices (%s backend):\n", cfg.Devices.Backend)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  INDEX\tNAME\tMAX LANES")
	for _, d := range devs {
		fmt.Fprintf(w, "  %d\t%s\t%s\n", d.Index(), d.Name(), humanize.Comma(int64(min(d.MaxLanes(), 1<<62))))
	}
	return w.Flush()
}
