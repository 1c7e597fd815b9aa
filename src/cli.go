package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansname/bmsctl/src/battery"
	"github.com/ryansname/bmsctl/src/config"
	"github.com/ryansname/bmsctl/src/soc"
	"github.com/ryansname/bmsctl/src/sof"
)

type cliOptions struct {
	configPath string
	debug      bool
	timestamps bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:   "bmsctl",
		Short: "Battery management estimation and control",
		Long: `bmsctl - State of charge, state of energy and state of function estimation with
history based cell balancing for a multi string battery pack.

Measurements and commands arrive over MQTT, estimates are published back to MQTT.
MQTT credentials are read from MQTT_USERNAME and MQTT_PASSWORD (or a .env file).`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !opts.timestamps {
				log.SetFlags(0)
			}
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("BMSCTL_CONFIG"),
		"YAML configuration file (defaults apply when empty)")
	root.PersistentFlags().BoolVar(&opts.timestamps, "timestamps", true, "Prefix log lines with a timestamp")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the estimation and control daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg, opts.debug)
		},
	}
	run.Flags().BoolVarP(&opts.debug, "debug", "d", false, "Start the interactive debug console")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the derating curves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			return printCheck(cmd.OutOrStdout(), cfg)
		},
	}

	lookup := &cobra.Command{
		Use:   "lookup <cell voltage mV>",
		Short: "Print SOC and SOE of an open circuit cell voltage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mV, err := strconv.ParseInt(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid cell voltage %q: %w", args[0], err)
			}
			printLookup(cmd.OutOrStdout(), int32(mV))
			return nil
		},
	}

	root.AddCommand(run, check, lookup)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, config.Validate(cfg)
	}
	return config.Load(path)
}

func printCheck(w io.Writer, cfg *config.Config) error {
	curves, err := sof.NewCurves(cfg.SofEngine())
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Configuration OK")
	fmt.Fprintf(w, "  strings:   %d x %d cells, %d temperature sensors\n",
		battery.NrOfStrings, battery.NrOfCellBlocksPerString, battery.NrOfTemperatureSensorsPerString)
	fmt.Fprintf(w, "  capacity:  %.1f Ah / %.0f Wh per string\n", cfg.Battery.CapacityAh, cfg.Battery.EnergyWh)
	fmt.Fprintf(w, "  mqtt:      %s:%d prefix %q\n", cfg.MQTT.Broker, cfg.MQTT.Port, cfg.MQTT.Prefix)
	fmt.Fprintln(w, "Derating curves (mA = slope * x + offset):")
	for _, c := range []struct {
		name  string
		curve sof.Curve
	}{
		{"low temperature discharge", curves.LowTemperatureDischarge},
		{"high temperature discharge", curves.HighTemperatureDischarge},
		{"low temperature charge", curves.LowTemperatureCharge},
		{"high temperature charge", curves.HighTemperatureCharge},
		{"upper cell voltage", curves.UpperCellVoltage},
		{"lower cell voltage", curves.LowerCellVoltage},
	} {
		fmt.Fprintf(w, "  %-27s %10.2f %14.2f\n", c.name, c.curve.Slope, c.curve.Offset)
	}
	return nil
}

func printLookup(w io.Writer, voltage_mV int32) {
	socPercent := soc.LookupTable(battery.SocLookupTable).InterpolateFromVoltage(voltage_mV)
	soePercent := soc.LookupTable(battery.SoeLookupTable).InterpolateFromVoltage(voltage_mV)
	fmt.Fprintf(w, "%d mV: SOC %.2f %%, SOE %.2f %%\n", voltage_mV, socPercent, soePercent)
}
