package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/modsim"
	"github.com/edgeo-scada/modsim/internal/mapfile"
)

var (
	cfgFile string

	// Global flags
	verbose bool
	noColor bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modsim [flags] map_file",
	Short: "A Modbus TCP/RTU slave simulator",
	Long: `modsim serves a register map as a Modbus slave over TCP or RTU.

The map is a YAML file listing blocks of registers with their initial values.
Masters can read and write the blocks while the simulator runs.

Examples:
  # Serve map.yaml on TCP port 502 as slave 1
  modsim map.yaml

  # Serve on a serial line at 19200 baud as slave 17
  modsim -m rtu -s /dev/ttyUSB0 -b 19200 -i 17 map.yaml

  # Validate a map without serving it
  modsim check map.yaml`,
	Version:       version,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
		if noColor {
			color.NoColor = true
		}
	},
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modsim.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output with frame dumps")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	defaults := modsim.DefaultConfig()
	flags := rootCmd.Flags()
	flags.StringP("mode", "m", string(defaults.Mode), "Mode: tcp, rtu")
	flags.String("host", defaults.Host, "TCP listen address (default: all interfaces)")
	flags.IntP("port", "p", defaults.Port, "TCP port")
	flags.IntP("max-conns", "c", defaults.MaxConns, "Maximum concurrent TCP connections")
	flags.Duration("read-timeout", defaults.ReadTimeout, "Idle timeout of TCP connections (0 disables)")
	flags.StringP("serial", "s", defaults.Device, "Serial port")
	flags.IntP("baud", "b", defaults.Baud, "Baud rate")
	flags.Int("data-bits", defaults.DataBits, "Data bits")
	flags.String("parity", defaults.Parity, "Parity: N, E, O")
	flags.Int("stop-bits", defaults.StopBits, "Stop bits")
	flags.Float64("safety-margin", defaults.SafetyMargin, "Multiplier applied to the RTU character timeouts")
	flags.Bool("lenient", defaults.LenientInterChar, "Keep RTU frames open across inter-character timeouts")
	flags.Uint8P("id", "i", uint8(defaults.UnitID), "Slave id (1-247), used when the map sets none")

	for _, name := range []string{
		"mode", "host", "port", "max-conns", "read-timeout",
		"serial", "baud", "data-bits", "parity", "stop-bits",
		"safety-margin", "lenient", "id",
	} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(checkCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".modsim")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODSIM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// buildConfig merges flags, environment and config file into a simulator
// configuration.
func buildConfig() modsim.Config {
	return modsim.Config{
		Mode:             modsim.Mode(strings.ToLower(viper.GetString("mode"))),
		Host:             viper.GetString("host"),
		Port:             viper.GetInt("port"),
		MaxConns:         viper.GetInt("max-conns"),
		ReadTimeout:      viper.GetDuration("read-timeout"),
		Device:           viper.GetString("serial"),
		Baud:             viper.GetInt("baud"),
		DataBits:         viper.GetInt("data-bits"),
		Parity:           strings.ToUpper(viper.GetString("parity")),
		StopBits:         viper.GetInt("stop-bits"),
		SafetyMargin:     viper.GetFloat64("safety-margin"),
		LenientInterChar: viper.GetBool("lenient"),
		UnitID:           modsim.UnitID(viper.GetUint("id")),
		Verbose:          viper.GetBool("verbose"),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := buildConfig()

	m, err := mapfile.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading modbus map file: %w", err)
	}
	if m.SlaveID == 0 || cmd.Flags().Changed("id") {
		m.SlaveID = uint8(cfg.UnitID)
	}
	cfg.UnitID = modsim.UnitID(m.SlaveID)

	hooks := &modsim.Hooks{
		OnError: func(hc modsim.HookContext, err error) {
			logger.Debug("request failed",
				slog.String("transport", hc.Transport),
				slog.String("remote", hc.Remote),
				slog.Uint64("unit_id", uint64(hc.UnitID)),
				slog.String("error", err.Error()))
		},
	}

	sim, err := modsim.New(cfg, modsim.WithLogger(logger), modsim.WithHooks(hooks))
	if err != nil {
		return fmt.Errorf("initializing the simulator: %w", err)
	}
	defer sim.Close()

	blocks, err := m.Apply(sim)
	if err != nil {
		return fmt.Errorf("loading modbus map: %w", err)
	}
	outputBanner(cfg, sim, args[0], m.BaseAddress, blocks)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	outputInfo("Press Ctrl+C to stop the simulator")
	start := time.Now()
	err = sim.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	outputInfo("Simulator stopped after %s", time.Since(start).Round(time.Second))
	outputMetrics(sim.Metrics())
	return nil
}
