package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var availableLogLevels = strings.Join([]string{
	logLevelDebug, logLevelInfo, logLevelWarn, logLevelError,
}, ", ")

var rootCmd = &cobra.Command{
	Use:   "gscan",
	Short: "CAN bus tool for gs_usb adapters",
	Long: `gscan drives candleLight-compatible (gs_usb protocol) USB-to-CAN and
CAN FD adapters: device discovery, capability inspection, bitrate setup, and
frame monitoring and transmission.

Examples:
  gscan devices                                   # list connected adapters
  gscan info                                      # show capability of the first adapter
  gscan monitor --bitrate 500000                  # dump bus traffic at 500 kbit/s
  gscan monitor --bitrate 500000 --data-bitrate 2000000 --fd
  gscan send --id 0x123 --data DEADBEEF --bitrate 500000
  gscan state                                     # bus state and error counters`,
	Version:       "0.9.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := initConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.BoolP("verbose", "v", false, "verbose output")
	pf.String("log-level", logLevelInfo,
		fmt.Sprintf("log level; possible values: %s", availableLogLevels))
	pf.String("vid", "", "open a specific vendor ID (hex) instead of scanning")
	pf.String("pid", "", "open a specific product ID (hex) instead of scanning")
	pf.StringP("serial", "s", "", "adapter serial number (if multiple adapters)")
	pf.String("config", "", "path to the config file")
}

// initConfig binds flags to viper so every option can also come from the
// environment (GSCAN_*) or an optional YAML config file.
func initConfig() error {
	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	viper.SetEnvPrefix("gscan")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("gscan")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/gscan/")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// newLogger builds the logfmt logger used by the long-running commands.
func newLogger() (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	switch viper.GetString("log-level") {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, fmt.Errorf("log level %v unknown; possible values are: %s",
			viper.GetString("log-level"), availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return logger, nil
}

// openDevice opens the adapter selected by the persistent flags: an
// explicit VID/PID pair when given, otherwise the first known gs_usb
// device, optionally filtered by serial number.
func openDevice() (*gsusb.Device, error) {
	vidStr, pidStr := viper.GetString("vid"), viper.GetString("pid")
	if vidStr != "" || pidStr != "" {
		vid, err := parseHex16(vidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --vid: %w", err)
		}
		pid, err := parseHex16(pidStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --pid: %w", err)
		}
		t, err := gsusb.NewUSBTransport(vid, pid)
		if err != nil {
			return nil, err
		}
		return gsusb.NewDevice(t), nil
	}
	return gsusb.Open(viper.GetString("serial"))
}
