package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var infoJSON bool

// adapterReport is the structured form of `gscan info` for programmatic
// consumers.
type adapterReport struct {
	Device      string   `json:"device"`
	Serial      string   `json:"serial,omitempty"`
	Channels    int      `json:"channels"`
	Firmware    string   `json:"firmware"`
	Hardware    string   `json:"hardware"`
	ClockHz     uint32   `json:"clock_hz"`
	Features    []string `json:"features"`
	Capability  string   `json:"capability"`
	DataCapable bool     `json:"fd_capable"`
	DataTimings string   `json:"data_capability,omitempty"`
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show device configuration and capability",
	Long: `Open the selected adapter and print its device configuration (channel
count, firmware and hardware versions) together with the feature report and
bit timing constraints. For CAN FD devices the extended constraint block is
fetched as well.

Examples:
  gscan info
  gscan info --json
  gscan info --serial 004800254653511420393838`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "output as JSON")
}

var featureNames = []struct {
	flag gsusb.FeatureFlags
	name string
}{
	{gsusb.FeatureListenOnly, "listen-only"},
	{gsusb.FeatureLoopBack, "loop-back"},
	{gsusb.FeatureTripleSample, "triple-sample"},
	{gsusb.FeatureOneShot, "one-shot"},
	{gsusb.FeatureHWTimestamp, "hw-timestamp"},
	{gsusb.FeatureIdentify, "identify"},
	{gsusb.FeatureUserID, "user-id"},
	{gsusb.FeaturePadPackets, "pad-packets"},
	{gsusb.FeatureFD, "fd"},
	{gsusb.FeatureBTConstExt, "bt-const-ext"},
	{gsusb.FeatureTermination, "termination"},
	{gsusb.FeatureBerrReporting, "berr-reporting"},
	{gsusb.FeatureGetState, "get-state"},
}

func runInfo(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	info, err := dev.Info()
	if err != nil {
		return errors.Wrap(err, "failed to read device config")
	}

	capability, err := dev.Capability()
	if err != nil {
		return errors.Wrap(err, "failed to read capability")
	}
	if capability.Features.Has(gsusb.FeatureBTConstExt) {
		capability, err = dev.ExtendedCapability()
		if err != nil {
			return errors.Wrap(err, "failed to read extended capability")
		}
	}

	report := adapterReport{
		Channels:    info.ChannelCount(),
		Firmware:    fmt.Sprintf("%d.%d", info.FWVersion/10, info.FWVersion%10),
		Hardware:    fmt.Sprintf("%d.%d", info.HWVersion/10, info.HWVersion%10),
		ClockHz:     capability.ClockHz,
		Capability:  capability.String(),
		DataCapable: capability.Features.Has(gsusb.FeatureFD),
	}
	if t, ok := dev.Transport().(*gsusb.USBTransport); ok {
		report.Device = t.Descriptor().Label()
		report.Serial = t.Descriptor().Serial
	}
	for _, f := range featureNames {
		if capability.Features.Has(f.flag) {
			report.Features = append(report.Features, f.name)
		}
	}
	if capability.HasDataTiming() {
		report.DataTimings = fmt.Sprintf("dtseg1=%d-%d dtseg2=%d-%d dsjw_max=%d dbrp=%d-%d",
			capability.Data.TSeg1Min, capability.Data.TSeg1Max,
			capability.Data.TSeg2Min, capability.Data.TSeg2Max,
			capability.Data.SJWMax, capability.Data.BRPMin, capability.Data.BRPMax)
	}

	if infoJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	if report.Device != "" {
		fmt.Printf("Device:   %s\n", report.Device)
	}
	if report.Serial != "" {
		fmt.Printf("Serial:   %s\n", report.Serial)
	}
	fmt.Printf("Channels: %d\n", report.Channels)
	fmt.Printf("Firmware: %s\n", report.Firmware)
	fmt.Printf("Hardware: %s\n", report.Hardware)
	fmt.Printf("Clock:    %d Hz\n", report.ClockHz)
	fmt.Printf("Features:")
	for _, f := range report.Features {
		fmt.Printf(" %s", f)
	}
	fmt.Println()
	fmt.Printf("Timing:   %s\n", report.Capability)
	return nil
}
