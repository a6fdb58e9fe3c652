package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected gs_usb adapters",
	Long: `Scan the host for candleLight-compatible USB-to-CAN adapters and print a
summary of each. Use this to verify connectivity or pick a serial number
before running other commands.`,
	RunE: runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	devs, err := gsusb.DiscoverDevices()
	if err != nil {
		return errors.Wrap(err, "discover devices")
	}

	if len(devs) == 0 {
		fmt.Println("No gs_usb devices found.")
		return nil
	}

	fmt.Println("Detected gs_usb devices:")
	for _, d := range devs {
		line := fmt.Sprintf("  - %s", d.Label())
		if d.Serial != "" {
			line += fmt.Sprintf(" serial=%s", d.Serial)
		}
		fmt.Println(line)
	}
	return nil
}

func parseHex16(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
