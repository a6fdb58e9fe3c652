package cmd

import (
	"fmt"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var terminationChannel uint16

var terminationCmd = &cobra.Command{
	Use:   "termination [on|off]",
	Short: "Get or set the switchable bus termination",
	Long: `Without an argument, print whether the 120 ohm termination resistor is
enabled. With "on" or "off", switch it. Requires a device with the
termination feature.`,
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE:      runTermination,
}

func init() {
	rootCmd.AddCommand(terminationCmd)
	terminationCmd.Flags().Uint16Var(&terminationChannel, "channel", 0, "CAN channel index")
}

func runTermination(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	if len(args) == 1 {
		if err := dev.SetTermination(terminationChannel, args[0] == "on"); err != nil {
			if errors.Is(err, gsusb.ErrUnsupported) {
				return errors.New("device does not support switchable termination")
			}
			return errors.Wrap(err, "failed to set termination")
		}
	}

	on, err := dev.Termination(terminationChannel)
	if err != nil {
		if errors.Is(err, gsusb.ErrUnsupported) {
			return errors.New("device does not support switchable termination")
		}
		return errors.Wrap(err, "failed to read termination")
	}
	if on {
		fmt.Println("termination: on")
	} else {
		fmt.Println("termination: off")
	}
	return nil
}
