package cmd

import (
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var (
	stateChannel  uint16
	stateInterval time.Duration
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show CAN bus state and error counters",
	Long: `Query the controller state (error-active, error-warning, error-passive,
bus-off) together with the RX/TX error counters. Requires a device with the
get-state feature.

Examples:
  gscan state
  gscan state --interval 1s      # poll until interrupted`,
	RunE: runState,
}

func init() {
	rootCmd.AddCommand(stateCmd)

	stateCmd.Flags().Uint16Var(&stateChannel, "channel", 0, "CAN channel index")
	stateCmd.Flags().DurationVar(&stateInterval, "interval", 0,
		"poll continuously at this interval (one-shot when 0)")
}

func runState(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	for {
		s, err := dev.State(stateChannel)
		if errors.Is(err, gsusb.ErrUnsupported) {
			return errors.New("device does not support the GET_STATE request")
		}
		if err != nil {
			return errors.Wrap(err, "failed to read state")
		}
		fmt.Println(s)

		if stateInterval <= 0 {
			return nil
		}
		time.Sleep(stateInterval)
	}
}
