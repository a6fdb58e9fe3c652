package cmd

import (
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var identifyFor time.Duration

var identifyCmd = &cobra.Command{
	Use:   "identify",
	Short: "Blink the adapter's identify LED",
	Long: `Blink the identify LED so a specific adapter can be located among
several. Requires a device with the identify feature.`,
	RunE: runIdentify,
}

func init() {
	rootCmd.AddCommand(identifyCmd)
	identifyCmd.Flags().DurationVar(&identifyFor, "for", 5*time.Second, "how long to blink")
}

func runIdentify(cmd *cobra.Command, args []string) error {
	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	if err := dev.Identify(true); err != nil {
		if errors.Is(err, gsusb.ErrUnsupported) {
			return errors.New("device does not support the identify feature")
		}
		return errors.Wrap(err, "failed to enable identify")
	}
	fmt.Printf("blinking for %s...\n", identifyFor)
	time.Sleep(identifyFor)
	return errors.Wrap(dev.Identify(false), "failed to disable identify")
}
