package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var (
	sendID       string
	sendData     string
	sendBitrate  uint32
	sendDataRate uint32
	sendExtended bool
	sendRTR      bool
	sendFD       bool
	sendBRS      bool
	sendWaitEcho time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Transmit a single CAN frame",
	Long: `Configure the bitrate, start the channel, transmit one frame, and
optionally wait for the device's TX echo confirmation.

Examples:
  gscan send --id 0x123 --data DEADBEEF --bitrate 500000
  gscan send --id 0x18DAF110 --extended --data 0102 --bitrate 250000
  gscan send --id 0x123 --fd --brs --data $(head -c 64 /dev/zero | xxd -p) \
      --bitrate 500000 --data-bitrate 2000000`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendID, "id", "", "CAN identifier (hex)")
	sendCmd.Flags().StringVar(&sendData, "data", "", "payload as a hex string")
	sendCmd.Flags().Uint32Var(&sendBitrate, "bitrate", 500000, "arbitration bitrate in bit/s")
	sendCmd.Flags().Uint32Var(&sendDataRate, "data-bitrate", 0, "CAN FD data phase bitrate in bit/s")
	sendCmd.Flags().BoolVar(&sendExtended, "extended", false, "use a 29-bit identifier")
	sendCmd.Flags().BoolVar(&sendRTR, "rtr", false, "remote transmission request")
	sendCmd.Flags().BoolVar(&sendFD, "fd", false, "transmit as CAN FD frame")
	sendCmd.Flags().BoolVar(&sendBRS, "brs", false, "bit rate switch (FD only)")
	sendCmd.Flags().DurationVar(&sendWaitEcho, "wait-echo", time.Second,
		"how long to wait for the TX echo (0 to skip)")

	_ = sendCmd.MarkFlagRequired("id")
}

func buildFrame() (gsusb.Frame, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(sendID), "0x"), 16, 32)
	if err != nil {
		return gsusb.Frame{}, errors.Wrap(err, "invalid --id")
	}
	canID := uint32(id)
	if sendExtended || canID > gsusb.CANSffMask {
		canID = canID&gsusb.CANEffMask | gsusb.CANEffFlag
	}
	if sendRTR {
		canID |= gsusb.CANRtrFlag
	}

	var payload []byte
	if sendData != "" {
		payload, err = hex.DecodeString(sendData)
		if err != nil {
			return gsusb.Frame{}, errors.Wrap(err, "invalid --data")
		}
	}

	if sendFD {
		return gsusb.NewFDFrame(canID, payload, sendBRS), nil
	}
	return gsusb.NewFrame(canID, payload), nil
}

func runSend(cmd *cobra.Command, args []string) error {
	frame, err := buildFrame()
	if err != nil {
		return err
	}

	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	if ok, err := dev.SetBitrate(sendBitrate); err != nil {
		return errors.Wrap(err, "failed to set bitrate")
	} else if !ok {
		return errors.Newf("bitrate %d not supported by this device clock", sendBitrate)
	}
	if sendDataRate != 0 {
		if ok, err := dev.SetDataBitrate(sendDataRate); err != nil {
			return errors.Wrap(err, "failed to set data bitrate")
		} else if !ok {
			return errors.Newf("data bitrate %d not supported by this device", sendDataRate)
		}
	}

	flags := gsusb.ModeNormal
	if sendFD {
		flags |= gsusb.ModeFD
	}
	if err := dev.Start(flags); err != nil {
		return errors.Wrap(err, "failed to start channel")
	}
	defer dev.Stop()

	if err := dev.Send(&frame); err != nil {
		return errors.Wrap(err, "failed to send frame")
	}
	fmt.Printf("sent: %s\n", &frame)

	if sendWaitEcho <= 0 {
		return nil
	}
	deadline := time.Now().Add(sendWaitEcho)
	var rx gsusb.Frame
	for time.Now().Before(deadline) {
		err := dev.Receive(&rx, time.Until(deadline))
		if errors.Is(err, gsusb.ErrNoFrame) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "waiting for echo")
		}
		if rx.IsEcho() {
			fmt.Println("echo: frame acknowledged by device")
			return nil
		}
	}
	return errors.New("no TX echo received; frame may not have left the queue")
}
