// Package gsusb drives candleLight-compatible USB-to-CAN adapters that
// speak the gs_usb protocol (candleLight, CANtact, CANable, Cantact Pro
// and friends).
//
// The protocol runs over two USB surfaces: vendor-class control requests
// on endpoint 0 for configuration (bit timing, mode, capability and state
// queries) and a pair of bulk endpoints for frame traffic. Frames use a
// fixed little-endian layout whose size depends on two session options,
// CAN FD payloads and hardware receive timestamps.
//
// # Overview
//
// The package provides:
//   - Device: session state machine over a Transport (Start, Stop,
//     SetBitrate, Send, Receive, State)
//   - Frame: the wire frame with marshal/unmarshal for all four layouts
//   - SolveNominal / SolveData: bitrate to register-level bit timing
//   - DiscoverDevices / Open: enumeration of known gs_usb VID/PID pairs
//
// # Usage
//
//	dev, err := gsusb.Open("")
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//
//	if ok, err := dev.SetBitrate(500000); err != nil || !ok {
//		return errors.New("bitrate not supported")
//	}
//	if err := dev.Start(gsusb.ModeNormal | gsusb.ModeHWTimestamp); err != nil {
//		return err
//	}
//	defer dev.Stop()
//
//	var f gsusb.Frame
//	for {
//		err := dev.Receive(&f, time.Second)
//		if errors.Is(err, gsusb.ErrNoFrame) {
//			continue
//		}
//		if err != nil {
//			return err
//		}
//		fmt.Println(&f)
//	}
//
// # Limitations
//
//   - A Device is not safe for concurrent use; callers that share one
//     across goroutines must serialize access themselves
//   - Only channel 0 is used for frame traffic (multi-channel adapters
//     still expose per-channel state and termination queries)
//   - Quirk tables for devices with broken echo or padding behavior are
//     not implemented
package gsusb
