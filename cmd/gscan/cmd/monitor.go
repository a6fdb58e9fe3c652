package cmd

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceCAN/pkg/gsusb"
)

var (
	monBitrate     uint32
	monDataBitrate uint32
	monFD          bool
	monListenOnly  bool
	monLoopBack    bool
	monOneShot     bool
	monNoTimestamp bool
	monListen      string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Dump CAN bus traffic",
	Long: `Configure the bitrate, start the channel, and print every received frame
until interrupted. TX echo frames are suppressed.

The channel is started with hardware timestamps when the device supports
them; FD mode and a data-phase bitrate enable CAN FD reception.

Examples:
  gscan monitor --bitrate 500000
  gscan monitor --bitrate 500000 --listen-only
  gscan monitor --bitrate 500000 --data-bitrate 2000000 --fd
  gscan monitor --bitrate 125000 --listen :9090     # expose frame counters`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().Uint32Var(&monBitrate, "bitrate", 500000, "arbitration bitrate in bit/s")
	monitorCmd.Flags().Uint32Var(&monDataBitrate, "data-bitrate", 0, "CAN FD data phase bitrate in bit/s")
	monitorCmd.Flags().BoolVar(&monFD, "fd", false, "enable CAN FD mode")
	monitorCmd.Flags().BoolVar(&monListenOnly, "listen-only", false, "do not ack frames on the bus")
	monitorCmd.Flags().BoolVar(&monLoopBack, "loop-back", false, "loop transmitted frames back")
	monitorCmd.Flags().BoolVar(&monOneShot, "one-shot", false, "no automatic retransmission")
	monitorCmd.Flags().BoolVar(&monNoTimestamp, "no-timestamp", false, "do not request hardware timestamps")
	monitorCmd.Flags().StringVar(&monListen, "listen", "", "address for health and frame metrics (disabled when empty)")
}

func monitorFlags() gsusb.ModeFlags {
	flags := gsusb.ModeNormal
	if !monNoTimestamp {
		flags |= gsusb.ModeHWTimestamp
	}
	if monListenOnly {
		flags |= gsusb.ModeListenOnly
	}
	if monLoopBack {
		flags |= gsusb.ModeLoopBack
	}
	if monOneShot {
		flags |= gsusb.ModeOneShot
	}
	if monFD {
		flags |= gsusb.ModeFD
	}
	return flags
}

func runMonitor(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	logger = log.With(logger, "cmd", "monitor")

	dev, err := openDevice()
	if err != nil {
		return errors.Wrap(err, "failed to open device")
	}
	defer dev.Close()

	if ok, err := dev.SetBitrate(monBitrate); err != nil {
		return errors.Wrap(err, "failed to set bitrate")
	} else if !ok {
		return errors.Newf("bitrate %d not supported by this device clock", monBitrate)
	}
	if monDataBitrate != 0 {
		if ok, err := dev.SetDataBitrate(monDataBitrate); err != nil {
			return errors.Wrap(err, "failed to set data bitrate")
		} else if !ok {
			return errors.Newf("data bitrate %d not supported by this device", monDataBitrate)
		}
	}

	if err := dev.Start(monitorFlags()); err != nil {
		return errors.Wrap(err, "failed to start channel")
	}
	defer dev.Stop()
	_ = level.Info(logger).Log("msg", "channel started",
		"bitrate", monBitrate, "flags", fmt.Sprintf("0x%x", dev.ModeFlags()))

	framesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gscan_frames_received_total",
		Help: "Frames received from the bus.",
	})
	readErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gscan_receive_errors_total",
		Help: "Bulk read failures.",
	})
	overflows := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gscan_rx_overflows_total",
		Help: "Frames flagged with an RX queue overflow.",
	})
	registry := prometheus.NewRegistry()
	registry.MustRegister(framesTotal, readErrors, overflows)

	var g run.Group
	{
		// Receive loop. The half-second timeout keeps the loop responsive
		// to shutdown; expiry is not an error.
		done := make(chan struct{})
		g.Add(func() error {
			var frame gsusb.Frame
			for {
				select {
				case <-done:
					return nil
				default:
				}
				err := dev.Receive(&frame, 500*time.Millisecond)
				switch {
				case err == nil:
				case errors.Is(err, gsusb.ErrNoFrame):
					continue
				default:
					var fe *gsusb.FormatError
					if errors.As(err, &fe) {
						// Lost frame, session still good.
						readErrors.Inc()
						_ = level.Warn(logger).Log("msg", "discarding malformed frame", "err", err)
						continue
					}
					readErrors.Inc()
					return errors.Wrap(err, "receive failed")
				}
				if frame.IsEcho() {
					continue
				}
				framesTotal.Inc()
				if frame.Flags&gsusb.FrameFlagOverflow != 0 {
					overflows.Inc()
					_ = level.Warn(logger).Log("msg", "rx overflow reported by device")
				}
				printFrame(&frame)
			}
		}, func(error) {
			close(done)
		})
	}
	{
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				_ = level.Info(logger).Log("msg", "caught interrupt; stopping channel")
				return nil
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}
	if monListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		l, err := net.Listen("tcp", monListen)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", monListen)
		}
		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server exited unexpectedly")
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	return g.Run()
}

func printFrame(f *gsusb.Frame) {
	if f.TimestampUS != 0 {
		fmt.Printf("(%12.6f)  %s\n", f.Timestamp().Seconds(), f)
	} else {
		fmt.Printf("%s\n", f)
	}
}
