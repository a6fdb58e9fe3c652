package gsusb

import (
	"encoding/binary"
	"time"

	"github.com/efficientgo/core/errors"
)

// Device drives one gs_usb CAN channel over a Transport. It owns the
// session state: the cached capability report, the mode flags applied by
// the last Start, and whether FD framing is active.
//
// A Device is not safe for concurrent use. All I/O is synchronous and
// blocking; callers that want to send and receive in parallel must
// serialize access externally.
type Device struct {
	transport Transport

	capability *Capability
	modeFlags  ModeFlags
	fdMode     bool
	started    bool

	readBuf [FrameSizeFDHWTimestamp]byte
}

// NewDevice wraps an already-open transport.
func NewDevice(t Transport) *Device {
	return &Device{transport: t}
}

// Open discovers the first connected gs_usb device (optionally filtered by
// serial number), claims it, and returns a stopped Device.
func Open(serial string) (*Device, error) {
	t, err := OpenFirst(serial)
	if err != nil {
		return nil, err
	}
	return NewDevice(t), nil
}

// Transport exposes the underlying transport, mainly so callers can reach
// USBTransport.Descriptor on an opened device.
func (d *Device) Transport() Transport { return d.transport }

// Close releases the transport.
func (d *Device) Close() error { return d.transport.Close() }

// Started reports whether the channel is in the STARTED state.
func (d *Device) Started() bool { return d.started }

// ModeFlags returns the effective flags applied by the last Start.
func (d *Device) ModeFlags() ModeFlags { return d.modeFlags }

// FDActive reports whether the session negotiated CAN FD framing.
func (d *Device) FDActive() bool { return d.fdMode }

// Info fetches the DEVICE_CONFIG block: channel count and firmware and
// hardware versions.
func (d *Device) Info() (DeviceInfo, error) {
	data, err := d.transport.ControlIn(breqDeviceConfig, 0, 0, deviceInfoSize)
	if err != nil {
		return DeviceInfo{}, err
	}
	return UnmarshalDeviceInfo(data)
}

// Capability returns the device's feature report and nominal bit timing
// constraints, fetching BT_CONST on first use. The result is immutable for
// the session.
func (d *Device) Capability() (Capability, error) {
	if d.capability != nil {
		return *d.capability, nil
	}
	data, err := d.transport.ControlIn(breqBTConst, 0, 0, capabilitySize)
	if err != nil {
		return Capability{}, err
	}
	c, err := UnmarshalCapability(data)
	if err != nil {
		return Capability{}, err
	}
	d.capability = &c
	return c, nil
}

// ExtendedCapability returns the capability including CAN FD data-phase
// constraints. The fetch is idempotent: once the extended block is cached
// it is returned as-is; otherwise BT_CONST_EXT replaces the cached base
// capability. Devices without the BT_CONST_EXT feature yield
// ErrUnsupported.
func (d *Device) ExtendedCapability() (Capability, error) {
	c, err := d.Capability()
	if err != nil {
		return Capability{}, err
	}
	if !c.Features.Has(FeatureBTConstExt) {
		return Capability{}, ErrUnsupported
	}
	if c.HasDataTiming() {
		return c, nil
	}
	data, err := d.transport.ControlIn(breqBTConstExt, 0, 0, capabilityExtSize)
	if err != nil {
		return Capability{}, err
	}
	ext, err := UnmarshalExtendedCapability(data)
	if err != nil {
		return Capability{}, err
	}
	d.capability = &ext
	return ext, nil
}

// SupportsFD reports whether the device can run CAN FD.
func (d *Device) SupportsFD() (bool, error) { return d.hasFeature(FeatureFD) }

// SupportsGetState reports whether the device answers GET_STATE.
func (d *Device) SupportsGetState() (bool, error) { return d.hasFeature(FeatureGetState) }

// SupportsTermination reports whether the device has switchable bus
// termination.
func (d *Device) SupportsTermination() (bool, error) { return d.hasFeature(FeatureTermination) }

// SupportsIdentify reports whether the device can blink its LED on
// request.
func (d *Device) SupportsIdentify() (bool, error) { return d.hasFeature(FeatureIdentify) }

func (d *Device) hasFeature(want FeatureFlags) (bool, error) {
	c, err := d.Capability()
	if err != nil {
		return false, err
	}
	return c.Features.Has(want), nil
}

// Start resets the device and starts the CAN channel with the given mode
// flags masked against the device's feature report and SupportedModeFlags.
// Calling Start on a started channel is legal and restarts it with the new
// flags.
func (d *Device) Start(flags ModeFlags) error {
	if err := d.transport.Reset(); err != nil {
		return errors.Wrap(err, "device reset failed")
	}

	c, err := d.Capability()
	if err != nil {
		return err
	}

	// Declare little-endian host byte order. Legacy request; failures are
	// ignored since modern firmware assumes little-endian anyway.
	hf := make([]byte, 4)
	binary.LittleEndian.PutUint32(hf, hostFormatMagic)
	_ = d.transport.ControlOut(breqHostFormat, 0, 0, hf)

	effective := EffectiveModeFlags(flags, c.Features)
	mode := DeviceMode{Mode: modeStart, Flags: effective}
	if err := d.transport.ControlOut(breqMode, 0, 0, mode.Marshal()); err != nil {
		return errors.Wrap(err, "failed to start channel")
	}

	d.modeFlags = effective
	d.fdMode = effective&ModeFD != 0
	d.started = true
	return nil
}

// Stop resets the channel to the stopped state. Transport errors are
// swallowed: the device may already be unplugged or unresponsive, and the
// session is torn down regardless.
func (d *Device) Stop() {
	mode := DeviceMode{Mode: modeReset, Flags: 0}
	_ = d.transport.ControlOut(breqMode, 0, 0, mode.Marshal())
	d.modeFlags = 0
	d.fdMode = false
	d.started = false
}

// SetBitrate configures the arbitration-phase bitrate. It returns ok=false,
// without touching the device, when the (device clock, bitrate) pair has no
// known timing solution. Callable whether or not the channel is started.
func (d *Device) SetBitrate(bitrate uint32) (bool, error) {
	c, err := d.Capability()
	if err != nil {
		return false, err
	}
	timing, ok := SolveNominal(c.ClockHz, bitrate)
	if !ok {
		return false, nil
	}
	return true, d.SetTiming(timing)
}

// SetDataBitrate configures the CAN FD data-phase bitrate. It returns
// ok=false when the device lacks the FD feature or the (clock, bitrate)
// pair has no known timing solution.
func (d *Device) SetDataBitrate(bitrate uint32) (bool, error) {
	c, err := d.Capability()
	if err != nil {
		return false, err
	}
	if !c.Features.Has(FeatureFD) {
		return false, nil
	}
	timing, ok := SolveData(c.ClockHz, bitrate)
	if !ok {
		return false, nil
	}
	return true, d.SetDataTiming(timing)
}

// SetTiming applies raw arbitration-phase segment values.
func (d *Device) SetTiming(t DeviceBitTiming) error {
	return d.transport.ControlOut(breqBitTiming, 0, 0, t.Marshal())
}

// SetDataTiming applies raw data-phase segment values.
func (d *Device) SetDataTiming(t DeviceBitTiming) error {
	return d.transport.ControlOut(breqDataBitTiming, 0, 0, t.Marshal())
}

// Send serializes the frame under the session's negotiated layout and
// writes it to the bulk OUT endpoint. It does not wait for the TX echo
// frame; correlate echoes by EchoID on the receive path.
func (d *Device) Send(f *Frame) error {
	hwTS := d.modeFlags&ModeHWTimestamp != 0
	if _, err := d.transport.BulkWrite(f.Marshal(hwTS, d.fdMode)); err != nil {
		return err
	}
	return nil
}

// Receive reads the next frame from the bulk IN endpoint into f. A zero
// timeout blocks until a frame arrives. Expiry of a nonzero timeout yields
// ErrNoFrame, not a transport failure.
//
// The read is sized for the largest frame the session can produce, but the
// layout for decoding takes the FD bit from the received flags byte: TX
// echo frames arrive in classic layout even while the session runs FD.
func (d *Device) Receive(f *Frame, timeout time.Duration) error {
	hwTS := d.modeFlags&ModeHWTimestamp != 0
	maxSize := FrameSizeFor(hwTS, d.fdMode)

	n, err := d.transport.BulkRead(d.readBuf[:maxSize], timeout)
	if err != nil {
		return err
	}
	buf := d.readBuf[:n]

	fd := false
	if n > 10 {
		fd = buf[10]&FrameFlagFD != 0
	}
	return UnmarshalFrame(f, buf, hwTS, fd)
}

// State fetches the CAN controller state and error counters for the given
// channel. It never caches: every call is a fresh GET_STATE transfer.
// Devices without the GET_STATE feature yield ErrUnsupported before any
// transfer is issued.
func (d *Device) State(channel uint16) (DeviceState, error) {
	ok, err := d.SupportsGetState()
	if err != nil {
		return DeviceState{}, err
	}
	if !ok {
		return DeviceState{}, ErrUnsupported
	}
	data, err := d.transport.ControlIn(breqGetState, channel, 0, deviceStateSize)
	if err != nil {
		return DeviceState{}, err
	}
	return UnmarshalDeviceState(data)
}

// Identify switches the device's identify LED blink on or off.
func (d *Device) Identify(on bool) error {
	ok, err := d.SupportsIdentify()
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsupported
	}
	return d.transport.ControlOut(breqIdentify, 0, 0, u32le(boolTo01(on)))
}

// UserID reads the persistent user-assigned identifier.
func (d *Device) UserID() (uint32, error) {
	ok, err := d.hasFeature(FeatureUserID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrUnsupported
	}
	data, err := d.transport.ControlIn(breqGetUserID, 0, 0, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, &FormatError{Need: 4, Got: len(data)}
	}
	return binary.LittleEndian.Uint32(data), nil
}

// SetUserID stores a persistent user-assigned identifier on the device.
func (d *Device) SetUserID(id uint32) error {
	ok, err := d.hasFeature(FeatureUserID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsupported
	}
	return d.transport.ControlOut(breqSetUserID, 0, 0, u32le(id))
}

// Termination reports whether the switchable bus termination resistor is
// enabled for the given channel.
func (d *Device) Termination(channel uint16) (bool, error) {
	ok, err := d.SupportsTermination()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrUnsupported
	}
	data, err := d.transport.ControlIn(breqGetTermination, channel, 0, 4)
	if err != nil {
		return false, err
	}
	if len(data) < 4 {
		return false, &FormatError{Need: 4, Got: len(data)}
	}
	return binary.LittleEndian.Uint32(data) != 0, nil
}

// SetTermination enables or disables the bus termination resistor for the
// given channel.
func (d *Device) SetTermination(channel uint16, on bool) error {
	ok, err := d.SupportsTermination()
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnsupported
	}
	return d.transport.ControlOut(breqSetTermination, channel, 0, u32le(boolTo01(on)))
}

func u32le(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func boolTo01(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
