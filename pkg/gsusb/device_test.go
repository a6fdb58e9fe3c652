package gsusb

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// mockTransport scripts control/bulk responses and records every transfer
// the Device issues.
type mockTransport struct {
	features FeatureFlags
	clockHz  uint32
	extended bool

	controlOuts []controlXfer
	controlIns  []uint8
	bulkWrites  [][]byte

	readData    []byte
	readErr     error
	resetCount  int
	resetErr    error
	controlErr  error
	stateBytes  []byte
	closeCalled bool
}

type controlXfer struct {
	request uint8
	value   uint16
	index   uint16
	data    []byte
}

func newMockTransport(features FeatureFlags, clockHz uint32) *mockTransport {
	return &mockTransport{features: features, clockHz: clockHz}
}

func (m *mockTransport) ControlOut(request uint8, value, index uint16, data []byte) error {
	m.controlOuts = append(m.controlOuts, controlXfer{request, value, index, append([]byte(nil), data...)})
	return m.controlErr
}

func (m *mockTransport) ControlIn(request uint8, value, index uint16, length int) ([]byte, error) {
	m.controlIns = append(m.controlIns, request)
	switch request {
	case breqBTConst:
		return capabilityBytes(m.features, m.clockHz, false), nil
	case breqBTConstExt:
		return capabilityBytes(m.features, m.clockHz, true), nil
	case breqDeviceConfig:
		buf := make([]byte, deviceInfoSize)
		buf[3] = 0
		buf[4] = 20
		buf[8] = 10
		return buf, nil
	case breqGetState:
		return m.stateBytes, nil
	}
	return make([]byte, length), nil
}

func (m *mockTransport) BulkWrite(data []byte) (int, error) {
	m.bulkWrites = append(m.bulkWrites, append([]byte(nil), data...))
	return len(data), nil
}

func (m *mockTransport) BulkRead(buf []byte, timeout time.Duration) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	return copy(buf, m.readData), nil
}

func (m *mockTransport) Reset() error {
	m.resetCount++
	return m.resetErr
}

func (m *mockTransport) Close() error {
	m.closeCalled = true
	return nil
}

func (m *mockTransport) lastControlOut(t *testing.T) controlXfer {
	t.Helper()
	if len(m.controlOuts) == 0 {
		t.Fatal("no control out transfers recorded")
	}
	return m.controlOuts[len(m.controlOuts)-1]
}

func TestDeviceStartMasksFlags(t *testing.T) {
	// Device supports HW timestamp only; request also asks for FD and
	// triple sampling.
	m := newMockTransport(FeatureHWTimestamp|FeatureTripleSample, 48000000)
	d := NewDevice(m)

	err := d.Start(ModeHWTimestamp | ModeFD | ModeTripleSample)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if m.resetCount != 1 {
		t.Errorf("reset count = %d", m.resetCount)
	}

	mode := m.lastControlOut(t)
	if mode.request != breqMode {
		t.Fatalf("last request = %d, want MODE", mode.request)
	}
	want := DeviceMode{Mode: modeStart, Flags: ModeHWTimestamp}.Marshal()
	if !bytes.Equal(mode.data, want) {
		t.Errorf("mode payload = %v, want %v", mode.data, want)
	}

	if !d.Started() {
		t.Error("device should be started")
	}
	if d.ModeFlags() != ModeHWTimestamp {
		t.Errorf("ModeFlags() = %#x", d.ModeFlags())
	}
	if d.FDActive() {
		t.Error("FD must not be active")
	}
}

func TestDeviceStartSendsHostFormat(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	if err := d.Start(ModeNormal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var hf *controlXfer
	for i := range m.controlOuts {
		if m.controlOuts[i].request == breqHostFormat {
			hf = &m.controlOuts[i]
		}
	}
	if hf == nil {
		t.Fatal("HOST_FORMAT not sent")
	}
	if !bytes.Equal(hf.data, []byte{0xEF, 0xBE, 0x00, 0x00}) {
		t.Errorf("HOST_FORMAT payload = %v", hf.data)
	}
}

func TestDeviceRestartWhileStarted(t *testing.T) {
	m := newMockTransport(FeatureFD|FeatureHWTimestamp, 80000000)
	d := NewDevice(m)

	if err := d.Start(ModeHWTimestamp); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := d.Start(ModeFD); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if m.resetCount != 2 {
		t.Errorf("reset count = %d, want 2", m.resetCount)
	}
	if d.ModeFlags() != ModeFD || !d.FDActive() {
		t.Errorf("session flags = %#x fd=%v", d.ModeFlags(), d.FDActive())
	}
}

func TestDeviceStopBestEffort(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	if err := d.Start(ModeHWTimestamp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.controlErr = errors.New("device gone")
	d.Stop()

	if d.Started() {
		t.Error("device should be stopped despite transport error")
	}
	if d.ModeFlags() != 0 || d.FDActive() {
		t.Error("session not torn down")
	}
	mode := m.lastControlOut(t)
	if mode.request != breqMode {
		t.Fatalf("last request = %d", mode.request)
	}
	want := DeviceMode{Mode: modeReset, Flags: 0}.Marshal()
	if !bytes.Equal(mode.data, want) {
		t.Errorf("mode payload = %v, want %v", mode.data, want)
	}
}

func TestSetBitrate(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 40000000)
	d := NewDevice(m)

	ok, err := d.SetBitrate(500000)
	if err != nil || !ok {
		t.Fatalf("SetBitrate = %v, %v", ok, err)
	}
	xfer := m.lastControlOut(t)
	if xfer.request != breqBitTiming {
		t.Fatalf("request = %d, want BITTIMING", xfer.request)
	}
	want := DeviceBitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 5}.Marshal()
	if !bytes.Equal(xfer.data, want) {
		t.Errorf("timing payload = %v, want %v", xfer.data, want)
	}
}

func TestSetBitrateUnsupportedNoTransfer(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	if _, err := d.Capability(); err != nil { // prime the cache
		t.Fatal(err)
	}
	outsBefore := len(m.controlOuts)

	ok, err := d.SetBitrate(33333)
	if err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if ok {
		t.Error("unsupported bitrate must not report ok")
	}
	if len(m.controlOuts) != outsBefore {
		t.Error("unsupported bitrate must not touch the device")
	}
}

func TestSetDataBitrate(t *testing.T) {
	m := newMockTransport(FeatureFD, 80000000)
	d := NewDevice(m)

	ok, err := d.SetDataBitrate(2000000)
	if err != nil || !ok {
		t.Fatalf("SetDataBitrate = %v, %v", ok, err)
	}
	xfer := m.lastControlOut(t)
	if xfer.request != breqDataBitTiming {
		t.Fatalf("request = %d, want DATA_BITTIMING", xfer.request)
	}
}

func TestSetDataBitrateWithoutFDFeature(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 80000000)
	d := NewDevice(m)

	ok, err := d.SetDataBitrate(2000000)
	if err != nil {
		t.Fatalf("SetDataBitrate: %v", err)
	}
	if ok {
		t.Error("FD-less device must not accept a data bitrate")
	}
	if len(m.controlOuts) != 0 {
		t.Error("no transfer expected")
	}
}

func TestSendUsesSessionLayout(t *testing.T) {
	m := newMockTransport(FeatureFD|FeatureHWTimestamp, 80000000)
	d := NewDevice(m)
	if err := d.Start(ModeFD | ModeHWTimestamp); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f := NewFDFrame(0x123, make([]byte, 12), false)
	if err := d.Send(&f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(m.bulkWrites) != 1 {
		t.Fatalf("bulk writes = %d", len(m.bulkWrites))
	}
	if got := len(m.bulkWrites[0]); got != FrameSizeFDHWTimestamp {
		t.Errorf("wrote %d bytes, want %d", got, FrameSizeFDHWTimestamp)
	}
}

func TestReceiveClassicEchoInFDSession(t *testing.T) {
	m := newMockTransport(FeatureFD, 80000000)
	d := NewDevice(m)
	if err := d.Start(ModeFD); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The device echoes the TX frame in classic layout even though the
	// session negotiated FD.
	echo := NewFrame(0x7E0, []byte{1, 2, 3})
	echo.EchoID = 5
	m.readData = echo.Marshal(false, false)

	var got Frame
	if err := d.Receive(&got, time.Second); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.IsFD() {
		t.Error("echo frame must decode as classic")
	}
	if got.EchoID != 5 || got.ArbitrationID() != 0x7E0 {
		t.Errorf("decoded %+v", got)
	}
	if !bytes.Equal(got.Payload(), []byte{1, 2, 3}) {
		t.Errorf("payload = %x", got.Payload())
	}
}

func TestReceiveFDFrame(t *testing.T) {
	m := newMockTransport(FeatureFD, 80000000)
	d := NewDevice(m)
	if err := d.Start(ModeFD); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rx := NewFDFrame(0x456, bytes.Repeat([]byte{0xA5}, 48), true)
	rx.EchoID = NoEchoID
	m.readData = rx.Marshal(false, true)

	var got Frame
	if err := d.Receive(&got, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if !got.IsFD() || !got.IsBRS() {
		t.Error("FD flags lost")
	}
	if got.IsEcho() {
		t.Error("bus frame must not read as echo")
	}
	if got.Length() != 48 {
		t.Errorf("Length() = %d", got.Length())
	}
}

func TestReceiveTimeout(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	if err := d.Start(ModeNormal); err != nil {
		t.Fatalf("Start: %v", err)
	}

	m.readErr = ErrNoFrame
	var f Frame
	if err := d.Receive(&f, 10*time.Millisecond); !errors.Is(err, ErrNoFrame) {
		t.Errorf("Receive = %v, want ErrNoFrame", err)
	}
}

func TestStateUnsupported(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)

	if _, err := d.State(0); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("State = %v, want ErrUnsupported", err)
	}
	for _, req := range m.controlIns {
		if req == breqGetState {
			t.Error("GET_STATE transfer issued despite missing feature")
		}
	}
}

func TestStateFetchesFresh(t *testing.T) {
	m := newMockTransport(FeatureGetState, 48000000)
	m.stateBytes = func() []byte {
		buf := make([]byte, deviceStateSize)
		buf[0] = byte(StateErrorWarning)
		buf[4] = 97
		return buf
	}()
	d := NewDevice(m)

	for i := 0; i < 2; i++ {
		s, err := d.State(0)
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if s.State != StateErrorWarning || s.RXErr != 97 {
			t.Errorf("state = %+v", s)
		}
	}
	var stateReads int
	for _, req := range m.controlIns {
		if req == breqGetState {
			stateReads++
		}
	}
	if stateReads != 2 {
		t.Errorf("GET_STATE transfers = %d, want one per call", stateReads)
	}
}

func TestCapabilityCached(t *testing.T) {
	m := newMockTransport(FeatureFD, 48000000)
	d := NewDevice(m)

	for i := 0; i < 3; i++ {
		if _, err := d.Capability(); err != nil {
			t.Fatalf("Capability: %v", err)
		}
	}
	if got := len(m.controlIns); got != 1 {
		t.Errorf("BT_CONST transfers = %d, want 1", got)
	}
}

func TestExtendedCapabilityIdempotent(t *testing.T) {
	m := newMockTransport(FeatureFD|FeatureBTConstExt, 80000000)
	d := NewDevice(m)

	c1, err := d.ExtendedCapability()
	if err != nil {
		t.Fatalf("ExtendedCapability: %v", err)
	}
	if !c1.HasDataTiming() {
		t.Fatal("data timing missing")
	}

	c2, err := d.ExtendedCapability()
	if err != nil {
		t.Fatalf("second ExtendedCapability: %v", err)
	}
	if c2 != c1 {
		t.Error("second fetch returned different capability")
	}

	var extReads int
	for _, req := range m.controlIns {
		if req == breqBTConstExt {
			extReads++
		}
	}
	if extReads != 1 {
		t.Errorf("BT_CONST_EXT transfers = %d, want 1", extReads)
	}

	// The cached base capability is replaced, not duplicated.
	c, err := d.Capability()
	if err != nil {
		t.Fatal(err)
	}
	if !c.HasDataTiming() {
		t.Error("cached capability should be the extended one")
	}
}

func TestExtendedCapabilityUnsupported(t *testing.T) {
	m := newMockTransport(FeatureFD, 80000000)
	d := NewDevice(m)
	if _, err := d.ExtendedCapability(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ExtendedCapability = %v, want ErrUnsupported", err)
	}
}

func TestIdentifyFeatureGated(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	if err := d.Identify(true); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Identify = %v, want ErrUnsupported", err)
	}

	m2 := newMockTransport(FeatureIdentify, 48000000)
	d2 := NewDevice(m2)
	if err := d2.Identify(true); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	xfer := m2.lastControlOut(t)
	if xfer.request != breqIdentify {
		t.Errorf("request = %d", xfer.request)
	}
	if !bytes.Equal(xfer.data, []byte{1, 0, 0, 0}) {
		t.Errorf("payload = %v", xfer.data)
	}
}

func TestTermination(t *testing.T) {
	m := newMockTransport(FeatureTermination, 48000000)
	d := NewDevice(m)

	if err := d.SetTermination(0, true); err != nil {
		t.Fatalf("SetTermination: %v", err)
	}
	xfer := m.lastControlOut(t)
	if xfer.request != breqSetTermination || xfer.value != 0 {
		t.Errorf("xfer = %+v", xfer)
	}
	if !bytes.Equal(xfer.data, []byte{1, 0, 0, 0}) {
		t.Errorf("payload = %v", xfer.data)
	}

	d2 := NewDevice(newMockTransport(FeatureHWTimestamp, 48000000))
	if _, err := d2.Termination(0); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Termination = %v, want ErrUnsupported", err)
	}
}

func TestDeviceInfo(t *testing.T) {
	m := newMockTransport(FeatureHWTimestamp, 48000000)
	d := NewDevice(m)
	info, err := d.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ChannelCount() != 1 || info.FWVersion != 20 || info.HWVersion != 10 {
		t.Errorf("info = %+v", info)
	}
}
