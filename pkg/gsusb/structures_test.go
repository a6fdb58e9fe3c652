package gsusb

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEffectiveModeFlags(t *testing.T) {
	tests := []struct {
		name      string
		requested ModeFlags
		features  FeatureFlags
		want      ModeFlags
	}{
		{
			name:      "all requested, all supported",
			requested: ModeListenOnly | ModeLoopBack | ModeOneShot | ModeHWTimestamp | ModeFD,
			features:  FeatureListenOnly | FeatureLoopBack | FeatureOneShot | FeatureHWTimestamp | FeatureFD,
			want:      ModeListenOnly | ModeLoopBack | ModeOneShot | ModeHWTimestamp | ModeFD,
		},
		{
			name:      "device lacks FD",
			requested: ModeHWTimestamp | ModeFD,
			features:  FeatureHWTimestamp,
			want:      ModeHWTimestamp,
		},
		{
			name:      "driver mask strips unsupported flags",
			requested: ModeTripleSample | ModeBerrReport | ModeListenOnly,
			features:  FeatureTripleSample | FeatureBerrReporting | FeatureListenOnly,
			want:      ModeListenOnly,
		},
		{
			name:      "nothing requested",
			requested: ModeNormal,
			features:  FeatureFD | FeatureHWTimestamp,
			want:      ModeNormal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EffectiveModeFlags(tt.requested, tt.features)
			if got != tt.want {
				t.Errorf("EffectiveModeFlags() = %#x, want %#x", got, tt.want)
			}
			// Result is a subset of the request and masking is idempotent
			// and order-independent.
			if got&^tt.requested != 0 {
				t.Errorf("result %#x exceeds request %#x", got, tt.requested)
			}
			if again := EffectiveModeFlags(got, tt.features); again != got {
				t.Errorf("not idempotent: %#x -> %#x", got, again)
			}
			swapped := (tt.requested & SupportedModeFlags) & ModeFlags(tt.features)
			if swapped != got {
				t.Errorf("mask order changed result: %#x vs %#x", swapped, got)
			}
		})
	}
}

func TestDeviceModeMarshal(t *testing.T) {
	m := DeviceMode{Mode: modeStart, Flags: ModeHWTimestamp | ModeFD}
	want := []byte{1, 0, 0, 0, 0x10, 0x01, 0, 0}
	if got := m.Marshal(); !bytes.Equal(got, want) {
		t.Errorf("Marshal() = %v, want %v", got, want)
	}
}

func TestDeviceBitTimingMarshal(t *testing.T) {
	// 40 MHz / 500 kbit: five little-endian u32 words 1,12,2,1,5.
	tm := DeviceBitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, SJW: 1, BRP: 5}
	want := []byte{
		1, 0, 0, 0,
		12, 0, 0, 0,
		2, 0, 0, 0,
		1, 0, 0, 0,
		5, 0, 0, 0,
	}
	got := tm.Marshal()
	if !bytes.Equal(got, want) {
		t.Errorf("Marshal() = %v, want %v", got, want)
	}

	back, err := UnmarshalDeviceBitTiming(got)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != tm {
		t.Errorf("round trip = %+v, want %+v", back, tm)
	}

	if _, err := UnmarshalDeviceBitTiming(got[:19]); err == nil {
		t.Error("short buffer must fail")
	}
}

func TestUnmarshalDeviceInfo(t *testing.T) {
	buf := make([]byte, deviceInfoSize)
	buf[3] = 1 // two channels, stored as count-1
	binary.LittleEndian.PutUint32(buf[4:8], 32)
	binary.LittleEndian.PutUint32(buf[8:12], 10)

	info, err := UnmarshalDeviceInfo(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.ChannelCount() != 2 {
		t.Errorf("ChannelCount() = %d, want 2", info.ChannelCount())
	}
	if info.FWVersion != 32 || info.HWVersion != 10 {
		t.Errorf("versions = %d/%d", info.FWVersion, info.HWVersion)
	}
	if got, want := info.String(), "channels=2 fw=3.2 hw=1.0"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if _, err := UnmarshalDeviceInfo(buf[:11]); err == nil {
		t.Error("short buffer must fail")
	}
}

func capabilityBytes(features FeatureFlags, clockHz uint32, extended bool) []byte {
	size := capabilitySize
	if extended {
		size = capabilityExtSize
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(features))
	binary.LittleEndian.PutUint32(buf[4:8], clockHz)
	nominal := []uint32{1, 16, 1, 8, 4, 1, 1024, 1}
	for i, v := range nominal {
		binary.LittleEndian.PutUint32(buf[8+4*i:], v)
	}
	if extended {
		data := []uint32{1, 32, 1, 16, 8, 1, 32, 1}
		for i, v := range data {
			binary.LittleEndian.PutUint32(buf[40+4*i:], v)
		}
	}
	return buf
}

func TestUnmarshalCapability(t *testing.T) {
	buf := capabilityBytes(FeatureFD|FeatureHWTimestamp, 48000000, false)
	c, err := UnmarshalCapability(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if c.ClockHz != 48000000 {
		t.Errorf("ClockHz = %d", c.ClockHz)
	}
	if !c.Features.Has(FeatureFD) || c.Features.Has(FeatureGetState) {
		t.Errorf("Features = %#x", c.Features)
	}
	if c.HasDataTiming() {
		t.Error("base capability must not report data timing")
	}
	want := TimingConstraints{TSeg1Min: 1, TSeg1Max: 16, TSeg2Min: 1, TSeg2Max: 8, SJWMax: 4, BRPMin: 1, BRPMax: 1024, BRPInc: 1}
	if c.Nominal != want {
		t.Errorf("Nominal = %+v", c.Nominal)
	}

	if _, err := UnmarshalCapability(buf[:39]); err == nil {
		t.Error("short buffer must fail")
	}
}

func TestUnmarshalExtendedCapability(t *testing.T) {
	buf := capabilityBytes(FeatureFD|FeatureBTConstExt, 80000000, true)
	c, err := UnmarshalExtendedCapability(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !c.HasDataTiming() {
		t.Fatal("extended capability must report data timing")
	}
	if c.Data.TSeg1Max != 32 || c.Data.BRPMax != 32 {
		t.Errorf("Data = %+v", c.Data)
	}
	// The nominal block is shared with the base layout.
	if c.Nominal.TSeg1Max != 16 {
		t.Errorf("Nominal = %+v", c.Nominal)
	}

	if _, err := UnmarshalExtendedCapability(buf[:capabilitySize]); err == nil {
		t.Error("base-sized buffer must fail")
	}
}

func TestUnmarshalDeviceState(t *testing.T) {
	buf := make([]byte, deviceStateSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(StateErrorPassive))
	binary.LittleEndian.PutUint32(buf[4:8], 127)
	binary.LittleEndian.PutUint32(buf[8:12], 96)

	s, err := UnmarshalDeviceState(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.State != StateErrorPassive || s.RXErr != 127 || s.TXErr != 96 {
		t.Errorf("state = %+v", s)
	}
	if got, want := s.String(), "state=ERROR_PASSIVE rxerr=127 txerr=96"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	if _, err := UnmarshalDeviceState(buf[:8]); err == nil {
		t.Error("short buffer must fail")
	}
}
