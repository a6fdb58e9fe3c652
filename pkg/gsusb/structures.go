package gsusb

import (
	"encoding/binary"
	"fmt"
)

// Control structure wire sizes, in bytes. Every field is a little-endian
// uint32 unless noted; none of the structures carry a length prefix.
const (
	deviceModeSize      = 8
	deviceBitTimingSize = 20
	deviceInfoSize      = 12
	capabilitySize      = 40
	capabilityExtSize   = 72
	deviceStateSize     = 12
)

// EffectiveModeFlags applies the negotiation rule for channel start: the
// requested flags masked by what the device reports and by what this driver
// supports. The result is always a subset of the request.
func EffectiveModeFlags(requested ModeFlags, features FeatureFlags) ModeFlags {
	return requested & ModeFlags(features) & SupportedModeFlags
}

// DeviceMode is the payload of the MODE control request.
type DeviceMode struct {
	Mode  uint32
	Flags ModeFlags
}

func (m DeviceMode) Marshal() []byte {
	buf := make([]byte, deviceModeSize)
	binary.LittleEndian.PutUint32(buf[0:4], m.Mode)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Flags))
	return buf
}

// DeviceBitTiming is the payload of the BITTIMING and DATA_BITTIMING
// requests: concrete segment counts and prescaler satisfying the device's
// timing constraints.
type DeviceBitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	SJW       uint32
	BRP       uint32
}

func (t DeviceBitTiming) Marshal() []byte {
	buf := make([]byte, deviceBitTimingSize)
	binary.LittleEndian.PutUint32(buf[0:4], t.PropSeg)
	binary.LittleEndian.PutUint32(buf[4:8], t.PhaseSeg1)
	binary.LittleEndian.PutUint32(buf[8:12], t.PhaseSeg2)
	binary.LittleEndian.PutUint32(buf[12:16], t.SJW)
	binary.LittleEndian.PutUint32(buf[16:20], t.BRP)
	return buf
}

// UnmarshalDeviceBitTiming decodes a 20-byte timing structure. Used by
// round-trip tests and by tooling that reads timing back out of captures.
func UnmarshalDeviceBitTiming(buf []byte) (DeviceBitTiming, error) {
	if len(buf) < deviceBitTimingSize {
		return DeviceBitTiming{}, &FormatError{Need: deviceBitTimingSize, Got: len(buf)}
	}
	return DeviceBitTiming{
		PropSeg:   binary.LittleEndian.Uint32(buf[0:4]),
		PhaseSeg1: binary.LittleEndian.Uint32(buf[4:8]),
		PhaseSeg2: binary.LittleEndian.Uint32(buf[8:12]),
		SJW:       binary.LittleEndian.Uint32(buf[12:16]),
		BRP:       binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

func (t DeviceBitTiming) String() string {
	return fmt.Sprintf("prop_seg=%d phase_seg1=%d phase_seg2=%d sjw=%d brp=%d",
		t.PropSeg, t.PhaseSeg1, t.PhaseSeg2, t.SJW, t.BRP)
}

// TotalTQ returns the number of time quanta per bit: sync + prop + phase1 +
// phase2.
func (t DeviceBitTiming) TotalTQ() uint32 {
	return 1 + t.PropSeg + t.PhaseSeg1 + t.PhaseSeg2
}

// DeviceInfo is the DEVICE_CONFIG response: channel count (stored on the
// wire as count minus one) and firmware/hardware versions in tenths.
type DeviceInfo struct {
	Reserved    [3]uint8
	ChannelsSub uint8
	FWVersion   uint32
	HWVersion   uint32
}

// UnmarshalDeviceInfo decodes a 12-byte DEVICE_CONFIG response.
func UnmarshalDeviceInfo(buf []byte) (DeviceInfo, error) {
	if len(buf) < deviceInfoSize {
		return DeviceInfo{}, &FormatError{Need: deviceInfoSize, Got: len(buf)}
	}
	var info DeviceInfo
	copy(info.Reserved[:], buf[0:3])
	info.ChannelsSub = buf[3]
	info.FWVersion = binary.LittleEndian.Uint32(buf[4:8])
	info.HWVersion = binary.LittleEndian.Uint32(buf[8:12])
	return info, nil
}

// ChannelCount returns the number of CAN channels on the device.
func (i DeviceInfo) ChannelCount() int { return int(i.ChannelsSub) + 1 }

func (i DeviceInfo) String() string {
	return fmt.Sprintf("channels=%d fw=%d.%d hw=%d.%d",
		i.ChannelCount(), i.FWVersion/10, i.FWVersion%10, i.HWVersion/10, i.HWVersion%10)
}

// TimingConstraints are the min/max ranges a DeviceBitTiming must satisfy.
type TimingConstraints struct {
	TSeg1Min uint32
	TSeg1Max uint32
	TSeg2Min uint32
	TSeg2Max uint32
	SJWMax   uint32
	BRPMin   uint32
	BRPMax   uint32
	BRPInc   uint32
}

// Capability is the decoded BT_CONST / BT_CONST_EXT response: the feature
// report, the CAN core clock, and the nominal timing constraints. Extended
// responses additionally carry the FD data-phase constraints; HasDataTiming
// distinguishes the two so a caller never observes half-populated data
// fields.
type Capability struct {
	Features FeatureFlags
	ClockHz  uint32
	Nominal  TimingConstraints

	// Data-phase constraints, valid only when Extended is set.
	Extended bool
	Data     TimingConstraints
}

// HasDataTiming reports whether data-phase constraints are populated, i.e.
// the capability came from a BT_CONST_EXT response.
func (c Capability) HasDataTiming() bool { return c.Extended }

func unmarshalConstraints(buf []byte) TimingConstraints {
	return TimingConstraints{
		TSeg1Min: binary.LittleEndian.Uint32(buf[0:4]),
		TSeg1Max: binary.LittleEndian.Uint32(buf[4:8]),
		TSeg2Min: binary.LittleEndian.Uint32(buf[8:12]),
		TSeg2Max: binary.LittleEndian.Uint32(buf[12:16]),
		SJWMax:   binary.LittleEndian.Uint32(buf[16:20]),
		BRPMin:   binary.LittleEndian.Uint32(buf[20:24]),
		BRPMax:   binary.LittleEndian.Uint32(buf[24:28]),
		BRPInc:   binary.LittleEndian.Uint32(buf[28:32]),
	}
}

// UnmarshalCapability decodes a 40-byte BT_CONST response.
func UnmarshalCapability(buf []byte) (Capability, error) {
	if len(buf) < capabilitySize {
		return Capability{}, &FormatError{Need: capabilitySize, Got: len(buf)}
	}
	return Capability{
		Features: FeatureFlags(binary.LittleEndian.Uint32(buf[0:4])),
		ClockHz:  binary.LittleEndian.Uint32(buf[4:8]),
		Nominal:  unmarshalConstraints(buf[8:40]),
	}, nil
}

// UnmarshalExtendedCapability decodes a 72-byte BT_CONST_EXT response,
// which extends BT_CONST with the data-phase constraint block.
func UnmarshalExtendedCapability(buf []byte) (Capability, error) {
	if len(buf) < capabilityExtSize {
		return Capability{}, &FormatError{Need: capabilityExtSize, Got: len(buf)}
	}
	c, err := UnmarshalCapability(buf[:capabilitySize])
	if err != nil {
		return Capability{}, err
	}
	c.Extended = true
	c.Data = unmarshalConstraints(buf[40:72])
	return c, nil
}

func (c Capability) String() string {
	s := fmt.Sprintf("features=0x%08x clock=%dHz tseg1=%d-%d tseg2=%d-%d sjw_max=%d brp=%d-%d/%d",
		uint32(c.Features), c.ClockHz,
		c.Nominal.TSeg1Min, c.Nominal.TSeg1Max, c.Nominal.TSeg2Min, c.Nominal.TSeg2Max,
		c.Nominal.SJWMax, c.Nominal.BRPMin, c.Nominal.BRPMax, c.Nominal.BRPInc)
	if c.Extended {
		s += fmt.Sprintf(" dtseg1=%d-%d dtseg2=%d-%d dsjw_max=%d dbrp=%d-%d/%d",
			c.Data.TSeg1Min, c.Data.TSeg1Max, c.Data.TSeg2Min, c.Data.TSeg2Max,
			c.Data.SJWMax, c.Data.BRPMin, c.Data.BRPMax, c.Data.BRPInc)
	}
	return s
}

// DeviceState is the GET_STATE response: bus state plus live RX/TX error
// counters. It is never cached; every read reflects current hardware state.
type DeviceState struct {
	State BusState
	RXErr uint32
	TXErr uint32
}

// UnmarshalDeviceState decodes a 12-byte GET_STATE response.
func UnmarshalDeviceState(buf []byte) (DeviceState, error) {
	if len(buf) < deviceStateSize {
		return DeviceState{}, &FormatError{Need: deviceStateSize, Got: len(buf)}
	}
	return DeviceState{
		State: BusState(binary.LittleEndian.Uint32(buf[0:4])),
		RXErr: binary.LittleEndian.Uint32(buf[4:8]),
		TXErr: binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

func (s DeviceState) String() string {
	return fmt.Sprintf("state=%s rxerr=%d txerr=%d", s.State, s.RXErr, s.TXErr)
}
