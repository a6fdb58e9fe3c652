package gsusb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Echo-ID values. Frames transmitted by the host carry EchoID; the device
// reflects the value in the TX echo frame. Frames received from the bus use
// NoEchoID.
const (
	EchoID   uint32 = 0
	NoEchoID uint32 = 0xFFFFFFFF
)

// On-wire frame sizes. The header is 12 bytes (echo id, CAN id, DLC,
// channel, flags, reserved) followed by the payload region and, when
// hardware timestamps are negotiated, a 4-byte microsecond counter.
const (
	FrameSize              = 20
	FrameSizeHWTimestamp   = 24
	FrameSizeFD            = 76
	FrameSizeFDHWTimestamp = 80
)

// canFDDLCToLen maps an FD DLC (0-15) to the payload length in bytes.
var canFDDLCToLen = [16]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 12, 16, 20, 24, 32, 48, 64}

// DLCToLen converts a data length code to a payload byte count.
func DLCToLen(dlc uint8, fd bool) int {
	if fd {
		if int(dlc) < len(canFDDLCToLen) {
			return canFDDLCToLen[dlc]
		}
		return CANFDMaxLen
	}
	if dlc > CANMaxLen {
		return CANMaxLen
	}
	return int(dlc)
}

// LenToDLC converts a payload byte count to the smallest DLC whose length is
// at least length. FD lengths beyond 64 clamp to DLC 15 rather than failing;
// the mapping is a ceiling, not exact.
func LenToDLC(length int, fd bool) uint8 {
	if fd {
		for dlc, dlen := range canFDDLCToLen {
			if dlen >= length {
				return uint8(dlc)
			}
		}
		return CANFDMaxDLC
	}
	if length > CANMaxLen {
		return CANMaxLen
	}
	return uint8(length)
}

// FrameSizeFor returns the on-wire size of a host frame under the given
// negotiated flags.
func FrameSizeFor(hwTimestamp, fd bool) int {
	if fd {
		if hwTimestamp {
			return FrameSizeFDHWTimestamp
		}
		return FrameSizeFD
	}
	if hwTimestamp {
		return FrameSizeHWTimestamp
	}
	return FrameSize
}

// Frame is a single CAN or CAN FD frame in gs_usb host format. The payload
// array is always 64 bytes; classic frames use the first 8 and the codec
// keeps the remainder zeroed so a Frame can be reused across receive calls
// without reallocation.
type Frame struct {
	EchoID      uint32
	CANID       uint32 // arbitration value plus EFF/RTR/ERR bits
	DLC         uint8
	Channel     uint8
	Flags       uint8
	Reserved    uint8
	Data        [CANFDMaxLen]byte
	TimestampUS uint32
}

// NewFrame builds a classic CAN frame. Payloads longer than 8 bytes are
// truncated.
func NewFrame(canID uint32, data []byte) Frame {
	return newFrame(canID, data, false, false)
}

// NewFDFrame builds a CAN FD frame, optionally with bit rate switch for the
// data phase. Payloads longer than 64 bytes are truncated; shorter ones are
// padded to the next valid FD length by the DLC ceiling mapping.
func NewFDFrame(canID uint32, data []byte, brs bool) Frame {
	return newFrame(canID, data, true, brs)
}

func newFrame(canID uint32, data []byte, fd, brs bool) Frame {
	f := Frame{EchoID: EchoID, CANID: canID}
	maxLen := CANMaxLen
	if fd {
		f.Flags |= FrameFlagFD
		if brs {
			f.Flags |= FrameFlagBRS
		}
		maxLen = CANFDMaxLen
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	copy(f.Data[:], data)
	f.DLC = LenToDLC(len(data), fd)
	return f
}

// ArbitrationID returns the CAN identifier without flag bits: 29 bits for
// extended frames, 11 bits otherwise.
func (f *Frame) ArbitrationID() uint32 {
	if f.IsExtended() {
		return f.CANID & CANEffMask
	}
	return f.CANID & CANSffMask
}

func (f *Frame) IsExtended() bool { return f.CANID&CANEffFlag != 0 }
func (f *Frame) IsRemote() bool   { return f.CANID&CANRtrFlag != 0 }
func (f *Frame) IsError() bool    { return f.CANID&CANErrFlag != 0 }
func (f *Frame) IsFD() bool       { return f.Flags&FrameFlagFD != 0 }
func (f *Frame) IsBRS() bool      { return f.Flags&FrameFlagBRS != 0 }
func (f *Frame) IsESI() bool      { return f.Flags&FrameFlagESI != 0 }

// IsEcho reports whether this is a TX confirmation reflected by the device
// rather than a frame received from the bus.
func (f *Frame) IsEcho() bool { return f.EchoID != NoEchoID }

// Length returns the payload length implied by the DLC and the frame's own
// FD flag.
func (f *Frame) Length() int { return DLCToLen(f.DLC, f.IsFD()) }

// Payload returns the active payload bytes.
func (f *Frame) Payload() []byte { return f.Data[:f.Length()] }

// Timestamp returns the hardware timestamp. Zero unless the channel was
// started with ModeHWTimestamp.
func (f *Frame) Timestamp() time.Duration {
	return time.Duration(f.TimestampUS) * time.Microsecond
}

// Marshal serializes the frame for bulk transmit. The layout is chosen by
// the negotiated channel flags, not by the frame itself: an 8-byte payload
// region for classic channels, 64 for FD, with an optional trailing
// timestamp word. All fields are little-endian.
func (f *Frame) Marshal(hwTimestamp, fd bool) []byte {
	buf := make([]byte, FrameSizeFor(hwTimestamp, fd))
	binary.LittleEndian.PutUint32(buf[0:4], f.EchoID)
	binary.LittleEndian.PutUint32(buf[4:8], f.CANID)
	buf[8] = f.DLC
	buf[9] = f.Channel
	buf[10] = f.Flags
	buf[11] = f.Reserved
	dataLen := CANMaxLen
	if fd {
		dataLen = CANFDMaxLen
	}
	copy(buf[12:12+dataLen], f.Data[:dataLen])
	if hwTimestamp {
		binary.LittleEndian.PutUint32(buf[12+dataLen:], f.TimestampUS)
	}
	return buf
}

// UnmarshalFrame decodes buf into f using the layout implied by the given
// flags. A buffer shorter than that layout is a FormatError; the frame is
// left unmodified in that case.
func UnmarshalFrame(f *Frame, buf []byte, hwTimestamp, fd bool) error {
	need := FrameSizeFor(hwTimestamp, fd)
	if len(buf) < need {
		return &FormatError{Need: need, Got: len(buf)}
	}
	f.EchoID = binary.LittleEndian.Uint32(buf[0:4])
	f.CANID = binary.LittleEndian.Uint32(buf[4:8])
	f.DLC = buf[8]
	f.Channel = buf[9]
	f.Flags = buf[10]
	f.Reserved = buf[11]
	dataLen := CANMaxLen
	if fd {
		dataLen = CANFDMaxLen
	}
	copy(f.Data[:dataLen], buf[12:12+dataLen])
	for i := dataLen; i < CANFDMaxLen; i++ {
		f.Data[i] = 0
	}
	if hwTimestamp {
		f.TimestampUS = binary.LittleEndian.Uint32(buf[12+dataLen:])
	} else {
		f.TimestampUS = 0
	}
	return nil
}

func (f *Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%8X", f.ArbitrationID())
	if f.IsFD() {
		b.WriteString(" FD")
	}
	if f.IsBRS() {
		b.WriteString(" BRS")
	}
	fmt.Fprintf(&b, "   [%d]  ", f.Length())
	if f.IsRemote() {
		b.WriteString("remote request")
		return b.String()
	}
	for i, d := range f.Payload() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", d)
	}
	return b.String()
}
