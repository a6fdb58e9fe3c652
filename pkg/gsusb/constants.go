package gsusb

// gs_usb control request codes (bRequest on endpoint 0)
const (
	breqHostFormat     = 0
	breqBitTiming      = 1
	breqMode           = 2
	breqBerr           = 3
	breqBTConst        = 4
	breqDeviceConfig   = 5
	breqTimestamp      = 6
	breqIdentify       = 7
	breqGetUserID      = 8
	breqSetUserID      = 9
	breqDataBitTiming  = 10
	breqBTConstExt     = 11
	breqSetTermination = 12
	breqGetTermination = 13
	breqGetState       = 14
)

// Control transfer bmRequestType values (vendor request, interface recipient)
const (
	requestTypeOut = 0x41 // host -> device
	requestTypeIn  = 0xC1 // device -> host
)

// Bulk endpoint addresses
const (
	EndpointOUT = 0x02 // frame transmit
	EndpointIN  = 0x81 // frame receive
)

// Channel mode values for the MODE request
const (
	modeReset = 0
	modeStart = 1
)

// HOST_FORMAT byte-order magic, sent little-endian. Legacy; devices may
// ignore it.
const hostFormatMagic = 0x0000BEEF

// ModeFlags select optional channel behavior when starting a channel.
type ModeFlags uint32

const (
	ModeNormal       ModeFlags = 0
	ModeListenOnly   ModeFlags = 1 << 0
	ModeLoopBack     ModeFlags = 1 << 1
	ModeTripleSample ModeFlags = 1 << 2
	ModeOneShot      ModeFlags = 1 << 3
	ModeHWTimestamp  ModeFlags = 1 << 4
	ModeIdentify     ModeFlags = 1 << 5
	ModeUserID       ModeFlags = 1 << 6
	ModePadPackets   ModeFlags = 1 << 7
	ModeFD           ModeFlags = 1 << 8
	ModeBerrReport   ModeFlags = 1 << 12
)

// SupportedModeFlags is the set of mode flags this driver knows how to
// handle. Start masks requested flags against it and against the device's
// feature report; nothing outside this set is ever forwarded to the device.
const SupportedModeFlags = ModeListenOnly | ModeLoopBack | ModeOneShot | ModeHWTimestamp | ModeFD

// FeatureFlags describe device capabilities reported in the BT_CONST
// response. Bit assignment is fixed by the protocol and matches ModeFlags
// where the two overlap.
type FeatureFlags uint32

const (
	FeatureListenOnly    FeatureFlags = 1 << 0
	FeatureLoopBack      FeatureFlags = 1 << 1
	FeatureTripleSample  FeatureFlags = 1 << 2
	FeatureOneShot       FeatureFlags = 1 << 3
	FeatureHWTimestamp   FeatureFlags = 1 << 4
	FeatureIdentify      FeatureFlags = 1 << 5
	FeatureUserID        FeatureFlags = 1 << 6
	FeaturePadPackets    FeatureFlags = 1 << 7
	FeatureFD            FeatureFlags = 1 << 8
	FeatureUSBQuirkLPC   FeatureFlags = 1 << 9
	FeatureBTConstExt    FeatureFlags = 1 << 10
	FeatureTermination   FeatureFlags = 1 << 11
	FeatureBerrReporting FeatureFlags = 1 << 12
	FeatureGetState      FeatureFlags = 1 << 13
)

// Has reports whether all bits of want are present.
func (f FeatureFlags) Has(want FeatureFlags) bool { return f&want == want }

// CAN identifier flag bits, packed into the top 3 bits of the 32-bit ID.
const (
	CANEffFlag uint32 = 0x80000000 // extended frame format (29-bit ID)
	CANRtrFlag uint32 = 0x40000000 // remote transmission request
	CANErrFlag uint32 = 0x20000000 // error message frame

	CANSffMask uint32 = 0x000007FF // valid bits, standard frame format
	CANEffMask uint32 = 0x1FFFFFFF // valid bits, extended frame format
)

// Per-frame flag bits (flags byte in the host frame header).
const (
	FrameFlagOverflow uint8 = 1 << 0 // RX queue overflowed before this frame
	FrameFlagFD       uint8 = 1 << 1 // CAN FD frame
	FrameFlagBRS      uint8 = 1 << 2 // bit rate switch active for data phase
	FrameFlagESI      uint8 = 1 << 3 // error state indicator
)

// Payload and DLC limits per ISO 11898-1.
const (
	CANMaxDLC   = 8
	CANMaxLen   = 8
	CANFDMaxDLC = 15
	CANFDMaxLen = 64
)

// BusState is the CAN controller state reported by GET_STATE.
type BusState uint32

const (
	StateErrorActive BusState = iota
	StateErrorWarning
	StateErrorPassive
	StateBusOff
	StateStopped
	StateSleeping
)

func (s BusState) String() string {
	switch s {
	case StateErrorActive:
		return "ERROR_ACTIVE"
	case StateErrorWarning:
		return "ERROR_WARNING"
	case StateErrorPassive:
		return "ERROR_PASSIVE"
	case StateBusOff:
		return "BUS_OFF"
	case StateStopped:
		return "STOPPED"
	case StateSleeping:
		return "SLEEPING"
	}
	return "UNKNOWN"
}

// Known gs_usb compatible VID/PID pairs (the set handled by the Linux
// kernel gs_usb driver).
type knownUSBDevice struct {
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownGsUsbVIDPIDs = []knownUSBDevice{
	{VendorID: 0x1D50, ProductID: 0x606F, Description: "candleLight gs_usb"},
	{VendorID: 0x1209, ProductID: 0x2323, Description: "candlelight FD"},
	{VendorID: 0x1CD2, ProductID: 0x606F, Description: "CES CANext FD"},
	{VendorID: 0x16D0, ProductID: 0x10B8, Description: "ABE CANdebugger FD"},
}
