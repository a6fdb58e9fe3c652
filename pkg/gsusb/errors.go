package gsusb

import (
	"errors"
	"fmt"
)

// ErrUnsupported signals that the device does not report the feature flag
// required for the requested operation. No transfer is attempted.
var ErrUnsupported = errors.New("gsusb: operation not supported by device")

// ErrNoFrame is returned by Receive when the read timed out before a frame
// arrived. It is an expected outcome, not a transport failure.
var ErrNoFrame = errors.New("gsusb: no frame available")

// FormatError reports a receive buffer whose length does not match the
// layout implied by the negotiated flags. The offending frame is lost but
// the session is unaffected.
type FormatError struct {
	Need int
	Got  int
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("gsusb: frame buffer too short: need %d bytes, got %d", e.Need, e.Got)
}
