package gsusb

import (
	"context"
	"fmt"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"
)

func contextWithOptionalTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), timeout)
}

// DefaultTimeout bounds control transfers and bulk writes on the USB
// transport.
const DefaultTimeout = 5 * time.Second

// Transport is the USB surface the driver needs: vendor control transfers
// on endpoint 0, bulk frame I/O, and a device-side reset. Implementations
// other than USBTransport exist only in tests.
type Transport interface {
	// ControlOut issues a host-to-device vendor request (0x41).
	ControlOut(request uint8, value, index uint16, data []byte) error
	// ControlIn issues a device-to-host vendor request (0xC1) and returns
	// the response payload.
	ControlIn(request uint8, value, index uint16, length int) ([]byte, error)
	// BulkWrite transmits a serialized frame on the OUT endpoint.
	BulkWrite(data []byte) (int, error)
	// BulkRead reads at most len(buf) bytes from the IN endpoint. A zero
	// timeout blocks until a transfer completes. Expiry of a nonzero
	// timeout is reported as ErrNoFrame.
	BulkRead(buf []byte, timeout time.Duration) (int, error)
	// Reset performs a device-side reset and reestablishes the claim on
	// the CAN interface.
	Reset() error
	Close() error
}

// DeviceDescriptor identifies a discovered gs_usb device without holding it
// open.
type DeviceDescriptor struct {
	VID         uint16
	PID         uint16
	Bus         int
	Address     int
	Serial      string
	Product     string
	Description string
}

func (d DeviceDescriptor) Label() string {
	if d.Product != "" {
		return fmt.Sprintf("%s (%04X:%04X bus %d addr %d)", d.Product, d.VID, d.PID, d.Bus, d.Address)
	}
	return fmt.Sprintf("%s (%04X:%04X bus %d addr %d)", d.Description, d.VID, d.PID, d.Bus, d.Address)
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (DeviceDescriptor, bool) {
	for _, known := range knownGsUsbVIDPIDs {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return DeviceDescriptor{
				VID:         known.VendorID,
				PID:         known.ProductID,
				Bus:         desc.Bus,
				Address:     desc.Address,
				Description: known.Description,
			}, true
		}
	}
	return DeviceDescriptor{}, false
}

// DiscoverDevices enumerates connected gs_usb compatible devices matching
// the known VID/PID table.
func DiscoverDevices() ([]DeviceDescriptor, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()

	var results []DeviceDescriptor
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := classifyUSBDevice(desc)
		return ok
	})
	// OpenDevices may return both devices and an error (e.g. access denied
	// on an unrelated device).
	for _, dev := range devs {
		d, _ := classifyUSBDevice(dev.Desc)
		d.Serial, _ = dev.SerialNumber()
		d.Product, _ = dev.Product()
		results = append(results, d)
		dev.Close()
	}
	if err != nil && err != gousb.ErrorAccess {
		return results, errors.Wrap(err, "failed to enumerate devices")
	}
	return results, nil
}

// USBTransport talks to a gs_usb device through gousb/libusb.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	desc    DeviceDescriptor
	timeout time.Duration
}

// NewUSBTransport opens the first device matching vid:pid and claims its
// CAN interface. The kernel gs_usb driver, if bound, is detached
// automatically where the platform supports it.
func NewUSBTransport(vid, pid uint16) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, errors.Wrap(err, "USB open failed")
	}
	if dev == nil {
		ctx.Close()
		return nil, errors.Newf("device not found (VID:0x%04X PID:0x%04X)", vid, pid)
	}

	return newTransport(ctx, dev)
}

// OpenFirst opens the first connected device from the known gs_usb VID/PID
// table. serial, when non-empty, restricts the match to that serial number.
func OpenFirst(serial string) (*USBTransport, error) {
	ctx := gousb.NewContext()

	var opened *gousb.Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := classifyUSBDevice(desc)
		return ok
	})
	for _, dev := range devs {
		if opened == nil {
			if serial != "" {
				if sn, _ := dev.SerialNumber(); sn != serial {
					dev.Close()
					continue
				}
			}
			opened = dev
			continue
		}
		dev.Close()
	}
	if opened == nil {
		ctx.Close()
		if err != nil {
			return nil, errors.Wrap(err, "failed to enumerate devices")
		}
		return nil, errors.New("no gs_usb device found")
	}

	return newTransport(ctx, opened)
}

func newTransport(ctx *gousb.Context, dev *gousb.Device) (*USBTransport, error) {
	// Detach the kernel gs_usb driver before claiming; not fatal on
	// platforms without kernel driver support.
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:     ctx,
		dev:     dev,
		timeout: DefaultTimeout,
	}
	t.desc, _ = classifyUSBDevice(dev.Desc)
	t.desc.Serial, _ = dev.SerialNumber()
	t.desc.Product, _ = dev.Product()

	if err := t.claimInterface(); err != nil {
		dev.Close()
		ctx.Close()
		return nil, err
	}
	return t, nil
}

// claimInterface claims the gs_usb CAN interface (interface 0) and opens
// its bulk endpoints.
func (t *USBTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return errors.Wrap(err, "failed to get config")
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		return errors.Wrap(err, "failed to claim interface 0")
	}
	t.intf = intf

	if err := t.findEndpoints(); err != nil {
		intf.Close()
		t.intf = nil
		return err
	}
	return nil
}

// findEndpoints opens the bulk IN/OUT endpoint pair from the interface
// descriptors. gs_usb devices use 0x02 OUT and 0x81 IN.
func (t *USBTransport) findEndpoints() error {
	setting := t.intf.Setting

	outNum, inNum := -1, -1
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionOut:
			if outNum < 0 {
				outNum = ep.Number
			}
		case gousb.EndpointDirectionIn:
			if inNum < 0 {
				inNum = ep.Number
			}
		}
	}
	if outNum < 0 {
		return errors.New("bulk OUT endpoint not found")
	}
	if inNum < 0 {
		return errors.New("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outNum)
	if err != nil {
		return errors.Wrap(err, "failed to open OUT endpoint")
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inNum)
	if err != nil {
		return errors.Wrap(err, "failed to open IN endpoint")
	}
	t.epIn = epIn

	return nil
}

// Descriptor returns identity information for the open device.
func (t *USBTransport) Descriptor() DeviceDescriptor { return t.desc }

// SetTimeout sets the bound for control transfers and bulk writes.
func (t *USBTransport) SetTimeout(timeout time.Duration) { t.timeout = timeout }

func (t *USBTransport) ControlOut(request uint8, value, index uint16, data []byte) error {
	if _, err := t.dev.Control(requestTypeOut, request, value, index, data); err != nil {
		return errors.Wrapf(err, "control out 0x%02x failed", request)
	}
	return nil
}

func (t *USBTransport) ControlIn(request uint8, value, index uint16, length int) ([]byte, error) {
	data := make([]byte, length)
	n, err := t.dev.Control(requestTypeIn, request, value, index, data)
	if err != nil {
		return nil, errors.Wrapf(err, "control in 0x%02x failed", request)
	}
	return data[:n], nil
}

func (t *USBTransport) BulkWrite(data []byte) (int, error) {
	ctx, cancel := contextWithOptionalTimeout(t.timeout)
	defer cancel()
	n, err := t.epOut.WriteContext(ctx, data)
	if err != nil {
		return n, errors.Wrap(err, "USB write failed")
	}
	return n, nil
}

func (t *USBTransport) BulkRead(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := contextWithOptionalTimeout(timeout)
	defer cancel()
	n, err := t.epIn.ReadContext(ctx, buf)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, gousb.ErrorTimeout),
		errors.Is(err, gousb.TransferTimedOut),
		errors.Is(err, gousb.TransferCancelled):
		return n, ErrNoFrame
	default:
		return n, errors.Wrap(err, "USB read failed")
	}
}

// Reset resets the device and reclaims the interface; claims do not
// survive a USB reset.
func (t *USBTransport) Reset() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
		t.epOut, t.epIn = nil, nil
	}
	if err := t.dev.Reset(); err != nil {
		return errors.Wrap(err, "USB reset failed")
	}
	return t.claimInterface()
}

// Close releases the interface, device, and context.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}
