package uvc

import "time"

// TransferDirection is the direction of a control transfer, matching the
// high bit of bmRequestType.
type TransferDirection int

const (
	DirOut TransferDirection = iota
	DirIn
)

// DeviceInfo identifies one enumerated USB device without opening it.
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	Serial       string
	Manufacturer string
	Product      string
	Bus          uint8
	Address      uint8
	Path         string
}

// IsoPacket is one delivered isochronous micro-packet: the UVC payload
// packet bytes actually received (header plus payload), truncated to
// ActualLength.
type IsoPacket struct {
	Data         []byte
	ActualLength int
	Status       TransferErrorKind
}

// IsoHandle is a submitted pool of isochronous transfers. Poll delivers
// completed packets in submission order; Cancel requests all in-flight
// transfers stop, after which a final Poll drains whatever already
// completed.
type IsoHandle interface {
	Poll(timeout time.Duration) ([]IsoPacket, error)
	Cancel() error
}

// UsbTransport is the entire capability surface the core depends on. No
// package outside this file and its platform-specific implementation may
// import a USB stack directly.
type UsbTransport interface {
	ListDevices() ([]DeviceInfo, error)

	Open(info DeviceInfo) (DeviceHandle, error)
}

// DeviceHandle is an opened device. Every method may be called concurrently
// except where noted; control transfers and isochronous polling are safe to
// interleave (§5).
type DeviceHandle interface {
	Close() error

	SetConfiguration(config uint8) error
	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	SetAltSetting(iface, alt uint8) error
	ClearHalt(endpoint uint8) error
	Reset() error

	KernelDriverActive(iface uint8) (bool, error)
	DetachKernelDriver(iface uint8) error
	AttachKernelDriver(iface uint8) error

	// ControlTransfer issues a class-interface control transfer. For DirOut,
	// buf is the payload to send and the returned slice is empty; for DirIn,
	// buf's length is the number of bytes requested and the returned slice
	// holds what the device sent.
	ControlTransfer(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte, timeout time.Duration) ([]byte, error)

	ReadBulk(endpoint uint8, length int, timeout time.Duration) ([]byte, error)

	// ConfigDescriptor returns the raw bytes of the active configuration
	// descriptor, for C1 to parse.
	ConfigDescriptor() ([]byte, error)

	// IsoSubmit allocates and submits a pool of isochronous transfers on
	// endpoint, each carrying packetsPerTransfer packets of packetSize
	// bytes, transfers deep.
	IsoSubmit(endpoint uint8, packetSize, packetsPerTransfer, transfers int) (IsoHandle, error)
}
