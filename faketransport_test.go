package uvc

import (
	"errors"
	"sync"
	"time"
)

// fakeHandle is a scriptable DeviceHandle for unit tests, grounded on the
// emulator-backed mock USB device used by the original implementation's
// test suite: every control transfer is answered by a caller-supplied
// function instead of real hardware.
type fakeHandle struct {
	mu sync.Mutex

	ctrl func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error)
	bulk func(endpoint uint8, length int) ([]byte, error)

	configDescriptor []byte
	isoPackets       [][]IsoPacket

	closed           bool
	claimed          map[uint8]bool
	altSettings      map[uint8]uint8
	clearHaltCalls   []uint8
	closedIso        bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{claimed: make(map[uint8]bool), altSettings: make(map[uint8]uint8)}
}

func (h *fakeHandle) Close() error { h.closed = true; return nil }

func (h *fakeHandle) SetConfiguration(uint8) error { return nil }

func (h *fakeHandle) ClaimInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.claimed[iface] = true
	return nil
}

func (h *fakeHandle) ReleaseInterface(iface uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.claimed, iface)
	return nil
}

func (h *fakeHandle) SetAltSetting(iface, alt uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.altSettings[iface] = alt
	return nil
}

func (h *fakeHandle) ClearHalt(endpoint uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearHaltCalls = append(h.clearHaltCalls, endpoint)
	return nil
}

func (h *fakeHandle) Reset() error { return nil }

func (h *fakeHandle) KernelDriverActive(uint8) (bool, error) { return false, nil }

func (h *fakeHandle) DetachKernelDriver(uint8) error { return nil }

func (h *fakeHandle) AttachKernelDriver(uint8) error { return nil }

func (h *fakeHandle) ControlTransfer(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte, timeout time.Duration) ([]byte, error) {
	if h.ctrl == nil {
		return nil, errors.New("fakeHandle: no control transfer scripted")
	}
	return h.ctrl(dir, bRequest, wValue, wIndex, buf)
}

func (h *fakeHandle) ReadBulk(endpoint uint8, length int, timeout time.Duration) ([]byte, error) {
	if h.bulk == nil {
		return nil, errors.New("fakeHandle: no bulk read scripted")
	}
	return h.bulk(endpoint, length)
}

func (h *fakeHandle) ConfigDescriptor() ([]byte, error) { return h.configDescriptor, nil }

func (h *fakeHandle) IsoSubmit(endpoint uint8, packetSize, packetsPerTransfer, transfers int) (IsoHandle, error) {
	return &fakeIso{packets: h.isoPackets}, nil
}

// fakeIso replays a fixed sequence of Poll() results, one slice per call;
// once exhausted it returns empty slices forever (as if nothing arrived).
type fakeIso struct {
	mu        sync.Mutex
	packets   [][]IsoPacket
	idx       int
	cancelled bool
}

func (f *fakeIso) Poll(timeout time.Duration) ([]IsoPacket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idx >= len(f.packets) {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	p := f.packets[f.idx]
	f.idx++
	return p, nil
}

func (f *fakeIso) Cancel() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

// fakeTransport opens a single preconfigured fakeHandle regardless of which
// DeviceInfo is requested, for tests that need StartStream's "reopen a
// fresh handle" semantics without a second real device.
type fakeTransport struct {
	devices []DeviceInfo
	newHandle func() DeviceHandle
}

func (t *fakeTransport) ListDevices() ([]DeviceInfo, error) { return t.devices, nil }

func (t *fakeTransport) Open(DeviceInfo) (DeviceHandle, error) { return t.newHandle(), nil }
