package uvc

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newTestCamera(h *fakeHandle) *Camera {
	return &Camera{
		transport: &fakeTransport{newHandle: func() DeviceHandle { return h }},
		handle:    h,
		vcIface:   0,
		topology: &ControlTopology{
			Units: []ControlUnit{
				{
					UnitID: 2,
					Kind:   UnitKindProcessingUnit,
					Controls: []ControlDescriptor{
						{UnitID: 2, Selector: 2, DefaultName: "Brightness", UnitKind: UnitKindProcessingUnit},
					},
				},
			},
		},
		streaming: []StreamingInterface{
			{
				InterfaceNumber: 1,
				Formats: []StreamFormat{
					{
						Index:   1,
						Subtype: FormatUncompressed,
						Frames: []FrameInfo{
							{Index: 1, Width: 640, Height: 480, Intervals100ns: []uint32{666666}},
						},
					},
				},
				AlternateSettings: []AlternateSetting{
					{AltID: 0},
					{AltID: 1, HasEndpoint: true, MaxPacketSize: 1024},
				},
			},
		},
	}
}

func TestCamera_EnumerateControls_CachesAcrossCalls(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		switch bRequest {
		case reqGetInfo:
			return []byte{infoGet | infoSet}, nil
		case reqGetLen:
			return []byte{0x02, 0x00}, nil
		case reqGetMin:
			return []byte{0x00, 0x00}, nil
		case reqGetMax:
			return []byte{0xFF, 0x00}, nil
		case reqGetRes:
			return []byte{0x01, 0x00}, nil
		case reqGetDef:
			return []byte{0x32, 0x00}, nil
		}
		return nil, nil
	}
	cam := newTestCamera(h)

	entries, err := cam.EnumerateControls(false)
	if err != nil {
		t.Fatalf("EnumerateControls: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "Brightness" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].Max == nil || *entries[0].Max != 255 {
		t.Fatalf("unexpected max: %v", entries[0].Max)
	}

	firstCallCount := calls
	if _, err := cam.EnumerateControls(false); err != nil {
		t.Fatalf("EnumerateControls (cached): %v", err)
	}
	if calls != firstCallCount {
		t.Fatalf("a non-refresh call must not re-probe the device: calls went from %d to %d", firstCallCount, calls)
	}

	if _, err := cam.EnumerateControls(true); err != nil {
		t.Fatalf("EnumerateControls (refresh): %v", err)
	}
	if calls <= firstCallCount {
		t.Fatalf("refresh=true must re-probe the device")
	}
}

func TestCamera_GetSet_RoundTrip(t *testing.T) {
	var lastSetValue []byte
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		switch bRequest {
		case reqGetInfo:
			return []byte{infoGet | infoSet}, nil
		case reqGetLen:
			return []byte{0x02, 0x00}, nil
		case reqGetMin:
			return []byte{0x00, 0x00}, nil
		case reqGetMax:
			return []byte{0xFF, 0x00}, nil
		case reqGetRes:
			return []byte{0x01, 0x00}, nil
		case reqGetDef:
			return []byte{0x32, 0x00}, nil
		case reqGetCur:
			return []byte{0x28, 0x00}, nil // 40
		case reqSetCur:
			lastSetValue = append([]byte(nil), buf...)
			return nil, nil
		}
		return nil, nil
	}
	cam := newTestCamera(h)

	v, err := cam.Get(ControlKeyName("Brightness"), false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.(int64) != 40 {
		t.Fatalf("Get = %v, want 40", v)
	}

	if err := cam.Set(ControlKeyName("Brightness"), 60, false); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if len(lastSetValue) != 2 || lastSetValue[0] != 60 || lastSetValue[1] != 0 {
		t.Fatalf("unexpected wire value written: % X", lastSetValue)
	}
}

func TestCamera_Get_UnknownControlIsControlUnavailable(t *testing.T) {
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		if bRequest == reqGetInfo {
			return []byte{0x00}, nil // absent
		}
		return nil, nil
	}
	cam := newTestCamera(h)

	_, err := cam.Get(ControlKeyName("Brightness"), false)
	var cue *ControlUnavailableError
	if !errors.As(err, &cue) {
		t.Fatalf("expected *ControlUnavailableError, got %v", err)
	}
}

func TestCamera_Set_RawLengthMismatchIsValueOutOfBounds(t *testing.T) {
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		switch bRequest {
		case reqGetInfo:
			return []byte{infoGet | infoSet}, nil
		case reqGetLen:
			return []byte{0x02, 0x00}, nil
		default:
			return []byte{0x00, 0x00}, nil
		}
	}
	cam := newTestCamera(h)

	err := cam.Set(ControlKeyName("Brightness"), []byte{0x01, 0x02, 0x03}, true)
	var vobe *ValueOutOfBoundsError
	if !errors.As(err, &vobe) {
		t.Fatalf("expected *ValueOutOfBoundsError, got %v", err)
	}
}

func TestCamera_SelectStream(t *testing.T) {
	cam := newTestCamera(newFakeHandle())

	format, frame, err := cam.SelectStream(StreamSelector{Width: 640, Height: 480})
	if err != nil {
		t.Fatalf("SelectStream: %v", err)
	}
	if format.Index != 1 || frame.Index != 1 {
		t.Fatalf("unexpected match: format=%+v frame=%+v", format, frame)
	}

	_, _, err = cam.SelectStream(StreamSelector{Width: 1920, Height: 1080})
	var nmf *NoMatchingFormatError
	if !errors.As(err, &nmf) {
		t.Fatalf("expected *NoMatchingFormatError for an unmatched selector, got %v", err)
	}
}

func TestCamera_ConfigureStream_RecordsConfiguration(t *testing.T) {
	h := negotiatingHandle(nil, 666666, 614400, 1500)
	cam := newTestCamera(h)

	format, frame, err := cam.SelectStream(StreamSelector{})
	if err != nil {
		t.Fatalf("SelectStream: %v", err)
	}

	commit, err := cam.ConfigureStream(format, frame, ConfigureOptions{})
	if err != nil {
		t.Fatalf("ConfigureStream: %v", err)
	}
	if commit.Interval100ns != 666666 {
		t.Fatalf("unexpected commit: %+v", commit)
	}

	if cam.configured == nil || cam.configured.format.Index != format.Index {
		t.Fatalf("ConfigureStream must record the stream configuration")
	}
}

func TestCamera_Stream_RequiresPriorConfigure(t *testing.T) {
	cam := newTestCamera(newFakeHandle())
	_, err := cam.Stream(context.Background(), StreamOptions{})
	var snc *StreamNotConfiguredError
	if !errors.As(err, &snc) {
		t.Fatalf("expected *StreamNotConfiguredError, got %v", err)
	}
}

func TestDeviceSelector_ResolveByIndexOutOfRangeIsNoDevice(t *testing.T) {
	_, err := ByIndex(5).resolve([]DeviceInfo{{Path: "/dev/bus/usb/001/002"}})
	var nde *NoDeviceError
	if !errors.As(err, &nde) {
		t.Fatalf("expected *NoDeviceError, got %v", err)
	}
}

func TestDeviceSelector_ResolveByVendorProduct(t *testing.T) {
	devices := []DeviceInfo{
		{VendorID: 0x046d, ProductID: 0x0825},
		{VendorID: 0x1234, ProductID: 0x5678},
	}
	got, err := ByVendorProduct(0x1234, 0x5678).resolve(devices)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.VendorID != 0x1234 {
		t.Fatalf("unexpected device: %+v", got)
	}
}

func TestDeviceSelector_DefaultResolvesFirstDevice(t *testing.T) {
	devices := []DeviceInfo{{Path: "a"}, {Path: "b"}}
	got, err := (DeviceSelector{}).resolve(devices)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Path != "a" {
		t.Fatalf("expected the first device by default, got %+v", got)
	}
}
