package uvc

import (
	"context"
	"encoding/binary"
	"testing"
	"time"
)

func TestConfigureStillImage_BuildsProbeBlockAndParsesCommit(t *testing.T) {
	var lastProbeSetBuf []byte
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		selector := uint8(wValue >> 8)
		switch {
		case bRequest == reqGetCur && selector == vsStillProbeControl:
			out := make([]byte, 11)
			out[3], out[4], out[5], out[6] = 0x00, 0x10, 0x00, 0x00 // maxFrameSize = 4096
			binary.LittleEndian.PutUint32(out[7:11], 1024)          // maxPayload
			return out, nil
		case bRequest == reqSetCur && selector == vsStillProbeControl:
			lastProbeSetBuf = append([]byte(nil), buf...)
			return nil, nil
		case bRequest == reqSetCur && selector == vsStillCommitControl:
			return nil, nil
		}
		return nil, nil
	}

	format := StreamFormat{Index: 2}
	frame := FrameInfo{Index: 3}
	commit, err := ConfigureStillImage(h, 1, StillOptions{}, format, frame)
	if err != nil {
		t.Fatalf("ConfigureStillImage: %v", err)
	}
	if commit.MaxVideoFrameSize != 4096 || commit.MaxPayloadTransferSize != 1024 {
		t.Fatalf("unexpected commit: %+v", commit)
	}
	if commit.FormatIndex != 2 || commit.FrameIndex != 3 {
		t.Fatalf("commit format/frame index wrong: %+v", commit)
	}
	if len(lastProbeSetBuf) != 11 || lastProbeSetBuf[0] != 2 || lastProbeSetBuf[1] != 3 || lastProbeSetBuf[2] != 1 {
		t.Fatalf("unexpected probe block written: % X", lastProbeSetBuf)
	}
}

func TestConfigureStillImage_ZeroDeviceFrameSizeFallsBackToFrameInfo(t *testing.T) {
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		if bRequest == reqGetCur {
			return make([]byte, 11), nil // all zero: device reports no size
		}
		return nil, nil
	}

	frame := FrameInfo{Index: 1, MaxFrameSize: 99999}
	commit, err := ConfigureStillImage(h, 0, StillOptions{}, StreamFormat{Index: 1}, frame)
	if err != nil {
		t.Fatalf("ConfigureStillImage: %v", err)
	}
	if commit.MaxVideoFrameSize != 99999 {
		t.Fatalf("MaxVideoFrameSize = %d, want fallback 99999", commit.MaxVideoFrameSize)
	}
}

func TestCaptureStillImage_MethodOneReadsFromActiveStream(t *testing.T) {
	h := newFakeHandle()
	var triggered bool
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		if bRequest == reqSetCur && uint8(wValue>>8) == vsStillTriggerCtrl {
			triggered = true
		}
		return nil, nil
	}

	out := make(chan CapturedFrame, 1)
	want := CapturedFrame{Payload: []byte("still-frame"), Sequence: 7}
	out <- want
	stream := &FrameStream{out: out}

	got, err := CaptureStillImage(context.Background(), h, 0, nil, 0, stream, time.Second)
	if err != nil {
		t.Fatalf("CaptureStillImage: %v", err)
	}
	if !triggered {
		t.Fatalf("expected SET_CUR(VS_STILL_IMAGE_TRIGGER) to have been issued")
	}
	if string(got.Payload) != "still-frame" || got.Sequence != 7 {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestCaptureStillImage_MethodTwoReadsBulkEndpoint(t *testing.T) {
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		return nil, nil
	}
	reads := 0
	h.bulk = func(endpoint uint8, length int) ([]byte, error) {
		reads++
		if reads == 1 {
			return packet(payloadEOF, 0, "JPEGDATA"), nil
		}
		return nil, nil
	}

	alt := &AlternateSetting{AltID: 2, HasEndpoint: true, EndpointAddress: 0x83, MaxPacketSize: 512}
	got, err := CaptureStillImage(context.Background(), h, 1, alt, 0, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("CaptureStillImage: %v", err)
	}
	if string(got.Payload) != "JPEGDATA" {
		t.Fatalf("unexpected payload: %q", got.Payload)
	}
}

func TestCaptureStillImage_NoMethodConfiguredIsStreamNotConfigured(t *testing.T) {
	h := newFakeHandle()
	h.ctrl = func(dir TransferDirection, bRequest uint8, wValue, wIndex uint16, buf []byte) ([]byte, error) {
		return nil, nil
	}
	_, err := CaptureStillImage(context.Background(), h, 0, nil, 0, nil, time.Second)
	if _, ok := err.(*StreamNotConfiguredError); !ok {
		t.Fatalf("expected *StreamNotConfiguredError, got %v (%T)", err, err)
	}
}
