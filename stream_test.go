package uvc

import (
	"context"
	"testing"
	"time"
)

func TestStartStream_DeliversFramesWithIncreasingSequence(t *testing.T) {
	h := negotiatingHandle(nil, 666666, 3, 0)
	h.isoPackets = [][]IsoPacket{
		{{Data: packet(payloadEOF, 0, "ABC"), Status: TransferErrorOther}},
		{{Data: packet(payloadFID|payloadEOF, 0, "DEF"), Status: TransferErrorOther}},
	}

	transport := &fakeTransport{newHandle: func() DeviceHandle { return h }}
	alts := []AlternateSetting{
		{AltID: 0},
		{AltID: 1, HasEndpoint: true, EndpointAddress: 0x82, MaxPacketSize: 1024},
	}
	format := StreamFormat{Index: 1, Subtype: FormatUncompressed}
	frame := FrameInfo{Index: 1, Intervals100ns: []uint32{666666}}

	s, err := StartStream(context.Background(), transport, DeviceInfo{}, 0, 1, alts, format, frame, StreamOptions{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	var frames []CapturedFrame
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.Frames():
			frames = append(frames, f)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d", i+1)
		}
	}

	if frames[0].Sequence != 1 || frames[1].Sequence != 2 {
		t.Fatalf("sequences = %d, %d, want 1, 2", frames[0].Sequence, frames[1].Sequence)
	}
	if frames[1].HostTimestamp.Before(frames[0].HostTimestamp) {
		t.Fatalf("HostTimestamp went backwards: %v then %v", frames[0].HostTimestamp, frames[1].HostTimestamp)
	}
	if string(frames[0].Payload) != "ABC" || string(frames[1].Payload) != "DEF" {
		t.Fatalf("unexpected payloads: %q, %q", frames[0].Payload, frames[1].Payload)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop must also be safe and error-free: %v", err)
	}

	if _, ok := <-s.Frames(); ok {
		t.Fatalf("Frames() channel should be closed after Stop")
	}

	stats := s.Stats()
	if stats.FramesCompleted != 2 {
		t.Fatalf("FramesCompleted = %d, want 2", stats.FramesCompleted)
	}
	if !h.closed {
		t.Fatalf("expected the underlying handle to be closed on stop")
	}
}

func TestStartStream_NegotiationFailurePropagatesAndTearsDown(t *testing.T) {
	h := negotiatingHandle(map[int]bool{48: true, 34: true, 26: true}, 0, 0, 0)
	transport := &fakeTransport{newHandle: func() DeviceHandle { return h }}
	alts := []AlternateSetting{{AltID: 1, HasEndpoint: true, MaxPacketSize: 1024}}
	format := StreamFormat{Index: 1, Subtype: FormatUncompressed}
	frame := FrameInfo{Index: 1, Intervals100ns: []uint32{666666}}

	_, err := StartStream(context.Background(), transport, DeviceInfo{}, 0, 1, alts, format, frame, StreamOptions{})
	if err == nil {
		t.Fatalf("expected negotiation failure to propagate")
	}
	if !h.closed {
		t.Fatalf("a failed StartStream must still tear down (close) the handle")
	}
}

func TestStreamOptions_Defaults(t *testing.T) {
	o := StreamOptions{}.withDefaults()
	if o.QueueDepth != 4 || o.Transfers != 12 || o.PacketsPerTransfer != 48 {
		t.Fatalf("unexpected defaults: %+v", o)
	}

	custom := StreamOptions{QueueDepth: 1, Transfers: 20, PacketsPerTransfer: 64}.withDefaults()
	if custom.QueueDepth != 1 || custom.Transfers != 20 || custom.PacketsPerTransfer != 64 {
		t.Fatalf("explicit values must not be overridden: %+v", custom)
	}
}
