package uvc

import (
	"context"
	"encoding/binary"
	"time"
)

// StillOptions selects a still-image source (§4.8). A nil Format or Frame
// falls back to the currently configured video format/frame; with no video
// stream configured, Camera.ConfigureStillImage needs both set. Frame is a
// video FrameInfo whose Index is sent as the still probe's frame index; a
// still_frames[] entry cannot be chosen here. Camera.ConfigureStillImage
// uses a dedicated still alternate setting (method 2) only when the chosen
// format advertises still frames.
type StillOptions struct {
	Format           *StreamFormat
	Frame            *FrameInfo
	CompressionIndex uint8
}

const stillControlTimeout = 1 * time.Second

// ConfigureStillImage runs the still PROBE/COMMIT cycle on vsIface using
// VS_STILL_PROBE/VS_STILL_COMMIT, independent of any running video stream's
// negotiated parameters.
func ConfigureStillImage(h DeviceHandle, vsIface uint8, opts StillOptions, fallbackFormat StreamFormat, fallbackFrame FrameInfo) (Commit, error) {
	format := fallbackFormat
	if opts.Format != nil {
		format = *opts.Format
	}
	frame := fallbackFrame
	if opts.Frame != nil {
		frame = *opts.Frame
	}
	compression := opts.CompressionIndex
	if compression == 0 {
		compression = 1
	}

	wIndex := uint16(vsIface)
	length := 11

	template, err := h.ControlTransfer(DirIn, reqGetCur, uint16(vsStillProbeControl)<<8, wIndex, make([]byte, length), stillControlTimeout)
	if err != nil || len(template) != length {
		template = make([]byte, length)
	}

	buf := append([]byte(nil), template...)
	buf[0] = uint8(format.Index)
	buf[1] = uint8(frame.Index)
	buf[2] = compression

	if _, err := h.ControlTransfer(DirOut, reqSetCur, uint16(vsStillProbeControl)<<8, wIndex, buf, stillControlTimeout); err != nil {
		return Commit{}, &NegotiationFailedError{Step: "still_probe", LastErr: err}
	}

	negotiated, err := h.ControlTransfer(DirIn, reqGetCur, uint16(vsStillProbeControl)<<8, wIndex, make([]byte, length), stillControlTimeout)
	if err != nil {
		return Commit{}, &NegotiationFailedError{Step: "still_probe_readback", LastErr: err}
	}

	if _, err := h.ControlTransfer(DirOut, reqSetCur, uint16(vsStillCommitControl)<<8, wIndex, negotiated, stillControlTimeout); err != nil {
		return Commit{}, &NegotiationFailedError{Step: "still_commit", LastErr: err}
	}

	maxFrameSize, maxPayload := stillParseNegotiated(negotiated)
	if maxFrameSize == 0 {
		maxFrameSize = frame.MaxFrameSize
	}

	return Commit{
		FormatIndex:            format.Index,
		FrameIndex:             frame.Index,
		MaxVideoFrameSize:      maxFrameSize,
		MaxPayloadTransferSize: maxPayload,
	}, nil
}

func stillParseNegotiated(buf []byte) (maxFrameSize, maxPayload uint32) {
	if len(buf) >= 7 {
		maxFrameSize = binary.LittleEndian.Uint32(buf[3:7])
	}
	if len(buf) >= 11 {
		maxPayload = binary.LittleEndian.Uint32(buf[7:11])
	}
	return
}

// CaptureStillImage implements §4.8's trigger-and-read algorithm. If
// activeStream is non-nil (method 1, streaming frame with bit 0 of
// bmCapabilities set), the trigger fires over the running pipeline and the
// next frame delivered there is returned instead of opening a dedicated
// still endpoint.
func CaptureStillImage(
	ctx context.Context,
	h DeviceHandle,
	vsIface uint8,
	stillAlt *AlternateSetting,
	currentAlt uint8,
	activeStream *FrameStream,
	timeout time.Duration,
) (CapturedFrame, error) {
	if stillAlt != nil && stillAlt.AltID != currentAlt {
		if err := h.SetAltSetting(vsIface, stillAlt.AltID); err != nil {
			return CapturedFrame{}, err
		}
		defer h.SetAltSetting(vsIface, currentAlt)
	}

	wIndex := uint16(vsIface)
	if _, err := h.ControlTransfer(DirOut, reqSetCur, uint16(vsStillTriggerCtrl)<<8, wIndex, []byte{0x01}, stillControlTimeout); err != nil {
		return CapturedFrame{}, &NegotiationFailedError{Step: "still_trigger", LastErr: err}
	}

	if stillAlt != nil {
		if err := h.ClearHalt(stillAlt.EndpointAddress); err != nil {
			log().Warn().Err(err).Msg("clear_halt before still capture failed, continuing")
		}
	}

	if activeStream != nil {
		select {
		case frame, ok := <-activeStream.Frames():
			if !ok {
				return CapturedFrame{}, &StreamNotConfiguredError{Operation: "capture_still_image"}
			}
			return frame, nil
		case <-time.After(timeout):
			return CapturedFrame{}, &TransferError{Kind: TransferErrorTimeout, Op: "capture_still_image"}
		case <-ctx.Done():
			return CapturedFrame{}, ctx.Err()
		}
	}

	if stillAlt == nil {
		return CapturedFrame{}, &StreamNotConfiguredError{Operation: "capture_still_image"}
	}

	payload, err := readStillFrameBulk(h, stillAlt.EndpointAddress, int(stillAlt.MaxPacketSize), timeout)
	if err != nil {
		return CapturedFrame{}, err
	}
	return CapturedFrame{Payload: payload, HostTimestamp: time.Now()}, nil
}

// readStillFrameBulk drains one still-image frame via repeated bulk reads,
// for devices whose dedicated still endpoint is a bulk endpoint rather than
// isochronous. Reassembly uses the same payload-header framing as streaming.
func readStillFrameBulk(h DeviceHandle, endpoint uint8, packetSize int, timeout time.Duration) ([]byte, error) {
	if packetSize <= 0 {
		packetSize = 1024
	}
	assembler := NewPacketAssembler(0)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		chunk, err := h.ReadBulk(endpoint, packetSize, timeout)
		if err != nil {
			return nil, &TransferError{Kind: TransferErrorOther, Op: "still_bulk_read", Err: err}
		}
		if len(chunk) == 0 {
			continue
		}
		for _, result := range assembler.Feed(chunk) {
			if result.Complete {
				return result.Payload, nil
			}
		}
	}

	return nil, &TransferError{Kind: TransferErrorTimeout, Op: "still_bulk_read"}
}
