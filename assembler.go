package uvc

import (
	"encoding/binary"
	"time"
)

// AssemblyReason records why a PacketAssembler finalized a frame.
type AssemblyReason int

const (
	ReasonEof AssemblyReason = iota
	ReasonFidToggle
	ReasonTimeout
	ReasonOverflow
)

func (r AssemblyReason) String() string {
	switch r {
	case ReasonEof:
		return "eof"
	case ReasonFidToggle:
		return "fid_toggle"
	case ReasonTimeout:
		return "timeout"
	case ReasonOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// AssemblyResult is one finalized (or abandoned) frame produced by a
// PacketAssembler. Complete is false when the frame should not be handed to
// a consumer — its Payload is nil in that case.
type AssemblyResult struct {
	Payload   []byte
	FID       uint8
	PTS       *uint32
	Reason    AssemblyReason
	Error     bool
	DurationS float64
	Complete  bool
}

type inflightFrame struct {
	fid     uint8
	payload []byte
	pts     *uint32
	errored bool
	started time.Time
}

// PacketAssembler reassembles UVC payload packets into complete frames. It
// is stateless across streams — create one per active FrameStream — and
// expects packets (not raw ISO micro-packets) in submission order.
type PacketAssembler struct {
	expectedSize int // 0 means unknown (MJPEG/frame-based)
	inFlight     *inflightFrame
}

// NewPacketAssembler creates an assembler. expectedSize is the uncompressed
// frame's exact byte count, or 0 for formats with no fixed size.
func NewPacketAssembler(expectedSize int) *PacketAssembler {
	return &PacketAssembler{expectedSize: expectedSize}
}

func (a *PacketAssembler) startFrame(fid uint8, pts *uint32) {
	a.inFlight = &inflightFrame{fid: fid, pts: pts, started: time.Now()}
}

// Feed processes one UVC payload packet and returns zero, one, or two
// results (a FID-toggle finalize of the prior frame can coincide with an
// EOF finalize of the packet that triggered it).
func (a *PacketAssembler) Feed(packet []byte) []*AssemblyResult {
	if len(packet) < 2 {
		a.inFlight = nil
		return nil
	}

	hl := int(packet[0])
	if hl < 2 || hl > len(packet) {
		a.inFlight = nil
		return nil
	}

	flags := packet[1]
	payload := packet[hl:]

	var pts *uint32
	if flags&payloadPTS != 0 && hl >= 6 {
		v := binary.LittleEndian.Uint32(packet[2:6])
		pts = &v
	}

	fid := flags & payloadFID

	var results []*AssemblyResult

	switch {
	case a.inFlight == nil:
		a.startFrame(fid, pts)
	case a.inFlight.fid != fid:
		if r := a.finalize(ReasonFidToggle); r != nil {
			results = append(results, r)
		}
		a.startFrame(fid, pts)
	}

	if flags&payloadERR != 0 {
		a.inFlight.errored = true
	}

	a.inFlight.payload = append(a.inFlight.payload, payload...)

	if a.expectedSize > 0 && len(a.inFlight.payload) > a.expectedSize {
		a.inFlight.errored = true
	}

	if flags&payloadEOF != 0 {
		if r := a.finalize(ReasonEof); r != nil {
			results = append(results, r)
		}
	}

	return results
}

// Flush forces finalization of whatever frame is in flight, for stream
// close or an idle-read timeout.
func (a *PacketAssembler) Flush(reason AssemblyReason) *AssemblyResult {
	return a.finalize(reason)
}

func (a *PacketAssembler) finalize(reason AssemblyReason) *AssemblyResult {
	f := a.inFlight
	a.inFlight = nil
	if f == nil {
		return nil
	}

	complete := len(f.payload) > 0 && !f.errored &&
		(a.expectedSize == 0 || len(f.payload) == a.expectedSize)

	result := &AssemblyResult{
		FID:       f.fid,
		PTS:       f.pts,
		Reason:    reason,
		Error:     f.errored,
		DurationS: time.Since(f.started).Seconds(),
		Complete:  complete,
	}
	if complete {
		result.Payload = f.payload
	}
	return result
}

// StripMJPEGAppMarkers removes JFIF/EXIF APPn marker segments (0xFFE0
// through 0xFFEF) from a complete MJPEG frame. This is payload hygiene the
// original implementation always performed before handing frames to a
// decoder; here it runs only when a caller opts in via
// StreamOptions.StripAppMarkers, since no decoder ships in this driver.
func StripMJPEGAppMarkers(payload []byte) []byte {
	if len(payload) < 4 || payload[0] != 0xFF || payload[1] != 0xD8 {
		return payload
	}

	out := make([]byte, 0, len(payload))
	out = append(out, payload[0], payload[1])

	i := 2
	for i+4 <= len(payload) {
		if payload[i] != 0xFF {
			break
		}
		marker := payload[i+1]
		if marker == 0xD9 || marker == 0xDA {
			break
		}
		segLen := int(binary.BigEndian.Uint16(payload[i+2 : i+4]))
		if i+2+segLen > len(payload) {
			break
		}
		if marker >= 0xE0 && marker <= 0xEF {
			i += 2 + segLen
			continue
		}
		out = append(out, payload[i:i+2+segLen]...)
		i += 2 + segLen
	}
	out = append(out, payload[i:]...)
	return out
}
