package uvc

import (
	"encoding/binary"
	"math"
	"sort"
	"time"
)

// Commit is the outcome of a successful PROBE/COMMIT negotiation, ready to
// drive C5/C7.
type Commit struct {
	FormatIndex            int
	FrameIndex             int
	Interval100ns          uint32
	MaxVideoFrameSize      uint32
	MaxPayloadTransferSize uint32
	ClockFreq              uint32
	SelectedAlt            uint8
	EndpointAddress        uint8
	IsoPacketSize          int
}

// NegotiateOptions customizes frame-rate selection and alt-setting choice.
type NegotiateOptions struct {
	FPS          float64 // 0 means accept the device's default rate
	StrictFPS    bool
	ToleranceHz  float64 // default 1e-3 when zero
	OverrideAlt  *uint8
	ProbeSelector  uint8 // vsProbeControl or vsStillProbeControl
	CommitSelector uint8 // vsCommitControl or vsStillCommitControl

	// ClockFreq is the VC_HEADER's dwClockFrequency (§4.2), carried
	// through into Commit.ClockFreq for C3's PTS/SCR interpretation. Zero
	// when the device doesn't report one (UVC 1.5 devices report it per
	// frame instead, via the payload header's SCR field).
	ClockFreq uint32
}

const negotiateTimeout = 1 * time.Second

var probeLengthCandidates = []int{48, 34, 26}

func probeWIndex(ifaceNumber uint8) uint16 { return uint16(ifaceNumber) }

// closestInterval returns the advertised interval (100ns ticks) closest to
// the requested fps, expressed in 100ns ticks, and its Hz deviation from
// the request.
func closestInterval(intervals []uint32, fps float64) (uint32, float64) {
	if len(intervals) == 0 || fps <= 0 {
		return 0, math.Inf(1)
	}
	target := uint32(math.Round(1e7 / fps))

	best := intervals[0]
	bestDelta := int64(best) - int64(target)
	if bestDelta < 0 {
		bestDelta = -bestDelta
	}
	for _, iv := range intervals[1:] {
		d := int64(iv) - int64(target)
		if d < 0 {
			d = -d
		}
		if d < bestDelta {
			best, bestDelta = iv, d
		}
	}

	actualFPS := 1e7 / float64(best)
	return best, math.Abs(actualFPS - fps)
}

// sortedIntervalsForRetry orders advertised intervals for the fallback
// rungs of the retry ladder, in ascending fps order for uncompressed
// formats (lowest bandwidth tried first) and descending fps order for
// compressed ones (highest fps tried first, since compression absorbs the
// extra bandwidth). Ascending fps means descending 100ns-tick interval.
func sortedIntervalsForRetry(intervals []uint32, subtype FormatSubtype) []uint32 {
	out := append([]uint32(nil), intervals...)
	sort.Slice(out, func(i, j int) bool {
		if subtype == FormatUncompressed {
			return out[i] > out[j]
		}
		return out[i] < out[j]
	})
	return out
}

func patchProbeTemplate(buf []byte, bmHint uint16, formatIndex, frameIndex uint8, interval uint32, haveInterval bool) {
	if len(buf) < 8 {
		return
	}
	binary.LittleEndian.PutUint16(buf[0:2], bmHint)
	buf[2] = formatIndex
	buf[3] = frameIndex
	if haveInterval && len(buf) >= 8 {
		binary.LittleEndian.PutUint32(buf[4:8], interval)
	}
}

func parseNegotiated(buf []byte) (interval, maxFrameSize, maxPayload uint32) {
	if len(buf) >= 8 {
		interval = binary.LittleEndian.Uint32(buf[4:8])
	}
	if len(buf) >= 22 {
		maxFrameSize = binary.LittleEndian.Uint32(buf[18:22])
	}
	if len(buf) >= 26 {
		maxPayload = binary.LittleEndian.Uint32(buf[22:26])
	}
	return
}

// negotiateRung is one attempt in the retry ladder: a bmHint/interval
// combination tried at a given control-block length.
type negotiateRung struct {
	bmHint   uint16
	interval uint32
	have     bool
}

func buildRetryLadder(frame FrameInfo, subtype FormatSubtype, opts NegotiateOptions) []negotiateRung {
	var ladder []negotiateRung

	if opts.FPS > 0 {
		iv, _ := closestInterval(frame.Intervals100ns, opts.FPS)
		if iv > 0 {
			ladder = append(ladder, negotiateRung{bmHint: hintFrameInterval, interval: iv, have: true})
		}
	}

	for _, iv := range sortedIntervalsForRetry(frame.Intervals100ns, subtype) {
		ladder = append(ladder, negotiateRung{bmHint: hintFrameInterval, interval: iv, have: true})
	}

	ladder = append(ladder, negotiateRung{bmHint: 0, have: false})
	return ladder
}

// Negotiate runs the PROBE/COMMIT handshake of §4.5 for the given
// format/frame selection and returns the committed stream parameters.
func Negotiate(h DeviceHandle, ifaceNumber uint8, format StreamFormat, frame FrameInfo, opts NegotiateOptions) (Commit, error) {
	if opts.ToleranceHz == 0 {
		opts.ToleranceHz = 1e-3
	}
	if opts.ProbeSelector == 0 {
		opts.ProbeSelector = vsProbeControl
	}
	if opts.CommitSelector == 0 {
		opts.CommitSelector = vsCommitControl
	}

	if opts.StrictFPS && opts.FPS > 0 {
		if _, delta := closestInterval(frame.Intervals100ns, opts.FPS); delta > opts.ToleranceHz {
			return Commit{}, &NegotiationFailedError{Step: "frame_rate_selection", LastErr: nil}
		}
	}

	ladder := buildRetryLadder(frame, format.Subtype, opts)
	wIndex := probeWIndex(ifaceNumber)

	lengths := probeLengthCandidates
	if lenBuf, err := h.ControlTransfer(DirIn, reqGetLen, uint16(opts.ProbeSelector)<<8, wIndex, make([]byte, 2), negotiateTimeout); err == nil && len(lenBuf) == 2 {
		if n := int(binary.LittleEndian.Uint16(lenBuf)); n > 0 {
			lengths = append([]int{n}, probeLengthCandidates...)
		}
	}

	var lastErr error
	var tried []int

	for _, length := range lengths {
		tried = append(tried, length)

		template, err := h.ControlTransfer(DirIn, reqGetCur, uint16(opts.ProbeSelector)<<8, wIndex, make([]byte, length), negotiateTimeout)
		if err != nil || len(template) != length {
			template, err = h.ControlTransfer(DirIn, reqGetDef, uint16(opts.ProbeSelector)<<8, wIndex, make([]byte, length), negotiateTimeout)
		}
		if err != nil || len(template) != length {
			template = make([]byte, length)
		}

		for _, rung := range ladder {
			buf := append([]byte(nil), template...)
			patchProbeTemplate(buf, rung.bmHint, uint8(format.Index), uint8(frame.Index), rung.interval, rung.have)

			if _, err := h.ControlTransfer(DirOut, reqSetCur, uint16(opts.ProbeSelector)<<8, wIndex, buf, negotiateTimeout); err != nil {
				lastErr = err
				continue
			}

			negotiated, err := h.ControlTransfer(DirIn, reqGetCur, uint16(opts.ProbeSelector)<<8, wIndex, make([]byte, length), negotiateTimeout)
			if err != nil {
				lastErr = err
				continue
			}

			if _, err := h.ControlTransfer(DirOut, reqSetCur, uint16(opts.CommitSelector)<<8, wIndex, negotiated, negotiateTimeout); err != nil {
				lastErr = err
				continue
			}

			interval, maxFrameSize, maxPayload := parseNegotiated(negotiated)
			if maxFrameSize == 0 {
				maxFrameSize = frame.MaxFrameSize
			}

			return Commit{
				FormatIndex:            format.Index,
				FrameIndex:             frame.Index,
				Interval100ns:          interval,
				MaxVideoFrameSize:      maxFrameSize,
				MaxPayloadTransferSize: maxPayload,
				ClockFreq:              opts.ClockFreq,
			}, nil
		}
	}

	return Commit{}, &NegotiationFailedError{Step: "probe_commit", TriedLengths: tried, LastErr: lastErr}
}

// SelectAlternateSetting implements §4.5's alternate-setting selection:
// the smallest ISO alt whose packet size covers the negotiated payload, or
// the largest available if none does.
func SelectAlternateSetting(alts []AlternateSetting, commit Commit) (AlternateSetting, error) {
	requiredPayload := commit.MaxPayloadTransferSize
	if commit.MaxVideoFrameSize > requiredPayload {
		requiredPayload = commit.MaxVideoFrameSize
	}

	var candidates []AlternateSetting
	for _, a := range alts {
		if a.HasEndpoint && a.MaxPacketSize > 0 {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return AlternateSetting{}, &NoSuitableAltSettingError{RequiredPayload: int(requiredPayload)}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].MaxPacketSize < candidates[j].MaxPacketSize })

	for _, a := range candidates {
		if uint32(a.MaxPacketSize) >= requiredPayload {
			return a, nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// bandwidthWarning logs when the requested rate and frame size would
// exceed what the chosen alt can sustain (§4.5); it never fails negotiation.
func bandwidthWarning(fps float64, maxFrameSize uint32, maxPacketSize int) {
	if fps <= 0 || maxPacketSize <= 0 {
		return
	}
	if fps*float64(maxFrameSize) > float64(maxPacketSize)*8000 {
		log().Warn().
			Float64("fps", fps).
			Uint32("max_frame_size", maxFrameSize).
			Int("max_packet_size", maxPacketSize).
			Msg("negotiated stream likely exceeds available isochronous bandwidth")
	}
}
