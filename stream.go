package uvc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CapturedFrame is one fully reassembled frame delivered to a stream's
// output queue.
type CapturedFrame struct {
	Payload       []byte
	Format        StreamFormat
	Frame         FrameInfo
	FID           uint8
	PTS           *uint32
	HostTimestamp time.Time
	Sequence      uint64
}

// StreamOptions configures stream start. Zero values fall back to the
// defaults noted per field.
type StreamOptions struct {
	FPS       float64
	StrictFPS bool

	// Alt overrides SelectAlternateSetting's choice.
	Alt *uint8

	QueueDepth         int // default 4
	Transfers          int // default 12, range 8-16
	PacketsPerTransfer int // default 48, range 32-64

	StripAppMarkers bool
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 4
	}
	if o.Transfers <= 0 {
		o.Transfers = 12
	}
	if o.PacketsPerTransfer <= 0 {
		o.PacketsPerTransfer = 48
	}
	return o
}

// StreamStats tracks running totals for an active or stopped stream.
type StreamStats struct {
	FramesCompleted    uint64
	FramesDropped      uint64
	BytesDelivered     uint64
	LastFrameDurationS float64
}

type streamState int32

const (
	streamRunning streamState = iota
	streamStopping
	streamStopped
)

const isoPollTimeout = 200 * time.Millisecond

// FrameStream is a running video pipeline: a poll goroutine feeding a
// PacketAssembler, delivering CapturedFrames into a bounded output channel.
type FrameStream struct {
	SessionID uuid.UUID

	transport UsbTransport
	handle    DeviceHandle
	iso       IsoHandle

	vcIface, vsIface uint8
	endpointAddress  uint8
	detachedVC       bool
	detachedVS       bool

	out chan CapturedFrame

	state    int32
	sequence uint64

	statsMu sync.Mutex
	stats   StreamStats

	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
	stopErr  error
}

// StartStream implements §4.7's start procedure: it reopens a fresh handle
// bound to info so the handle that owns the ISO endpoint also performs the
// commit, claims both interfaces, re-runs a minimal PROBE/COMMIT, switches
// to the chosen (or overridden) alternate setting, and submits the
// isochronous transfer pool.
func StartStream(
	ctx context.Context,
	transport UsbTransport,
	info DeviceInfo,
	vcIface, vsIface uint8,
	alts []AlternateSetting,
	format StreamFormat,
	frame FrameInfo,
	opts StreamOptions,
) (*FrameStream, error) {
	opts = opts.withDefaults()

	handle, err := transport.Open(info)
	if err != nil {
		return nil, err
	}

	s := &FrameStream{
		SessionID: uuid.New(),
		transport: transport,
		handle:    handle,
		vcIface:   vcIface,
		vsIface:   vsIface,
		out:       make(chan CapturedFrame, opts.QueueDepth),
		state:     int32(streamRunning),
	}

	if active, _ := handle.KernelDriverActive(vcIface); active {
		if err := handle.DetachKernelDriver(vcIface); err == nil {
			s.detachedVC = true
		}
	}
	if err := handle.ClaimInterface(vcIface); err != nil {
		s.teardown()
		return nil, err
	}

	if active, _ := handle.KernelDriverActive(vsIface); active {
		if err := handle.DetachKernelDriver(vsIface); err == nil {
			s.detachedVS = true
		}
	}
	if err := handle.ClaimInterface(vsIface); err != nil {
		s.teardown()
		return nil, err
	}

	if err := handle.SetAltSetting(vsIface, 0); err != nil {
		s.teardown()
		return nil, err
	}

	commit, err := Negotiate(handle, vsIface, format, frame, NegotiateOptions{FPS: opts.FPS, StrictFPS: opts.StrictFPS})
	if err != nil {
		s.teardown()
		return nil, err
	}

	chosen, err := SelectAlternateSetting(alts, commit)
	if err != nil {
		s.teardown()
		return nil, err
	}
	if opts.Alt != nil {
		for _, a := range alts {
			if a.AltID == *opts.Alt {
				chosen = a
				break
			}
		}
	}

	bandwidthWarning(opts.FPS, commit.MaxVideoFrameSize, chosen.MaxPacketSize)

	if err := handle.SetAltSetting(vsIface, chosen.AltID); err != nil {
		s.teardown()
		return nil, err
	}
	s.endpointAddress = chosen.EndpointAddress
	if err := handle.ClearHalt(s.endpointAddress); err != nil {
		log().Warn().Err(err).Msg("clear_halt before streaming failed, continuing")
	}

	iso, err := handle.IsoSubmit(s.endpointAddress, chosen.MaxPacketSize, opts.PacketsPerTransfer, opts.Transfers)
	if err != nil {
		s.teardown()
		return nil, err
	}
	s.iso = iso

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group

	expectedSize := 0
	if format.Subtype == FormatUncompressed {
		expectedSize = int(commit.MaxVideoFrameSize)
	}
	assembler := NewPacketAssembler(expectedSize)

	group.Go(func() error { return s.pollLoop(groupCtx, assembler, format, frame, opts) })

	log().Info().
		Str("session", s.SessionID.String()).
		Uint8("vs_interface", vsIface).
		Uint8("alt", chosen.AltID).
		Msg("stream started")

	return s, nil
}

func (s *FrameStream) pollLoop(ctx context.Context, assembler *PacketAssembler, format StreamFormat, frame FrameInfo, opts StreamOptions) error {
	for {
		if atomic.LoadInt32(&s.state) != int32(streamRunning) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		packets, err := s.iso.Poll(isoPollTimeout)
		if err != nil {
			if te, ok := err.(*TransferError); ok && te.Kind == TransferErrorNoDevice {
				atomic.StoreInt32(&s.state, int32(streamStopping))
				go s.Stop()
				return err
			}
			log().Warn().Str("session", s.SessionID.String()).Err(err).Msg("iso poll error, continuing")
			continue
		}

		for _, p := range packets {
			switch p.Status {
			case TransferErrorStall:
				if err := s.handle.ClearHalt(s.endpointAddress); err != nil {
					log().Warn().Str("session", s.SessionID.String()).Err(err).Msg("clear_halt after stall failed")
				}
				continue
			case TransferErrorNoDevice:
				atomic.StoreInt32(&s.state, int32(streamStopping))
				go s.Stop()
				return &TransferError{Kind: TransferErrorNoDevice, Op: "iso_poll"}
			case TransferErrorTimeout:
				continue
			}

			if len(p.Data) == 0 {
				continue
			}

			for _, result := range assembler.Feed(p.Data) {
				s.deliver(result, format, frame, opts)
			}
		}
	}
}

func (s *FrameStream) deliver(result *AssemblyResult, format StreamFormat, frame FrameInfo, opts StreamOptions) {
	s.statsMu.Lock()
	s.stats.LastFrameDurationS = result.DurationS
	if !result.Complete {
		s.stats.FramesDropped++
		s.statsMu.Unlock()
		log().Debug().
			Str("session", s.SessionID.String()).
			Str("reason", result.Reason.String()).
			Bool("error", result.Error).
			Msg("dropping incomplete frame")
		return
	}
	s.stats.FramesCompleted++
	s.stats.BytesDelivered += uint64(len(result.Payload))
	s.statsMu.Unlock()

	payload := result.Payload
	if opts.StripAppMarkers && format.Subtype == FormatMJPEG {
		payload = StripMJPEGAppMarkers(payload)
	}

	frameOut := CapturedFrame{
		Payload:       payload,
		Format:        format,
		Frame:         frame,
		FID:           result.FID,
		PTS:           result.PTS,
		HostTimestamp: time.Now(),
		Sequence:      atomic.AddUint64(&s.sequence, 1),
	}

	select {
	case s.out <- frameOut:
	default:
		select {
		case <-s.out:
			s.statsMu.Lock()
			s.stats.FramesDropped++
			s.statsMu.Unlock()
			log().Warn().Str("session", s.SessionID.String()).Msg("output queue full, dropped oldest frame")
		default:
		}
		select {
		case s.out <- frameOut:
		default:
		}
	}
}

// Frames returns the channel CapturedFrames are delivered on. It is closed
// once the stream has fully stopped.
func (s *FrameStream) Frames() <-chan CapturedFrame { return s.out }

// Stats returns a snapshot of the stream's running counters.
func (s *FrameStream) Stats() StreamStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// Stop implements §5's cancellation contract: idempotent, safe from any
// goroutine, bounded wait for the poll loop to exit.
func (s *FrameStream) Stop() error {
	s.stopOnce.Do(func() {
		atomic.StoreInt32(&s.state, int32(streamStopping))
		if s.iso != nil {
			_ = s.iso.Cancel()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.group != nil {
			s.stopErr = s.group.Wait()
		}
		close(s.out)
		atomic.StoreInt32(&s.state, int32(streamStopped))
		s.teardown()
		log().Info().Str("session", s.SessionID.String()).Msg("stream stopped")
	})
	return s.stopErr
}

func (s *FrameStream) teardown() {
	if s.handle == nil {
		return
	}
	_ = s.handle.ReleaseInterface(s.vsIface)
	_ = s.handle.ReleaseInterface(s.vcIface)
	if s.detachedVS {
		_ = s.handle.AttachKernelDriver(s.vsIface)
	}
	if s.detachedVC {
		_ = s.handle.AttachKernelDriver(s.vcIface)
	}
	if s.detachedVC || s.detachedVS {
		_ = s.handle.Reset()
	}
	_ = s.handle.Close()
}
