package uvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DeviceSelector picks one device out of ListDevices' results. Exactly one
// of the constructors below should be used.
type DeviceSelector struct {
	index      *int
	serial     string
	path       string
	vendorID   *uint16
	productID  *uint16
}

func ByIndex(i int) DeviceSelector { return DeviceSelector{index: &i} }

func BySerial(serial string) DeviceSelector { return DeviceSelector{serial: serial} }

func ByPath(path string) DeviceSelector { return DeviceSelector{path: path} }

func ByVendorProduct(vid, pid uint16) DeviceSelector {
	return DeviceSelector{vendorID: &vid, productID: &pid}
}

func (s DeviceSelector) String() string {
	switch {
	case s.index != nil:
		return fmt.Sprintf("index=%d", *s.index)
	case s.serial != "":
		return fmt.Sprintf("serial=%s", s.serial)
	case s.path != "":
		return fmt.Sprintf("path=%s", s.path)
	case s.vendorID != nil:
		return fmt.Sprintf("vid=%04x pid=%04x", *s.vendorID, *s.productID)
	default:
		return "index=0"
	}
}

func (s DeviceSelector) resolve(devices []DeviceInfo) (DeviceInfo, error) {
	switch {
	case s.index != nil:
		if *s.index < 0 || *s.index >= len(devices) {
			return DeviceInfo{}, &NoDeviceError{Selector: s.String()}
		}
		return devices[*s.index], nil
	case s.serial != "":
		for _, d := range devices {
			if d.Serial == s.serial {
				return d, nil
			}
		}
	case s.path != "":
		for _, d := range devices {
			if d.Path == s.path {
				return d, nil
			}
		}
	case s.vendorID != nil:
		for _, d := range devices {
			if d.VendorID == *s.vendorID && d.ProductID == *s.productID {
				return d, nil
			}
		}
	default:
		if len(devices) > 0 {
			return devices[0], nil
		}
	}
	return DeviceInfo{}, &NoDeviceError{Selector: s.String()}
}

// StreamSelector narrows SelectStream's search over advertised formats.
// Nil/zero fields are unconstrained.
type StreamSelector struct {
	Width, Height uint16
	Codec         string // "uncompressed", "mjpeg", "frame_based"; empty = any
	FormatIndex   *int
	FrameIndex    *int
}

func (s StreamSelector) matchesFormat(f StreamFormat) bool {
	if s.FormatIndex != nil && f.Index != *s.FormatIndex {
		return false
	}
	if s.Codec != "" && !strings.EqualFold(codecName(f.Subtype), s.Codec) {
		return false
	}
	return true
}

func (s StreamSelector) matchesFrame(fr FrameInfo) bool {
	if s.FrameIndex != nil && fr.Index != *s.FrameIndex {
		return false
	}
	if s.Width != 0 && fr.Width != s.Width {
		return false
	}
	if s.Height != 0 && fr.Height != s.Height {
		return false
	}
	return true
}

func codecName(s FormatSubtype) string {
	switch s {
	case FormatUncompressed:
		return "uncompressed"
	case FormatMJPEG:
		return "mjpeg"
	case FormatFrameBased:
		return "frame_based"
	default:
		return "unknown"
	}
}

// ConfigureOptions customizes ConfigureStream's negotiation.
type ConfigureOptions struct {
	FPS       float64
	StrictFPS bool
	Alt       *uint8
}

// Camera is an opened UVC device: its control topology, its streaming
// interfaces, and whatever stream or still pipeline is currently active.
type Camera struct {
	transport UsbTransport
	info      DeviceInfo

	vcIface   uint8
	topology  *ControlTopology
	streaming []StreamingInterface
	quirks    *QuirksRegistry

	// xferMu serializes this camera's control-plane work on handle: one
	// transfer for Get/Set, one unit's probe sequence in EnumerateControls,
	// and one whole PROBE/COMMIT cycle in ConfigureStream and
	// ConfigureStillImage. It is never held across reassembly or queue
	// waits, so it never blocks the poll goroutine's ISO path.
	xferMu sync.Mutex
	handle DeviceHandle

	controlsMu sync.Mutex
	controls   []*ControlEntry
	haveProbed bool

	streamMu    sync.Mutex
	configured  *streamConfig
	stillConfig *stillConfig
	active      *FrameStream

	// vcClaimMu guards a refcounted, scoped claim on vcIface for control-
	// plane calls (§4.4): the same interface-claim/detach dance stream.go's
	// StartStream does, but on c.handle rather than a stream's own handle,
	// so GET/SET requests succeed even when uvcvideo is bound to the
	// VideoControl interface and no stream has claimed it yet.
	vcClaimMu    sync.Mutex
	vcClaimCount int
	vcDetachedKD bool
}

type streamConfig struct {
	vsIface uint8
	format  StreamFormat
	frame   FrameInfo
	alts    []AlternateSetting
	commit  Commit
}

type stillConfig struct {
	vsIface uint8
	alt     *AlternateSetting
	commit  Commit
}

// ListDevices enumerates USB devices visible to the default platform
// transport, optionally filtered by vendor/product id.
func ListDevices(vid, pid *uint16) ([]DeviceInfo, error) {
	devices, err := defaultTransport().ListDevices()
	if err != nil {
		return nil, err
	}
	if vid == nil && pid == nil {
		return devices, nil
	}
	var out []DeviceInfo
	for _, d := range devices {
		if vid != nil && d.VendorID != *vid {
			continue
		}
		if pid != nil && d.ProductID != *pid {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Open resolves selector against the default transport's device list, opens
// the device, walks its configuration descriptor for VideoControl and
// VideoStreaming interfaces, and loads the quirks registry.
func Open(selector DeviceSelector) (*Camera, error) {
	return OpenWithTransport(defaultTransport(), selector)
}

// OpenWithTransport is Open with an explicit transport, for tests and for
// platforms with more than one transport implementation.
func OpenWithTransport(transport UsbTransport, selector DeviceSelector) (*Camera, error) {
	devices, err := transport.ListDevices()
	if err != nil {
		return nil, err
	}
	info, err := selector.resolve(devices)
	if err != nil {
		return nil, err
	}

	handle, err := transport.Open(info)
	if err != nil {
		return nil, err
	}

	raw, err := handle.ConfigDescriptor()
	if err != nil {
		handle.Close()
		return nil, &BadDescriptorError{Reason: err.Error()}
	}
	var cfg rawConfigDescriptor
	if err := cfg.Unmarshal(raw); err != nil {
		handle.Close()
		return nil, &BadDescriptorError{Reason: err.Error()}
	}

	vcIfaceNum, vcIface := findFirstInterface(&cfg, subclassVideoControl)
	if vcIface == nil || len(vcIface.AltSettings) == 0 {
		handle.Close()
		return nil, &BadDescriptorError{Reason: "no VideoControl interface found"}
	}
	topology, err := ParseControlTopology(vcIface.AltSettings[0].Extra)
	if err != nil {
		handle.Close()
		return nil, &BadDescriptorError{InterfaceNumber: vcIfaceNum, Reason: err.Error()}
	}

	var streaming []StreamingInterface
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt0 := iface.AltSettings[0]
		if alt0.InterfaceClass != classVideo || alt0.InterfaceSubClass != subclassVideoStreaming {
			continue
		}
		si, err := ParseStreamingTopology(alt0.InterfaceNumber, alt0.Extra)
		if err != nil {
			log().Warn().Uint8("interface", alt0.InterfaceNumber).Err(err).Msg("skipping unparseable streaming interface")
			continue
		}
		si.AlternateSettings = alternateSettingsFromConfig(iface)
		streaming = append(streaming, *si)
	}
	if len(streaming) == 0 {
		handle.Close()
		return nil, &BadDescriptorError{Reason: "no VideoStreaming interface found"}
	}

	quirks, loadErrs := LoadQuirks(nil)
	for _, e := range loadErrs {
		log().Warn().Err(e).Msg("quirks file skipped")
	}

	return &Camera{
		transport: transport,
		info:      info,
		vcIface:   vcIfaceNum,
		topology:  topology,
		streaming: streaming,
		quirks:    quirks,
		handle:    handle,
	}, nil
}

func findFirstInterface(cfg *rawConfigDescriptor, subclass uint8) (uint8, *rawInterface) {
	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt0 := iface.AltSettings[0]
		if alt0.InterfaceClass == classVideo && alt0.InterfaceSubClass == subclass {
			return alt0.InterfaceNumber, iface
		}
	}
	return 0, nil
}

// Close releases the camera's control handle and stops any active stream.
func (c *Camera) Close() error {
	c.streamMu.Lock()
	active := c.active
	c.active = nil
	c.streamMu.Unlock()
	if active != nil {
		active.Stop()
	}
	c.xferMu.Lock()
	defer c.xferMu.Unlock()
	return c.handle.Close()
}

// DeviceInfo returns the identity the camera was opened with.
func (c *Camera) DeviceInfo() DeviceInfo { return c.info }

// PrimaryStreamingInterface returns the first VideoStreaming interface,
// which is sufficient for the overwhelming majority of UVC cameras (single
// sensor, single VS interface).
func (c *Camera) PrimaryStreamingInterface() StreamingInterface { return c.streaming[0] }

// withVCClaim runs fn with a scoped claim held on the VideoControl
// interface, mirroring stream.go's StartStream claim/detach logic so
// control transfers succeed even when uvcvideo is bound to the interface.
// If a stream is already running, its own handle holds the interface claim
// and fn runs directly. The claim is refcounted, so callers that overlap in
// time share one claim/release cycle; sequential calls (such as Get's
// EnumerateControls lookup followed by its transfer) each claim and release.
func (c *Camera) withVCClaim(fn func() error) error {
	c.streamMu.Lock()
	streamOwnsClaim := c.active != nil
	c.streamMu.Unlock()
	if streamOwnsClaim {
		return fn()
	}

	c.vcClaimMu.Lock()
	if c.vcClaimCount == 0 {
		if active, _ := c.handle.KernelDriverActive(c.vcIface); active {
			if err := c.handle.DetachKernelDriver(c.vcIface); err == nil {
				c.vcDetachedKD = true
			}
		}
		if err := c.handle.ClaimInterface(c.vcIface); err != nil {
			c.vcClaimMu.Unlock()
			return err
		}
	}
	c.vcClaimCount++
	c.vcClaimMu.Unlock()

	err := fn()

	c.vcClaimMu.Lock()
	c.vcClaimCount--
	if c.vcClaimCount == 0 {
		_ = c.handle.ReleaseInterface(c.vcIface)
		if c.vcDetachedKD {
			_ = c.handle.AttachKernelDriver(c.vcIface)
			c.vcDetachedKD = false
		}
	}
	c.vcClaimMu.Unlock()

	return err
}

// EnumerateControls probes every VC unit's controls. Results are cached
// after the first call; pass refresh=true to re-probe the device.
func (c *Camera) EnumerateControls(refresh bool) ([]ControlEntry, error) {
	c.controlsMu.Lock()
	defer c.controlsMu.Unlock()

	if c.haveProbed && !refresh {
		return cloneEntries(c.controls), nil
	}

	var entries []*ControlEntry
	err := c.withVCClaim(func() error {
		for _, unit := range c.topology.Units {
			c.xferMu.Lock()
			found := enumerateUnit(c.handle, c.vcIface, unit, c.quirks)
			c.xferMu.Unlock()
			entries = append(entries, found...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.controls = entries
	c.haveProbed = true
	return cloneEntries(entries), nil
}

func cloneEntries(entries []*ControlEntry) []ControlEntry {
	out := make([]ControlEntry, len(entries))
	for i, e := range entries {
		out[i] = *e
	}
	return out
}

func (c *Camera) resolveCached(key ControlKey) (*ControlEntry, error) {
	c.controlsMu.Lock()
	probed := c.haveProbed
	c.controlsMu.Unlock()

	if !probed {
		if _, err := c.EnumerateControls(false); err != nil {
			return nil, err
		}
	}

	c.controlsMu.Lock()
	defer c.controlsMu.Unlock()
	entry := resolveControl(c.controls, key, c.vcIface)
	if entry == nil {
		return nil, &ControlUnavailableError{Key: key}
	}
	return entry, nil
}

// Get reads a control's current value. With raw=false, numeric controls
// (length 1 to 4) decode to int64; raw=true always returns the wire bytes.
func (c *Camera) Get(key ControlKey, raw bool) (any, error) {
	entry, err := c.resolveCached(key)
	if err != nil {
		return nil, err
	}
	if !entry.canGet() {
		return nil, &ControlUnavailableError{Key: key}
	}

	length := 4
	if entry.Length != nil {
		length = *entry.Length
	}
	wValue := uint16(entry.Selector) << 8
	wIndex := uint16(entry.UnitID)<<8 | uint16(entry.InterfaceNumber)

	var buf []byte
	err = c.withVCClaim(func() error {
		c.xferMu.Lock()
		defer c.xferMu.Unlock()
		var txErr error
		buf, txErr = c.handle.ControlTransfer(DirIn, reqGetCur, wValue, wIndex, make([]byte, length), defaultControlTimeout)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if raw {
		return buf, nil
	}

	signed := entry.Min != nil && *entry.Min < 0
	if v := numPtr(buf, signed); v != nil {
		return *v, nil
	}
	return buf, nil
}

// Set writes a control's value. With raw=false, value must be an integer
// type and is little-endian-encoded to the control's reported width; with
// raw=true, value must be a []byte of exactly that width.
func (c *Camera) Set(key ControlKey, value any, raw bool) error {
	entry, err := c.resolveCached(key)
	if err != nil {
		return err
	}
	if !entry.canSet() {
		return &ControlUnavailableError{Key: key}
	}

	var buf []byte
	if raw {
		b, ok := value.([]byte)
		if !ok {
			return &ValueOutOfBoundsError{Key: key, Expected: derefInt(entry.Length), Got: -1}
		}
		if entry.Length != nil && len(b) != *entry.Length {
			return &ValueOutOfBoundsError{Key: key, Expected: *entry.Length, Got: len(b)}
		}
		buf = b
	} else {
		iv, err := toInt64(value)
		if err != nil {
			return err
		}
		buf = encodeControlValue(entry, iv)
	}

	wValue := uint16(entry.Selector) << 8
	wIndex := uint16(entry.UnitID)<<8 | uint16(entry.InterfaceNumber)

	return c.withVCClaim(func() error {
		c.xferMu.Lock()
		defer c.xferMu.Unlock()
		_, txErr := c.handle.ControlTransfer(DirOut, reqSetCur, wValue, wIndex, buf, defaultControlTimeout)
		return txErr
	})
}

func derefInt(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("uvc: value of type %T is not an integer", v)
	}
}

// SelectStream searches every streaming interface's advertised formats for
// one matching opts, returning the first match in descriptor order.
func (c *Camera) SelectStream(opts StreamSelector) (StreamFormat, FrameInfo, error) {
	for _, si := range c.streaming {
		for _, f := range si.Formats {
			if !opts.matchesFormat(f) {
				continue
			}
			for _, fr := range f.Frames {
				if opts.matchesFrame(fr) {
					return f, fr, nil
				}
			}
		}
	}
	return StreamFormat{}, FrameInfo{}, &NoMatchingFormatError{Criteria: fmt.Sprintf("%+v", opts)}
}

func (c *Camera) streamingInterfaceFor(format StreamFormat) *StreamingInterface {
	for i := range c.streaming {
		for _, f := range c.streaming[i].Formats {
			if f.Index == format.Index {
				return &c.streaming[i]
			}
		}
	}
	return nil
}

// ConfigureStream runs PROBE/COMMIT for format/frame on the owning
// interface's control handle and records the result as the camera's
// current stream configuration, ready for Stream().
func (c *Camera) ConfigureStream(format StreamFormat, frame FrameInfo, opts ConfigureOptions) (Commit, error) {
	si := c.streamingInterfaceFor(format)
	if si == nil {
		return Commit{}, &NoMatchingFormatError{Criteria: "format not found on any streaming interface"}
	}

	var commit Commit
	err := c.withVCClaim(func() error {
		c.xferMu.Lock()
		defer c.xferMu.Unlock()
		var negErr error
		commit, negErr = Negotiate(c.handle, si.InterfaceNumber, format, frame, NegotiateOptions{ClockFreq: c.topology.ClockFrequency, FPS: opts.FPS, StrictFPS: opts.StrictFPS})
		return negErr
	})
	if err != nil {
		return Commit{}, err
	}

	c.streamMu.Lock()
	c.configured = &streamConfig{
		vsIface: si.InterfaceNumber,
		format:  format,
		frame:   frame,
		alts:    si.AlternateSettings,
		commit:  commit,
	}
	c.streamMu.Unlock()

	return commit, nil
}

// Stream starts the isochronous pipeline for the format and frame recorded
// by the most recent ConfigureStream call, with frame rate and alternate
// setting taken from opts, and returns the running FrameStream.
func (c *Camera) Stream(ctx context.Context, opts StreamOptions) (*FrameStream, error) {
	c.streamMu.Lock()
	cfg := c.configured
	c.streamMu.Unlock()
	if cfg == nil {
		return nil, &StreamNotConfiguredError{Operation: "stream"}
	}

	fs, err := StartStream(ctx, c.transport, c.info, c.vcIface, cfg.vsIface, cfg.alts, cfg.format, cfg.frame, opts)
	if err != nil {
		return nil, err
	}

	c.streamMu.Lock()
	c.active = fs
	c.streamMu.Unlock()
	return fs, nil
}

// ConfigureStillImage runs the still PROBE/COMMIT cycle (§4.8), reusing the
// current video configuration as a fallback when opts leaves format/frame
// unset.
func (c *Camera) ConfigureStillImage(opts StillOptions) (Commit, error) {
	c.streamMu.Lock()
	cfg := c.configured
	c.streamMu.Unlock()
	if cfg == nil && (opts.Format == nil || opts.Frame == nil) {
		return Commit{}, &StreamNotConfiguredError{Operation: "configure_still_image"}
	}

	var fallbackFormat StreamFormat
	var fallbackFrame FrameInfo
	vsIface := uint8(0)
	if cfg != nil {
		fallbackFormat, fallbackFrame, vsIface = cfg.format, cfg.frame, cfg.vsIface
	} else {
		fallbackFormat, fallbackFrame = *opts.Format, *opts.Frame
		if si := c.streamingInterfaceFor(fallbackFormat); si != nil {
			vsIface = si.InterfaceNumber
		}
	}

	c.xferMu.Lock()
	commit, err := ConfigureStillImage(c.handle, vsIface, opts, fallbackFormat, fallbackFrame)
	c.xferMu.Unlock()
	if err != nil {
		return Commit{}, err
	}

	var stillAlt *AlternateSetting
	format := fallbackFormat
	if opts.Format != nil {
		format = *opts.Format
	}
	if len(format.StillFrames) > 0 {
		if si := c.streamingInterfaceFor(format); si != nil {
			for i, a := range si.AlternateSettings {
				if a.HasEndpoint && a.EndpointAddress == format.StillFrames[0].EndpointAddress {
					stillAlt = &si.AlternateSettings[i]
					break
				}
			}
		}
	}

	c.streamMu.Lock()
	c.stillConfig = &stillConfig{vsIface: vsIface, alt: stillAlt, commit: commit}
	c.streamMu.Unlock()

	return commit, nil
}

// CaptureStillImage triggers and reads back one still frame per §4.8,
// using the running video stream when method 1 applies.
func (c *Camera) CaptureStillImage(ctx context.Context) (CapturedFrame, error) {
	c.streamMu.Lock()
	sc := c.stillConfig
	active := c.active
	var currentAlt uint8
	if c.configured != nil {
		for _, a := range c.configured.alts {
			if a.HasEndpoint {
				currentAlt = a.AltID
				break
			}
		}
	}
	c.streamMu.Unlock()

	if sc == nil {
		return CapturedFrame{}, &StreamNotConfiguredError{Operation: "capture_still_image"}
	}

	return CaptureStillImage(ctx, c.handle, sc.vsIface, sc.alt, currentAlt, active, stillControlTimeout)
}
