package uvc

import (
	"encoding/binary"
	"fmt"
)

// UnitKind distinguishes the three VC unit shapes a camera can expose.
type UnitKind int

const (
	UnitKindInputTerminal UnitKind = iota
	UnitKindProcessingUnit
	UnitKindExtensionUnit
)

func (k UnitKind) String() string {
	switch k {
	case UnitKindInputTerminal:
		return "input_terminal"
	case UnitKindProcessingUnit:
		return "processing_unit"
	case UnitKindExtensionUnit:
		return "extension_unit"
	default:
		return "unknown"
	}
}

// ControlDescriptor is one (unit, selector) control surfaced by topology
// parsing, before C2 has probed the device for its live capabilities.
type ControlDescriptor struct {
	UnitID      uint8
	Selector    uint8
	DefaultName string
	UnitKind    UnitKind
}

// ControlUnit is a VC unit (Input Terminal, Processing Unit, or Extension
// Unit) and the controls it exposes per its bmControls bitmap.
type ControlUnit struct {
	UnitID   uint8
	Kind     UnitKind
	GUID     [16]byte
	Controls []ControlDescriptor
}

// ControlTopology is everything C1 recovers from a VC interface's
// class-specific descriptor blob.
type ControlTopology struct {
	BcdUVC         uint16
	ClockFrequency uint32
	Units          []ControlUnit
}

// StillFrameInfo describes one still-capture resolution advertised by a
// method-2 VS_STILL_IMAGE_FRAME descriptor.
type StillFrameInfo struct {
	Index              int
	EndpointAddress    uint8
	Width, Height      uint16
	CompressionIndices []uint8
}

// FrameInfo is one resolution/rate combination within a StreamFormat.
type FrameInfo struct {
	Index                int
	Width, Height        uint16
	DefaultInterval100ns uint32
	Intervals100ns       []uint32
	MaxFrameSize         uint32
	StillSupported       bool
}

// FormatSubtype distinguishes the three VS payload encodings this parser
// understands.
type FormatSubtype int

const (
	FormatUncompressed FormatSubtype = iota
	FormatMJPEG
	FormatFrameBased
)

// StreamFormat is one VS_FORMAT_* record together with the VS_FRAME_*
// records that followed it.
type StreamFormat struct {
	Index       int
	Subtype     FormatSubtype
	GUID        [16]byte
	Description string
	Frames      []FrameInfo
	StillFrames []StillFrameInfo
}

// AlternateSetting is one ISO-bandwidth variant of a VS interface.
type AlternateSetting struct {
	AltID              uint8
	HasEndpoint        bool
	EndpointAddress    uint8
	EndpointAttributes uint8
	MaxPacketSize      int
}

// StreamingInterface is the full topology of one VS interface: its
// available formats/frames and the alternate settings available to carry
// them.
type StreamingInterface struct {
	InterfaceNumber     uint8
	Formats             []StreamFormat
	AlternateSettings   []AlternateSetting
	EndpointAddress     uint8 // from VS_INPUT_HEADER/VS_OUTPUT_HEADER, §4.2 supplement
	DynamicFormatChange bool  // bmInfo bit 0 of the same record
}

// parseGUID decodes the UVC mixed-endian GUID encoding: the first three
// fields are little-endian, the trailing 8-byte field is left as-is.
func parseGUID(b []byte) [16]byte {
	var g [16]byte
	if len(b) < 16 {
		copy(g[:], b)
		return g
	}
	binary.BigEndian.PutUint32(g[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(g[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(g[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(g[8:16], b[8:16])
	return g
}

// GUIDString renders a mixed-endian-decoded GUID as the canonical
// XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX form.
func GUIDString(g [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%04X-%012X",
		binary.BigEndian.Uint32(g[0:4]),
		binary.BigEndian.Uint16(g[4:6]),
		binary.BigEndian.Uint16(g[6:8]),
		binary.BigEndian.Uint16(g[8:10]),
		g[10:16])
}

func namesForBitmap(bitmap []byte, names []string) []ControlDescriptor {
	var out []ControlDescriptor
	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<uint(bit)) == 0 {
				continue
			}
			idx := byteIdx*8 + bit
			selector := idx + 1
			name := "Reserved"
			if idx < len(names) {
				name = names[idx]
			}
			out = append(out, ControlDescriptor{Selector: uint8(selector), DefaultName: name})
		}
	}
	return out
}

// ParseControlTopology scans the class-specific descriptor blob ("Extra")
// attached to a VC interface's alt-0 descriptor and builds its unit
// topology. A record whose bLength is 0 or would overrun the buffer
// terminates the scan rather than erroring — whatever was parsed so far is
// still usable.
func ParseControlTopology(extra []byte) (*ControlTopology, error) {
	topo := &ControlTopology{}

	pos := 0
	for pos+2 <= len(extra) {
		length := int(extra[pos])
		if length == 0 || pos+length > len(extra) {
			break
		}
		rec := extra[pos : pos+length]
		pos += length

		if len(rec) < 3 || rec[1] != csInterface {
			continue
		}
		subtype := rec[2]

		switch subtype {
		case vcHeader:
			if len(rec) >= 11 {
				topo.BcdUVC = binary.LittleEndian.Uint16(rec[3:5])
				topo.ClockFrequency = binary.LittleEndian.Uint32(rec[7:11])
			}

		case vcInputTerminal:
			if len(rec) < 18 {
				continue
			}
			unit := ControlUnit{
				UnitID: rec[3],
				Kind:   UnitKindInputTerminal,
			}
			bitmap := rec[15:18]
			for _, c := range namesForBitmap(bitmap, cameraTerminalSelectorNames) {
				c.UnitID = unit.UnitID
				c.UnitKind = UnitKindInputTerminal
				unit.Controls = append(unit.Controls, c)
			}
			topo.Units = append(topo.Units, unit)

		case vcProcessingUnit:
			if len(rec) < 8 {
				continue
			}
			controlSize := int(rec[7])
			if len(rec) < 8+controlSize {
				continue
			}
			unit := ControlUnit{
				UnitID: rec[3],
				Kind:   UnitKindProcessingUnit,
			}
			bitmap := rec[8 : 8+controlSize]
			for _, c := range namesForBitmap(bitmap, processingUnitSelectorNames) {
				c.UnitID = unit.UnitID
				c.UnitKind = UnitKindProcessingUnit
				unit.Controls = append(unit.Controls, c)
			}
			topo.Units = append(topo.Units, unit)

		case vcExtensionUnit:
			if len(rec) < 22 {
				continue
			}
			unit := ControlUnit{
				UnitID: rec[3],
				Kind:   UnitKindExtensionUnit,
				GUID:   parseGUID(rec[4:20]),
			}
			numControls := int(rec[20])
			nrInPins := int(rec[21])
			controlSizeOffset := 22 + nrInPins
			if len(rec) < controlSizeOffset+1 {
				topo.Units = append(topo.Units, unit)
				continue
			}
			controlSize := int(rec[controlSizeOffset])
			bitmapOffset := controlSizeOffset + 1
			if len(rec) < bitmapOffset+controlSize {
				topo.Units = append(topo.Units, unit)
				continue
			}
			bitmap := rec[bitmapOffset : bitmapOffset+controlSize]

			total := numControls
			if bits := 8 * controlSize; bits > total {
				total = bits
			}
			for byteIdx, b := range bitmap {
				for bit := 0; bit < 8; bit++ {
					idx := byteIdx*8 + bit
					if idx >= total || b&(1<<uint(bit)) == 0 {
						continue
					}
					unit.Controls = append(unit.Controls, ControlDescriptor{
						UnitID:      unit.UnitID,
						Selector:    uint8(idx + 1),
						DefaultName: fmt.Sprintf("Vendor Control %d", idx+1),
						UnitKind:    UnitKindExtensionUnit,
					})
				}
			}
			topo.Units = append(topo.Units, unit)
		}
	}

	return topo, nil
}

func filterPositiveIntervals(in []uint32) []uint32 {
	out := in[:0:0]
	for _, v := range in {
		if v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// parseFrameIntervals reads the variable tail of a VS_FRAME_* descriptor:
// either a list of bFrameIntervalType discrete intervals, or a
// (min, max, step) triple expanded to {min, max, default} per §4.2's edge
// case (step itself is not enumerated).
func parseFrameIntervals(rec []byte, offset int, intervalType uint8, defaultInterval uint32) []uint32 {
	var intervals []uint32
	if intervalType == 0 {
		if offset+12 > len(rec) {
			return nil
		}
		min := binary.LittleEndian.Uint32(rec[offset : offset+4])
		max := binary.LittleEndian.Uint32(rec[offset+4 : offset+8])
		intervals = []uint32{min, max, defaultInterval}
	} else {
		for i := 0; i < int(intervalType); i++ {
			o := offset + i*4
			if o+4 > len(rec) {
				break
			}
			intervals = append(intervals, binary.LittleEndian.Uint32(rec[o:o+4]))
		}
	}
	return filterPositiveIntervals(intervals)
}

// ParseStreamingTopology scans the class-specific descriptor blob attached
// to a VS interface's alt-0 descriptor into its formats, frames, and
// still-image capabilities. Alternate settings (bandwidth variants) are
// supplied separately via the raw configuration descriptor walk, since they
// are standard (not class-specific) interface descriptors.
func ParseStreamingTopology(interfaceNumber uint8, extra []byte) (*StreamingInterface, error) {
	si := &StreamingInterface{InterfaceNumber: interfaceNumber}

	var current *StreamFormat

	pos := 0
	for pos+2 <= len(extra) {
		length := int(extra[pos])
		if length == 0 || pos+length > len(extra) {
			break
		}
		rec := extra[pos : pos+length]
		pos += length

		if len(rec) < 3 || rec[1] != csInterface {
			continue
		}
		subtype := rec[2]

		switch subtype {
		case vsInputHeader, vsOutputHeader:
			if len(rec) >= 7 {
				si.EndpointAddress = rec[6]
			}
			if len(rec) >= 8 && subtype == vsInputHeader {
				si.DynamicFormatChange = rec[7]&0x01 != 0
			}

		case vsFormatUncompressed:
			if len(rec) < 27 {
				continue
			}
			f := StreamFormat{
				Index:       int(rec[3]),
				Subtype:     FormatUncompressed,
				GUID:        parseGUID(rec[5:21]),
				Description: "Uncompressed",
			}
			si.Formats = append(si.Formats, f)
			current = &si.Formats[len(si.Formats)-1]

		case vsFormatMJPEG:
			if len(rec) < 11 {
				continue
			}
			f := StreamFormat{
				Index:       int(rec[3]),
				Subtype:     FormatMJPEG,
				Description: "MJPEG",
			}
			si.Formats = append(si.Formats, f)
			current = &si.Formats[len(si.Formats)-1]

		case vsFormatFrameBased:
			if len(rec) < 27 {
				continue
			}
			f := StreamFormat{
				Index:       int(rec[3]),
				Subtype:     FormatFrameBased,
				GUID:        parseGUID(rec[5:21]),
				Description: "Frame-based",
			}
			si.Formats = append(si.Formats, f)
			current = &si.Formats[len(si.Formats)-1]

		case vsFrameUncompressed, vsFrameMJPEG:
			if current == nil || len(rec) < 26 {
				continue
			}
			bmCapabilities := rec[4]
			defInterval := binary.LittleEndian.Uint32(rec[21:25])
			intervalType := rec[25]
			frame := FrameInfo{
				Index:                int(rec[3]),
				Width:                binary.LittleEndian.Uint16(rec[5:7]),
				Height:               binary.LittleEndian.Uint16(rec[7:9]),
				MaxFrameSize:         binary.LittleEndian.Uint32(rec[17:21]),
				DefaultInterval100ns: defInterval,
				StillSupported:       bmCapabilities&0x01 != 0,
			}
			frame.Intervals100ns = parseFrameIntervals(rec, 26, intervalType, defInterval)
			current.Frames = append(current.Frames, frame)

		case vsFrameFrameBased:
			if current == nil || len(rec) < 22 {
				continue
			}
			bmCapabilities := rec[4]
			defInterval := binary.LittleEndian.Uint32(rec[17:21])
			intervalType := rec[21]
			frame := FrameInfo{
				Index:                int(rec[3]),
				Width:                binary.LittleEndian.Uint16(rec[5:7]),
				Height:               binary.LittleEndian.Uint16(rec[7:9]),
				DefaultInterval100ns: defInterval,
				StillSupported:       bmCapabilities&0x01 != 0,
			}
			// Frame-based descriptors carry no max-buffer-size field;
			// approximate from geometry until negotiation supplies the
			// device-reported value in Commit.MaxVideoFrameSize.
			frame.MaxFrameSize = uint32(frame.Width) * uint32(frame.Height) * 2
			frame.Intervals100ns = parseFrameIntervals(rec, 26, intervalType, defInterval)
			current.Frames = append(current.Frames, frame)

		case vsStillImageFrame:
			if current == nil || len(rec) < 5 {
				continue
			}
			endpoint := rec[3]
			numSizes := int(rec[4])
			o := 5
			var stills []StillFrameInfo
			for i := 0; i < numSizes && o+4 <= len(rec); i++ {
				stills = append(stills, StillFrameInfo{
					Index:           i + 1,
					EndpointAddress: endpoint,
					Width:           binary.LittleEndian.Uint16(rec[o : o+2]),
					Height:          binary.LittleEndian.Uint16(rec[o+2 : o+4]),
				})
				o += 4
			}
			if o < len(rec) {
				numComp := int(rec[o])
				o++
				var comp []uint8
				for i := 0; i < numComp && o < len(rec); i++ {
					comp = append(comp, rec[o])
					o++
				}
				for i := range stills {
					stills[i].CompressionIndices = comp
				}
			}
			current.StillFrames = append(current.StillFrames, stills...)
		}
	}

	return si, nil
}

// alternateSettingsFromConfig converts the standard alt-setting/endpoint
// records already parsed by rawConfigDescriptor into AlternateSetting
// values for one interface, computing the high-bandwidth ISO packet size
// per §3's invariant.
func alternateSettingsFromConfig(iface *rawInterface) []AlternateSetting {
	var out []AlternateSetting
	for _, alt := range iface.AltSettings {
		as := AlternateSetting{AltID: alt.AlternateSetting}
		for _, ep := range alt.Endpoints {
			if ep.TransferType() != endpointTypeIso {
				continue
			}
			as.HasEndpoint = true
			as.EndpointAddress = ep.EndpointAddr
			as.EndpointAttributes = ep.Attributes
			base := int(ep.MaxPacketSize) & 0x7FF
			mult := int((ep.MaxPacketSize>>11)&0x3) + 1
			as.MaxPacketSize = base * mult
			break
		}
		out = append(out, as)
	}
	return out
}
