package uvc

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const defaultControlTimeout = 500 * time.Millisecond

// ControlEntry is one enumerated, probed control: a (unit, selector) pair
// decorated with whatever GET_INFO/GET_LEN/GET_MIN/GET_MAX/GET_RES/GET_DEF
// returned, and — for Extension Unit controls — any quirks-matched metadata.
type ControlEntry struct {
	InterfaceNumber uint8
	UnitID          uint8
	Selector        uint8
	Name            string
	Kind            UnitKind

	InfoByte uint8
	Length   *int

	Min, Max, Step, Default *int64

	RawMin, RawMax, RawStep, RawDefault []byte

	Metadata map[string]any
}

// String renders a human-readable one-liner for diagnostics: name, range,
// and whatever numeric default the device reported.
func (c *ControlEntry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (unit %d, selector %d)", c.Name, c.UnitID, c.Selector)
	if c.Min != nil && c.Max != nil {
		fmt.Fprintf(&b, " [%d..%d]", *c.Min, *c.Max)
	}
	if c.Default != nil {
		fmt.Fprintf(&b, " default=%d", *c.Default)
	}
	return b.String()
}

func (c *ControlEntry) canGet() bool { return c.InfoByte&infoGet != 0 }
func (c *ControlEntry) canSet() bool { return c.InfoByte&infoSet != 0 }

// ControlKey identifies a control for Get/Set/lookup. Exactly one
// constructor should be used; the zero value matches nothing.
type ControlKey struct {
	name string
	hasName bool

	unitID, selector uint8
	hasUnit          bool

	interfaceNumber uint8
	hasInterface    bool
}

func ControlKeyName(name string) ControlKey { return ControlKey{name: name, hasName: true} }

func ControlKeyUnit(unitID, selector uint8) ControlKey {
	return ControlKey{unitID: unitID, selector: selector, hasUnit: true}
}

func ControlKeyFull(interfaceNumber, unitID, selector uint8) ControlKey {
	return ControlKey{
		interfaceNumber: interfaceNumber, hasInterface: true,
		unitID: unitID, selector: selector, hasUnit: true,
	}
}

func (k ControlKey) String() string {
	switch {
	case k.hasInterface:
		return fmt.Sprintf("(if=%d, unit=%d, sel=%d)", k.interfaceNumber, k.unitID, k.selector)
	case k.hasUnit:
		return fmt.Sprintf("(unit=%d, sel=%d)", k.unitID, k.selector)
	default:
		return k.name
	}
}

// resolveControl implements §4.4's resolution policy: exact triple first,
// then prefer entries on preferredInterface, then any match.
func resolveControl(entries []*ControlEntry, key ControlKey, preferredInterface uint8) *ControlEntry {
	if key.hasInterface {
		for _, e := range entries {
			if e.InterfaceNumber == key.interfaceNumber && e.UnitID == key.unitID && e.Selector == key.selector {
				return e
			}
		}
		return nil
	}

	if key.hasUnit {
		var any *ControlEntry
		for _, e := range entries {
			if e.UnitID != key.unitID || e.Selector != key.selector {
				continue
			}
			if e.InterfaceNumber == preferredInterface {
				return e
			}
			if any == nil {
				any = e
			}
		}
		return any
	}

	name := strings.ToLower(key.name)
	var any *ControlEntry
	for _, e := range entries {
		if strings.ToLower(e.Name) != name {
			continue
		}
		if e.InterfaceNumber == preferredInterface {
			return e
		}
		if any == nil {
			any = e
		}
	}
	return any
}

func unsignedOf(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return 0
	}
}

func numValue(b []byte, signed bool) int64 {
	switch len(b) {
	case 1:
		if signed {
			return int64(int8(b[0]))
		}
		return int64(b[0])
	case 2:
		v := binary.LittleEndian.Uint16(b)
		if signed {
			return int64(int16(v))
		}
		return int64(v)
	case 3:
		v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
		if signed {
			return int64(int32(v<<8) >> 8)
		}
		return int64(v)
	case 4:
		v := binary.LittleEndian.Uint32(b)
		if signed {
			return int64(int32(v))
		}
		return int64(v)
	default:
		return 0
	}
}

func numPtr(b []byte, signed bool) *int64 {
	if len(b) == 0 || len(b) > 4 {
		return nil
	}
	v := numValue(b, signed)
	return &v
}

// probeControl issues the full GET_INFO/GET_LEN/GET_MIN/GET_MAX/GET_RES/
// GET_DEF sequence for one (unit, selector) pair. It returns nil (no error)
// when GET_INFO reports the control absent, per §4.4 step 1.
func probeControl(h DeviceHandle, ifaceNumber, unitID, selector uint8) (*ControlEntry, error) {
	wValue := uint16(selector) << 8
	wIndex := uint16(unitID)<<8 | uint16(ifaceNumber)

	infoBuf, err := h.ControlTransfer(DirIn, reqGetInfo, wValue, wIndex, make([]byte, 1), defaultControlTimeout)
	if err != nil || len(infoBuf) == 0 || infoBuf[0] == 0 {
		return nil, nil
	}

	entry := &ControlEntry{
		InterfaceNumber: ifaceNumber,
		UnitID:          unitID,
		Selector:        selector,
		InfoByte:        infoBuf[0],
	}

	length := 0
	if lenBuf, err := h.ControlTransfer(DirIn, reqGetLen, wValue, wIndex, make([]byte, 2), defaultControlTimeout); err == nil && len(lenBuf) == 2 {
		length = int(binary.LittleEndian.Uint16(lenBuf))
	}

	readAt := func(req uint8) []byte {
		n := length
		if n == 0 {
			n = 4
		}
		buf, err := h.ControlTransfer(DirIn, req, wValue, wIndex, make([]byte, n), defaultControlTimeout)
		if err != nil {
			return nil
		}
		if length == 0 {
			length = len(buf)
		}
		return buf
	}

	minRaw := readAt(reqGetMin)
	maxRaw := readAt(reqGetMax)
	resRaw := readAt(reqGetRes)
	defRaw := readAt(reqGetDef)

	if length > 0 {
		l := length
		entry.Length = &l
	}
	entry.RawMin, entry.RawMax, entry.RawStep, entry.RawDefault = minRaw, maxRaw, resRaw, defRaw

	signed := false
	if len(minRaw) == len(maxRaw) && (len(minRaw) == 2 || len(minRaw) == 4) {
		if unsignedOf(minRaw) > unsignedOf(maxRaw) {
			signed = true
		}
	}

	entry.Min = numPtr(minRaw, signed)
	entry.Max = numPtr(maxRaw, signed)
	entry.Step = numPtr(resRaw, signed)
	entry.Default = numPtr(defRaw, signed)

	return entry, nil
}

// enumerateUnit probes every control descriptor for one VC unit and, for
// Extension Units, applies quirks scoring across the probed set as a group
// (quirks definitions are consumed per-unit, not globally).
func enumerateUnit(h DeviceHandle, ifaceNumber uint8, unit ControlUnit, quirks *QuirksRegistry) []*ControlEntry {
	var entries []*ControlEntry
	for _, cd := range unit.Controls {
		entry, err := probeControl(h, ifaceNumber, unit.UnitID, cd.Selector)
		if err != nil || entry == nil {
			continue
		}
		entry.Kind = unit.Kind
		entry.Name = cd.DefaultName
		entries = append(entries, entry)
	}

	if unit.Kind == UnitKindExtensionUnit && quirks != nil {
		quirks.Apply(unit.GUID, entries)
	}

	return entries
}

// encodeControlValue little-endian-encodes an integer value to width bytes,
// signed iff the control's reported minimum is negative.
func encodeControlValue(entry *ControlEntry, value int64) []byte {
	width := 2
	if entry.Length != nil {
		width = *entry.Length
	}
	buf := make([]byte, width)
	switch width {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(int16(value)))
	case 3:
		buf[0], buf[1], buf[2] = byte(value), byte(value>>8), byte(value>>16)
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(int32(value)))
	default:
		// Lengths above 4 can't be numerically encoded; callers must use
		// raw=true for these controls.
	}
	return buf
}
