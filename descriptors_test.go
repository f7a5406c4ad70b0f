package uvc

import (
	"reflect"
	"testing"
)

func TestParseGUID_MixedEndianRoundTrip(t *testing.T) {
	// UVC wire order: first three fields little-endian, trailing 8 bytes as-is.
	wire := []byte{
		0x82, 0x06, 0x61, 0x63, // data1 (LE) -> 63610682
		0x70, 0x50, // data2 (LE) -> 5070
		0xab, 0x49, // data3 (LE) -> 49ab
		0xb8, 0xcc, 0xb3, 0x85, 0x5e, 0x8d, 0x22, 0x1d, // data4, as-is
	}
	got := GUIDString(parseGUID(wire))
	want := "63610682-5070-49AB-B8CC-B3855E8D221D"
	if got != want {
		t.Fatalf("GUIDString(parseGUID(wire)) = %q, want %q", got, want)
	}
}

func TestParseGUID_ShortInputIsCopiedVerbatim(t *testing.T) {
	short := []byte{1, 2, 3}
	g := parseGUID(short)
	if g[0] != 1 || g[1] != 2 || g[2] != 3 || g[3] != 0 {
		t.Fatalf("short guid input not copied verbatim: %v", g)
	}
}

// TestParseControlTopology_ProcessingUnitBitmap exercises a 3-byte
// bmControls bitmap (0x00000FC7, stored little-endian as C7 0F 00) against
// the standard 1-based selector numbering.
func TestParseControlTopology_ProcessingUnitBitmap(t *testing.T) {
	rec := []byte{
		11,         // bLength
		csInterface, vcProcessingUnit,
		0x02,       // bUnitID
		0x01,       // bSourceID
		0x00, 0x00, // wMaxMultiplier
		0x03,             // bControlSize
		0xC7, 0x0F, 0x00, // bmControls
	}

	topo, err := ParseControlTopology(rec)
	if err != nil {
		t.Fatalf("ParseControlTopology: %v", err)
	}
	if len(topo.Units) != 1 {
		t.Fatalf("units = %d, want 1", len(topo.Units))
	}
	unit := topo.Units[0]
	if unit.Kind != UnitKindProcessingUnit || unit.UnitID != 0x02 {
		t.Fatalf("unexpected unit: %+v", unit)
	}

	var gotSelectors []uint8
	gotNames := map[uint8]string{}
	for _, c := range unit.Controls {
		gotSelectors = append(gotSelectors, c.Selector)
		gotNames[c.Selector] = c.DefaultName
		if c.UnitID != unit.UnitID || c.UnitKind != UnitKindProcessingUnit {
			t.Fatalf("control %+v missing back-reference to its unit", c)
		}
	}

	wantSelectors := []uint8{1, 2, 3, 7, 8, 9, 10, 11, 12}
	if !reflect.DeepEqual(sortUint8(gotSelectors), wantSelectors) {
		t.Fatalf("selectors = %v, want %v", gotSelectors, wantSelectors)
	}
	if gotNames[1] != "Backlight Compensation" || gotNames[3] != "Contrast" || gotNames[12] != "White Balance Component" {
		t.Fatalf("unexpected selector names: %v", gotNames)
	}
}

func sortUint8(in []uint8) []uint8 {
	out := append([]uint8(nil), in...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

func TestParseControlTopology_TruncatedRecordStopsScanWithoutError(t *testing.T) {
	extra := []byte{5, csInterface, vcHeader, 0x00} // bLength=5 but only 4 bytes present
	topo, err := ParseControlTopology(extra)
	if err != nil {
		t.Fatalf("truncated descriptor must not error: %v", err)
	}
	if len(topo.Units) != 0 {
		t.Fatalf("expected no units from a truncated record, got %d", len(topo.Units))
	}
}

func TestParseFrameIntervals_DiscreteList(t *testing.T) {
	rec := make([]byte, 26+3*4)
	rec[25] = 3 // bFrameIntervalType: 3 discrete entries
	putU32 := func(off int, v uint32) {
		rec[off], rec[off+1], rec[off+2], rec[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32(26, 333333)
	putU32(30, 666666)
	putU32(34, 1000000)

	got := parseFrameIntervals(rec, 26, 3, 0)
	want := []uint32{333333, 666666, 1000000}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseFrameIntervals_ContinuousRangeExpandsToMinMaxDefault(t *testing.T) {
	rec := make([]byte, 26+12)
	rec[25] = 0 // continuous
	putU32 := func(off int, v uint32) {
		rec[off], rec[off+1], rec[off+2], rec[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}
	putU32(26, 166666) // min
	putU32(30, 666666) // max
	// step at 34 is not enumerated

	got := parseFrameIntervals(rec, 26, 0, 333333)
	want := []uint32{166666, 666666, 333333}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestAlternateSettingsFromConfig_HighBandwidthPacketSize(t *testing.T) {
	// wMaxPacketSize bits: [10:0] base size, [12:11] additional transactions.
	iface := &rawInterface{
		AltSettings: []rawAltSetting{
			{
				AlternateSetting: 2,
				Endpoints: []rawEndpoint{
					{
						EndpointAddr:  0x81,
						Attributes:    endpointTypeIso,
						MaxPacketSize: 1024 | (1 << 11), // base 1024, 2 transactions/microframe
					},
				},
			},
		},
	}

	alts := alternateSettingsFromConfig(iface)
	if len(alts) != 1 {
		t.Fatalf("alts = %d, want 1", len(alts))
	}
	a := alts[0]
	if !a.HasEndpoint {
		t.Fatalf("expected an endpoint to be recorded")
	}
	if a.MaxPacketSize != 2048 {
		t.Fatalf("MaxPacketSize = %d, want 2048 (1024 base * 2 transactions)", a.MaxPacketSize)
	}
}

func TestAlternateSettingsFromConfig_ZeroBandwidthAltHasNoEndpoint(t *testing.T) {
	iface := &rawInterface{
		AltSettings: []rawAltSetting{
			{AlternateSetting: 0, Endpoints: nil},
		},
	}
	alts := alternateSettingsFromConfig(iface)
	if len(alts) != 1 || alts[0].HasEndpoint {
		t.Fatalf("alt 0 (no endpoint) must be recorded without HasEndpoint: %+v", alts)
	}
}
