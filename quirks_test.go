package uvc

import (
	"os"
	"testing"
)

func registryWithDefs(guid [16]byte, defs ...quirkControlDef) *QuirksRegistry {
	r := &QuirksRegistry{byGUID: map[[16]byte][]quirkControlDef{guid: defs}}
	return r
}

// TestQuirksApply_SelectorMatchIsConsumedOnce covers the rule that a
// definition naming only a selector matches the control with that selector
// exactly once; a second control at the same selector falls through to
// whatever definition is left.
func TestQuirksApply_SelectorMatchIsConsumedOnce(t *testing.T) {
	guid := mustParseGUIDForTest("a29e7641-de04-47e3-8b2b-f4341aff003b")
	sel5 := 5
	r := registryWithDefs(guid,
		quirkControlDef{Selector: &sel5, Name: "A"},
	)

	first := &ControlEntry{Selector: 5, Name: "Vendor Control 5"}
	second := &ControlEntry{Selector: 5, Name: "Vendor Control 5"}
	r.Apply(guid, []*ControlEntry{first, second})

	if first.Name != "A" {
		t.Fatalf("first selector-5 control should be renamed, got %q", first.Name)
	}
	if second.Name != "Vendor Control 5" {
		t.Fatalf("second selector-5 control must NOT be renamed (definition already consumed), got %q", second.Name)
	}
}

// TestQuirksApply_SelectorAndInfoDisambiguate reproduces the worked example
// of two Extension Unit controls sharing a GUID at different selectors, one
// matched by selector and the other by its GET_INFO byte.
func TestQuirksApply_SelectorAndInfoDisambiguate(t *testing.T) {
	guid := mustParseGUIDForTest("a29e7641-de04-47e3-8b2b-f4341aff003b")
	sel5 := 5
	info3 := 3
	r := registryWithDefs(guid,
		quirkControlDef{Selector: &sel5, Name: "A"},
		quirkControlDef{ExpectedInfo: &info3, Name: "B"},
	)

	gainCtl := &ControlEntry{Selector: 5, InfoByte: 0x01, Name: "Vendor Control 5"}
	debugCtl := &ControlEntry{Selector: 9, InfoByte: 0x03, Name: "Vendor Control 9"}
	r.Apply(guid, []*ControlEntry{gainCtl, debugCtl})

	if gainCtl.Name != "A" {
		t.Fatalf("selector-5 control should match definition A, got %q", gainCtl.Name)
	}
	if debugCtl.Name != "B" {
		t.Fatalf("selector-9 control (info=0x03) should match definition B, got %q", debugCtl.Name)
	}
}

func TestScoreQuirkMatch_MandatorySelectorMismatchDisqualifies(t *testing.T) {
	sel := 5
	d := quirkControlDef{Selector: &sel, Name: "A"}
	_, ok := scoreQuirkMatch(d, &ControlEntry{Selector: 6})
	if ok {
		t.Fatalf("a selector mismatch must disqualify the definition")
	}
}

func TestScoreQuirkMatch_ExpectedLengthMismatchDisqualifies(t *testing.T) {
	length := 4
	fixed := 2
	d := quirkControlDef{ExpectedLen: &fixed, Name: "A"}
	entry := &ControlEntry{Length: &length}
	if _, ok := scoreQuirkMatch(d, entry); ok {
		t.Fatalf("an expected_length mismatch must disqualify the definition")
	}
}

func TestScoreQuirkMatch_MoreSpecificDefinitionScoresHigher(t *testing.T) {
	sel := 5
	info := 1
	specific := quirkControlDef{Selector: &sel, ExpectedInfo: &info, Name: "specific"}
	generic := quirkControlDef{Selector: &sel, Name: "generic"}

	entry := &ControlEntry{Selector: 5, InfoByte: 0x01}
	specificScore, ok1 := scoreQuirkMatch(specific, entry)
	genericScore, ok2 := scoreQuirkMatch(generic, entry)
	if !ok1 || !ok2 {
		t.Fatalf("both definitions should be eligible matches")
	}
	if specificScore <= genericScore {
		t.Fatalf("a definition with more matching fields should score higher: specific=%d generic=%d", specificScore, genericScore)
	}
}

func TestApplyQuirkDef_MergesExtraIntoMetadataAndSetsType(t *testing.T) {
	d := quirkControlDef{
		Name: "LED Mode",
		Type: "int",
		Extra: map[string]any{
			"min": float64(0),
			"max": float64(5),
		},
	}
	c := &ControlEntry{Name: "Vendor Control 1"}
	applyQuirkDef(c, d)

	if c.Name != "LED Mode" {
		t.Fatalf("name not overridden: %q", c.Name)
	}
	if c.Metadata["type"] != "int" {
		t.Fatalf("metadata type not set: %v", c.Metadata)
	}
	if c.Metadata["max"] != float64(5) {
		t.Fatalf("extra fields not merged into metadata: %v", c.Metadata)
	}
}

func TestLoadQuirks_BundledFilesParseWithoutError(t *testing.T) {
	registry, errs := LoadQuirks(nil)
	for _, e := range errs {
		t.Fatalf("bundled quirks file failed to load: %v", e)
	}
	if len(registry.byGUID) == 0 {
		t.Fatalf("expected at least one GUID loaded from quirksdata/*.json")
	}
}

func TestLoadQuirks_MalformedOverlayFileIsReportedNotFatal(t *testing.T) {
	dir := t.TempDir()
	badPath := dir + "/bad.json"
	if err := os.WriteFile(badPath, []byte("{not valid json"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	registry, errs := LoadQuirks(dir)
	if registry == nil {
		t.Fatalf("expected a usable registry even with a malformed overlay file")
	}
	if len(errs) == 0 {
		t.Fatalf("expected the malformed file to be reported as an error")
	}
}
