package uvc

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var osReadFile = os.ReadFile

//go:embed quirksdata/*.json
var embeddedQuirks embed.FS

// quirkPayload describes the expected byte length of a control's value,
// either as a single fixed length or a [min,max] range.
type quirkPayload struct {
	FixedLen *int `json:"fixed_len,omitempty"`
	MinLen   *int `json:"min_len,omitempty"`
	MaxLen   *int `json:"max_len,omitempty"`
}

// quirkControlDef is one entry of a quirks file's "controls" list, after
// normalizing the object-keyed-by-selector shorthand into the same shape.
type quirkControlDef struct {
	Selector      *int           `json:"selector,omitempty"`
	ExpectedInfo  *int           `json:"expected_info,omitempty"`
	GetInfoExpect map[string]int `json:"get_info_expect,omitempty"`
	ExpectedLen   *int           `json:"expected_length,omitempty"`
	Payload       *quirkPayload  `json:"payload,omitempty"`
	MinLen        *int           `json:"min_len,omitempty"`
	MaxLen        *int           `json:"max_len,omitempty"`
	Name          string         `json:"name"`
	Type          string         `json:"type,omitempty"`

	// Extra carries any fields beyond the ones above, merged into a
	// matched control's Metadata verbatim.
	Extra map[string]any `json:"-"`
}

type quirkFile struct {
	GUID     string            `json:"guid"`
	Controls []quirkControlDef `json:"-"`
}

var internalQuirkKeys = map[string]bool{
	"selector": true, "expected_info": true, "get_info_expect": true,
	"expected_length": true, "payload": true, "min_len": true, "max_len": true,
	"name": true,
}

func (f *quirkFile) UnmarshalJSON(data []byte) error {
	var raw struct {
		GUID     string          `json:"guid"`
		Controls json.RawMessage `json:"controls"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	f.GUID = raw.GUID
	if len(raw.Controls) == 0 {
		return nil
	}

	// Try the list form first.
	var list []json.RawMessage
	if err := json.Unmarshal(raw.Controls, &list); err == nil {
		for _, item := range list {
			def, err := decodeControlDef(item)
			if err != nil {
				return err
			}
			f.Controls = append(f.Controls, def)
		}
		return nil
	}

	// Fall back to the map-keyed-by-selector form.
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw.Controls, &m); err != nil {
		return fmt.Errorf("controls is neither a list nor an object: %w", err)
	}
	for key, item := range m {
		def, err := decodeControlDef(item)
		if err != nil {
			return err
		}
		if def.Selector == nil {
			if sel, err := strconv.Atoi(strings.TrimSpace(key)); err == nil {
				def.Selector = &sel
			}
		}
		f.Controls = append(f.Controls, def)
	}
	return nil
}

func decodeControlDef(item json.RawMessage) (quirkControlDef, error) {
	var def quirkControlDef
	if err := json.Unmarshal(item, &def); err != nil {
		return def, err
	}
	var extra map[string]any
	if err := json.Unmarshal(item, &extra); err == nil {
		for k := range extra {
			if internalQuirkKeys[k] {
				delete(extra, k)
			}
		}
		def.Extra = extra
	}
	return def, nil
}

// QuirksRegistry is a GUID-indexed set of vendor control definitions,
// loaded once at startup from the embedded quirksdata/*.json files plus any
// overlay directory the caller supplies.
type QuirksRegistry struct {
	mu     sync.RWMutex
	byGUID map[[16]byte][]quirkControlDef
}

// LoadQuirks builds a registry from the embedded quirk set, optionally
// overlaid with additional *.json files from overlay (a directory path or
// an fs.FS). A missing overlay directory is not fatal; a malformed file
// within it is skipped and reported via the returned errors slice, not
// returned as a single fatal error.
func LoadQuirks(overlay any) (*QuirksRegistry, []error) {
	r := &QuirksRegistry{byGUID: make(map[[16]byte][]quirkControlDef)}
	var errs []error

	errs = append(errs, r.loadFS(embeddedQuirks, "quirksdata")...)

	switch v := overlay.(type) {
	case nil:
	case string:
		if v != "" {
			errs = append(errs, r.loadDir(v)...)
		}
	case fs.FS:
		errs = append(errs, r.loadFS(v, ".")...)
	}

	return r, errs
}

func (r *QuirksRegistry) loadDir(dir string) []error {
	entries, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return []error{&QuirksLoadError{Path: dir, Cause: err}}
	}
	var errs []error
	for _, path := range entries {
		if err := r.loadFile(func() ([]byte, error) { return fsReadFile(path) }, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *QuirksRegistry) loadFS(f fs.FS, dir string) []error {
	entries, err := fs.Glob(f, filepath.Join(dir, "*.json"))
	if err != nil {
		return []error{&QuirksLoadError{Path: dir, Cause: err}}
	}
	var errs []error
	for _, path := range entries {
		p := path
		if err := r.loadFile(func() ([]byte, error) { return fs.ReadFile(f, p) }, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *QuirksRegistry) loadFile(read func() ([]byte, error), path string) error {
	data, err := read()
	if err != nil {
		return &QuirksLoadError{Path: path, Cause: err}
	}
	var qf quirkFile
	if err := json.Unmarshal(data, &qf); err != nil {
		return &QuirksLoadError{Path: path, Cause: err}
	}
	guid, err := parseGUIDString(qf.GUID)
	if err != nil {
		return &QuirksLoadError{Path: path, Cause: err}
	}

	r.mu.Lock()
	r.byGUID[guid] = append(r.byGUID[guid], qf.Controls...)
	r.mu.Unlock()
	return nil
}

func parseGUIDString(s string) ([16]byte, error) {
	var g [16]byte
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 32 {
		return g, fmt.Errorf("malformed guid %q", s)
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return g, err
		}
		g[i] = byte(b)
	}
	return g, nil
}

// Apply scores every still-unused definition for guid against each control
// in order and assigns the highest scorer, consuming it so it cannot match
// a second control (§4.3, §8 scenario 6).
func (r *QuirksRegistry) Apply(guid [16]byte, controls []*ControlEntry) {
	r.mu.RLock()
	defs := append([]quirkControlDef(nil), r.byGUID[guid]...)
	r.mu.RUnlock()
	if len(defs) == 0 {
		return
	}

	used := make([]bool, len(defs))
	for _, c := range controls {
		bestIdx, bestScore := -1, -1
		for i, d := range defs {
			if used[i] {
				continue
			}
			score, ok := scoreQuirkMatch(d, c)
			if !ok {
				continue
			}
			if score > bestScore {
				bestScore, bestIdx = score, i
			}
		}
		if bestIdx < 0 {
			continue
		}
		used[bestIdx] = true
		applyQuirkDef(c, defs[bestIdx])
	}
}

// scoreQuirkMatch implements the §4.3 scoring table. ok is false if any
// mandatory field present on the definition fails to match.
func scoreQuirkMatch(d quirkControlDef, c *ControlEntry) (int, bool) {
	score := 0

	if d.Selector != nil {
		if int(c.Selector) != *d.Selector {
			return 0, false
		}
		score += 5
	}

	if d.ExpectedInfo != nil {
		if int(c.InfoByte) != *d.ExpectedInfo {
			return 0, false
		}
		score += 2
	}

	if len(d.GetInfoExpect) > 0 {
		for key, want := range d.GetInfoExpect {
			if key == "value" {
				if int(c.InfoByte) != want {
					return 0, false
				}
				score += 2
				continue
			}
			bit, ok := bitIndexFromKey(key)
			if !ok {
				continue
			}
			got := 0
			if c.InfoByte&(1<<uint(bit)) != 0 {
				got = 1
			}
			if got == want {
				score++
			}
		}
	}

	wantLen, hasLen := expectedLength(d)
	if hasLen {
		if c.Length == nil || *c.Length != wantLen {
			return 0, false
		}
		score += 2
	}

	if min, max, ok := lenBounds(d); ok && c.Length != nil {
		if *c.Length >= min && *c.Length <= max {
			score++
		}
	}

	return score, true
}

func bitIndexFromKey(key string) (int, bool) {
	if !strings.HasPrefix(key, "D") && !strings.HasPrefix(key, "d") {
		return 0, false
	}
	n, err := strconv.Atoi(key[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func expectedLength(d quirkControlDef) (int, bool) {
	if d.ExpectedLen != nil {
		return *d.ExpectedLen, true
	}
	if d.Payload != nil && d.Payload.FixedLen != nil {
		return *d.Payload.FixedLen, true
	}
	return 0, false
}

func lenBounds(d quirkControlDef) (min, max int, ok bool) {
	if d.MinLen != nil {
		min = *d.MinLen
		ok = true
	}
	if d.MaxLen != nil {
		max = *d.MaxLen
		ok = true
	} else if ok {
		max = min
	}
	if d.Payload != nil {
		if d.Payload.MinLen != nil {
			min = *d.Payload.MinLen
			ok = true
		}
		if d.Payload.MaxLen != nil {
			max = *d.Payload.MaxLen
			ok = true
		}
	}
	if ok && max == 0 {
		max = min
	}
	return min, max, ok
}

func applyQuirkDef(c *ControlEntry, d quirkControlDef) {
	if d.Name != "" {
		c.Name = d.Name
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	if d.Type != "" {
		c.Metadata["type"] = d.Type
	}
	for k, v := range d.Extra {
		c.Metadata[k] = v
	}
}

func fsReadFile(path string) ([]byte, error) {
	return osReadFile(path)
}
