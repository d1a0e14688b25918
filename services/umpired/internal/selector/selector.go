// Package selector matches DUT descriptors against config rulesets and
// computes per-component update decisions for GetUpdate.
package selector

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

// ErrNoRulesetMatch is returned when no active ruleset matches a DUT. A
// well-formed config ends with a catch-all ruleset so this usually means the
// DUT hit a config with every ruleset deactivated.
var ErrNoRulesetMatch = errors.New("no active ruleset matches DUT")

// Descriptor holds the fields a DUT reports about itself: "sn", "mlb_sn",
// "stage", "mac" plus per-interface "mac.<iface>" variants.
type Descriptor map[string]string

// ParseHeader parses the X-Umpire-DUT header form "key=value; key=value".
func ParseHeader(header string) (Descriptor, error) {
	d := make(Descriptor)
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed DUT field %q", part)
		}
		d[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return d, nil
}

// MACs returns every MAC the DUT reported, lowercased. Both the bare "mac"
// field and interface-qualified "mac.eth0" style fields count.
func (d Descriptor) MACs() []string {
	var out []string
	for key, value := range d {
		if key == "mac" || strings.HasPrefix(key, "mac.") {
			out = append(out, strings.ToLower(value))
		}
	}
	return out
}

func (d Descriptor) SN() string    { return d["sn"] }
func (d Descriptor) MLBSN() string { return d["mlb_sn"] }
func (d Descriptor) Stage() string { return d["stage"] }

// Match reports whether the ruleset's matcher accepts the DUT. Every
// specified matcher field must be satisfied; a ruleset without a matcher is a
// catch-all.
func Match(r confdoc.Ruleset, d Descriptor) bool {
	m := r.Match
	if m == nil {
		return true
	}
	if len(m.MAC) > 0 && !matchMAC(m.MAC, d.MACs()) {
		return false
	}
	if len(m.SN) > 0 && !containsString(m.SN, d.SN()) {
		return false
	}
	if len(m.MLBSN) > 0 && !containsString(m.MLBSN, d.MLBSN()) {
		return false
	}
	if len(m.Stage) > 0 && !containsString(m.Stage, d.Stage()) {
		return false
	}
	if len(m.SNRange) == 2 && !inRange(d.SN(), m.SNRange[0], m.SNRange[1]) {
		return false
	}
	if len(m.MLBSNRange) == 2 && !inRange(d.MLBSN(), m.MLBSNRange[0], m.MLBSNRange[1]) {
		return false
	}
	return true
}

// SelectRuleset returns the first active ruleset matching the DUT, in
// document order.
func SelectRuleset(doc *confdoc.Document, d Descriptor) (*confdoc.Ruleset, error) {
	for i := range doc.Rulesets {
		r := &doc.Rulesets[i]
		if !r.Active {
			continue
		}
		if Match(*r, d) {
			return r, nil
		}
	}
	return nil, ErrNoRulesetMatch
}

// UpdateInfo is the per-component answer of GetUpdate.
type UpdateInfo struct {
	NeedsUpdate bool   `json:"needs_update"`
	MD5Sum      string `json:"md5sum,omitempty"`
	Scheme      string `json:"scheme,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ComputeUpdateMatrix decides, for each component the DUT reported, whether
// it must update and where to fetch the payload. Components the matched
// bundle does not carry come back with needs_update false. Unknown component
// names are an error.
func ComputeUpdateMatrix(doc *confdoc.Document, rs *confdoc.Ruleset, d Descriptor,
	components map[string]string, baseURL string) (map[string]UpdateInfo, error) {

	bundle, ok := doc.GetBundle(rs.BundleID)
	if !ok {
		return nil, fmt.Errorf("ruleset references unknown bundle %q", rs.BundleID)
	}

	stage := d.Stage()
	out := make(map[string]UpdateInfo, len(components))
	for comp, tag := range components {
		if !confdoc.IsComponent(comp) {
			return nil, fmt.Errorf("unknown component %q", comp)
		}

		res, ok := bundle.Resources[confdoc.ComponentRole(comp)]
		if !ok {
			out[comp] = UpdateInfo{NeedsUpdate: false}
			continue
		}
		_, hash, err := resstore.ParseName(res)
		if err != nil {
			return nil, fmt.Errorf("bundle %q: %w", bundle.ID, err)
		}

		current := tagMatches(comp, tag, hash)
		needs := !current && updateEnabled(rs, comp, stage)
		out[comp] = UpdateInfo{
			NeedsUpdate: needs,
			MD5Sum:      hash,
			Scheme:      "http",
			URL:         baseURL + "/res/" + url.PathEscape(res),
		}
	}
	return out, nil
}

// tagMatches reports whether the DUT's installed component already matches
// the bundle resource. Hash components report a full digest, so the stored
// truncated hash must be its prefix; version components compare exactly.
func tagMatches(comp, tag, hash string) bool {
	if confdoc.HashComponents[comp] {
		return strings.HasPrefix(strings.ToLower(tag), hash)
	}
	return tag == hash
}

// updateEnabled applies the ruleset's per-component stage gating. A component
// without an enable_update entry is updatable at every stage.
func updateEnabled(rs *confdoc.Ruleset, comp, stage string) bool {
	rng, ok := rs.EnableUpdate[comp]
	if !ok {
		return true
	}
	if rng.Start == "" && rng.End == "" {
		return true
	}
	return confdoc.StageInRange(stage, rng.Start, rng.End)
}

func matchMAC(want []string, have []string) bool {
	for _, w := range want {
		w = strings.ToLower(w)
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// inRange does an inclusive lexicographic range check. A "-" bound is open.
func inRange(v, lo, hi string) bool {
	if v == "" {
		return false
	}
	if lo != "-" && v < lo {
		return false
	}
	if hi != "-" && v > hi {
		return false
	}
	return true
}
