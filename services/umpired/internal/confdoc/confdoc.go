// Package confdoc defines the umpired config document: the JSON description
// of bundles, rulesets and service settings that a deployment activates.
// Documents are immutable once stored; mutation happens on a Clone which is
// then validated and deployed as a new resource.
package confdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"umpired/services/umpired/internal/resstore"
)

// Payload roles a bundle may carry in its resources map.
const (
	RoleDeviceFactoryToolkit = "device_factory_toolkit"
	RoleServerFactoryToolkit = "server_factory_toolkit"
	RoleFirmware             = "firmware"
	RoleHWID                 = "hwid"
	RoleRootfsTest           = "rootfs_test"
	RoleRootfsRelease        = "rootfs_release"
	RoleNetbootFirmware      = "netboot_firmware"
	RoleCompleteScript       = "complete_script"
)

// PayloadRoles lists every recognized role, in canonical order.
var PayloadRoles = []string{
	RoleDeviceFactoryToolkit,
	RoleServerFactoryToolkit,
	RoleFirmware,
	RoleHWID,
	RoleRootfsTest,
	RoleRootfsRelease,
	RoleNetbootFirmware,
	RoleCompleteScript,
}

// Components a DUT can report in a GetUpdate call. Firmware splits into
// per-chip components that all resolve to the single firmware payload.
var Components = []string{
	RoleDeviceFactoryToolkit,
	RoleNetbootFirmware,
	"firmware_bios",
	"firmware_ec",
	"firmware_pd",
	RoleHWID,
	RoleRootfsTest,
	RoleRootfsRelease,
}

// HashComponents are compared by hash prefix: the DUT reports the full digest
// of its installed payload while resource names carry the truncated form.
// Everything else is compared by exact tag equality.
var HashComponents = map[string]bool{
	RoleDeviceFactoryToolkit: true,
	RoleNetbootFirmware:      true,
}

// ComponentRole maps an update component to the bundle payload role that
// backs it.
func ComponentRole(component string) string {
	if strings.HasPrefix(component, "firmware_") {
		return RoleFirmware
	}
	return component
}

// IsComponent reports whether name is a recognized update component.
func IsComponent(name string) bool {
	for _, c := range Components {
		if c == name {
			return true
		}
	}
	return false
}

// Stages is the factory flow order. Stage ranges in rulesets are inclusive on
// both ends and an empty bound means open.
var Stages = []string{"SMT", "RUNIN", "FA", "GRT"}

// StageIndex returns the position of a stage in the factory flow.
func StageIndex(stage string) (int, bool) {
	for i, s := range Stages {
		if s == stage {
			return i, true
		}
	}
	return 0, false
}

// StageInRange reports whether stage falls inside [start, end], with empty
// bounds open. Unknown stage names never match.
func StageInRange(stage, start, end string) bool {
	idx, ok := StageIndex(stage)
	if !ok {
		return false
	}
	if start != "" {
		lo, ok := StageIndex(start)
		if !ok || idx < lo {
			return false
		}
	}
	if end != "" {
		hi, ok := StageIndex(end)
		if !ok || idx > hi {
			return false
		}
	}
	return true
}

// StageRange bounds when a component update is enabled. Serialized as a
// two-element JSON array where null means an open bound.
type StageRange struct {
	Start string
	End   string
}

func (r StageRange) MarshalJSON() ([]byte, error) {
	out := make([]*string, 2)
	if r.Start != "" {
		out[0] = &r.Start
	}
	if r.End != "" {
		out[1] = &r.End
	}
	return json.Marshal(out)
}

func (r *StageRange) UnmarshalJSON(data []byte) error {
	var raw []*string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("stage range must have 2 elements, got %d", len(raw))
	}
	r.Start, r.End = "", ""
	if raw[0] != nil {
		r.Start = *raw[0]
	}
	if raw[1] != nil {
		r.End = *raw[1]
	}
	return nil
}

// Matcher restricts a ruleset to DUTs whose descriptor satisfies every
// specified field. A nil Matcher matches every DUT.
type Matcher struct {
	MAC        []string `json:"mac,omitempty"`
	SN         []string `json:"sn,omitempty"`
	MLBSN      []string `json:"mlb_sn,omitempty"`
	Stage      []string `json:"stage,omitempty"`
	SNRange    []string `json:"sn_range,omitempty"`
	MLBSNRange []string `json:"mlb_sn_range,omitempty"`
}

// Ruleset binds matching DUTs to a bundle. Rulesets are evaluated in document
// order and the first active match wins.
type Ruleset struct {
	BundleID     string                `json:"bundle_id"`
	Note         string                `json:"note,omitempty"`
	Active       bool                  `json:"active"`
	Match        *Matcher              `json:"match,omitempty"`
	EnableUpdate map[string]StageRange `json:"enable_update,omitempty"`
}

// Bundle is a named set of payload resources.
type Bundle struct {
	ID        string            `json:"id"`
	Note      string            `json:"note,omitempty"`
	Resources map[string]string `json:"resources"`
}

// Document is the full umpired configuration.
type Document struct {
	Board    string                     `json:"board,omitempty"`
	Bundles  []Bundle                   `json:"bundles"`
	Rulesets []Ruleset                  `json:"rulesets"`
	Services map[string]json.RawMessage `json:"services,omitempty"`
}

// ValidationError carries every violation found in a document, so one round
// of fixes addresses them all.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config (%d violations): %s",
		len(e.Violations), strings.Join(e.Violations, "; "))
}

// Load parses and validates a config document.
func Load(blob []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(blob))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Validate checks the document's internal consistency and returns a
// ValidationError listing every violation, or nil.
func (d *Document) Validate() error {
	// An empty document is valid: that is the state before the first bundle
	// import.
	var v []string

	roles := make(map[string]bool, len(PayloadRoles))
	for _, r := range PayloadRoles {
		roles[r] = true
	}

	seen := make(map[string]bool, len(d.Bundles))
	for _, b := range d.Bundles {
		if b.ID == "" {
			v = append(v, "bundle with empty id")
			continue
		}
		if seen[b.ID] {
			v = append(v, fmt.Sprintf("duplicate bundle id %q", b.ID))
		}
		seen[b.ID] = true

		if len(b.Resources) == 0 {
			v = append(v, fmt.Sprintf("bundle %q has no resources", b.ID))
		}
		for role, res := range b.Resources {
			if !roles[role] {
				v = append(v, fmt.Sprintf("bundle %q: unknown payload role %q", b.ID, role))
			}
			if _, _, err := resstore.ParseName(res); err != nil {
				v = append(v, fmt.Sprintf("bundle %q: role %q: %v", b.ID, role, err))
			}
		}
	}

	for i, r := range d.Rulesets {
		if r.BundleID == "" {
			v = append(v, fmt.Sprintf("ruleset #%d has empty bundle_id", i))
		} else if !seen[r.BundleID] {
			v = append(v, fmt.Sprintf("ruleset #%d references unknown bundle %q", i, r.BundleID))
		}
		if m := r.Match; m != nil {
			if len(m.SNRange) != 0 && len(m.SNRange) != 2 {
				v = append(v, fmt.Sprintf("ruleset #%d: sn_range must have 2 elements", i))
			}
			if len(m.MLBSNRange) != 0 && len(m.MLBSNRange) != 2 {
				v = append(v, fmt.Sprintf("ruleset #%d: mlb_sn_range must have 2 elements", i))
			}
			for _, s := range m.Stage {
				if _, ok := StageIndex(s); !ok {
					v = append(v, fmt.Sprintf("ruleset #%d: unknown stage %q", i, s))
				}
			}
		}
		for comp, rng := range r.EnableUpdate {
			if !IsComponent(comp) {
				v = append(v, fmt.Sprintf("ruleset #%d: unknown update component %q", i, comp))
			}
			lo, hi := -1, len(Stages)
			if rng.Start != "" {
				idx, ok := StageIndex(rng.Start)
				if !ok {
					v = append(v, fmt.Sprintf("ruleset #%d: %s: unknown stage %q", i, comp, rng.Start))
				} else {
					lo = idx
				}
			}
			if rng.End != "" {
				idx, ok := StageIndex(rng.End)
				if !ok {
					v = append(v, fmt.Sprintf("ruleset #%d: %s: unknown stage %q", i, comp, rng.End))
				} else {
					hi = idx
				}
			}
			if lo >= 0 && hi < len(Stages) && lo > hi {
				v = append(v, fmt.Sprintf("ruleset #%d: %s: stage range starts after it ends", i, comp))
			}
		}
	}

	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// Marshal serializes the document as indented JSON.
func (d *Document) Marshal() ([]byte, error) {
	blob, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(blob, '\n'), nil
}

// Clone returns a deep copy safe to mutate.
func (d *Document) Clone() *Document {
	blob, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("confdoc: clone marshal: %v", err))
	}
	var out Document
	if err := json.Unmarshal(blob, &out); err != nil {
		panic(fmt.Sprintf("confdoc: clone unmarshal: %v", err))
	}
	return &out
}

// GetBundle looks a bundle up by id.
func (d *Document) GetBundle(id string) (*Bundle, bool) {
	for i := range d.Bundles {
		if d.Bundles[i].ID == id {
			return &d.Bundles[i], true
		}
	}
	return nil, false
}

// GetDefaultBundle returns the bundle of the first active ruleset, which is
// what DUTs matching no specific rule receive.
func (d *Document) GetDefaultBundle() (*Bundle, error) {
	for _, r := range d.Rulesets {
		if !r.Active {
			continue
		}
		b, ok := d.GetBundle(r.BundleID)
		if !ok {
			return nil, fmt.Errorf("active ruleset references unknown bundle %q", r.BundleID)
		}
		return b, nil
	}
	return nil, fmt.Errorf("config has no active ruleset")
}

// ActiveRulesets returns the active rulesets in evaluation order.
func (d *Document) ActiveRulesets() []Ruleset {
	var out []Ruleset
	for _, r := range d.Rulesets {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// ValidateResources checks that every payload referenced by any bundle exists
// in the store, reporting all missing resources at once.
func (d *Document) ValidateResources(store *resstore.Store) error {
	var v []string
	for _, b := range d.Bundles {
		roles := make([]string, 0, len(b.Resources))
		for role := range b.Resources {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			if _, err := store.GetResourcePath(b.Resources[role], true); err != nil {
				v = append(v, fmt.Sprintf("bundle %q: role %q: %v", b.ID, role, err))
			}
		}
	}
	if len(v) > 0 {
		return &ValidationError{Violations: v}
	}
	return nil
}

// Diff describes what changes when next replaces prev, one line per change.
func Diff(prev, next *Document) []string {
	var out []string

	prevRules := rulesetKeys(prev)
	nextRules := rulesetKeys(next)
	for _, k := range nextRules {
		if !containsKey(prevRules, k.key) {
			out = append(out, "added ruleset for bundle "+quote(k.bundleID))
		}
	}
	for _, k := range prevRules {
		if !containsKey(nextRules, k.key) {
			out = append(out, "deleted ruleset for bundle "+quote(k.bundleID))
		}
	}

	prevBundles := bundleIndex(prev)
	nextBundles := bundleIndex(next)
	for _, b := range next.Bundles {
		old, ok := prevBundles[b.ID]
		if !ok {
			out = append(out, "added bundle "+quote(b.ID))
			continue
		}
		if !rawEqual(old, b) {
			out = append(out, "modified bundle "+quote(b.ID))
		}
	}
	for _, b := range prev.Bundles {
		if _, ok := nextBundles[b.ID]; !ok {
			out = append(out, "deleted bundle "+quote(b.ID))
		}
	}

	svcNames := make(map[string]bool)
	for name := range prev.Services {
		svcNames[name] = true
	}
	for name := range next.Services {
		svcNames[name] = true
	}
	names := make([]string, 0, len(svcNames))
	for name := range svcNames {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		old, inPrev := prev.Services[name]
		cur, inNext := next.Services[name]
		switch {
		case !inPrev:
			out = append(out, "added service "+quote(name))
		case !inNext:
			out = append(out, "deleted service "+quote(name))
		case !jsonEqual(old, cur):
			out = append(out, "modified service "+quote(name))
		}
	}

	return out
}

type rulesetKey struct {
	key      string
	bundleID string
}

func rulesetKeys(d *Document) []rulesetKey {
	out := make([]rulesetKey, 0, len(d.Rulesets))
	for _, r := range d.Rulesets {
		blob, _ := json.Marshal(r)
		out = append(out, rulesetKey{key: string(blob), bundleID: r.BundleID})
	}
	return out
}

func containsKey(keys []rulesetKey, key string) bool {
	for _, k := range keys {
		if k.key == key {
			return true
		}
	}
	return false
}

func bundleIndex(d *Document) map[string]Bundle {
	out := make(map[string]Bundle, len(d.Bundles))
	for _, b := range d.Bundles {
		out[b.ID] = b
	}
	return out
}

func rawEqual(a, b Bundle) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return bytes.Equal(ab, bb)
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return bytes.Equal(a, b)
	}
	ab, _ := json.Marshal(av)
	bb, _ := json.Marshal(bv)
	return bytes.Equal(ab, bb)
}

func quote(s string) string {
	return fmt.Sprintf("%q", s)
}
