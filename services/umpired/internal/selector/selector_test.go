package selector

import (
	"strings"
	"testing"

	"umpired/services/umpired/internal/confdoc"
)

func testDoc() *confdoc.Document {
	return &confdoc.Document{
		Bundles: []confdoc.Bundle{
			{ID: "pilot", Resources: map[string]string{
				"device_factory_toolkit": "install_factory_toolkit.run##aaaa1111",
				"firmware":               "firmware.gz##bbbb2222",
			}},
			{ID: "smt", Resources: map[string]string{
				"device_factory_toolkit": "install_factory_toolkit.run##cccc3333",
			}},
			{ID: "default", Resources: map[string]string{
				"device_factory_toolkit": "install_factory_toolkit.run##dddd4444",
				"hwid":                   "hwid.gz##eeee5555",
				"rootfs_release":         "rootfs-release.gz##ffff6666",
			}},
		},
		Rulesets: []confdoc.Ruleset{
			{
				BundleID: "pilot",
				Active:   true,
				Match:    &confdoc.Matcher{MAC: []string{"AA:BB:CC:DD:EE:01"}},
			},
			{
				BundleID: "smt",
				Active:   false,
				Match:    &confdoc.Matcher{SN: []string{"SN100"}},
			},
			{
				BundleID: "smt",
				Active:   true,
				Match:    &confdoc.Matcher{SNRange: []string{"SN200", "SN299"}, Stage: []string{"SMT"}},
			},
			{BundleID: "default", Active: true},
		},
	}
}

func TestParseHeader(t *testing.T) {
	d, err := ParseHeader("sn=SN001; mlb_sn=MLB001; mac.eth0=aa:bb:cc:dd:ee:01; stage=FA")
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if d.SN() != "SN001" || d.MLBSN() != "MLB001" || d.Stage() != "FA" {
		t.Errorf("descriptor = %v", d)
	}
	macs := d.MACs()
	if len(macs) != 1 || macs[0] != "aa:bb:cc:dd:ee:01" {
		t.Errorf("MACs = %v", macs)
	}

	if _, err := ParseHeader("sn=SN001; garbage"); err == nil {
		t.Error("malformed header accepted")
	}
}

func TestSelectRuleset(t *testing.T) {
	doc := testDoc()

	tests := []struct {
		name       string
		dut        Descriptor
		wantBundle string
	}{
		{"mac match wins first", Descriptor{"mac.eth0": "aa:bb:cc:dd:ee:01", "sn": "SN250", "stage": "SMT"}, "pilot"},
		{"inactive ruleset skipped", Descriptor{"sn": "SN100"}, "default"},
		{"sn range plus stage", Descriptor{"sn": "SN250", "stage": "SMT"}, "smt"},
		{"sn range wrong stage", Descriptor{"sn": "SN250", "stage": "FA"}, "default"},
		{"catch-all", Descriptor{"sn": "SN999"}, "default"},
		{"empty descriptor", Descriptor{}, "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := SelectRuleset(doc, tt.dut)
			if err != nil {
				t.Fatalf("SelectRuleset: %v", err)
			}
			if rs.BundleID != tt.wantBundle {
				t.Errorf("bundle = %q, want %q", rs.BundleID, tt.wantBundle)
			}
		})
	}
}

func TestSelectRulesetNoMatch(t *testing.T) {
	doc := testDoc()
	doc.Rulesets = doc.Rulesets[:1]

	if _, err := SelectRuleset(doc, Descriptor{"sn": "SN999"}); err != ErrNoRulesetMatch {
		t.Errorf("err = %v, want ErrNoRulesetMatch", err)
	}
}

func TestComputeUpdateMatrix(t *testing.T) {
	doc := testDoc()
	rs := &doc.Rulesets[3] // default bundle, no stage gating

	dut := Descriptor{"sn": "SN999", "stage": "FA"}
	components := map[string]string{
		// Full digest whose prefix matches the stored hash: up to date.
		"device_factory_toolkit": "dddd4444" + strings.Repeat("0", 56),
		// Exact hash mismatch: needs update.
		"hwid": "00000000",
		// Not carried by the bundle.
		"firmware_bios": "whatever",
	}

	matrix, err := ComputeUpdateMatrix(doc, rs, dut, components, "http://10.0.0.1:8080")
	if err != nil {
		t.Fatalf("ComputeUpdateMatrix: %v", err)
	}

	if info := matrix["device_factory_toolkit"]; info.NeedsUpdate {
		t.Errorf("toolkit needs_update = true, want false: %+v", info)
	}
	if info := matrix["hwid"]; !info.NeedsUpdate {
		t.Errorf("hwid needs_update = false, want true: %+v", info)
	} else {
		if info.MD5Sum != "eeee5555" {
			t.Errorf("hwid md5sum = %q", info.MD5Sum)
		}
		if info.URL != "http://10.0.0.1:8080/res/hwid.gz%23%23eeee5555" {
			t.Errorf("hwid url = %q", info.URL)
		}
		if info.Scheme != "http" {
			t.Errorf("hwid scheme = %q", info.Scheme)
		}
	}
	if info := matrix["firmware_bios"]; info.NeedsUpdate || info.URL != "" {
		t.Errorf("absent component = %+v, want inert entry", info)
	}
}

func TestComputeUpdateMatrixStageGating(t *testing.T) {
	doc := testDoc()
	rs := &doc.Rulesets[3]
	rs.EnableUpdate = map[string]confdoc.StageRange{
		"rootfs_release": {Start: "RUNIN", End: "FA"},
	}
	components := map[string]string{"rootfs_release": "00000000"}

	for _, tt := range []struct {
		stage string
		want  bool
	}{
		{"SMT", false},
		{"RUNIN", true},
		{"FA", true},
		{"GRT", false},
		{"", false},
	} {
		dut := Descriptor{"sn": "SN999", "stage": tt.stage}
		matrix, err := ComputeUpdateMatrix(doc, rs, dut, components, "http://host")
		if err != nil {
			t.Fatalf("stage %q: %v", tt.stage, err)
		}
		if got := matrix["rootfs_release"].NeedsUpdate; got != tt.want {
			t.Errorf("stage %q: needs_update = %v, want %v", tt.stage, got, tt.want)
		}
	}
}

func TestComputeUpdateMatrixUnknownComponent(t *testing.T) {
	doc := testDoc()
	rs := &doc.Rulesets[3]

	_, err := ComputeUpdateMatrix(doc, rs, Descriptor{}, map[string]string{"warp_core": "x"}, "http://host")
	if err == nil || !strings.Contains(err.Error(), "unknown component") {
		t.Errorf("err = %v, want unknown component", err)
	}
}
