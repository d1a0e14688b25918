package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

type fakeReconciler struct {
	docs []*confdoc.Document
	errs []error
}

func (f *fakeReconciler) Reconcile(ctx context.Context, doc *confdoc.Document) []error {
	f.docs = append(f.docs, doc)
	return f.errs
}

func setup(t *testing.T) (*resstore.Store, *Manager, *fakeReconciler) {
	t.Helper()
	base := t.TempDir()
	store, err := resstore.Open(filepath.Join(base, "resources"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	rec := &fakeReconciler{}
	m, err := NewManager(store, filepath.Join(base, "conf"), rec, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return store, m, rec
}

func addConfig(t *testing.T, store *resstore.Store, doc *confdoc.Document) string {
	t.Helper()
	blob, err := doc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	id, err := store.AddConfig(blob, "umpire")
	if err != nil {
		t.Fatalf("AddConfig: %v", err)
	}
	return id
}

func docWithPayload(t *testing.T, store *resstore.Store, bundleID, content string) *confdoc.Document {
	t.Helper()
	src := filepath.Join(t.TempDir(), "hwid.gz")
	if err := os.WriteFile(src, []byte(content), 0o644); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	res, err := store.AddResource(src)
	if err != nil {
		t.Fatalf("AddResource: %v", err)
	}
	return &confdoc.Document{
		Bundles:  []confdoc.Bundle{{ID: bundleID, Resources: map[string]string{"hwid": res}}},
		Rulesets: []confdoc.Ruleset{{BundleID: bundleID, Active: true}},
	}
}

func TestBootstrapAndActive(t *testing.T) {
	store, m, _ := setup(t)

	if _, err := m.GetActiveConfig(); !errors.Is(err, ErrNoActiveConfig) {
		t.Errorf("GetActiveConfig before bootstrap = %v, want ErrNoActiveConfig", err)
	}

	doc := docWithPayload(t, store, "b1", "hwid v1")
	blob, _ := doc.Marshal()
	id, err := m.Bootstrap(blob)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	activeID, err := m.ActiveConfigID()
	if err != nil {
		t.Fatalf("ActiveConfigID: %v", err)
	}
	if activeID != id {
		t.Errorf("active id = %q, want %q", activeID, id)
	}

	// Second bootstrap keeps the deployed config.
	other := docWithPayload(t, store, "b2", "hwid v2")
	otherBlob, _ := other.Marshal()
	again, err := m.Bootstrap(otherBlob)
	if err != nil {
		t.Fatalf("Bootstrap again: %v", err)
	}
	if again != id {
		t.Errorf("bootstrap replaced active config: %q", again)
	}
}

func TestDeploy(t *testing.T) {
	store, m, rec := setup(t)

	first := docWithPayload(t, store, "b1", "hwid v1")
	firstBlob, _ := first.Marshal()
	if _, err := m.Bootstrap(firstBlob); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	next := first.Clone()
	next.Bundles = append(next.Bundles, docWithPayload(t, store, "b2", "hwid v2").Bundles[0])
	next.Rulesets = append([]confdoc.Ruleset{{BundleID: "b2", Active: true}}, next.Rulesets...)
	candidate := addConfig(t, store, next)

	result, err := m.Deploy(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if result.ConfigID != candidate {
		t.Errorf("result config id = %q", result.ConfigID)
	}
	if len(result.Diff) == 0 {
		t.Error("deploy reported empty diff")
	}
	if len(rec.docs) != 1 {
		t.Fatalf("reconciler called %d times, want 1", len(rec.docs))
	}
	if _, ok := rec.docs[0].GetBundle("b2"); !ok {
		t.Error("reconciler saw stale document")
	}

	active, err := m.ActiveDocument()
	if err != nil {
		t.Fatalf("ActiveDocument: %v", err)
	}
	def, err := active.GetDefaultBundle()
	if err != nil {
		t.Fatalf("GetDefaultBundle: %v", err)
	}
	if def.ID != "b2" {
		t.Errorf("default bundle after deploy = %q", def.ID)
	}
}

func TestDeployRejectsMissingResources(t *testing.T) {
	store, m, rec := setup(t)

	first := docWithPayload(t, store, "b1", "hwid v1")
	firstBlob, _ := first.Marshal()
	if _, err := m.Bootstrap(firstBlob); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	before, _ := m.ActiveConfigID()

	broken := first.Clone()
	broken.Bundles[0].Resources["firmware"] = "firmware.gz##deadbeef"
	candidate := addConfig(t, store, broken)

	_, err := m.Deploy(context.Background(), candidate)
	var verr *confdoc.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(rec.docs) != 0 {
		t.Error("reconciler ran for rejected deploy")
	}

	after, _ := m.ActiveConfigID()
	if after != before {
		t.Errorf("active config changed from %q to %q on failed deploy", before, after)
	}
}

func TestDeployKeepsConfigOnServiceErrors(t *testing.T) {
	store, m, rec := setup(t)
	rec.errs = []error{errors.New("nginx failed to start")}

	first := docWithPayload(t, store, "b1", "hwid v1")
	firstBlob, _ := first.Marshal()
	if _, err := m.Bootstrap(firstBlob); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	next := docWithPayload(t, store, "b2", "hwid v2")
	candidate := addConfig(t, store, next)

	result, err := m.Deploy(context.Background(), candidate)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if len(result.ServiceErrors) != 1 {
		t.Errorf("service errors = %v", result.ServiceErrors)
	}

	// No rollback: the new config stays active despite the service failure.
	active, err := m.ActiveConfigID()
	if err != nil {
		t.Fatalf("ActiveConfigID: %v", err)
	}
	if active != candidate {
		t.Errorf("active = %q, want %q", active, candidate)
	}
}

func TestDeployUnknownCandidate(t *testing.T) {
	_, m, _ := setup(t)
	if _, err := m.Deploy(context.Background(), "umpire.json##deadbeef"); !errors.Is(err, resstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
