package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"umpired/pkg/render"
	"umpired/services/umpired/internal/confdoc"
)

func newSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "resources"), 0o755); err != nil {
		t.Fatalf("mkdir resources: %v", err)
	}
	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	s, err := New(base, filepath.Join(base, "resources"), 8089, renderer, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Shutdown)
	return s
}

func docWithServices(services map[string]string) *confdoc.Document {
	doc := &confdoc.Document{Services: make(map[string]json.RawMessage)}
	for name, blob := range services {
		doc.Services[name] = json.RawMessage(blob)
	}
	return doc
}

func TestReconcileTFTPLifecycle(t *testing.T) {
	s := newSupervisor(t)
	doc := docWithServices(map[string]string{
		ServiceTFTP: `{"address": "127.0.0.1:0", "timeout_seconds": 1}`,
	})

	if errs := s.Reconcile(context.Background(), doc); len(errs) != 0 {
		t.Fatalf("Reconcile: %v", errs)
	}
	if got := s.Running(); len(got) != 1 || got[0] != ServiceTFTP {
		t.Errorf("Running = %v", got)
	}

	// Runtime config is persisted under its content hash.
	matches, err := filepath.Glob(filepath.Join(s.confDir, "tftp-*.conf"))
	if err != nil || len(matches) != 1 {
		t.Errorf("runtime config files = %v (err %v)", matches, err)
	}

	// Unchanged settings reconcile to a no-op.
	if errs := s.Reconcile(context.Background(), doc); len(errs) != 0 {
		t.Fatalf("second Reconcile: %v", errs)
	}
	matches, _ = filepath.Glob(filepath.Join(s.confDir, "tftp-*.conf"))
	if len(matches) != 1 {
		t.Errorf("config files after no-op reconcile = %v", matches)
	}

	// Changed settings produce a new hash-keyed config.
	changed := docWithServices(map[string]string{
		ServiceTFTP: `{"address": "127.0.0.1:0", "timeout_seconds": 2}`,
	})
	if errs := s.Reconcile(context.Background(), changed); len(errs) != 0 {
		t.Fatalf("Reconcile changed: %v", errs)
	}
	matches, _ = filepath.Glob(filepath.Join(s.confDir, "tftp-*.conf"))
	if len(matches) != 2 {
		t.Errorf("config files after change = %v", matches)
	}

	// Dropping the block stops the service.
	if errs := s.Reconcile(context.Background(), docWithServices(nil)); len(errs) != 0 {
		t.Fatalf("Reconcile empty: %v", errs)
	}
	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running after drop = %v", got)
	}
}

func TestReconcileInactiveBlock(t *testing.T) {
	s := newSupervisor(t)
	doc := docWithServices(map[string]string{
		ServiceTFTP: `{"active": false, "address": "127.0.0.1:0"}`,
	})
	if errs := s.Reconcile(context.Background(), doc); len(errs) != 0 {
		t.Fatalf("Reconcile: %v", errs)
	}
	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running = %v, want none", got)
	}
}

func TestReconcileUnknownService(t *testing.T) {
	s := newSupervisor(t)
	doc := docWithServices(map[string]string{"warp_drive": `{}`})

	errs := s.Reconcile(context.Background(), doc)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "unknown service") {
		t.Errorf("errs = %v", errs)
	}
}

func TestReconcileBadSettingsIsBestEffort(t *testing.T) {
	s := newSupervisor(t)
	doc := docWithServices(map[string]string{
		ServiceDHCP: `{"interface": "", "server_ip": "not-an-ip"}`,
		ServiceTFTP: `{"address": "127.0.0.1:0"}`,
	})

	errs := s.Reconcile(context.Background(), doc)
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly the dhcp failure", errs)
	}
	if got := s.Running(); len(got) != 1 || got[0] != ServiceTFTP {
		t.Errorf("Running = %v, want tftp despite dhcp failure", got)
	}
}

func TestReconcileDropsInstanceWhenStopFails(t *testing.T) {
	s := newSupervisor(t)
	s.mu.Lock()
	s.services[ServiceTFTP] = &instance{
		hash: "stale",
		stop: func() error { return errors.New("stuck process") },
	}
	s.mu.Unlock()

	doc := docWithServices(map[string]string{
		ServiceTFTP: `{"address": "127.0.0.1:0"}`,
	})
	errs := s.Reconcile(context.Background(), doc)
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "stuck process") {
		t.Fatalf("errs = %v, want the stop failure", errs)
	}
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("Running = %v, want stale instance dropped", got)
	}

	// With the stale instance gone the next reconcile starts cleanly.
	if errs := s.Reconcile(context.Background(), doc); len(errs) != 0 {
		t.Fatalf("second Reconcile: %v", errs)
	}
	if got := s.Running(); len(got) != 1 || got[0] != ServiceTFTP {
		t.Errorf("Running = %v", got)
	}
}

func TestManualStartStop(t *testing.T) {
	s := newSupervisor(t)
	doc := docWithServices(map[string]string{
		ServiceTFTP: `{"address": "127.0.0.1:0"}`,
	})

	if errs := s.Start(doc, []string{ServiceTFTP}); len(errs) != 0 {
		t.Fatalf("Start: %v", errs)
	}
	if got := s.Running(); len(got) != 1 {
		t.Errorf("Running = %v", got)
	}

	if errs := s.Stop([]string{ServiceTFTP}); len(errs) != 0 {
		t.Fatalf("Stop: %v", errs)
	}
	if got := s.Running(); len(got) != 0 {
		t.Errorf("Running after stop = %v", got)
	}

	// Stopping a stopped service is fine; unknown names are not.
	if errs := s.Stop([]string{ServiceTFTP}); len(errs) != 0 {
		t.Errorf("Stop idle: %v", errs)
	}
	if errs := s.Stop([]string{"warp_drive"}); len(errs) != 1 {
		t.Errorf("Stop unknown = %v", errs)
	}
	if errs := s.Start(doc, []string{ServiceHTTP}); len(errs) != 1 ||
		!strings.Contains(errs[0].Error(), "not configured") {
		t.Errorf("Start unconfigured = %v", errs)
	}
}

func TestNewReapsStalePidFiles(t *testing.T) {
	base := t.TempDir()
	runDir := filepath.Join(base, "run")
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		t.Fatalf("mkdir run: %v", err)
	}
	stale := filepath.Join(runDir, "http.pid")
	if err := os.WriteFile(stale, []byte("999999999\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	if _, err := New(base, filepath.Join(base, "resources"), 8089, renderer, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale pid file not removed")
	}
}
