// Package deploy owns the active config pointer: a symlink in the conf
// directory naming the config resource currently in force. Activation is a
// symlink swap via rename, so readers always see either the old or the new
// config, never a torn one.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"umpired/pkg/bus"
	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

// ActiveConfigName is the symlink in conf/ pointing at the deployed config
// resource.
const ActiveConfigName = "active_umpire.json"

// ErrNoActiveConfig is returned before the first deployment.
var ErrNoActiveConfig = errors.New("no active config")

// Reconciler brings running services in line with a deployed document.
type Reconciler interface {
	Reconcile(ctx context.Context, doc *confdoc.Document) []error
}

// Manager serializes deployments and resolves the active config.
type Manager struct {
	store   *resstore.Store
	confDir string
	sup     Reconciler
	bus     *bus.Bus
	logger  *log.Logger

	mu sync.Mutex
}

// NewManager creates the conf directory if needed. sup and b may be nil.
func NewManager(store *resstore.Store, confDir string, sup Reconciler, b *bus.Bus, logger *log.Logger) (*Manager, error) {
	if err := os.MkdirAll(confDir, 0o755); err != nil {
		return nil, fmt.Errorf("create conf dir: %w", err)
	}
	return &Manager{store: store, confDir: confDir, sup: sup, bus: b, logger: logger}, nil
}

// ActivePath returns the path of the active config symlink.
func (m *Manager) ActivePath() string {
	return filepath.Join(m.confDir, ActiveConfigName)
}

// ActiveConfigID returns the resource id the active symlink points at.
func (m *Manager) ActiveConfigID() (string, error) {
	target, err := os.Readlink(m.ActivePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoActiveConfig
		}
		return "", fmt.Errorf("read active config link: %w", err)
	}
	return filepath.Base(target), nil
}

// GetActiveConfig returns the raw bytes of the active config.
func (m *Manager) GetActiveConfig() ([]byte, error) {
	blob, err := os.ReadFile(m.ActivePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoActiveConfig
		}
		return nil, fmt.Errorf("read active config: %w", err)
	}
	return blob, nil
}

// ActiveDocument parses the active config.
func (m *Manager) ActiveDocument() (*confdoc.Document, error) {
	blob, err := m.GetActiveConfig()
	if err != nil {
		return nil, err
	}
	return confdoc.Load(blob)
}

// Bootstrap installs blob as the active config when none is deployed yet and
// returns the active config id either way. It does not reconcile services;
// the daemon does that once at startup.
func (m *Manager) Bootstrap(blob []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, err := m.ActiveConfigID(); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNoActiveConfig) {
		return "", err
	}

	if _, err := confdoc.Load(blob); err != nil {
		return "", err
	}
	id, err := m.store.AddConfig(blob, "umpire")
	if err != nil {
		return "", err
	}
	if err := m.swap(id); err != nil {
		return "", err
	}
	return id, nil
}

// Result describes a finished deployment.
type Result struct {
	ConfigID      string   `json:"config_id"`
	Diff          []string `json:"diff,omitempty"`
	ServiceErrors []string `json:"service_errors,omitempty"`
}

// Deploy validates and activates the config resource with the given id.
// Validation failures leave the previous config in force. Once the symlink is
// swapped the deployment is final: service reconciliation errors are reported
// in the Result but do not roll the config back, so a partial service failure
// leaves the new config active with some services on old settings until the
// operator fixes and redeploys.
func (m *Manager) Deploy(ctx context.Context, candidateID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	blob, err := m.store.ReadResource(candidateID)
	if err != nil {
		return nil, err
	}
	doc, err := confdoc.Load(blob)
	if err != nil {
		return nil, err
	}
	if err := doc.ValidateResources(m.store); err != nil {
		return nil, err
	}

	var diff []string
	if prev, err := m.ActiveDocument(); err == nil {
		diff = confdoc.Diff(prev, doc)
	} else if !errors.Is(err, ErrNoActiveConfig) {
		return nil, err
	}

	if err := m.swap(candidateID); err != nil {
		return nil, err
	}

	result := &Result{ConfigID: candidateID, Diff: diff}
	if m.sup != nil {
		for _, serr := range m.sup.Reconcile(ctx, doc) {
			if m.logger != nil {
				m.logger.Printf("ERROR service reconcile after deploy of %s: %v", candidateID, serr)
			}
			result.ServiceErrors = append(result.ServiceErrors, serr.Error())
		}
	}

	if err := m.bus.Publish(ctx, bus.SubjectConfigDeployed, map[string]any{
		"config_id":   candidateID,
		"diff":        diff,
		"deployed_at": time.Now().UTC().Format(time.RFC3339),
	}); err != nil && m.logger != nil {
		m.logger.Printf("ERROR publish deploy event: %v", err)
	}
	if m.logger != nil {
		m.logger.Printf("INFO deployed config %s (%d changes, %d service errors)",
			candidateID, len(diff), len(result.ServiceErrors))
	}
	return result, nil
}

// swap atomically repoints the active symlink at the config resource.
func (m *Manager) swap(configID string) error {
	target, err := m.store.GetResourcePath(configID, true)
	if err != nil {
		return err
	}

	tmp := filepath.Join(m.confDir, ".active-"+resstore.BlobHash([]byte(configID)))
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("stage active config link: %w", err)
	}
	if err := os.Rename(tmp, m.ActivePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("activate config: %w", err)
	}
	return nil
}
