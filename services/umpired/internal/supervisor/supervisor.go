// Package supervisor keeps the daemon's side services (nginx frontend,
// embedded DHCP and TFTP) in line with the deployed config document. Each
// service instance is keyed by the content hash of its runtime configuration:
// a redeploy only touches services whose settings actually changed.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"umpired/pkg/render"
	"umpired/services/umpired/internal/confdoc"
	"umpired/services/umpired/internal/resstore"
)

// ServiceHTTP, ServiceDHCP and ServiceTFTP are the service names recognized
// in a config document's services block.
const (
	ServiceHTTP = "http"
	ServiceDHCP = "dhcp"
	ServiceTFTP = "tftp"
)

var knownServices = []string{ServiceHTTP, ServiceDHCP, ServiceTFTP}

// HTTPSettings is the "http" service block: the nginx frontend that serves
// resources and reverse-proxies everything else to the RPC listener.
type HTTPSettings struct {
	Active         *bool          `json:"active,omitempty"`
	Port           int            `json:"port,omitempty"`
	ReverseProxies []ReverseProxy `json:"reverse_proxies,omitempty"`
}

// ReverseProxy forwards one URL prefix to an external upstream, such as a
// shopfloor proxy service.
type ReverseProxy struct {
	Location string `json:"location"`
	Upstream string `json:"upstream"`
}

// Supervisor owns the running service instances.
type Supervisor struct {
	confDir      string
	runDir       string
	logDir       string
	resourcesDir string
	rpcPort      int
	renderer     *render.Engine
	logger       *log.Logger

	mu       sync.Mutex
	services map[string]*instance
}

type instance struct {
	hash string
	stop func() error
}

// New prepares the conf/run/log directories and reaps service processes left
// over from a previous daemon run.
func New(baseDir, resourcesDir string, rpcPort int, renderer *render.Engine, logger *log.Logger) (*Supervisor, error) {
	s := &Supervisor{
		confDir:      filepath.Join(baseDir, "conf"),
		runDir:       filepath.Join(baseDir, "run"),
		logDir:       filepath.Join(baseDir, "log"),
		resourcesDir: resourcesDir,
		rpcPort:      rpcPort,
		renderer:     renderer,
		logger:       logger,
		services:     make(map[string]*instance),
	}
	for _, dir := range []string{s.confDir, s.runDir, s.logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	killStale(s.runDir, logger)
	return s, nil
}

// Reconcile brings running services in line with the document. Every service
// is handled independently and best-effort: one failure does not stop the
// others from being reconciled. All failures are returned.
func (s *Supervisor) Reconcile(ctx context.Context, doc *confdoc.Document) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	desired := make(map[string]bool)
	for _, name := range knownServices {
		raw, ok := doc.Services[name]
		if !ok {
			continue
		}
		active, err := s.applyLocked(name, raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
			continue
		}
		if active {
			desired[name] = true
		}
	}

	for name := range doc.Services {
		if !isKnownService(name) {
			errs = append(errs, fmt.Errorf("unknown service %q in config", name))
		}
	}

	for name, inst := range s.services {
		if desired[name] {
			continue
		}
		if err := inst.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
		}
		delete(s.services, name)
		s.logger.Printf("INFO stopped service %s", name)
	}
	return errs
}

// Start starts (or restarts with current settings) the named services from
// the document.
func (s *Supervisor) Start(doc *confdoc.Document, names []string) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if !isKnownService(name) {
			errs = append(errs, fmt.Errorf("unknown service %q", name))
			continue
		}
		raw, ok := doc.Services[name]
		if !ok {
			errs = append(errs, fmt.Errorf("service %s not configured", name))
			continue
		}
		if _, err := s.applyLocked(name, raw); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", name, err))
		}
	}
	return errs
}

// Stop stops the named services. Stopping a service that is not running is
// not an error.
func (s *Supervisor) Stop(names []string) []error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if !isKnownService(name) {
			errs = append(errs, fmt.Errorf("unknown service %q", name))
			continue
		}
		inst, ok := s.services[name]
		if !ok {
			continue
		}
		if err := inst.stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop service %s: %w", name, err))
			continue
		}
		delete(s.services, name)
		s.logger.Printf("INFO stopped service %s", name)
	}
	return errs
}

// Running lists the names of running services.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.services))
	for _, name := range knownServices {
		if _, ok := s.services[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Shutdown stops every running service.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, inst := range s.services {
		if err := inst.stop(); err != nil {
			s.logger.Printf("ERROR stop service %s: %v", name, err)
		}
		delete(s.services, name)
	}
}

// applyLocked starts or replaces one service from its raw settings block.
// It reports whether the service is desired (active) after the call.
func (s *Supervisor) applyLocked(name string, raw json.RawMessage) (bool, error) {
	plan, err := s.plan(name, raw)
	if err != nil {
		return false, err
	}
	if plan == nil {
		return false, nil
	}

	if cur, ok := s.services[name]; ok {
		if cur.hash == plan.hash {
			return true, nil
		}
		// Drop the instance even when stopping fails, so the next reconcile
		// starts fresh instead of comparing against a half-stopped process.
		err := cur.stop()
		delete(s.services, name)
		if err != nil {
			return true, fmt.Errorf("stop for config change: %w", err)
		}
	}

	inst, err := plan.start()
	if err != nil {
		return true, err
	}
	s.services[name] = inst
	s.logger.Printf("INFO started service %s (config %s)", name, plan.hash)
	return true, nil
}

type servicePlan struct {
	hash  string
	start func() (*instance, error)
}

// plan computes a service's runtime configuration, writes the hash-keyed
// config file under conf/, and returns how to start it. A nil plan means the
// service is configured inactive.
func (s *Supervisor) plan(name string, raw json.RawMessage) (*servicePlan, error) {
	switch name {
	case ServiceHTTP:
		var settings HTTPSettings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if !isActive(settings.Active) {
			return nil, nil
		}
		if settings.Port == 0 {
			settings.Port = 8080
		}
		conf, err := s.renderer.Render("nginx.conf.tmpl", map[string]any{
			"PidFile":        filepath.Join(s.runDir, "nginx-inner.pid"),
			"ErrorLog":       filepath.Join(s.logDir, "nginx-error.log"),
			"AccessLog":      filepath.Join(s.logDir, "nginx-access.log"),
			"Port":           settings.Port,
			"ResourcesDir":   s.resourcesDir,
			"ReverseProxies": settings.ReverseProxies,
			"RPCPort":        s.rpcPort,
		})
		if err != nil {
			return nil, fmt.Errorf("render nginx config: %w", err)
		}
		hash := resstore.BlobHash([]byte(conf))
		confPath, err := s.writeRuntimeConfig(name, hash, []byte(conf))
		if err != nil {
			return nil, err
		}
		return &servicePlan{hash: hash, start: func() (*instance, error) {
			p, err := startProc(name, "nginx", []string{"-c", confPath},
				filepath.Join(s.runDir, name+".pid"), s.logger)
			if err != nil {
				return nil, err
			}
			return &instance{hash: hash, stop: p.stop}, nil
		}}, nil

	case ServiceDHCP:
		var settings DHCPSettings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if !isActive(settings.Active) {
			return nil, nil
		}
		svc, err := newDHCPService(settings, s.logger)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(settings)
		if err != nil {
			return nil, err
		}
		hash := resstore.BlobHash(blob)
		if _, err := s.writeRuntimeConfig(name, hash, blob); err != nil {
			return nil, err
		}
		return &servicePlan{hash: hash, start: func() (*instance, error) {
			return runEmbedded(name, hash, svc.run), nil
		}}, nil

	case ServiceTFTP:
		var settings TFTPSettings
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
		if !isActive(settings.Active) {
			return nil, nil
		}
		svc, err := newTFTPService(settings, s.resourcesDir, s.logger)
		if err != nil {
			return nil, err
		}
		blob, err := json.Marshal(settings)
		if err != nil {
			return nil, err
		}
		hash := resstore.BlobHash(blob)
		if _, err := s.writeRuntimeConfig(name, hash, blob); err != nil {
			return nil, err
		}
		return &servicePlan{hash: hash, start: func() (*instance, error) {
			return runEmbedded(name, hash, svc.run), nil
		}}, nil
	}
	return nil, fmt.Errorf("unknown service %q", name)
}

// writeRuntimeConfig persists the service's effective configuration as
// conf/<service>-<hash>.conf. Older configs of the same service are kept for
// debugging a bad deploy.
func (s *Supervisor) writeRuntimeConfig(name, hash string, blob []byte) (string, error) {
	path := filepath.Join(s.confDir, fmt.Sprintf("%s-%s.conf", name, hash))
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return "", fmt.Errorf("write runtime config: %w", err)
	}
	return path, nil
}

// runEmbedded runs an in-process service loop and returns its instance. The
// stop function cancels the loop and waits for it to drain.
func runEmbedded(name, hash string, run func(context.Context) error) *instance {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx)
	}()

	stop := func() error {
		cancel()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-time.After(stopTimeout):
			return fmt.Errorf("%s did not stop in %s", name, stopTimeout)
		}
	}
	return &instance{hash: hash, stop: stop}
}

func isKnownService(name string) bool {
	for _, s := range knownServices {
		if s == name {
			return true
		}
	}
	return false
}

// isActive treats an absent "active" field as enabled; a service block's
// presence is the opt-in.
func isActive(b *bool) bool {
	return b == nil || *b
}
