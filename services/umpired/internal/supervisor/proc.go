package supervisor

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// A service exiting this soon after start counts against the restart
	// limit; slower exits reset the counter.
	restartWindow = 30 * time.Second
	maxRestarts   = 3
	stopTimeout   = 5 * time.Second
)

// proc supervises one external service process, restarting it when it exits
// unexpectedly. A process that keeps dying right after start is abandoned
// after maxRestarts attempts.
type proc struct {
	name    string
	bin     string
	args    []string
	pidFile string
	logger  *log.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	exited    chan struct{}
	exitErr   error
	stopping  bool
	restarts  int
	lastStart time.Time
}

func startProc(name, bin string, args []string, pidFile string, logger *log.Logger) (*proc, error) {
	p := &proc{name: name, bin: bin, args: args, pidFile: pidFile, logger: logger}
	p.mu.Lock()
	err := p.startLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	go p.monitor()
	return p, nil
}

func (p *proc) startLocked() error {
	cmd := exec.Command(p.bin, p.args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(exited)
	}()

	p.cmd = cmd
	p.exited = exited
	p.lastStart = time.Now()
	if err := os.WriteFile(p.pidFile, []byte(strconv.Itoa(cmd.Process.Pid)+"\n"), 0o644); err != nil {
		p.logger.Printf("WARN write pid file for %s: %v", p.name, err)
	}
	return nil
}

func (p *proc) monitor() {
	for {
		p.mu.Lock()
		exited := p.exited
		p.mu.Unlock()
		<-exited

		p.mu.Lock()
		if p.stopping {
			p.mu.Unlock()
			return
		}
		if time.Since(p.lastStart) < restartWindow {
			p.restarts++
		} else {
			p.restarts = 1
		}
		if p.restarts > maxRestarts {
			p.logger.Printf("ERROR %s exited (%v) and hit the restart limit, giving up", p.name, p.exitErr)
			p.mu.Unlock()
			return
		}
		p.logger.Printf("WARN %s exited (%v), restarting", p.name, p.exitErr)
		if err := p.startLocked(); err != nil {
			p.logger.Printf("ERROR restart %s: %v", p.name, err)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

// stop terminates the process, escalating to SIGKILL after stopTimeout.
func (p *proc) stop() error {
	p.mu.Lock()
	p.stopping = true
	cmd := p.cmd
	exited := p.exited
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-exited:
	default:
		_ = cmd.Process.Signal(unix.SIGTERM)
		select {
		case <-exited:
		case <-time.After(stopTimeout):
			_ = unix.Kill(cmd.Process.Pid, unix.SIGKILL)
			<-exited
		}
	}
	os.Remove(p.pidFile)
	return nil
}

// killStale terminates processes left behind by a previous daemon run, found
// through their pid files in runDir.
func killStale(runDir string, logger *log.Logger) {
	matches, err := filepath.Glob(filepath.Join(runDir, "*.pid"))
	if err != nil {
		return
	}
	for _, pidFile := range matches {
		data, err := os.ReadFile(pidFile)
		if err != nil {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil || pid <= 1 {
			os.Remove(pidFile)
			continue
		}
		if err := unix.Kill(pid, unix.SIGTERM); err == nil {
			logger.Printf("INFO terminated stale service process %d (%s)", pid, filepath.Base(pidFile))
		}
		os.Remove(pidFile)
	}
}
