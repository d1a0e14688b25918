package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp"
)

// TFTPSettings is the "tftp" service block. The embedded server is read-only
// and serves netboot payloads straight out of the resource store unless a
// dedicated root_dir is configured.
type TFTPSettings struct {
	Active         *bool  `json:"active,omitempty"`
	Address        string `json:"address,omitempty"`
	RootDir        string `json:"root_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

type tftpService struct {
	settings TFTPSettings
	rootDir  string
	logger   *log.Logger
}

func newTFTPService(settings TFTPSettings, defaultRoot string, logger *log.Logger) (*tftpService, error) {
	root := settings.RootDir
	if root == "" {
		root = defaultRoot
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("tftp: root dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("tftp: root %q is not a directory", root)
	}
	return &tftpService{settings: settings, rootDir: root, logger: logger}, nil
}

func (s *tftpService) run(ctx context.Context) error {
	srv := tftp.NewServer(s.readHandler, nil)
	timeout := s.settings.TimeoutSeconds
	if timeout <= 0 {
		timeout = 5
	}
	srv.SetTimeout(time.Duration(timeout) * time.Second)

	addr := s.settings.Address
	if addr == "" {
		addr = ":69"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("tftp resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("tftp listen on %s: %w", addr, err)
	}

	done := make(chan struct{})
	go func() {
		srv.Serve(conn)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		srv.Shutdown()
		<-done
		return nil
	}
}

func (s *tftpService) readHandler(filename string, rf io.ReaderFrom) error {
	// Anchor the requested name under the root so relative components can
	// never resolve outside it.
	path := filepath.Join(s.rootDir, filepath.Clean("/"+filename))
	if !strings.HasPrefix(path, s.rootDir+string(filepath.Separator)) {
		return fmt.Errorf("invalid path %q", filename)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := rf.ReadFrom(f); err != nil {
		return err
	}
	s.logger.Printf("INFO tftp: served %s", filename)
	return nil
}
