package supervisor

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
)

// DHCPSettings is the "dhcp" service block of the config document. The
// embedded server leases addresses to DUTs on the factory subnet and points
// netbooting machines at the TFTP service.
type DHCPSettings struct {
	Active       *bool  `json:"active,omitempty"`
	Interface    string `json:"interface"`
	ServerIP     string `json:"server_ip"`
	Netmask      string `json:"netmask"`
	Router       string `json:"router,omitempty"`
	RangeStart   string `json:"range_start"`
	RangeEnd     string `json:"range_end"`
	BootFile     string `json:"boot_file,omitempty"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

type dhcpService struct {
	settings  DHCPSettings
	serverIP  net.IP
	netmask   net.IPMask
	router    net.IP
	leaseTime time.Duration
	logger    *log.Logger

	mu      sync.Mutex
	leases  map[string]dhcpLease
	nextIP  net.IP
	startIP net.IP
	endIP   net.IP
}

type dhcpLease struct {
	ip        net.IP
	expiresAt time.Time
}

func newDHCPService(settings DHCPSettings, logger *log.Logger) (*dhcpService, error) {
	if settings.Interface == "" {
		return nil, fmt.Errorf("dhcp: interface is required")
	}
	serverIP := net.ParseIP(settings.ServerIP)
	if serverIP == nil {
		return nil, fmt.Errorf("dhcp: invalid server_ip %q", settings.ServerIP)
	}
	maskIP := net.ParseIP(settings.Netmask)
	if maskIP == nil || maskIP.To4() == nil {
		return nil, fmt.Errorf("dhcp: invalid netmask %q", settings.Netmask)
	}
	start := net.ParseIP(settings.RangeStart)
	end := net.ParseIP(settings.RangeEnd)
	if start == nil || end == nil || compareIP(start.To4(), end.To4()) > 0 {
		return nil, fmt.Errorf("dhcp: invalid lease range %q..%q", settings.RangeStart, settings.RangeEnd)
	}
	var router net.IP
	if settings.Router != "" {
		if router = net.ParseIP(settings.Router); router == nil {
			return nil, fmt.Errorf("dhcp: invalid router %q", settings.Router)
		}
	}
	leaseTime := time.Duration(settings.LeaseSeconds) * time.Second
	if leaseTime <= 0 {
		leaseTime = 10 * time.Minute
	}

	return &dhcpService{
		settings:  settings,
		serverIP:  serverIP,
		netmask:   net.IPMask(maskIP.To4()),
		router:    router,
		leaseTime: leaseTime,
		logger:    logger,
		leases:    make(map[string]dhcpLease),
		startIP:   start.To4(),
		endIP:     end.To4(),
		nextIP:    start.To4(),
	}, nil
}

func (s *dhcpService) run(ctx context.Context) error {
	srv, err := server4.NewServer(s.settings.Interface, nil, s.handle)
	if err != nil {
		return fmt.Errorf("dhcp listen on %s: %w", s.settings.Interface, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dhcp serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		srv.Close()
		<-errCh
		return nil
	}
}

func (s *dhcpService) handle(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		s.respond(conn, peer, req, dhcpv4.MessageTypeOffer)
	case dhcpv4.MessageTypeRequest:
		s.respond(conn, peer, req, dhcpv4.MessageTypeAck)
	case dhcpv4.MessageTypeRelease:
		s.release(req.ClientHWAddr.String())
	default:
	}
}

func (s *dhcpService) respond(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType) {
	mac := req.ClientHWAddr.String()
	ip := s.assign(mac)
	if ip == nil {
		s.logger.Printf("WARN dhcp: no available lease for %s", mac)
		return
	}

	reply, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		s.logger.Printf("ERROR dhcp: create reply: %v", err)
		return
	}
	reply.UpdateOption(dhcpv4.OptMessageType(msgType))
	reply.YourIPAddr = ip
	reply.ServerIPAddr = s.serverIP
	reply.BootFileName = s.settings.BootFile
	reply.Options.Update(dhcpv4.OptServerIdentifier(s.serverIP))
	reply.Options.Update(dhcpv4.OptSubnetMask(s.netmask))
	if s.router != nil {
		reply.Options.Update(dhcpv4.OptRouter(s.router))
	}
	reply.Options.Update(dhcpv4.OptIPAddressLeaseTime(s.leaseTime))
	if s.settings.BootFile != "" {
		reply.Options.Update(dhcpv4.OptTFTPServerName(s.serverIP.String()))
	}

	if _, err := conn.WriteTo(reply.ToBytes(), peer); err != nil {
		s.logger.Printf("ERROR dhcp: send %s to %s: %v", msgType, mac, err)
	}
}

func (s *dhcpService) assign(mac string) net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[mac]; ok && lease.expiresAt.After(time.Now()) {
		return lease.ip
	}

	for ip := cloneIP(s.nextIP); compareIP(ip, s.endIP) <= 0; ip = incrementIP(ip) {
		if !s.isAllocated(ip) {
			s.leases[mac] = dhcpLease{ip: ip, expiresAt: time.Now().Add(s.leaseTime)}
			s.nextIP = incrementIP(ip)
			return ip
		}
	}
	for ip := cloneIP(s.startIP); compareIP(ip, s.endIP) <= 0; ip = incrementIP(ip) {
		if !s.isAllocated(ip) {
			s.leases[mac] = dhcpLease{ip: ip, expiresAt: time.Now().Add(s.leaseTime)}
			s.nextIP = incrementIP(ip)
			return ip
		}
	}
	return nil
}

func (s *dhcpService) release(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, mac)
}

func (s *dhcpService) isAllocated(ip net.IP) bool {
	for _, lease := range s.leases {
		if lease.expiresAt.After(time.Now()) && ip.Equal(lease.ip) {
			return true
		}
	}
	return false
}

func cloneIP(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

func incrementIP(ip net.IP) net.IP {
	res := cloneIP(ip)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			break
		}
	}
	return res
}

func compareIP(a, b net.IP) int {
	aa := a.To4()
	bb := b.To4()
	if aa == nil || bb == nil {
		return 0
	}
	for i := range aa {
		if aa[i] < bb[i] {
			return -1
		}
		if aa[i] > bb[i] {
			return 1
		}
	}
	return 0
}
