// Package discovery finds attendance terminals on the local networks by
// opening a protocol session with every host on the device port.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/zk"
)

// MaxHosts bounds a single scan. Networks larger than a /22 are refused.
const MaxHosts = 1024

// Found is one host that answered the connect handshake.
type Found struct {
	Host         string         `json:"host"`
	Port         int            `json:"port"`
	Info         *zk.DeviceInfo `json:"info,omitempty"`
	AuthRequired bool           `json:"auth_required,omitempty"`
}

// Scanner probes hosts for terminals.
type Scanner struct {
	Port        int
	Password    string
	Timeout     time.Duration
	Concurrency int

	dial   zk.DialFunc
	logger *logrus.Logger
}

// NewScanner returns a scanner for the default device port.
func NewScanner(logger *logrus.Logger, dial zk.DialFunc) *Scanner {
	if dial == nil {
		dial = zk.NetDial
	}
	return &Scanner{
		Port:        zk.DefaultPort,
		Timeout:     2 * time.Second,
		Concurrency: 50,
		dial:        dial,
		logger:      logger,
	}
}

// Scan probes every host of the networks and returns the terminals found,
// ordered by address.
func (s *Scanner) Scan(ctx context.Context, networks []*net.IPNet) ([]Found, error) {
	var hosts []string
	for _, n := range networks {
		h, err := Hosts(n)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h...)
	}

	s.logger.WithFields(logrus.Fields{
		"hosts": len(hosts),
		"port":  s.Port,
	}).Info("Scanning for attendance devices")

	var (
		mu    sync.Mutex
		found []Found
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, max(s.Concurrency, 1))

	for _, host := range hosts {
		if ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return sortFound(found), fmt.Errorf("%w: %v", zk.ErrCancelled, err)
		}
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			if f, ok := s.Probe(ctx, host); ok {
				mu.Lock()
				found = append(found, f)
				mu.Unlock()
			}
		}(host)
	}
	wg.Wait()

	return sortFound(found), nil
}

// Probe connects to one host. A host that answers but rejects the password
// is still reported, with AuthRequired set.
func (s *Scanner) Probe(ctx context.Context, host string) (Found, bool) {
	f := Found{Host: host, Port: s.Port}
	params := zk.Params{Host: host, Port: s.Port, Password: s.Password, Timeout: s.Timeout}

	dialCtx, cancel := context.WithTimeout(ctx, 2*s.Timeout)
	defer cancel()

	sess, err := zk.Dial(dialCtx, params, zk.WithDialer(s.dial), zk.WithLogger(s.logger))
	if err != nil {
		if errors.Is(err, zk.ErrAuthenticationFailed) {
			f.AuthRequired = true
			s.logger.WithField("host", host).Info("Found device that needs a password")
			return f, true
		}
		return f, false
	}
	defer sess.Disconnect()

	info, err := sess.GetDeviceInfo(dialCtx)
	if err != nil {
		s.logger.WithError(err).WithField("host", host).Debug("Device info unavailable")
	}
	f.Info = info

	s.logger.WithField("host", host).Info("Found device")
	return f, true
}

// Hosts lists the usable IPv4 addresses of a network, without the network
// and broadcast addresses for prefixes shorter than /31.
func Hosts(network *net.IPNet) ([]string, error) {
	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("%s is not an IPv4 network", network)
	}
	ones, bits := network.Mask.Size()
	size := 1 << uint(bits-ones)
	if size > MaxHosts {
		return nil, fmt.Errorf("%s has %d addresses, scans are limited to %d", network, size, MaxHosts)
	}

	base := ip4.Mask(network.Mask)
	hosts := make([]string, 0, size)
	for i := 0; i < size; i++ {
		if size > 2 && (i == 0 || i == size-1) {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, base)
		n := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
		n += uint32(i)
		ip[0], ip[1], ip[2], ip[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
		hosts = append(hosts, ip.String())
	}
	return hosts, nil
}

// LocalNetworks returns the IPv4 networks of the interfaces that are up,
// skipping loopback.
func LocalNetworks() ([]*net.IPNet, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var networks []*net.IPNet
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				networks = append(networks, ipnet)
			}
		}
	}
	return networks, nil
}

func sortFound(found []Found) []Found {
	sort.Slice(found, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(found[i].Host).To4(), net.ParseIP(found[j].Host).To4()) < 0
	})
	return found
}
