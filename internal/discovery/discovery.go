// Package discovery walks an address range, dials each candidate with
// a short timeout, and hands back the hosts that answered so the
// identifier can take over.
package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
)

// Candidate is one address that accepted a TCP connection on the
// Modbus port during a scan.
type Candidate struct {
	Host string
	Port uint16
}

// Scanner walks address ranges looking for reachable Modbus/TCP
// endpoints.
type Scanner struct {
	timeout     time.Duration
	concurrency int
}

// New returns a Scanner that gives up on a single host after timeout
// and probes at most concurrency hosts at once.
func New(timeout time.Duration, concurrency int) *Scanner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scanner{timeout: timeout, concurrency: concurrency}
}

// ScanHosts dials host:port for every host in hosts and returns the
// ones that accepted a connection within the scanner's timeout.
// Unreachable hosts are silently excluded, not treated as an error —
// the whole point of a scan is that most addresses won't answer.
func (s *Scanner) ScanHosts(ctx context.Context, hosts []string, port uint16) []Candidate {
	results := make(chan Candidate, len(hosts))

	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.concurrency)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			defer func() { <-sem }()

			if s.probe(gctx, host, port) {
				results <- Candidate{Host: host, Port: port}
			}
			return nil
		})
	}

	// Scan failures are per-host timeouts, not fatal; errgroup is used
	// here purely for bounded concurrency; Wait's error is always nil
	// since probe never returns one.
	_ = g.Wait()
	close(results)

	found := make([]Candidate, 0, len(results))
	for c := range results {
		found = append(found, c)
	}
	return found
}

func (s *Scanner) probe(ctx context.Context, host string, port uint16) bool {
	dialer := net.Dialer{Timeout: s.timeout}
	addr := fmt.Sprintf("%s:%d", host, port)

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ExpandRange produces the dotted-quad hosts between first and last
// inclusive (both must be IPv4 in the same /24, which covers every
// known_ips/ip_addresses use in practice).
func ExpandRange(first, last net.IP) ([]string, error) {
	f, l := first.To4(), last.To4()
	if f == nil || l == nil {
		return nil, fmt.Errorf("discovery: %v-%v is not an IPv4 range", first, last)
	}
	if f[0] != l[0] || f[1] != l[1] || f[2] != l[2] {
		return nil, fmt.Errorf("discovery: %v-%v spans more than one /24", first, last)
	}
	if f[3] > l[3] {
		return nil, fmt.Errorf("discovery: range start %v is after end %v", first, last)
	}

	hosts := make([]string, 0, int(l[3]-f[3])+1)
	for b := f[3]; ; b++ {
		hosts = append(hosts, net.IPv4(f[0], f[1], f[2], b).String())
		if b == l[3] {
			break
		}
	}
	return hosts, nil
}
