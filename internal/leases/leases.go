// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package leases reads the DHCP server's lease table. The table is an
// external artifact (dnsmasq format); flowmeter only ever reads it.
package leases

import (
	"bufio"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"grimm.is/flowmeter/internal/logging"
	"grimm.is/flowmeter/internal/netutil"
)

// Lease is one row of the DHCP lease table.
type Lease struct {
	Expiry   time.Time
	MAC      string
	IP       string
	Hostname string
}

// FileSource reads dnsmasq-format lease files: one lease per line,
// "expiry mac ip hostname clientid", whitespace separated. The file is
// re-read on every call so each cycle sees the current table.
type FileSource struct {
	path   string
	logger *logging.Logger
}

// NewFileSource creates a lease source for the given file path.
func NewFileSource(path string, logger *logging.Logger) *FileSource {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	return &FileSource{path: path, logger: logger}
}

// Leases parses the lease file. Malformed lines are logged and skipped;
// only a completely unreadable file is an error.
func (s *FileSource) Leases() ([]Lease, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []Lease
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			s.logger.Warn("Skipping malformed lease line", "line", line)
			continue
		}

		mac, ok := netutil.NormalizeMAC(fields[1])
		if !ok {
			s.logger.Warn("Skipping lease with invalid MAC", "mac", fields[1])
			continue
		}
		if net.ParseIP(fields[2]) == nil {
			s.logger.Warn("Skipping lease with invalid IP", "ip", fields[2])
			continue
		}

		lease := Lease{MAC: mac, IP: fields[2], Hostname: fields[3]}
		if epoch, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			lease.Expiry = time.Unix(epoch, 0)
		}
		out = append(out, lease)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Addresses returns the unique IPv4 addresses currently leased. It
// implements the rule synchronizer's lease source.
func (s *FileSource) Addresses() ([]string, error) {
	all, err := s.Leases()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(all))
	var out []string
	for _, l := range all {
		ip := net.ParseIP(l.IP)
		if ip == nil || ip.To4() == nil {
			continue
		}
		key := ip.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}
