// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netutil

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// canonical six-octet colon-separated form, e.g. aa:bb:cc:dd:ee:ff
var macRe = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// NormalizeMAC parses a candidate MAC string and returns its canonical
// lowercase colon-separated form. Anything that is not a six-octet
// hardware address is rejected, including EUI-64 and dash-separated
// values a neighbor cache may hand back.
func NormalizeMAC(s string) (string, bool) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", false
	}
	return FormatMAC(hw), true
}

// ValidMAC reports whether s already is a canonical six-octet MAC.
func ValidMAC(s string) bool {
	return macRe.MatchString(s)
}

// FormatMAC renders a six-byte hardware address in canonical form.
// Returns "" for any other length.
func FormatMAC(mac []byte) string {
	if len(mac) != 6 {
		return ""
	}
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// MACKey converts a canonical MAC to the form used in state keys and
// bus topics, replacing colons so the value is safe as a path segment.
func MACKey(mac string) string {
	return strings.ReplaceAll(mac, ":", "-")
}
