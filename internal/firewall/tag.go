// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package firewall

import (
	"net"
	"strings"
)

// tagNamespace marks rules owned by flowmeter. Rules without it are
// someone else's and are never touched.
const tagNamespace = "tm"

// tagSep cannot appear in a dotted IPv4 address, so splitting is
// unambiguous.
const tagSep = ":"

// EncodeTag builds the identity tag stored in a counter rule's user
// data, e.g. "tm:10.0.0.5:in".
func EncodeTag(addr string, dir Direction) string {
	return tagNamespace + tagSep + addr + tagSep + dir.String()
}

// DecodeTag recovers the device address and direction from a rule tag.
// It returns ok=false for tags outside our namespace or in any way
// malformed; callers treat those rules as foreign and skip them.
func DecodeTag(tag string) (addr string, dir Direction, ok bool) {
	parts := strings.Split(tag, tagSep)
	if len(parts) != 3 || parts[0] != tagNamespace {
		return "", 0, false
	}
	ip := net.ParseIP(parts[1])
	if ip == nil || ip.To4() == nil {
		return "", 0, false
	}
	dir, ok = ParseDirection(parts[2])
	if !ok {
		return "", 0, false
	}
	return parts[1], dir, true
}
