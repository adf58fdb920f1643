package util

import "strings"

// NormalizeAddr returns addr trimmed, or fallback when addr is blank.
//
//	NormalizeAddr("",         "127.0.0.1") → "127.0.0.1"
//	NormalizeAddr(" 10.0.0.1", "127.0.0.1") → "10.0.0.1"
func NormalizeAddr(addr, fallback string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fallback
	}
	return addr
}
