// Package portutil provides small TCP port helpers shared by the port
// scanner and the zombie reaper.
package portutil

import (
	"net"
	"strconv"
	"time"
)

// IsListening reports whether something accepts TCP connections on
// host:port within timeout.
func IsListening(host string, port int, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Range enumerates the ports of [lo, hi] inclusive.
func Range(lo, hi int) []int {
	if hi < lo {
		return nil
	}
	out := make([]int, 0, hi-lo+1)
	for port := lo; port <= hi; port++ {
		out = append(out, port)
	}
	return out
}
