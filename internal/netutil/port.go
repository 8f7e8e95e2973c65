// Package netutil has small networking helpers used by tests.
package netutil

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort grabs a free TCP port on localhost. The port is
// released again before returning, so a racing process could still claim it.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("resolving localhost:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
