package server

import (
	"fmt"
	"net"
)

// DefaultPort is where the API listens unless configured otherwise.
const DefaultPort = 8787

// isPortAvailable checks if a port is available for binding
func isPortAvailable(port int) bool {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = listener.Close() // best-effort check, the real bind follows
	return true
}

// findAvailablePort tries the requested port first, then up to 10
// alternatives above it. Port 0 asks the kernel for any free port.
func findAvailablePort(requestedPort int) (int, error) {
	if requestedPort == 0 || isPortAvailable(requestedPort) {
		return requestedPort, nil
	}
	for port := requestedPort + 1; port <= requestedPort+10; port++ {
		if isPortAvailable(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available port found in range %d-%d", requestedPort, requestedPort+10)
}
