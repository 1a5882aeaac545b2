package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// MaxPort is the highest valid TCP port.
const MaxPort = 65535

// ErrNoPortAvailable is returned when every probed port is taken.
var ErrNoPortAvailable = errors.New("no available port")

// IsPortAvailable checks if host:port can be bound right now.
func IsPortAvailable(host string, port int) bool {
	if port < 1 || port > MaxPort {
		return false
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	listener.Close()
	return true
}

// FindAvailablePort probes preferred, preferred+1, ... on host and returns
// the first port that binds. At most maxAttempts ports are tried and the
// search never walks past 65535.
//
// The probe listener is released before returning, so another process may
// grab the port before the caller uses it. That race is accepted here.
func FindAvailablePort(preferred int, host string, maxAttempts int) (int, error) {
	if preferred < 1 || preferred > MaxPort {
		return 0, fmt.Errorf("invalid preferred port %d", preferred)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for i := 0; i < maxAttempts; i++ {
		port := preferred + i
		if port > MaxPort {
			return 0, fmt.Errorf("%w: ran past %d starting at %d", ErrNoPortAvailable, MaxPort, preferred)
		}
		if IsPortAvailable(host, port) {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: tried %d-%d on %s", ErrNoPortAvailable, preferred, preferred+maxAttempts-1, host)
}

// ProcessOnPort returns the PID of the process listening on the given port,
// or 0 when nothing is found. Useful for explaining why a port is busy, e.g.
// a backend left over from a previous session.
func ProcessOnPort(ctx context.Context, port int) (int32, error) {
	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return 0, fmt.Errorf("list connections: %w", err)
	}
	for _, c := range conns {
		if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) && c.Pid > 0 {
			return c.Pid, nil
		}
	}
	return 0, nil
}
