package config

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Endpoint is the backend's host and port, shared by reference between the
// supervisor (the only writer, on start) and readers such as the health
// waiter and the control API.
type Endpoint struct {
	mu   sync.RWMutex
	host string
	port int
}

// NewEndpoint returns an endpoint seeded from the configured defaults.
func NewEndpoint(host string, port int) *Endpoint {
	return &Endpoint{host: host, port: port}
}

// EndpointFrom builds an endpoint from the server section of cfg.
func EndpointFrom(cfg Config) *Endpoint {
	return NewEndpoint(cfg.Server.Host, cfg.Server.Port)
}

// Host returns the bind host. It never changes.
func (e *Endpoint) Host() string {
	return e.host
}

// Port returns the current port.
func (e *Endpoint) Port() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.port
}

// SetPort records the port the backend was actually started on.
func (e *Endpoint) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	e.mu.Lock()
	e.port = port
	e.mu.Unlock()
	return nil
}

// Addr returns host:port.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.Port()))
}

// URL returns the backend's base URL.
func (e *Endpoint) URL() string {
	return "http://" + e.Addr()
}
