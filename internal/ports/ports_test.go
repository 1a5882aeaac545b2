package ports

import (
	"errors"
	"net"
	"testing"
)

const loopback = "127.0.0.1"

func TestFindAvailablePortSkipsBoundPort(t *testing.T) {
	// Bind to a random port to make it unavailable
	l, err := net.Listen("tcp", loopback+":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	blocked := l.Addr().(*net.TCPAddr).Port
	if blocked >= MaxPort {
		t.Skip("kernel handed out the last port")
	}

	got, err := FindAvailablePort(blocked, loopback, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got < blocked+1 || got > blocked+9 {
		t.Errorf("expected port in [%d, %d], got %d", blocked+1, blocked+9, got)
	}
}

func TestFindAvailablePortReturnsPreferredWhenFree(t *testing.T) {
	l, err := net.Listen("tcp", loopback+":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	free := l.Addr().(*net.TCPAddr).Port
	l.Close()

	got, err := FindAvailablePort(free, loopback, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != free {
		t.Errorf("expected %d, got %d", free, got)
	}
}

func TestFindAvailablePortAllBound(t *testing.T) {
	l, err := net.Listen("tcp", loopback+":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	blocked := l.Addr().(*net.TCPAddr).Port

	_, err = FindAvailablePort(blocked, loopback, 1)
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Errorf("expected ErrNoPortAvailable, got %v", err)
	}
}

func TestFindAvailablePortStopsAtMaxPort(t *testing.T) {
	l, err := net.Listen("tcp", loopback+":65535")
	if err != nil {
		t.Skip("port 65535 not bindable here")
	}
	defer l.Close()

	_, err = FindAvailablePort(MaxPort, loopback, 5)
	if !errors.Is(err, ErrNoPortAvailable) {
		t.Errorf("expected ErrNoPortAvailable past 65535, got %v", err)
	}
}

func TestFindAvailablePortInvalidInput(t *testing.T) {
	for _, p := range []int{0, -1, 70000} {
		if _, err := FindAvailablePort(p, loopback, 3); err == nil {
			t.Errorf("expected error for preferred port %d", p)
		}
	}
}

func TestIsPortAvailable(t *testing.T) {
	l, err := net.Listen("tcp", loopback+":0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	if IsPortAvailable(loopback, port) {
		t.Errorf("port %d should be busy", port)
	}
	l.Close()
	if !IsPortAvailable(loopback, port) {
		t.Errorf("port %d should be free after close", port)
	}
	if IsPortAvailable(loopback, 0) {
		t.Error("port 0 should never be reported available")
	}
}
