package portutil

import "testing"

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort() failed: %v", err)
	}

	if port <= 0 || port > 65535 {
		t.Errorf("AllocatePort() returned invalid port: %d", port)
	}
}

func TestAllocatePortUniqueness(t *testing.T) {
	// Allocate multiple ports and ensure they're different
	ports := make(map[int]bool)
	for i := 0; i < 10; i++ {
		port, err := AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort() failed on iteration %d: %v", i, err)
		}
		if ports[port] {
			t.Errorf("AllocatePort() returned duplicate port: %d", port)
		}
		ports[port] = true
	}
}
