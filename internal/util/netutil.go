package util

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
)

// CreateListener creates a net.Listener on the given TCP address. An
// address-in-use failure is reported so that IsAddrInUse recognises it.
func CreateListener(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported", network)
	}
	if address == "" {
		return nil, fmt.Errorf("listen address cannot be empty")
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s %s: %w", network, address, err)
	}
	return l, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) && errors.Is(sysErr.Err, syscall.EADDRINUSE) {
		return true
	}
	// net.OpError does not always carry a SyscallError on every platform.
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
