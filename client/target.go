package client

import (
	"net"
	"strconv"
	"strings"

	"pkt.systems/fabricd/api"
)

// Target is a resolved daemon address.
type Target struct {
	Network string // "tcp" or "unix"
	Address string
}

func (t Target) String() string {
	return t.Network + "://" + t.Address
}

// ParseTarget resolves the address of a connect parameter block. TCP targets
// are "host" (default port 6666), "host:port" or "[v6addr]:port". Unix
// targets are socket paths taken verbatim.
func ParseTarget(address string, unixSocket bool) (Target, error) {
	const op = "connect"
	if address == "" {
		return Target{}, api.NewError(api.StatusBadParam, op, "empty target")
	}
	if len(address) >= api.MaxStrLength {
		return Target{}, api.Errorf(api.StatusBadParam, op, "target exceeds %d bytes", api.MaxStrLength-1)
	}
	if strings.IndexByte(address, 0) >= 0 {
		return Target{}, api.NewError(api.StatusBadParam, op, "target contains NUL")
	}
	if unixSocket {
		return Target{Network: "unix", Address: address}, nil
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return Target{}, api.NewError(api.StatusBadParam, op, "empty target")
	}

	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// A bare IPv6 address carries colons but no port.
		bare := address
		if strings.HasPrefix(bare, "[") && strings.HasSuffix(bare, "]") {
			bare = bare[1 : len(bare)-1]
		}
		if ip := net.ParseIP(bare); ip != nil {
			return Target{Network: "tcp", Address: net.JoinHostPort(ip.String(), strconv.Itoa(api.DefaultPort))}, nil
		}
		if strings.ContainsAny(address, ":[]") {
			return Target{}, api.Errorf(api.StatusBadParam, op, "malformed target %q", address)
		}
		return Target{Network: "tcp", Address: net.JoinHostPort(address, strconv.Itoa(api.DefaultPort))}, nil
	}
	if host == "" {
		return Target{}, api.Errorf(api.StatusBadParam, op, "target %q has no host", address)
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil || n == 0 {
		return Target{}, api.Errorf(api.StatusBadParam, op, "target %q has invalid port", address)
	}
	return Target{Network: "tcp", Address: net.JoinHostPort(host, port)}, nil
}
