package api

import (
	"fmt"
	"strconv"
	"strings"
)

// String formats d as an extended PCI bus id (00000000:41:00.4).
func (d PciDevice) String() string {
	return fmt.Sprintf("%08x:%02x:%02x.%x", d.Domain, d.Bus, d.Device, d.Function)
}

// ParsePciDevice parses "domain:bus:device.function" or "bus:device.function"
// with hexadecimal components. The domain may be 4 or 8 digits wide.
func ParsePciDevice(s string) (PciDevice, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	parts := strings.Split(raw, ":")
	var domain string
	switch len(parts) {
	case 2:
		domain = "0"
	case 3:
		domain = parts[0]
		parts = parts[1:]
	default:
		return PciDevice{}, Errorf(StatusBadParam, "parse pci address", "%q is not domain:bus:device.function", s)
	}
	devFn := strings.Split(parts[1], ".")
	if len(devFn) != 2 {
		return PciDevice{}, Errorf(StatusBadParam, "parse pci address", "%q lacks a function number", s)
	}
	fields := []struct {
		name  string
		value string
		max   uint64
	}{
		{"domain", domain, 0xffffffff},
		{"bus", parts[0], 0xff},
		{"device", devFn[0], 0x1f},
		{"function", devFn[1], 0x7},
	}
	var out [4]uint32
	for i, f := range fields {
		if f.value == "" {
			return PciDevice{}, Errorf(StatusBadParam, "parse pci address", "%q has an empty %s", s, f.name)
		}
		v, err := strconv.ParseUint(f.value, 16, 32)
		if err != nil || v > f.max {
			return PciDevice{}, Errorf(StatusBadParam, "parse pci address", "%q has an invalid %s", s, f.name)
		}
		out[i] = uint32(v)
	}
	return PciDevice{Domain: out[0], Bus: out[1], Device: out[2], Function: out[3]}, nil
}
