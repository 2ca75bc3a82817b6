package client

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/fabricd/api"
)

func TestParseTarget(t *testing.T) {
	cases := []struct {
		name    string
		address string
		unix    bool
		want    Target
		wantErr bool
	}{
		{name: "host only", address: "10.0.0.5", want: Target{Network: "tcp", Address: "10.0.0.5:6666"}},
		{name: "hostname", address: "fm.local", want: Target{Network: "tcp", Address: "fm.local:6666"}},
		{name: "host and port", address: "10.0.0.5:7000", want: Target{Network: "tcp", Address: "10.0.0.5:7000"}},
		{name: "bracketed v6", address: "[::1]:7000", want: Target{Network: "tcp", Address: "[::1]:7000"}},
		{name: "bare v6", address: "fe80::1", want: Target{Network: "tcp", Address: "[fe80::1]:6666"}},
		{name: "bracketed v6 without port", address: "[::1]", want: Target{Network: "tcp", Address: "[::1]:6666"}},
		{name: "surrounding space", address: " 10.0.0.5 ", want: Target{Network: "tcp", Address: "10.0.0.5:6666"}},
		{name: "unix path", address: "/var/run/fabricd.sock", unix: true, want: Target{Network: "unix", Address: "/var/run/fabricd.sock"}},
		{name: "unix path kept verbatim", address: "rel/fm.sock", unix: true, want: Target{Network: "unix", Address: "rel/fm.sock"}},
		{name: "empty", address: "", wantErr: true},
		{name: "blank", address: "   ", wantErr: true},
		{name: "no host", address: ":6666", wantErr: true},
		{name: "zero port", address: "10.0.0.5:0", wantErr: true},
		{name: "port out of range", address: "10.0.0.5:70000", wantErr: true},
		{name: "named port", address: "10.0.0.5:http", wantErr: true},
		{name: "dangling bracket", address: "[::1", wantErr: true},
		{name: "nul byte", address: "10.0.0.5\x00", wantErr: true},
		{name: "too long", address: strings.Repeat("a", api.MaxStrLength), wantErr: true},
		{name: "unix too long", address: "/" + strings.Repeat("s", api.MaxStrLength), unix: true, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTarget(tc.address, tc.unix)
			if tc.wantErr {
				if !errors.Is(err, api.StatusBadParam) {
					t.Fatalf("expected bad_param, got %v (target %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.address, err)
			}
			if got != tc.want {
				t.Fatalf("parse %q: got %+v want %+v", tc.address, got, tc.want)
			}
		})
	}
}

func TestTargetString(t *testing.T) {
	if got := (Target{Network: "unix", Address: "/tmp/fm.sock"}).String(); got != "unix:///tmp/fm.sock" {
		t.Fatalf("unexpected string %q", got)
	}
}
