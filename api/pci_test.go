package api

import "testing"

func TestParsePciDevice(t *testing.T) {
	cases := []struct {
		in      string
		want    PciDevice
		wantErr bool
	}{
		{in: "00000000:07:00.0", want: PciDevice{Bus: 7}},
		{in: "0000:41:1f.7", want: PciDevice{Bus: 0x41, Device: 0x1f, Function: 7}},
		{in: "c1:00.1", want: PciDevice{Bus: 0xc1, Function: 1}},
		{in: " 0001:C1:02.3 ", want: PciDevice{Domain: 1, Bus: 0xc1, Device: 2, Function: 3}},
		{in: "", wantErr: true},
		{in: "0000:07:00", wantErr: true},
		{in: "0000:107:00.0", wantErr: true},
		{in: "0000:07:20.0", wantErr: true},
		{in: "0000:07:00.8", wantErr: true},
		{in: "a:b:c:d.0", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParsePciDevice(tc.in)
		if tc.wantErr {
			if StatusOf(err) != StatusBadParam {
				t.Errorf("%q: expected bad param, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %#v, want %#v", tc.in, got, tc.want)
		}
	}
}

func TestPciDeviceString(t *testing.T) {
	d := PciDevice{Bus: 0x41, Device: 0, Function: 4}
	if d.String() != "00000000:41:00.4" {
		t.Fatalf("unexpected %q", d.String())
	}
	back, err := ParsePciDevice(d.String())
	if err != nil || back != d {
		t.Fatalf("round trip failed: %v %#v", err, back)
	}
}
