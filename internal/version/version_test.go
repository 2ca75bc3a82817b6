package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	cases := []struct {
		name     string
		settings []debug.BuildSetting
		want     string
	}{
		{"missing", nil, ""},
		{"clean", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
		}, "v0.0.0-20260304050607-0123456789ab"},
		{"dirty", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc"},
			{Key: "vcs.time", Value: "2026-03-04T05:06:07Z"},
			{Key: "vcs.modified", Value: "true"},
		}, "v0.0.0-20260304050607-abc+dirty"},
		{"bad time", []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc"},
			{Key: "vcs.time", Value: "yesterday"},
		}, ""},
	}
	for _, tc := range cases {
		if got := pseudoVersion(tc.settings); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	buildVersion = "v1.2.3"
	t.Cleanup(func() { buildVersion = prev })
	if Current() != "v1.2.3" {
		t.Fatalf("unexpected version %q", Current())
	}
	if String() != Module()+" v1.2.3" {
		t.Fatalf("unexpected string %q", String())
	}
}
