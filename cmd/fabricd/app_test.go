package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pkt.systems/fabricd"
	"pkt.systems/pslog"
)

func TestInvocationTargetsRootCommand(t *testing.T) {
	resetViper(t)
	root := newRootCommand(pslog.NoopLogger())
	cases := []struct {
		name string
		args []string
		want bool
	}{
		{name: "no args", args: nil, want: true},
		{name: "root flag only", args: []string{"--listen", ":7000"}, want: true},
		{name: "root bool flag", args: []string{"--restart"}, want: true},
		{name: "root flag with equals", args: []string{"--topology=/tmp/topo.yaml"}, want: true},
		{name: "root shorthand with value", args: []string{"-c", "/tmp/cfg.yaml"}, want: true},
		{name: "subcommand", args: []string{"client", "list"}, want: false},
		{name: "subcommand alias", args: []string{"c", "list"}, want: false},
		{name: "subcommand after root flag", args: []string{"--config", "/tmp/cfg.yaml", "version"}, want: false},
		{name: "unknown shorthand no subcommand", args: []string{"-z"}, want: true},
		{name: "unknown long before subcommand", args: []string{"--bogus", "client", "list"}, want: false},
		{name: "stray positional", args: []string{"serve"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := invocationTargetsRootCommand(root, tc.args)
			if got != tc.want {
				t.Fatalf("invocationTargetsRootCommand(%v)=%v want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestBindConfigDefaults(t *testing.T) {
	resetViper(t)
	t.Setenv("FABRICD_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, shutdownTimeout, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Listen != fabricd.DefaultListen || cfg.ListenProto != "tcp" {
		t.Fatalf("unexpected listen %s %q", cfg.ListenProto, cfg.Listen)
	}
	if cfg.TopologyPath != fabricd.DefaultTopologyPath {
		t.Fatalf("unexpected topology path %q", cfg.TopologyPath)
	}
	if cfg.GuardDisabled {
		t.Fatalf("expected connection guard enabled by default")
	}
	if cfg.MaxSessions != fabricd.DefaultMaxSessions || cfg.OperationTimeout != fabricd.DefaultOperationTimeout {
		t.Fatalf("unexpected limits %+v", cfg)
	}
	if shutdownTimeout != fabricd.DefaultShutdownTimeout {
		t.Fatalf("unexpected shutdown timeout %s", shutdownTimeout)
	}
}

func TestBindConfigFromEnvAndFlags(t *testing.T) {
	resetViper(t)
	t.Setenv("FABRICD_MAX_SESSIONS", "8")
	t.Setenv("FABRICD_CONNGUARD_ENABLED", "false")
	t.Setenv("FABRICD_OPERATION_TIMEOUT", "90s")
	t.Setenv("FABRICD_LISTEN", ":7777")
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags([]string{"--listen", "127.0.0.1:6000", "--restart"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	cfg, _, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.Listen != "127.0.0.1:6000" {
		t.Fatalf("flag should win over env, got %q", cfg.Listen)
	}
	if !cfg.RestartMode {
		t.Fatalf("expected restart mode")
	}
	if cfg.MaxSessions != 8 {
		t.Fatalf("max sessions %d want 8", cfg.MaxSessions)
	}
	if !cfg.GuardDisabled {
		t.Fatalf("expected guard disabled from env")
	}
	if cfg.OperationTimeout != 90*time.Second {
		t.Fatalf("operation timeout %s want 90s", cfg.OperationTimeout)
	}
}

func TestBindConfigFromFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "fabricd.yaml")
	body := strings.Join([]string{
		"listen-proto: unix",
		"listen: " + filepath.Join(dir, "fabricd.sock"),
		"topology: " + filepath.Join(dir, "topology.yaml"),
		"hello-timeout: 2s",
		"shutdown-timeout: 3s",
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FABRICD_CONFIG", path)
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("load config file: %v", err)
	}
	if loaded != path {
		t.Fatalf("loaded %q want %q", loaded, path)
	}
	cfg, shutdownTimeout, err := bindConfig()
	if err != nil {
		t.Fatalf("bind config: %v", err)
	}
	if cfg.ListenProto != "unix" || cfg.Listen != filepath.Join(dir, "fabricd.sock") {
		t.Fatalf("unexpected listen %s %q", cfg.ListenProto, cfg.Listen)
	}
	if cfg.TopologyPath != filepath.Join(dir, "topology.yaml") {
		t.Fatalf("unexpected topology %q", cfg.TopologyPath)
	}
	if cfg.HelloTimeout != 2*time.Second || shutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected timeouts hello=%s shutdown=%s", cfg.HelloTimeout, shutdownTimeout)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	resetViper(t)
	t.Setenv("FABRICD_CONFIG_DIR", t.TempDir())
	t.Setenv("FABRICD_CONFIG", "")
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags(nil); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	loaded, err := loadConfigFile()
	if err != nil {
		t.Fatalf("missing default config should be ignored: %v", err)
	}
	if loaded != "" {
		t.Fatalf("expected no config file, got %q", loaded)
	}

	t.Setenv("FABRICD_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := loadConfigFile(); err == nil {
		t.Fatalf("expected error for explicit missing config")
	}
}

func TestBindConfigRejectsInvalid(t *testing.T) {
	resetViper(t)
	t.Setenv("FABRICD_CONFIG_DIR", t.TempDir())
	root := newRootCommand(pslog.NoopLogger())
	if err := root.ParseFlags([]string{"--listen-proto", "udp"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, _, err := bindConfig(); err == nil || !strings.Contains(err.Error(), "unsupported listen protocol") {
		t.Fatalf("expected listen protocol error, got %v", err)
	}
}

func TestRootRejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("FABRICD_CONFIG_DIR", t.TempDir())
	_, _, err := executeRootCommand(t, "--log-level", "chatty")
	if err == nil || !strings.Contains(err.Error(), "invalid log level") {
		t.Fatalf("expected log level error, got %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	t.Setenv("FABRICD_TEST_DIR", "/srv/fabric")
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "~", want: home},
		{in: "~/fabricd.sock", want: filepath.Join(home, "fabricd.sock")},
		{in: "$FABRICD_TEST_DIR/topology.yaml", want: "/srv/fabric/topology.yaml"},
		{in: "/var/run/../run/fabricd.sock", want: "/var/run/fabricd.sock"},
	}
	for _, tc := range cases {
		got, err := expandPath(tc.in)
		if err != nil {
			t.Fatalf("expandPath(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("expandPath(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
