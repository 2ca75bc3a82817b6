package fabricd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/fabricd/api"
)

const (
	// DefaultListen is the session listen address.
	DefaultListen = ":6666"
	// DefaultListenProto selects TCP sessions.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen disables the Prometheus endpoint.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof endpoint.
	DefaultPprofListen = ""
	// DefaultTopologyPath is where fabric discovery writes the topology.
	DefaultTopologyPath = "/var/run/fabricd/topology.yaml"
	// DefaultTopologyWait bounds how long startup waits for the topology file.
	// Zero waits forever.
	DefaultTopologyWait = time.Duration(0)
	// DefaultMaxSessions caps concurrent client sessions.
	DefaultMaxSessions = 256
	// DefaultSessionIdleTimeout closes sessions without traffic.
	DefaultSessionIdleTimeout = 30 * time.Minute
	// DefaultHelloTimeout bounds the wait for a new session's hello.
	DefaultHelloTimeout = 5 * time.Second
	// DefaultOperationTimeout bounds a single partition transition on the daemon.
	DefaultOperationTimeout = 60 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file looked up in the config dir.
	DefaultConfigFileName = "config.yaml"
	// DefaultGuardFailureThreshold is the number of failed hellos before a host is blocked.
	DefaultGuardFailureThreshold = 5
	// DefaultGuardFailureWindow is the rolling window for failed hellos.
	DefaultGuardFailureWindow = 30 * time.Second
	// DefaultGuardBlockDuration controls how long a host remains blocked.
	DefaultGuardBlockDuration = 5 * time.Minute
	// DefaultGuardProbeTimeout bounds the wait for the first byte of a session.
	DefaultGuardProbeTimeout = 250 * time.Millisecond
)

// Config captures the daemon configuration.
type Config struct {
	Listen      string
	ListenProto string

	// TopologyPath is the YAML fabric topology. The daemon answers
	// NOT_CONFIGURED until the file exists and is valid.
	TopologyPath string
	TopologyWait time.Duration
	// RestartMode starts in resiliency-restart mode.
	RestartMode bool
	// SimTrainDelay is spent by the simulated driver on every link transition.
	SimTrainDelay time.Duration

	MaxSessions        int
	SessionIdleTimeout time.Duration
	HelloTimeout       time.Duration
	OperationTimeout   time.Duration

	GuardDisabled         bool
	GuardFailureThreshold int
	GuardFailureWindow    time.Duration
	GuardBlockDuration    time.Duration
	GuardProbeTimeout     time.Duration

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
}

// Validate fills defaults and checks the configuration.
func (c *Config) Validate() error {
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if strings.TrimSpace(c.Listen) == "" {
			c.Listen = DefaultListen
		}
	case "unix":
		if strings.TrimSpace(c.Listen) == "" {
			return fmt.Errorf("config: unix listen requires a socket path")
		}
		if len(c.Listen) >= api.MaxStrLength {
			return fmt.Errorf("config: unix socket path exceeds %d bytes", api.MaxStrLength-1)
		}
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if strings.TrimSpace(c.TopologyPath) == "" {
		c.TopologyPath = DefaultTopologyPath
	}
	if c.TopologyWait < 0 {
		return fmt.Errorf("config: topology wait must be >= 0")
	}
	if c.SimTrainDelay < 0 {
		return fmt.Errorf("config: sim train delay must be >= 0")
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = DefaultMaxSessions
	} else if c.MaxSessions < 0 {
		return fmt.Errorf("config: max sessions must be >= 0")
	}
	if c.SessionIdleTimeout == 0 {
		c.SessionIdleTimeout = DefaultSessionIdleTimeout
	} else if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("config: session idle timeout must be >= 0")
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = DefaultHelloTimeout
	}
	if c.OperationTimeout == 0 {
		c.OperationTimeout = DefaultOperationTimeout
	} else if c.OperationTimeout < 0 {
		return fmt.Errorf("config: operation timeout must be >= 0")
	}
	if c.GuardFailureThreshold == 0 {
		c.GuardFailureThreshold = DefaultGuardFailureThreshold
	} else if c.GuardFailureThreshold < 0 {
		return fmt.Errorf("config: guard failure threshold must be >= 0")
	}
	if c.GuardFailureWindow <= 0 {
		c.GuardFailureWindow = DefaultGuardFailureWindow
	}
	if c.GuardBlockDuration <= 0 {
		c.GuardBlockDuration = DefaultGuardBlockDuration
	}
	if c.GuardProbeTimeout == 0 {
		c.GuardProbeTimeout = DefaultGuardProbeTimeout
	} else if c.GuardProbeTimeout < 0 {
		return fmt.Errorf("config: guard probe timeout must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.fabricd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("FABRICD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".fabricd"), nil
}
