// Package config loads the coordinator's runtime settings from viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings holds every tunable the coordinator core reads. All of them
// have defaults, so a missing config file yields a working configuration.
type Settings struct {
	// ListenAddr is the address the coordinator's HTTP server binds to.
	ListenAddr string
	// WSPath is the WebSocket upgrade path for station/app sessions.
	WSPath string

	// HeartbeatInterval is the liveness sweep cadence; connections due
	// for a check but inside the timeout get a ping.
	HeartbeatInterval time.Duration
	// ConnectionTimeout is the idle age after which a connection is
	// force-closed and its station marked offline.
	ConnectionTimeout time.Duration

	// MonitorInterval is the health-probe tick cadence.
	MonitorInterval time.Duration
	// ProbeTimeout bounds one HTTP health probe.
	ProbeTimeout time.Duration
	// MaxConsecutiveFailures is how many probe failures in a row flip a
	// station offline.
	MaxConsecutiveFailures int
	// ProbePort is the port the station node's health endpoint listens on.
	ProbePort int
	// ProbeTransport is an optional transport config string for probes
	// that must reach stations through a tunnel. Empty means direct.
	ProbeTransport string

	// AckTimeout is how long the dispatcher waits for a sync ack before
	// resending.
	AckTimeout time.Duration
	// MaxRetries bounds resends of one sync message.
	MaxRetries int
}

// SetDefaults registers the default value for every settings key.
// Call once before reading the config file.
func SetDefaults() {
	viper.SetDefault("server.listen_addr", ":8080")
	viper.SetDefault("server.ws_path", "/ws")

	viper.SetDefault("heartbeat.interval", "30s")
	viper.SetDefault("heartbeat.timeout", "60s")

	viper.SetDefault("monitor.interval", "30s")
	viper.SetDefault("monitor.probe_timeout", "5s")
	viper.SetDefault("monitor.max_failures", 3)
	viper.SetDefault("monitor.probe_port", 3001)
	viper.SetDefault("monitor.transport", "")

	viper.SetDefault("sync.ack_timeout", "10s")
	viper.SetDefault("sync.max_retries", 3)
}

// Load reads the settings out of viper and validates them.
func Load() (*Settings, error) {
	s := &Settings{
		ListenAddr:             viper.GetString("server.listen_addr"),
		WSPath:                 viper.GetString("server.ws_path"),
		HeartbeatInterval:      viper.GetDuration("heartbeat.interval"),
		ConnectionTimeout:      viper.GetDuration("heartbeat.timeout"),
		MonitorInterval:        viper.GetDuration("monitor.interval"),
		ProbeTimeout:           viper.GetDuration("monitor.probe_timeout"),
		MaxConsecutiveFailures: viper.GetInt("monitor.max_failures"),
		ProbePort:              viper.GetInt("monitor.probe_port"),
		ProbeTransport:         viper.GetString("monitor.transport"),
		AckTimeout:             viper.GetDuration("sync.ack_timeout"),
		MaxRetries:             viper.GetInt("sync.max_retries"),
	}

	if s.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat.interval must be positive, got %v", s.HeartbeatInterval)
	}
	if s.ConnectionTimeout <= s.HeartbeatInterval {
		return nil, fmt.Errorf("heartbeat.timeout (%v) must exceed heartbeat.interval (%v)",
			s.ConnectionTimeout, s.HeartbeatInterval)
	}
	if s.MonitorInterval <= 0 {
		return nil, fmt.Errorf("monitor.interval must be positive, got %v", s.MonitorInterval)
	}
	if s.ProbeTimeout <= 0 || s.ProbeTimeout >= s.MonitorInterval {
		return nil, fmt.Errorf("monitor.probe_timeout (%v) must be positive and below monitor.interval (%v)",
			s.ProbeTimeout, s.MonitorInterval)
	}
	if s.MaxConsecutiveFailures < 1 {
		return nil, fmt.Errorf("monitor.max_failures must be at least 1, got %d", s.MaxConsecutiveFailures)
	}
	if s.MaxRetries < 0 {
		return nil, fmt.Errorf("sync.max_retries must not be negative, got %d", s.MaxRetries)
	}

	return s, nil
}
