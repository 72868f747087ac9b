package instrumentd

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultSendTimeout bounds a send when the caller supplies none.
	DefaultSendTimeout = 5 * time.Second
	// DefaultPingTimeout bounds the initial liveness check. It is longer than
	// the send default because a legitimate first connection can take several
	// seconds of instrument setup.
	DefaultPingTimeout = 15 * time.Second
	// DefaultShutdownGrace is how long Release waits for an orderly worker
	// exit before force-terminating it.
	DefaultShutdownGrace = 5 * time.Second
	// DefaultConnectAttempts bounds instrument connect retries in the worker.
	DefaultConnectAttempts = 3
	// DefaultConnectBackoff is the fixed pause between worker connect attempts.
	DefaultConnectBackoff = 2 * time.Second
	// DefaultMaxMessageBytes bounds a single envelope on the broker/worker pipe.
	DefaultMaxMessageBytes = 4 << 20
	// DefaultProfilesFileName is the conventional profiles file name.
	DefaultProfilesFileName = "profiles.yaml"
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof listener (empty disables).
	DefaultPprofListen = ""
)

// Config describes one broker instance and the worker it manages.
type Config struct {
	// Target is the opaque instrument address handed to the worker's
	// connector. Required unless Mock is set.
	Target string
	// Profile names a settings profile in the profiles file. Profile
	// settings are applied by the worker right after connecting.
	Profile string
	// ProfilesPath locates the YAML profiles file. Required when Profile is
	// set.
	ProfilesPath string
	// Mock replaces the instrument connection with the deterministic
	// stand-in; the worker then runs in-process.
	Mock bool

	// SendTimeout is the per-send default (0 selects DefaultSendTimeout).
	SendTimeout time.Duration
	// PingTimeout bounds the acquire-time liveness check (0 selects default).
	PingTimeout time.Duration
	// ShutdownGrace bounds orderly worker shutdown (0 selects default).
	ShutdownGrace time.Duration
	// ConnectAttempts bounds worker connect retries (0 selects default).
	ConnectAttempts int
	// ConnectBackoff is the pause between connect retries (0 selects default).
	ConnectBackoff time.Duration
	// MaxMessageBytes bounds a single envelope (0 selects default).
	MaxMessageBytes int64

	// WorkerBinary overrides the worker executable (empty re-executes the
	// current binary with WorkerArgs).
	WorkerBinary string
	// WorkerArgs overrides the argument vector for the worker process.
	WorkerArgs []string

	// MetricsListen enables a Prometheus scrape endpoint when non-empty.
	MetricsListen string
	// PprofListen enables debug/pprof endpoints when non-empty.
	PprofListen string
	// OTLPEndpoint enables OTLP trace export when non-empty.
	OTLPEndpoint string
}

// Validate checks the configuration and applies defaults in place.
func (c *Config) Validate() error {
	if !c.Mock && strings.TrimSpace(c.Target) == "" {
		return fmt.Errorf("config: target required unless mock mode is enabled")
	}
	if c.Profile != "" && strings.TrimSpace(c.ProfilesPath) == "" {
		return fmt.Errorf("config: profile %q requires a profiles path", c.Profile)
	}
	if c.SendTimeout < 0 || c.PingTimeout < 0 || c.ShutdownGrace < 0 || c.ConnectBackoff < 0 {
		return fmt.Errorf("config: negative durations are not allowed")
	}
	if c.ConnectAttempts < 0 {
		return fmt.Errorf("config: negative connect attempts")
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ConnectAttempts == 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	if c.ConnectBackoff == 0 {
		c.ConnectBackoff = DefaultConnectBackoff
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	return nil
}

// Profiles maps profile names to instrument settings applied after connect.
type Profiles map[string]map[string]any

// LoadProfiles reads a YAML profiles file.
//
// Format:
//
//	tunneling:
//	  gain: 2.5
//	  mode: constant-current
//	spectroscopy:
//	  gain: 1.0
func LoadProfiles(path string) (Profiles, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles %s: %w", path, err)
	}
	var profiles Profiles
	if err := yaml.Unmarshal(raw, &profiles); err != nil {
		return nil, fmt.Errorf("config: parse profiles %s: %w", path, err)
	}
	return profiles, nil
}

// Names returns the profile names in sorted order.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveProfile loads and returns the configured profile's settings. An
// empty Profile resolves to nil settings without touching the filesystem.
func (c *Config) ResolveProfile() (map[string]any, error) {
	if c.Profile == "" {
		return nil, nil
	}
	profiles, err := LoadProfiles(c.ProfilesPath)
	if err != nil {
		return nil, err
	}
	settings, ok := profiles[c.Profile]
	if !ok {
		return nil, fmt.Errorf("config: profiles %s: no profile %q (available: %s)",
			c.ProfilesPath, c.Profile, strings.Join(profiles.Names(), ", "))
	}
	return settings, nil
}
