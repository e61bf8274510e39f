package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/bearing.relay/internal/cot"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
)

// DefaultConfigPath is the path to the canonical relay defaults file.
const DefaultConfigPath = "config/relay.defaults.json"

// Mesh drivers accepted in mesh_driver.
const (
	MeshDriverStream = "stream"
	MeshDriverText   = "text"
)

// RelayConfig is the on-disk relay configuration. Every field is optional;
// the Get* methods supply the default for anything left out, so a partial
// file only needs the values that differ from the deployment defaults.
type RelayConfig struct {
	// Endpoints
	DoAEndpoint *string `json:"doa_endpoint,omitempty"`
	SerialPort  *string `json:"serial_port,omitempty"`
	MeshDriver  *string `json:"mesh_driver,omitempty"`
	CoTEndpoint *string `json:"cot_endpoint,omitempty"`

	// Finding attributes
	FOVDegrees  *int    `json:"fov_degrees,omitempty"`
	RangeMeters *int    `json:"range_meters,omitempty"`
	ContactID   *string `json:"contact_id,omitempty"`
	UniqueID    *string `json:"unique_id,omitempty"`

	// Timing, as duration strings like "5s"
	StaleAfter        *string `json:"stale_after,omitempty"`
	PollInterval      *string `json:"poll_interval,omitempty"`
	SweepInterval     *string `json:"sweep_interval,omitempty"`
	HandshakeTimeout  *string `json:"handshake_timeout,omitempty"`
	HeartbeatInterval *string `json:"heartbeat_interval,omitempty"`

	ReconnectAttempts *int `json:"reconnect_attempts,omitempty"`

	// Sensor position
	Lat *float64 `json:"lat,omitempty"`
	Lon *float64 `json:"lon,omitempty"`
	CE  *float64 `json:"ce,omitempty"`
	HAE *float64 `json:"hae,omitempty"`
	LE  *float64 `json:"le,omitempty"`

	// Serial line settings
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRelayConfig returns a RelayConfig with all fields unset.
func EmptyRelayConfig() *RelayConfig {
	return &RelayConfig{}
}

// LoadRelayConfig loads a RelayConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRelayConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the current directory
// or a parent up to the repository root. Panics if the file cannot be
// loaded; intended for test setup.
func MustLoadDefaultConfig() *RelayConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,    // from cmd/
		"../../" + DefaultConfigPath, // from internal/config/ or cmd/bearing-relay/
	}
	for _, path := range candidates {
		if cfg, err := LoadRelayConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the fields that are set.
func (c *RelayConfig) Validate() error {
	if c.DoAEndpoint != nil {
		u, err := url.Parse(*c.DoAEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("doa_endpoint must be an http(s) URL, got %q", *c.DoAEndpoint)
		}
	}
	if c.CoTEndpoint != nil {
		if _, _, err := net.SplitHostPort(*c.CoTEndpoint); err != nil {
			return fmt.Errorf("cot_endpoint must be host:port, got %q: %w", *c.CoTEndpoint, err)
		}
	}
	if c.SerialPort != nil && *c.SerialPort == "" {
		return fmt.Errorf("serial_port must not be empty")
	}
	if c.MeshDriver != nil && *c.MeshDriver != MeshDriverStream && *c.MeshDriver != MeshDriverText {
		return fmt.Errorf("mesh_driver must be %q or %q, got %q", MeshDriverStream, MeshDriverText, *c.MeshDriver)
	}

	if c.FOVDegrees != nil && (*c.FOVDegrees < 1 || *c.FOVDegrees > 360) {
		return fmt.Errorf("fov_degrees must be between 1 and 360, got %d", *c.FOVDegrees)
	}
	if c.RangeMeters != nil && (*c.RangeMeters < 1 || *c.RangeMeters > 1<<31-1) {
		return fmt.Errorf("range_meters must be positive, got %d", *c.RangeMeters)
	}
	if c.ContactID != nil && *c.ContactID == "" {
		return fmt.Errorf("contact_id must not be empty")
	}
	if c.UniqueID != nil && *c.UniqueID == "" {
		return fmt.Errorf("unique_id must not be empty")
	}

	durations := []struct {
		name     string
		value    *string
		positive bool
	}{
		{"stale_after", c.StaleAfter, true},
		{"poll_interval", c.PollInterval, true},
		{"sweep_interval", c.SweepInterval, false},
		{"handshake_timeout", c.HandshakeTimeout, true},
		{"heartbeat_interval", c.HeartbeatInterval, false},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 || (d.positive && v == 0) {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	if c.ReconnectAttempts != nil && *c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must be non-negative, got %d", *c.ReconnectAttempts)
	}

	if c.Lat != nil && (*c.Lat < -90 || *c.Lat > 90) {
		return fmt.Errorf("lat must be between -90 and 90, got %f", *c.Lat)
	}
	if c.Lon != nil && (*c.Lon < -180 || *c.Lon > 180) {
		return fmt.Errorf("lon must be between -180 and 180, got %f", *c.Lon)
	}

	if _, err := c.PortOptions().Normalize(); err != nil {
		return fmt.Errorf("serial settings: %w", err)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetDoAEndpoint returns the receiver base URL.
func (c *RelayConfig) GetDoAEndpoint() string {
	if c.DoAEndpoint == nil {
		return "http://192.168.1.106:8081"
	}
	return *c.DoAEndpoint
}

// GetSerialPort returns the mesh radio device path.
func (c *RelayConfig) GetSerialPort() string {
	if c.SerialPort == nil {
		return "/dev/ttyACM0"
	}
	return *c.SerialPort
}

// GetMeshDriver returns the mesh driver name.
func (c *RelayConfig) GetMeshDriver() string {
	if c.MeshDriver == nil {
		return MeshDriverStream
	}
	return *c.MeshDriver
}

// GetCoTEndpoint returns the CoT consumer host:port.
func (c *RelayConfig) GetCoTEndpoint() string {
	if c.CoTEndpoint == nil {
		return "192.168.1.1:8088"
	}
	return *c.CoTEndpoint
}

func (c *RelayConfig) GetFOVDegrees() int {
	if c.FOVDegrees == nil {
		return 8
	}
	return *c.FOVDegrees
}

func (c *RelayConfig) GetRangeMeters() int {
	if c.RangeMeters == nil {
		return 10000
	}
	return *c.RangeMeters
}

func (c *RelayConfig) GetContactID() string {
	if c.ContactID == nil {
		return "doa-alpha"
	}
	return *c.ContactID
}

func (c *RelayConfig) GetUniqueID() string {
	if c.UniqueID == nil {
		return "sig-0"
	}
	return *c.UniqueID
}

// GetStaleAfter returns how long consumers keep showing an event.
func (c *RelayConfig) GetStaleAfter() time.Duration {
	return durationOr(c.StaleAfter, cot.DefaultStaleAfter)
}

// GetPollInterval returns the DoA polling period.
func (c *RelayConfig) GetPollInterval() time.Duration {
	return durationOr(c.PollInterval, 5*time.Second)
}

// GetSweepInterval returns the spacing between sweep sends. Zero means back
// to back.
func (c *RelayConfig) GetSweepInterval() time.Duration {
	return durationOr(c.SweepInterval, 0)
}

// GetHandshakeTimeout returns how long to wait for the radio's config dump.
func (c *RelayConfig) GetHandshakeTimeout() time.Duration {
	return durationOr(c.HandshakeTimeout, 10*time.Second)
}

// GetHeartbeatInterval returns the stream API heartbeat period. Zero turns
// heartbeats off.
func (c *RelayConfig) GetHeartbeatInterval() time.Duration {
	return durationOr(c.HeartbeatInterval, 5*time.Minute)
}

// GetReconnectAttempts returns the CoT reconnect budget. Zero fails on the
// first write error.
func (c *RelayConfig) GetReconnectAttempts() int {
	if c.ReconnectAttempts == nil {
		return 0
	}
	return *c.ReconnectAttempts
}

// Point returns the sensor position, filling unset fields from
// cot.DefaultPoint.
func (c *RelayConfig) Point() cot.Point {
	p := cot.DefaultPoint
	if c.Lat != nil {
		p.Lat = float32(*c.Lat)
	}
	if c.Lon != nil {
		p.Lon = float32(*c.Lon)
	}
	if c.CE != nil {
		p.CE = float32(*c.CE)
	}
	if c.HAE != nil {
		p.HAE = float32(*c.HAE)
	}
	if c.LE != nil {
		p.LE = float32(*c.LE)
	}
	return p
}

// PortOptions returns the serial line settings. Unset fields stay zero and
// are defaulted by serialmux.
func (c *RelayConfig) PortOptions() serialmux.PortOptions {
	var o serialmux.PortOptions
	if c.BaudRate != nil {
		o.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		o.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		o.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		o.Parity = *c.Parity
	}
	return o
}
