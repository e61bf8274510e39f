package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/bearing.relay/internal/cot"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyRelayConfigDefaults(t *testing.T) {
	cfg := EmptyRelayConfig()

	if got := cfg.GetDoAEndpoint(); got != "http://192.168.1.106:8081" {
		t.Errorf("GetDoAEndpoint() = %q", got)
	}
	if got := cfg.GetSerialPort(); got != "/dev/ttyACM0" {
		t.Errorf("GetSerialPort() = %q", got)
	}
	if got := cfg.GetMeshDriver(); got != MeshDriverStream {
		t.Errorf("GetMeshDriver() = %q", got)
	}
	if got := cfg.GetCoTEndpoint(); got != "192.168.1.1:8088" {
		t.Errorf("GetCoTEndpoint() = %q", got)
	}
	if got := cfg.GetFOVDegrees(); got != 8 {
		t.Errorf("GetFOVDegrees() = %d, want 8", got)
	}
	if got := cfg.GetRangeMeters(); got != 10000 {
		t.Errorf("GetRangeMeters() = %d, want 10000", got)
	}
	if cfg.GetContactID() != "doa-alpha" || cfg.GetUniqueID() != "sig-0" {
		t.Errorf("ids = %q/%q", cfg.GetContactID(), cfg.GetUniqueID())
	}
	if got := cfg.GetStaleAfter(); got != time.Hour {
		t.Errorf("GetStaleAfter() = %v, want 1h", got)
	}
	if got := cfg.GetPollInterval(); got != 5*time.Second {
		t.Errorf("GetPollInterval() = %v, want 5s", got)
	}
	if got := cfg.GetSweepInterval(); got != 0 {
		t.Errorf("GetSweepInterval() = %v, want 0", got)
	}
	if got := cfg.GetHandshakeTimeout(); got != 10*time.Second {
		t.Errorf("GetHandshakeTimeout() = %v, want 10s", got)
	}
	if got := cfg.GetHeartbeatInterval(); got != 5*time.Minute {
		t.Errorf("GetHeartbeatInterval() = %v, want 5m", got)
	}
	if got := cfg.GetReconnectAttempts(); got != 0 {
		t.Errorf("GetReconnectAttempts() = %d, want 0", got)
	}
	if got := cfg.Point(); got != cot.DefaultPoint {
		t.Errorf("Point() = %+v, want %+v", got, cot.DefaultPoint)
	}
	if got := cfg.PortOptions(); got != (serialmux.PortOptions{}) {
		t.Errorf("PortOptions() = %+v, want zero", got)
	}
}

func TestDefaultsFileMatchesGetters(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyRelayConfig()

	if cfg.GetDoAEndpoint() != empty.GetDoAEndpoint() ||
		cfg.GetSerialPort() != empty.GetSerialPort() ||
		cfg.GetMeshDriver() != empty.GetMeshDriver() ||
		cfg.GetCoTEndpoint() != empty.GetCoTEndpoint() ||
		cfg.GetFOVDegrees() != empty.GetFOVDegrees() ||
		cfg.GetRangeMeters() != empty.GetRangeMeters() ||
		cfg.GetContactID() != empty.GetContactID() ||
		cfg.GetUniqueID() != empty.GetUniqueID() ||
		cfg.GetStaleAfter() != empty.GetStaleAfter() ||
		cfg.GetPollInterval() != empty.GetPollInterval() ||
		cfg.GetSweepInterval() != empty.GetSweepInterval() ||
		cfg.GetHandshakeTimeout() != empty.GetHandshakeTimeout() ||
		cfg.GetHeartbeatInterval() != empty.GetHeartbeatInterval() ||
		cfg.GetReconnectAttempts() != empty.GetReconnectAttempts() ||
		cfg.Point() != empty.Point() {
		t.Errorf("%s disagrees with the built-in defaults", DefaultConfigPath)
	}

	opts, err := cfg.PortOptions().Normalize()
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	want, _ := empty.PortOptions().Normalize()
	if opts != want {
		t.Errorf("serial settings = %+v, want %+v", opts, want)
	}
}

func TestLoadRelayConfig_Partial(t *testing.T) {
	path := writeConfig(t, "relay.json", `{
  "cot_endpoint": "tak.local:8087",
  "mesh_driver": "text",
  "poll_interval": "250ms",
  "reconnect_attempts": 5,
  "lat": 47.5,
  "lon": -122.25,
  "baud_rate": 921600,
  "parity": "even"
}`)

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetCoTEndpoint(); got != "tak.local:8087" {
		t.Errorf("GetCoTEndpoint() = %q", got)
	}
	if got := cfg.GetMeshDriver(); got != MeshDriverText {
		t.Errorf("GetMeshDriver() = %q", got)
	}
	if got := cfg.GetPollInterval(); got != 250*time.Millisecond {
		t.Errorf("GetPollInterval() = %v", got)
	}
	if got := cfg.GetReconnectAttempts(); got != 5 {
		t.Errorf("GetReconnectAttempts() = %d", got)
	}
	p := cfg.Point()
	if p.Lat != 47.5 || p.Lon != -122.25 || p.CE != 10 {
		t.Errorf("Point() = %+v", p)
	}
	o := cfg.PortOptions()
	if o.BaudRate != 921600 || o.Parity != "even" || o.DataBits != 0 {
		t.Errorf("PortOptions() = %+v", o)
	}
	// Unset fields keep their defaults.
	if got := cfg.GetFOVDegrees(); got != 8 {
		t.Errorf("GetFOVDegrees() = %d, want 8", got)
	}
}

func TestLoadRelayConfig_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "relay.yaml", `{}`, ".json extension"},
		{"bad json", "relay.json", `{"fov_degrees":`, "parse config JSON"},
		{"fov too wide", "relay.json", `{"fov_degrees": 400}`, "fov_degrees"},
		{"zero fov", "relay.json", `{"fov_degrees": 0}`, "fov_degrees"},
		{"negative range", "relay.json", `{"range_meters": -1}`, "range_meters"},
		{"bad driver", "relay.json", `{"mesh_driver": "ble"}`, "mesh_driver"},
		{"bad cot endpoint", "relay.json", `{"cot_endpoint": "tak.local"}`, "cot_endpoint"},
		{"bad doa endpoint", "relay.json", `{"doa_endpoint": "192.168.1.106:8081"}`, "doa_endpoint"},
		{"empty serial port", "relay.json", `{"serial_port": ""}`, "serial_port"},
		{"empty contact", "relay.json", `{"contact_id": ""}`, "contact_id"},
		{"bad duration", "relay.json", `{"poll_interval": "often"}`, "poll_interval"},
		{"zero poll", "relay.json", `{"poll_interval": "0s"}`, "poll_interval"},
		{"negative sweep", "relay.json", `{"sweep_interval": "-1s"}`, "sweep_interval"},
		{"negative reconnect", "relay.json", `{"reconnect_attempts": -2}`, "reconnect_attempts"},
		{"lat out of range", "relay.json", `{"lat": 91}`, "lat"},
		{"lon out of range", "relay.json", `{"lon": -181}`, "lon"},
		{"bad parity", "relay.json", `{"parity": "mark"}`, "serial settings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadRelayConfig(path)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRelayConfig_MissingAndOversized(t *testing.T) {
	if _, err := LoadRelayConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	big := `{"contact_id": "` + strings.Repeat("x", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", big)
	_, err := LoadRelayConfig(path)
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestZeroSweepAndHeartbeatAllowed(t *testing.T) {
	cfg := &RelayConfig{SweepInterval: ptrString("0s"), HeartbeatInterval: ptrString("0s")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.GetHeartbeatInterval() != 0 {
		t.Errorf("GetHeartbeatInterval() = %v, want 0", cfg.GetHeartbeatInterval())
	}
}

func TestPointFromConfig(t *testing.T) {
	cfg := &RelayConfig{Lat: ptrFloat64(-33.9), HAE: ptrFloat64(120), RangeMeters: ptrInt(500)}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	want := cot.Point{Lat: float32(-33.9), Lon: 12, CE: 10, HAE: 120, LE: 10}
	if got := cfg.Point(); got != want {
		t.Errorf("Point() = %+v, want %+v", got, want)
	}
	if cfg.GetRangeMeters() != 500 {
		t.Errorf("GetRangeMeters() = %d", cfg.GetRangeMeters())
	}
}
