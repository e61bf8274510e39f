package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/bearing.relay/internal/config"
	"github.com/banshee-data/bearing.relay/internal/cot"
	"github.com/banshee-data/bearing.relay/internal/doa"
	"github.com/banshee-data/bearing.relay/internal/mesh"
	"github.com/banshee-data/bearing.relay/internal/relay"
	"github.com/banshee-data/bearing.relay/internal/serialmux"
	"github.com/banshee-data/bearing.relay/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the relay JSON config")
	mode        = flag.String("mode", relay.ModePublish, "Run mode: publish, relay, sweep, forward or once")
	azimuth     = flag.Int("azimuth", 0, "Bearing in degrees published by -mode once")
	debugListen = flag.String("debug-listen", "", "Admin and metrics listen address, e.g. localhost:8090 (disabled when empty)")
	showVersion = flag.Bool("version", false, "Print version and exit")
	devMode     = flag.Bool("dev", false, "Replay canned mesh text instead of opening the serial port")

	// Overrides for the config file.
	doaEndpoint = flag.String("doa", "", "DoA receiver base URL")
	serialPort  = flag.String("serial-port", "", "Mesh radio serial device")
	meshDriver  = flag.String("mesh-driver", "", "Mesh driver: stream or text")
	cotEndpoint = flag.String("cot", "", "CoT consumer host:port")
)

// devFixtures is what the -dev replay port says, one line at a time.
var devFixtures = [][]byte{[]byte("87\n"), []byte("88\n"), []byte("not-a-bearing\n"), []byte("90\n")}

// needs lists the collaborators a mode requires.
type needs struct {
	source    bool
	session   bool
	publisher bool
}

var modeNeeds = map[string]needs{
	relay.ModePublish: {source: true, publisher: true},
	relay.ModeRelay:   {session: true, publisher: true},
	relay.ModeSweep:   {session: true},
	relay.ModeForward: {source: true, session: true},
	relay.ModeOnce:    {publisher: true},
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("bearing-relay %s\n", version.String())
		return
	}

	if err := run(); err != nil {
		log.Fatalf("bearing-relay: %v", err)
	}
}

func run() error {
	need, ok := modeNeeds[*mode]
	if !ok {
		return fmt.Errorf("%w %q", relay.ErrUnknownMode, *mode)
	}

	var once int32
	if *mode == relay.ModeOnce {
		az, err := relay.ParseAzimuth(strconv.Itoa(*azimuth))
		if err != nil {
			return err
		}
		once = az
	}

	cfg, err := loadConfig(*configPath, isFlagSet("config"))
	if err != nil {
		return err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics, err := relay.NewMetrics(nil)
	if err != nil {
		return err
	}
	opts := []relay.Option{relay.WithMetrics(metrics)}

	if need.source {
		log.Printf("polling DoA receiver at %s every %s", cfg.GetDoAEndpoint(), cfg.GetPollInterval())
		opts = append(opts, relay.WithSource(doa.NewClient(cfg.GetDoAEndpoint())))
	}

	var session mesh.Session
	if need.session {
		radio, device := newRadio(cfg, *devMode)
		session, err = radio.Connect(ctx, device)
		if err != nil {
			return err
		}
		defer session.Close()
		opts = append(opts, relay.WithSession(session))
	}

	if need.publisher {
		pub, err := cot.Dial(ctx, cfg.GetCoTEndpoint(), publisherOptions(cfg)...)
		if err != nil {
			return err
		}
		defer pub.Close()
		opts = append(opts, relay.WithPublisher(pub))
	}

	loop := relay.New(relayConfig(cfg), opts...)

	var wg sync.WaitGroup
	if *debugListen != "" {
		mux := http.NewServeMux()
		debug := tsweb.Debugger(mux)
		debug.Handle("relay-status", "relay loop status", loop.StatusHandler())
		if r, ok := session.(mesh.AdminRouter); ok {
			r.AttachAdminRoutes(mux)
		}
		mux.Handle("/metrics", metrics.Handler())

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(ctx, *debugListen, mux)
		}()
	}

	log.Printf("bearing-relay %s running %s mode", version.String(), *mode)
	if *mode == relay.ModeOnce {
		err = loop.PublishOnce(ctx, once)
	} else {
		err = loop.Run(ctx, *mode)
	}

	stop()
	wg.Wait()
	if err != nil {
		return err
	}
	log.Printf("%s mode finished", *mode)
	return nil
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the built-in defaults apply.
func loadConfig(path string, explicit bool) (*config.RelayConfig, error) {
	cfg, err := config.LoadRelayConfig(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		log.Printf("no config at %s, using defaults", path)
		return config.EmptyRelayConfig(), nil
	}
	return nil, err
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func applyOverrides(cfg *config.RelayConfig) {
	override := func(dst **string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = &v
		}
	}
	override(&cfg.DoAEndpoint, *doaEndpoint)
	override(&cfg.SerialPort, *serialPort)
	override(&cfg.MeshDriver, *meshDriver)
	override(&cfg.CoTEndpoint, *cotEndpoint)
}

func relayConfig(cfg *config.RelayConfig) relay.Config {
	return relay.Config{
		ContactID:     cfg.GetContactID(),
		UID:           cfg.GetUniqueID(),
		FieldOfView:   uint32(cfg.GetFOVDegrees()),
		Range:         int32(cfg.GetRangeMeters()),
		PollInterval:  cfg.GetPollInterval(),
		SweepInterval: cfg.GetSweepInterval(),
	}
}

func publisherOptions(cfg *config.RelayConfig) []cot.Option {
	return []cot.Option{
		cot.WithPoint(cfg.Point()),
		cot.WithStaleAfter(cfg.GetStaleAfter()),
		cot.WithReconnect(uint(cfg.GetReconnectAttempts())),
	}
}

// newRadio picks the mesh driver and device. Dev mode replays devFixtures
// through the text driver.
func newRadio(cfg *config.RelayConfig, dev bool) (mesh.Radio, string) {
	if dev {
		replay := serialmux.SerialPortOpener(func(string, serialmux.PortOptions) (serialmux.SerialPorter, error) {
			return serialmux.NewReplayPort(devFixtures, 2*time.Second), nil
		})
		return mesh.NewTextRadio(replay, serialmux.PortOptions{}), "replay"
	}

	ports := serialmux.NewRealSerialPortFactory()
	if cfg.GetMeshDriver() == config.MeshDriverText {
		return mesh.NewTextRadio(ports, cfg.PortOptions()), cfg.GetSerialPort()
	}

	sr := mesh.NewStreamRadio(ports, cfg.PortOptions())
	sr.HandshakeTimeout = cfg.GetHandshakeTimeout()
	sr.HeartbeatInterval = cfg.GetHeartbeatInterval()
	if sr.HeartbeatInterval == 0 {
		sr.HeartbeatInterval = -1
	}
	return sr, cfg.GetSerialPort()
}

func serveDebug(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()
	log.Printf("debug server listening on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown error: %v", err)
	}
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nRelays direction-finding bearings between a DoA receiver, a Meshtastic mesh and a CoT consumer.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
}
