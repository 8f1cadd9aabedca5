// Command capydeploy-agent is the standalone control-channel agent: it
// serves the paired-hub session protocol, the bulk upload side channel, and
// (optionally) mDNS discovery and Prometheus metrics, all driven by one
// persisted settings document. Shape follows
// cmd/flowersec-tunnel/main.go's testable run(args, stdout, stderr) int
// entrypoint, trimmed to what this agent actually needs: no TLS, no issuer
// keyset to reload, and no runtime metrics toggle, since whether metrics run
// at all is a fixed startup choice (--metrics-listen either is or isn't set).
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/capydeploy/agent/artwork"
	"github.com/capydeploy/agent/config"
	"github.com/capydeploy/agent/consolelog"
	"github.com/capydeploy/agent/discovery"
	"github.com/capydeploy/agent/frontendbridge"
	"github.com/capydeploy/agent/gamelog"
	"github.com/capydeploy/agent/handlers"
	"github.com/capydeploy/agent/internal/version"
	"github.com/capydeploy/agent/lifecycle"
	"github.com/capydeploy/agent/observability"
	"github.com/capydeploy/agent/observability/prom"
	"github.com/capydeploy/agent/pairing"
	"github.com/capydeploy/agent/session"
	"github.com/capydeploy/agent/settings"
	"github.com/capydeploy/agent/steamfs"
	"github.com/capydeploy/agent/telemetry"
	"github.com/capydeploy/agent/upload"
)

var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

type ready struct {
	Version    string `json:"version"`
	AgentID    string `json:"agentId"`
	AgentName  string `json:"agentName"`
	Listen     string `json:"listen"`
	WSURL      string `json:"wsUrl"`
	MetricsURL string `json:"metricsUrl,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	fs := flag.NewFlagSet("capydeploy-agent", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *showVersion {
		fmt.Fprintln(stdout, version.String(buildVersion, buildCommit, buildDate))
		return 0
	}

	store, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.AgentName != "" && store.AgentName() == "" {
		_ = store.SetAgentName(cfg.AgentName)
	}
	if store.AgentName() == "" {
		_ = store.SetAgentName(defaultAgentName())
	}
	if store.InstallPath() == "" {
		_ = store.SetInstallPath("~/Games")
	}
	if store.AgentID() == "" {
		_ = store.SetAgentID(generateAgentID(store.AgentName()))
	}
	if err := os.MkdirAll(steamfs.ExpandPath(store.InstallPath()), 0o755); err != nil {
		logger.Printf("could not create install path %q: %v", store.InstallPath(), err)
	}

	var obs observability.AgentObserver = observability.Noop
	reg := prom.NewRegistry()
	if cfg.MetricsListen != "" {
		obs = prom.NewAgentObserver(reg)
	}

	bridge := frontendbridge.New(store)
	pending := artwork.NewPendingStore()
	pairingAuthority := pairing.New(store, obs)
	uploadCoordinator := upload.NewCoordinator(store, bridge, pending, obs)
	telemetryCollector := telemetry.NewCollector()
	consoleLogCollector := consolelog.NewCollector()
	gameLogTailer := gamelog.NewTailer()

	lifecycleManager := &lifecycle.Manager{
		Store:      store,
		Bridge:     bridge,
		Telemetry:  telemetryCollector,
		ConsoleLog: consoleLogCollector,
		GameLog:    gameLogTailer,
		Upload:     uploadCoordinator,
		Pending:    pending,
		Obs:        obs,
	}

	deps := &handlers.Deps{
		Store:      store,
		Bridge:     bridge,
		Pairing:    pairingAuthority,
		Telemetry:  telemetryCollector,
		ConsoleLog: consoleLogCollector,
		GameLog:    gameLogTailer,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Obs:        obs,
		Version:    version.String(buildVersion, buildCommit, buildDate),
	}

	router := session.NewRouter()
	deps.Register(router)
	router.Register("init_upload", uploadCoordinator.InitUpload)
	router.Register("upload_chunk", uploadCoordinator.UploadChunk)
	router.Register("complete_upload", uploadCoordinator.CompleteUpload)
	router.Register("cancel_upload", uploadCoordinator.CancelUpload)

	statusProvider := func() session.AgentStatus {
		return session.AgentStatus{
			Name:              store.AgentName(),
			Version:           deps.Version,
			Platform:          steamfs.DetectPlatform(),
			AcceptConnections: true,
			TelemetryEnabled:  store.TelemetryEnabled(),
			TelemetryInterval: store.TelemetryInterval(),
			ConsoleLogEnabled: store.ConsoleLogEnabled(),
			ProtocolVersion:   session.ProtocolCurrent,
		}
	}

	srv := session.NewServer(
		session.ServerConfig{AllowNoOrigin: true, Observer: obs},
		pairingAuthority,
		router,
		lifecycleManager,
		statusProvider,
		artwork.NewBinaryHandler(pending, bridge, obs),
		uploadCoordinator.BinaryUploadChunk,
	)
	deps.Server = srv

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsListen != "" {
		metricsLn, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", prom.Handler(reg))
		metricsSrv = &http.Server{Handler: metricsMux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal(err)
			}
		}()
	}

	var advertiser discovery.Advertiser
	discoveryCtx, cancelDiscovery := context.WithCancel(context.Background())
	defer cancelDiscovery()
	if cfg.DiscoveryEnabled {
		_, port, err := net.SplitHostPort(ln.Addr().String())
		if err != nil {
			logger.Printf("could not resolve listen port for discovery: %v", err)
		} else {
			advertiser = discovery.NewUDPAdvertiser()
			rec := discovery.Record{
				ID:       store.AgentID(),
				Name:     store.AgentName(),
				Platform: steamfs.DetectPlatform(),
				Version:  deps.Version,
			}
			if _, err := fmt.Sscanf(port, "%d", &rec.Port); err == nil {
				if err := advertiser.Start(discoveryCtx, rec); err != nil {
					logger.Printf("discovery failed to start: %v", err)
				}
			}
		}
	}

	out := ready{
		Version:   deps.Version,
		AgentID:   store.AgentID(),
		AgentName: store.AgentName(),
		Listen:    ln.Addr().String(),
		WSURL:     "ws://" + ln.Addr().String() + "/ws",
	}
	if metricsLn != nil {
		out.MetricsURL = "http://" + metricsLn.Addr().String() + "/metrics"
	}
	_ = json.NewEncoder(stdout).Encode(out)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	if advertiser != nil {
		advertiser.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	return 0
}

func defaultAgentName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "Steam Deck"
}

// generateAgentID matches main.py's fallback id derivation: an 8-character
// hex digest seeded by the agent name and the current time, persisted once
// generated.
func generateAgentID(agentName string) string {
	data := fmt.Sprintf("%s-linux-%d", agentName, time.Now().UnixNano())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:8]
}
