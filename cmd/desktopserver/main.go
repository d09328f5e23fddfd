// Command desktopserver runs the remote desktop server: it accepts
// remote-control connections, streams frames, and replays input, while
// answering control commands from the agent core over the in-process
// message bus or the optional TCP control channel.
package main

import (
	"crypto/sha256"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/sysguard/remote/internal/backend"
	"github.com/sysguard/remote/internal/broker"
	"github.com/sysguard/remote/internal/cipher"
	"github.com/sysguard/remote/internal/config"
	"github.com/sysguard/remote/internal/server"
	"github.com/sysguard/remote/internal/store"
	"github.com/sysguard/remote/internal/ui"
	"github.com/sysguard/remote/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("desktopserver", pflag.ContinueOnError)
	port := flags.IntP("port", "p", config.DefaultDesktopPort, "service port")
	headless := flags.Bool("headless", false, "use the synthetic test-pattern backend")
	enableIPC := flags.Bool("enable-ipc", false, "serve the TCP control channel")
	logLevel := flags.StringP("log-level", "l", "info", "log level (trace|debug|info|warn|error)")
	agentID := flags.String("agent-id", "", "agent identifier reported to the core")
	configPath := flags.String("config", "", "JSON configuration file")
	metricsAddr := flags.String("metrics-addr", "", "address to serve Prometheus metrics on")
	dbPath := flags.String("db", "sysguard.db", "SQLite database path")
	cipherMode := flags.String("cipher", "aead", "transport cipher (stream|aead)")
	help := flags.BoolP("help", "h", false, "print usage and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if *help {
		fmt.Printf("Usage of desktopserver:\n")
		flags.SetOutput(os.Stdout)
		flags.PrintDefaults()
		return 0
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		return 2
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	log.Info().Str("version", version.Version).Msg("remote desktop server")

	cfg := config.Default()
	if *configPath != "" {
		if err := config.Load(*configPath, &cfg, log); err != nil {
			log.Error().Err(err).Msg("config load failed")
			return 1
		}
	}
	if flags.Changed("port") {
		cfg.Port = *port
		cfg.IPCPort = *port + 100
	}
	if flags.Changed("agent-id") {
		cfg.AgentID = *agentID
	}

	newCipher, err := cipherFactory(*cipherMode)
	if err != nil {
		log.Error().Err(err).Msg("cipher setup failed")
		return 1
	}

	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Error().Err(err).Msg("store open failed")
		return 1
	}
	defer db.Close()

	var be backend.Backend
	if *headless {
		be = backend.NewTestPattern(1280, 720, log)
	} else {
		// Platform capture backends are not wired in; the synthetic
		// backend serves until they are.
		log.Warn().Msg("no platform capture backend, using test pattern")
		be = backend.NewTestPattern(1280, 720, log)
	}

	bus := broker.New(log)
	bus.Start()
	defer bus.Stop()

	srv := server.New(server.Options{
		Module:    "RemoteDesktopServer",
		Config:    cfg,
		Store:     db,
		Broker:    bus,
		Backend:   be,
		NewCipher: newCipher,
		Theme:     ui.NewService(),
		Compress:  true,
		Log:       log,
	})

	if !srv.Start() {
		log.Error().Int("port", cfg.Port).Msg("bind failed")
		return 1
	}
	srv.RegisterWithAgentCore()
	if *enableIPC {
		if !srv.StartIPC() {
			srv.Shutdown()
			return 1
		}
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, log)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigs:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		srv.Shutdown()
	case <-srv.Done():
	}
	return 0
}

// cipherFactory maps the --cipher flag to a per-connection cipher
// constructor. Stream mode derives its shared key from the
// SYSGUARD_STREAM_KEY passphrase; aead negotiates a fresh key on each
// connection.
func cipherFactory(mode string) (server.NewCipherFunc, error) {
	switch mode {
	case "aead":
		return func(conn net.Conn) (cipher.Cipher, error) {
			return cipher.Negotiate(conn)
		}, nil
	case "stream":
		pass := os.Getenv("SYSGUARD_STREAM_KEY")
		if pass == "" {
			return nil, fmt.Errorf("stream cipher requires SYSGUARD_STREAM_KEY")
		}
		key := sha256.Sum256([]byte(pass))
		return func(net.Conn) (cipher.Cipher, error) {
			return cipher.NewStream(key[:])
		}, nil
	}
	return nil, fmt.Errorf("unknown cipher mode %q", mode)
}

func serveMetrics(addr string, log zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server failed")
	}
}
